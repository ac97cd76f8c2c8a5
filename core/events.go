package core

// Events is a bitmask describing how an asynchronous transfer ended.
// A caller registers the events it wants reported when starting a
// transfer; fault bits are always reported whether registered or not.
type Events uint32

const (
	// EventError reports a hardware or DMA fault during the transfer.
	EventError Events = 1 << 1
	// EventComplete reports that every word was clocked out and in.
	EventComplete Events = 1 << 2
	// EventRxOverflow reports that receive data arrived after the
	// receive buffer was already full and had to be dropped.
	EventRxOverflow Events = 1 << 3

	// EventAll registers every reportable event.
	EventAll = EventError | EventComplete | EventRxOverflow

	// eventInternal marks completion of one piece of a transfer that
	// was split into several DMA descriptors. It is engine bookkeeping
	// and never appears in a surfaced mask.
	eventInternal Events = 1 << 30
)

// Fill values clocked out when the transmit buffer is shorter than the
// transfer. Wide words use FillWord, 8-bit transfers use FillByte.
const (
	FillWord uint32 = 0xFFFF
	FillByte byte   = 0xFF
)

// Has reports whether all bits of mask are set in e.
func (e Events) Has(mask Events) bool {
	return e&mask == mask
}

// String renders the mask for debug output without pulling in fmt.
func (e Events) String() string {
	if e == 0 {
		return "none"
	}
	s := ""
	if e&EventError != 0 {
		s += "+error"
	}
	if e&EventComplete != 0 {
		s += "+complete"
	}
	if e&EventRxOverflow != 0 {
		s += "+rx-overflow"
	}
	if s == "" {
		return "internal"
	}
	return s[1:]
}
