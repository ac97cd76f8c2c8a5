package core

// Synchronous transfer surface. These calls spin on the FIFO flags in
// the foreground and never touch the interrupt machinery, so they must
// not be mixed with a running asynchronous transfer on the same port.

// Exchange clocks one word out and returns the word clocked in.
func (s *SPI) Exchange(w uint32) uint32 {
	for !s.port.CanWrite() {
	}
	s.port.WriteWord(w)
	for !s.port.CanRead() {
	}
	return s.port.ReadWord()
}

// Transfer exchanges a single byte. Together with Tx it gives the
// engine the synchronous bus shape device drivers expect.
func (s *SPI) Transfer(b byte) (byte, error) {
	return byte(s.Exchange(uint32(b))), nil
}

// Tx clocks w out while filling r. Either slice may be nil: a nil w
// clocks fill bytes for every read, a nil r discards everything read.
// When both are given their lengths must match.
func (s *SPI) Tx(w, r []byte) error {
	switch {
	case w == nil && r == nil:
		return nil
	case w == nil:
		for i := range r {
			r[i] = byte(s.Exchange(uint32(FillByte)))
		}
	case r == nil:
		for _, b := range w {
			s.Exchange(uint32(b))
		}
	default:
		if len(w) != len(r) {
			return ErrLenMismatch
		}
		for i, b := range w {
			r[i] = byte(s.Exchange(uint32(b)))
		}
	}
	return nil
}

// BlockTransfer exchanges tx and rx of independent lengths: the longer
// side sets the length and fill is clocked once tx runs out. Returns
// the number of words moved.
func (s *SPI) BlockTransfer(tx, rx []byte, fill byte) int {
	total := len(tx)
	if len(rx) > total {
		total = len(rx)
	}
	for i := 0; i < total; i++ {
		out := uint32(fill)
		if i < len(tx) {
			out = uint32(tx[i])
		}
		in := s.Exchange(out)
		if i < len(rx) {
			rx[i] = byte(in)
		}
	}
	return total
}

// Busy reports whether the port's shift engine is clocking.
func (s *SPI) Busy() bool {
	return s.port.Busy()
}

// SlaveReady reports whether an external master has clocked a word in.
// Meaningful only on a port configured as a slave.
func (s *SPI) SlaveReady() bool {
	return s.port.CanRead()
}

// SlaveRead blocks until a word arrives from the master and returns it.
func (s *SPI) SlaveRead() uint32 {
	for !s.port.CanRead() {
	}
	return s.port.ReadWord()
}

// SlaveWrite queues w for the master's next clock burst.
func (s *SPI) SlaveWrite(w uint32) {
	for !s.port.CanWrite() {
	}
	s.port.WriteWord(w)
}
