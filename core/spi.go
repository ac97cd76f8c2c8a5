package core

import "errors"

// Errors returned by the transfer engine.
var (
	ErrNoPort      = errors.New("SPI port not configured")
	ErrActive      = errors.New("transfer already in progress")
	ErrBadWidth    = errors.New("unsupported word width")
	ErrOddLength   = errors.New("buffer length not a multiple of word size")
	ErrLenMismatch = errors.New("tx and rx lengths differ")
	ErrNoAsync     = errors.New("bus has no asynchronous engine")
)

// Transfer drive modes.
const (
	xferIdle = iota
	xferIRQ
	xferDMA
)

// DMA channel holding states.
const (
	holdNone = iota
	holdTemp // released when the current transfer ends
	holdPerm // kept across transfers until Close
)

// SPI is an asynchronous transfer engine over one Port. A transfer
// moves independent transmit and receive buffers of equal word width;
// the longer buffer sets the transfer length, a short transmit side is
// padded with fill words and a short receive side overflows. Progress
// is driven entirely from Service, which target code calls from the
// SPI (or DMA) interrupt handler.
//
// The engine performs no locking beyond masking its own interrupt
// sources: starting and aborting transfers is foreground work,
// servicing them is interrupt work.
type SPI struct {
	port Port
	pool DMAPool

	tx     buffer
	rx     buffer
	want   Events       // events the caller asked to see
	done   func(Events) // completion callback, may be nil
	faults Events       // fault bits latched while clocking
	sent   int          // words pushed to the wire, fill included
	recvd  int          // words taken off the wire, dropped included
	total  int          // transfer length in words
	fill   uint32
	elem   uint8
	tag    uint8 // owner identifier carried into trace records

	active   bool
	aborting bool

	mode int
	ch   DMAChannel
	hold int
	job  DMAJob // DMA piece currently in flight
}

// NewSPI wraps a configured port in a transfer engine. pool may be nil
// on platforms without a DMA controller.
func NewSPI(port Port, pool DMAPool) *SPI {
	return &SPI{port: port, pool: pool}
}

// SetTag sets the identifier recorded in trace events for this engine.
func (s *SPI) SetTag(tag uint8) {
	s.tag = tag
}

// Begin starts an asynchronous transfer of tx and rx, either of which
// may be nil or shorter than the other. width selects the word size in
// bits (8, 16 or 32); buffers hold words little-endian and must be a
// whole number of words long. want filters which events the completion
// callback and Service report; EventError and EventRxOverflow are
// reported even when not registered. hint steers DMA channel use.
//
// When both buffers are empty the transfer completes on the spot and
// done is invoked before Begin returns. Otherwise Begin primes the
// transmit FIFO with at most one word, unmasks the port interrupts and
// returns; all further progress happens in Service.
func (s *SPI) Begin(tx, rx []byte, width uint8, want Events, done func(Events), hint DMAUsage) error {
	if s.port == nil {
		return ErrNoPort
	}
	if s.active {
		return ErrActive
	}
	elem, err := elemSize(width)
	if err != nil {
		return err
	}
	txb, err := makeBuffer(tx, elem)
	if err != nil {
		return err
	}
	rxb, err := makeBuffer(rx, elem)
	if err != nil {
		return err
	}

	s.tx = txb
	s.rx = rxb
	s.want = want & EventAll
	s.done = done
	s.faults = 0
	s.sent = 0
	s.recvd = 0
	s.total = txb.length
	if rxb.length > s.total {
		s.total = rxb.length
	}
	s.fill = FillWord
	if elem == 1 {
		s.fill = uint32(FillByte)
	}
	s.elem = elem

	if s.total == 0 {
		// Nothing to clock. Complete without touching the hardware.
		out := s.surface(EventComplete)
		trace(evtXferDone, s.tag, uint32(out), 0)
		if s.done != nil {
			s.done(out)
		}
		return nil
	}

	s.active = true
	s.aborting = false
	trace(evtXferBegin, s.tag, uint32(s.total), uint32(hint))

	if s.acquireDMA(hint) {
		s.mode = xferDMA
		s.job = s.nextJob()
		if err := s.ch.Start(s.job); err == nil {
			return nil
		}
		// Channel refused the job. Fall back to the interrupt path.
		s.releaseDMA()
		trace(evtXferFallback, s.tag, 0, 0)
	}

	s.mode = xferIRQ
	if !s.tx.exhausted() && s.port.CanWrite() {
		// Keep the transmit side one word ahead of the interrupts.
		s.port.WriteWord(s.tx.load())
		s.tx.advance(1)
		s.sent++
	}
	s.port.EnableIRQ(IRQRx | IRQTx)
	return nil
}

// Service advances the transfer and is the engine's interrupt handler:
// target code calls it from the SPI FIFO interrupt, or from the DMA
// completion interrupt when a channel is carrying the transfer. It
// drains the receive FIFO, tops up the transmit FIFO, latches fault
// flags and detects termination.
//
// The return value is 0 while the transfer is still running and the
// surfaced event mask exactly once when it terminates. Calls on an
// idle engine, including repeat calls after termination, return 0 and
// have no effect.
func (s *SPI) Service() Events {
	if !s.active || s.aborting {
		return 0
	}
	if s.mode == xferDMA {
		return s.serviceDMA()
	}

	// Drain incoming words first so the FIFO cannot overrun. Words
	// beyond the receive buffer are counted and dropped; dropping is
	// only a fault when a receive buffer was supplied at all.
	depth := s.port.FIFODepth()
	for n := depth; n > 0 && s.port.CanRead(); n-- {
		w := s.port.ReadWord()
		switch {
		case !s.rx.exhausted():
			s.rx.store(w)
			s.rx.advance(1)
		case s.rx.length > 0:
			s.faults |= EventRxOverflow
		}
		if s.recvd < s.total {
			s.recvd++
		}
	}

	// Top up the transmit side, padding with fill once tx runs out.
	// The FIFO depth bounds the work done in one interrupt.
	for n := depth; n > 0 && s.sent < s.total && s.port.CanWrite(); n-- {
		if !s.tx.exhausted() {
			s.port.WriteWord(s.tx.load())
			s.tx.advance(1)
		} else {
			s.port.WriteWord(s.fill)
		}
		s.sent++
	}
	if s.sent >= s.total {
		// Everything is on the wire; only the drain side matters now.
		// Leaving IRQTx unmasked would re-fire forever.
		s.port.DisableIRQ(IRQTx)
	}

	if s.port.Fault() {
		s.faults |= EventError
	}

	if s.sent >= s.total && s.recvd >= s.total {
		return s.finish()
	}
	return 0
}

// serviceDMA handles a DMA completion interrupt: it books the finished
// piece, starts the next one when the transfer was split, and finishes
// the transfer after the last piece.
func (s *SPI) serviceDMA() Events {
	if s.ch == nil || s.ch.Busy() {
		return 0
	}
	if s.ch.Fault() {
		s.faults |= EventError
	}
	n := s.job.Words
	if s.job.Tx != nil {
		s.tx.advance(n)
	}
	if s.job.Rx != nil {
		s.rx.advance(n)
	} else if s.rx.length > 0 {
		s.faults |= EventRxOverflow
	}
	s.sent += n
	s.recvd += n

	if s.sent < s.total && s.faults&EventError == 0 {
		trace(evtXferChunk, s.tag, uint32(eventInternal), uint32(s.sent))
		s.job = s.nextJob()
		if err := s.ch.Start(s.job); err != nil {
			s.faults |= EventError
			return s.finish()
		}
		return 0
	}
	return s.finish()
}

// nextJob computes the next contiguous piece of the transfer a DMA
// descriptor can carry: it stops wherever the source or destination
// view changes (a buffer running out) and at the channel's descriptor
// limit.
func (s *SPI) nextJob() DMAJob {
	n := s.total - s.sent
	if r := s.tx.remaining(); r > 0 && r < n {
		n = r
	}
	if r := s.rx.remaining(); r > 0 && r < n {
		n = r
	}
	if max := s.ch.MaxWords(); max > 0 && n > max {
		n = max
	}
	job := DMAJob{Elem: s.elem, Words: n, Fill: s.fill}
	if !s.tx.exhausted() {
		job.Tx = s.tx.view(n)
	}
	if !s.rx.exhausted() {
		job.Rx = s.rx.view(n)
	}
	return job
}

// finish terminates the transfer: interrupts masked, temporary DMA
// channel returned, terminal mask surfaced through the callback and
// the Service return value.
func (s *SPI) finish() Events {
	s.port.DisableIRQ(IRQRx | IRQTx)
	s.releaseDMA()
	s.mode = xferIdle
	s.active = false
	// Drop the buffer views; caller memory is only referenced while a
	// transfer is in flight.
	s.tx.reset()
	s.rx.reset()
	s.job = DMAJob{}
	out := s.surface(s.faults | EventComplete)
	trace(evtXferDone, s.tag, uint32(out), uint32(s.total))
	if s.done != nil {
		s.done(out)
	}
	return out
}

// surface filters a raw terminal mask down to what the caller sees:
// registered events pass, fault bits always pass, engine bookkeeping
// bits never do.
func (s *SPI) surface(raw Events) Events {
	return raw&s.want | raw&(EventError|EventRxOverflow)
}

// Abort cancels a running transfer, discarding words in flight. The
// completion callback is not invoked. Aborting an idle engine is a
// no-op. On return the engine is idle and ready for a new Begin.
func (s *SPI) Abort() {
	st := disableInterrupts()
	if !s.active {
		restoreInterrupts(st)
		return
	}
	// Stop new interrupts before touching shared state, then wait
	// out any word mid-shift and flush it so nothing arrives after
	// the reset below.
	s.aborting = true
	s.port.DisableIRQ(IRQRx | IRQTx)
	if s.mode == xferDMA && s.ch != nil {
		s.ch.Abort()
	}
	restoreInterrupts(st)

	for s.port.Busy() {
	}
	s.port.Flush()
	s.port.Fault()

	st = disableInterrupts()
	s.releaseDMA()
	s.tx.reset()
	s.rx.reset()
	s.job = DMAJob{}
	s.sent = 0
	s.recvd = 0
	s.total = 0
	s.faults = 0
	s.mode = xferIdle
	s.active = false
	s.aborting = false
	restoreInterrupts(st)
	trace(evtXferAbort, s.tag, 0, 0)
}

// IsActive reports whether the engine is moving data. Beyond the
// transfer flag it consults the held DMA channel and the port's shift
// engine, erring on the side of busy: a permanently held channel that
// reports busy counts as active even if another user is driving it.
func (s *SPI) IsActive() bool {
	if s.ch != nil {
		if s.hold == holdTemp {
			return true
		}
		if s.ch.Busy() {
			return true
		}
	}
	if s.active {
		return true
	}
	// No bookkeeping says active; residue in the FIFOs still does.
	return s.port.Busy() || s.port.CanRead()
}

// Close aborts any running transfer and releases a permanently held
// DMA channel. The engine remains usable in interrupt mode.
func (s *SPI) Close() {
	if s.active {
		s.Abort()
	}
	st := disableInterrupts()
	if s.ch != nil && s.pool != nil {
		s.pool.Release(s.ch)
	}
	s.ch = nil
	s.hold = holdNone
	restoreInterrupts(st)
}

// acquireDMA resolves the caller's hint to a usable channel. A held
// channel is reused when idle; a busy held channel forces the
// interrupt path for this transfer rather than blocking.
func (s *SPI) acquireDMA(hint DMAUsage) bool {
	if s.pool == nil || hint == DMANever {
		return false
	}
	if s.ch != nil {
		return !s.ch.Busy()
	}
	ch, ok := s.pool.Acquire(hint)
	if !ok {
		return false
	}
	s.ch = ch
	if hint == DMAAlways || hint == DMAAllocated {
		s.hold = holdPerm
	} else {
		s.hold = holdTemp
	}
	return true
}

// releaseDMA returns a temporarily held channel to the pool. A
// permanently held channel stays with the engine until Close.
func (s *SPI) releaseDMA() {
	if s.ch == nil || s.hold != holdTemp {
		return
	}
	if s.pool != nil {
		s.pool.Release(s.ch)
	}
	s.ch = nil
	s.hold = holdNone
}
