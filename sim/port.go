package sim

import "spindle/core"

// Peer models the device on the other end of the wire: it receives
// each word clocked out and returns the word clocked back in.
type Peer func(w uint32) uint32

// EchoPeer answers every word with itself.
func EchoPeer(w uint32) uint32 { return w }

// ConstPeer answers every word with a fixed value.
func ConstPeer(v uint32) Peer {
	return func(uint32) uint32 { return v }
}

// SeqPeer answers with an incrementing counter, useful for asserting
// receive ordering.
func SeqPeer(start uint32) Peer {
	n := start
	return func(uint32) uint32 {
		v := n
		n++
		return v
	}
}

// Port is a simulated SPI peripheral with real FIFO discipline: words
// written to the transmit FIFO cross the wire one per rate ticks,
// the peer's replies land in the receive FIFO, and a full receive
// FIFO drops words and latches the fault flag like a hardware
// overrun. Interrupt delivery is level-triggered: whenever an
// unmasked condition holds after a wire event, the registered
// interrupt function runs.
type Port struct {
	clk   *Clock
	peer  Peer
	depth int
	rate  uint64

	txq  []uint32
	rxq  []uint32
	wire []uint32 // every word clocked, in order

	mask    core.IRQ
	irq     func()
	fault   bool
	faults  int // total faults latched, for assertions
	ticking bool
	word    Timer
}

// NewPort creates a port on clk talking to peer. depth is the FIFO
// depth in words; the wire moves one word per rate ticks.
func NewPort(clk *Clock, depth int, rate uint64, peer Peer) *Port {
	if peer == nil {
		peer = EchoPeer
	}
	if rate == 0 {
		rate = 1
	}
	p := &Port{clk: clk, peer: peer, depth: depth, rate: rate}
	p.word.Handler = p.clockWord
	return p
}

// OnInterrupt registers the interrupt function, normally the owning
// engine's Service wrapped by the firmware dispatch.
func (p *Port) OnInterrupt(fn func()) {
	p.irq = fn
}

// Wire returns every word clocked out so far, fill words included.
func (p *Port) Wire() []uint32 {
	return p.wire
}

// InjectFault latches the hardware fault flag, as a real part would
// on a mode fault or bus error.
func (p *Port) InjectFault() {
	p.fault = true
}

// InjectRx pushes a word into the receive FIFO directly, modelling an
// external master clocking data at a slave-configured port.
func (p *Port) InjectRx(w uint32) {
	if len(p.rxq) < p.depth {
		p.rxq = append(p.rxq, w)
	} else {
		p.fault = true
		p.faults++
	}
	p.dispatch()
}

// Faults returns how many words were lost to receive FIFO overruns.
func (p *Port) Faults() int {
	return p.faults
}

// WriteWord pushes one word into the transmit FIFO.
func (p *Port) WriteWord(w uint32) {
	p.txq = append(p.txq, w)
	p.arm()
}

// ReadWord pops one word from the receive FIFO.
func (p *Port) ReadWord() uint32 {
	w := p.rxq[0]
	p.rxq = p.rxq[1:]
	return w
}

// CanWrite reports whether the transmit FIFO has space.
func (p *Port) CanWrite() bool { return len(p.txq) < p.depth }

// CanRead reports whether the receive FIFO holds data.
func (p *Port) CanRead() bool { return len(p.rxq) > 0 }

// Busy reports whether a word is mid-shift. Simulated words cross the
// wire atomically on a tick, so between ticks nothing is half done.
func (p *Port) Busy() bool { return false }

// FIFODepth returns the FIFO depth in words.
func (p *Port) FIFODepth() int { return p.depth }

// EnableIRQ unmasks interrupt sources and delivers anything pending.
func (p *Port) EnableIRQ(mask core.IRQ) {
	p.mask |= mask
	p.dispatch()
}

// DisableIRQ masks interrupt sources.
func (p *Port) DisableIRQ(mask core.IRQ) {
	p.mask &^= mask
}

// Flush empties both FIFOs and discards the word being clocked.
func (p *Port) Flush() {
	p.txq = p.txq[:0]
	p.rxq = p.rxq[:0]
	if p.ticking {
		p.clk.Cancel(&p.word)
		p.ticking = false
	}
}

// Fault reads and clears the fault flag.
func (p *Port) Fault() bool {
	f := p.fault
	p.fault = false
	return f
}

// arm schedules the next word crossing if one is pending.
func (p *Port) arm() {
	if p.ticking || len(p.txq) == 0 {
		return
	}
	p.ticking = true
	p.word.WakeTime = p.clk.Now() + p.rate
	p.clk.Schedule(&p.word)
}

// clockWord moves one word across the wire.
func (p *Port) clockWord(t *Timer) uint8 {
	if len(p.txq) == 0 {
		p.ticking = false
		return Done
	}
	w := p.txq[0]
	p.txq = p.txq[1:]
	p.wire = append(p.wire, w)
	in := p.peer(w)
	if len(p.rxq) < p.depth {
		p.rxq = append(p.rxq, in)
	} else {
		// Receive FIFO overrun: the word is lost and the hardware
		// fault flag latches.
		p.fault = true
		p.faults++
	}

	p.dispatch()

	if len(p.txq) > 0 {
		t.WakeTime = p.clk.Now() + p.rate
		return Reschedule
	}
	p.ticking = false
	return Done
}

// dispatch runs the interrupt function while an unmasked condition
// holds.
func (p *Port) dispatch() {
	if p.irq == nil {
		return
	}
	for {
		fire := p.mask&core.IRQRx != 0 && p.CanRead() ||
			p.mask&core.IRQTx != 0 && p.CanWrite()
		if !fire {
			return
		}
		p.irq()
	}
}
