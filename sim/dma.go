package sim

import (
	"errors"

	"spindle/core"
)

var errNoJob = errors.New("channel has no job")

// Channel is a simulated DMA channel bound to a port: a started job
// crosses the port's wire in one burst after Words times the port's
// word rate, then the completion interrupt fires. That keeps DMA and
// interrupt transfers byte-for-byte comparable on the same wire.
type Channel struct {
	pool *Pool
	port *Port
	clk  *Clock

	job     core.DMAJob
	running bool
	fault   bool
	fail    bool
	max     int
	done    *Timer
}

// SetMaxWords caps how many words one descriptor may carry; 0 means
// unlimited. Transfers larger than the cap get split by the engine.
func (c *Channel) SetMaxWords(n int) {
	c.max = n
}

// InjectFault latches the channel error flag.
func (c *Channel) InjectFault() {
	c.fault = true
}

// RefuseNext makes the next Start fail, modelling a descriptor the
// controller cannot program.
func (c *Channel) RefuseNext() {
	c.fail = true
}

// Start programs the channel and schedules the burst.
func (c *Channel) Start(job core.DMAJob) error {
	if c.fail {
		c.fail = false
		return errNoJob
	}
	c.job = job
	c.running = true
	c.done = c.clk.After(uint64(job.Words)*c.port.rate, c.complete)
	return nil
}

// Abort stops the channel; nothing crosses the wire.
func (c *Channel) Abort() {
	if !c.running {
		return
	}
	c.clk.Cancel(c.done)
	c.running = false
}

// Busy reports whether a started job is still in flight.
func (c *Channel) Busy() bool { return c.running }

// Fault reads and clears the channel error flag.
func (c *Channel) Fault() bool {
	f := c.fault
	c.fault = false
	return f
}

// MaxWords returns the descriptor limit.
func (c *Channel) MaxWords() int { return c.max }

// complete moves the burst across the wire and raises the completion
// interrupt.
func (c *Channel) complete() {
	j := c.job
	txPos, rxPos := 0, 0
	for i := 0; i < j.Words; i++ {
		out := j.Fill
		if j.Tx != nil {
			out = loadWord(j.Tx, txPos, j.Elem)
			txPos++
		}
		c.port.wire = append(c.port.wire, out)
		in := c.port.peer(out)
		if j.Rx != nil {
			storeWord(j.Rx, rxPos, j.Elem, in)
			rxPos++
		}
	}
	c.running = false
	if c.pool.irq != nil {
		c.pool.irq()
	}
}

// loadWord reads the little-endian word at index pos.
func loadWord(b []byte, pos int, elem uint8) uint32 {
	i := pos * int(elem)
	w := uint32(0)
	for k := 0; k < int(elem); k++ {
		w |= uint32(b[i+k]) << (8 * k)
	}
	return w
}

// storeWord writes the little-endian word at index pos.
func storeWord(b []byte, pos int, elem uint8, w uint32) {
	i := pos * int(elem)
	for k := 0; k < int(elem); k++ {
		b[i+k] = byte(w >> (8 * k))
	}
}

// Pool is a fixed set of simulated channels with claim bookkeeping.
type Pool struct {
	clk      *Clock
	port     *Port
	channels []*Channel
	claimed  []bool
	irq      func()

	acquires int
	releases int
}

// NewPool creates n channels bound to port.
func NewPool(clk *Clock, port *Port, n int) *Pool {
	p := &Pool{clk: clk, port: port}
	for i := 0; i < n; i++ {
		p.channels = append(p.channels, &Channel{pool: p, port: port, clk: clk})
		p.claimed = append(p.claimed, false)
	}
	return p
}

// OnComplete registers the DMA completion interrupt function, wired
// like the port interrupt to the owning engine's Service.
func (p *Pool) OnComplete(fn func()) {
	p.irq = fn
}

// Acquire claims a free channel.
func (p *Pool) Acquire(hint core.DMAUsage) (core.DMAChannel, bool) {
	p.acquires++
	for i, c := range p.channels {
		if !p.claimed[i] {
			p.claimed[i] = true
			return c, true
		}
	}
	return nil, false
}

// Release returns a channel to the pool.
func (p *Pool) Release(ch core.DMAChannel) {
	for i, c := range p.channels {
		if c == ch {
			p.claimed[i] = false
			p.releases++
			return
		}
	}
}

// Claimed returns how many channels are currently claimed.
func (p *Pool) Claimed() int {
	n := 0
	for _, c := range p.claimed {
		if c {
			n++
		}
	}
	return n
}
