// Package sim provides an in-memory model of an SPI peripheral, its
// DMA controller and a deterministic clock. The transfer engine runs
// against it unchanged, which makes interrupt-order scenarios
// reproducible in plain Go tests and on the host.
package sim

// Timer represents a scheduled simulator event
type Timer struct {
	WakeTime uint64
	Handler  func(*Timer) uint8
	Next     *Timer
}

// Handler results
const (
	Done       = 0
	Reschedule = 1
)

// Clock is the simulator's time source. Time only moves when Advance
// is called, and due timers fire in wake order, so every interleaving
// a test observes is exactly reproducible.
type Clock struct {
	now    uint64
	timers *Timer
}

// NewClock returns a clock at tick zero with no timers.
func NewClock() *Clock {
	return &Clock{}
}

// Now returns the current tick.
func (c *Clock) Now() uint64 {
	return c.now
}

// Schedule adds a timer to the schedule
func (c *Clock) Schedule(t *Timer) {
	c.insert(t)
}

// insert places a timer in sorted order by WakeTime
func (c *Clock) insert(t *Timer) {
	if c.timers == nil || t.WakeTime < c.timers.WakeTime {
		t.Next = c.timers
		c.timers = t
		return
	}

	current := c.timers
	for current.Next != nil && current.Next.WakeTime < t.WakeTime {
		current = current.Next
	}

	t.Next = current.Next
	current.Next = t
}

// Cancel removes a timer from the schedule. Cancelling a timer that
// is not scheduled is a no-op.
func (c *Clock) Cancel(t *Timer) {
	if c.timers == nil {
		return
	}
	if c.timers == t {
		c.timers = t.Next
		t.Next = nil
		return
	}
	for current := c.timers; current.Next != nil; current = current.Next {
		if current.Next == t {
			current.Next = t.Next
			t.Next = nil
			return
		}
	}
}

// After schedules fn to run once, ticks from now.
func (c *Clock) After(ticks uint64, fn func()) *Timer {
	t := &Timer{
		WakeTime: c.now + ticks,
		Handler: func(*Timer) uint8 {
			fn()
			return Done
		},
	}
	c.insert(t)
	return t
}

// Advance moves time forward by ticks, firing due timers in wake
// order. A handler that returns Reschedule with an updated WakeTime
// is reinserted, so periodic events keep running across the window.
func (c *Clock) Advance(ticks uint64) {
	target := c.now + ticks
	for c.timers != nil && c.timers.WakeTime <= target {
		timer := c.timers
		c.timers = timer.Next
		timer.Next = nil // clear to avoid circular references

		if timer.WakeTime > c.now {
			c.now = timer.WakeTime
		}

		result := timer.Handler(timer)
		if result == Reschedule {
			c.insert(timer)
		}
	}
	c.now = target
}

// Run keeps advancing until no timers remain, with a step bound so a
// self-rescheduling timer cannot spin forever.
func (c *Clock) Run(maxSteps int) {
	for i := 0; i < maxSteps && c.timers != nil; i++ {
		var step uint64
		if c.timers.WakeTime > c.now {
			step = c.timers.WakeTime - c.now
		}
		c.Advance(step)
	}
}
