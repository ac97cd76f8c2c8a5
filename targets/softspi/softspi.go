//go:build tinygo

// Package softspi bit-bangs SPI on arbitrary GPIO pins. It is the
// fallback bus for pin sets no hardware controller or PIO program can
// reach, and it supports all four clock modes.
package softspi

import (
	"errors"
	"machine"
	"time"

	"spindle/core"
)

// Provider implements core.SoftBusProvider over plain GPIO toggling.
type Provider struct{}

func NewProvider() *Provider {
	return &Provider{}
}

// ConfigureSoftBus sets up the pin set and returns a bus over it. The
// clock line is parked at its idle level right away.
func (p *Provider) ConfigureSoftBus(sclk, mosi, miso uint32, mode core.SPIMode, rate uint32) (core.Bus, error) {
	if mode > 3 {
		return nil, errors.New("invalid SPI mode")
	}

	b := &bus{
		sclk: machine.Pin(sclk),
		mosi: machine.Pin(mosi),
		miso: machine.Pin(miso),
		cpol: mode&2 != 0,
		cpha: mode&1 != 0,
	}

	// The clock toggles twice per bit, so a half period per edge.
	if rate > 0 {
		b.halfPeriod = time.Duration(500000000/rate) * time.Nanosecond
	} else {
		b.halfPeriod = 5 * time.Microsecond
	}

	b.sclk.Configure(machine.PinConfig{Mode: machine.PinOutput})
	b.mosi.Configure(machine.PinConfig{Mode: machine.PinOutput})
	b.miso.Configure(machine.PinConfig{Mode: machine.PinInput})

	b.sclk.Set(b.cpol)
	b.mosi.Low()
	return b, nil
}

type bus struct {
	sclk       machine.Pin
	mosi       machine.Pin
	miso       machine.Pin
	cpol       bool // clock idles high
	cpha       bool // sample on the second edge
	halfPeriod time.Duration
}

// Tx clocks w out while filling r. Either slice may be nil; when both
// are given their lengths must match. A nil transmit side clocks fill
// bytes.
func (b *bus) Tx(w, r []byte) error {
	if w != nil && r != nil && len(w) != len(r) {
		return core.ErrLenMismatch
	}
	n := len(w)
	if len(r) > n {
		n = len(r)
	}
	for i := 0; i < n; i++ {
		out := core.FillByte
		if w != nil {
			out = w[i]
		}
		in := b.transferByte(out)
		if r != nil {
			r[i] = in
		}
	}
	return nil
}

func (b *bus) Transfer(c byte) (byte, error) {
	return b.transferByte(c), nil
}

// transferByte shifts one byte out MSB first while sampling the input
// line per the configured phase.
func (b *bus) transferByte(tx byte) byte {
	var rx byte
	for bit := 7; bit >= 0; bit-- {
		if tx&(1<<bit) != 0 {
			b.mosi.High()
		} else {
			b.mosi.Low()
		}

		if !b.cpha {
			// Sample ahead of the leading edge, after the data line
			// has had a moment to settle.
			delayNs(50)
			if b.miso.Get() {
				rx |= 1 << bit
			}
		}

		b.toggleClock()
		time.Sleep(b.halfPeriod)

		if b.cpha {
			if b.miso.Get() {
				rx |= 1 << bit
			}
		}

		// Trailing edge returns the clock to idle.
		b.toggleClock()
		time.Sleep(b.halfPeriod)
	}
	return rx
}

func (b *bus) toggleClock() {
	if b.sclk.Get() {
		b.sclk.Low()
	} else {
		b.sclk.High()
	}
}

// delayNs busy-waits for roughly ns nanoseconds. Good enough for pin
// settle times; not calibrated beyond that.
func delayNs(ns int) {
	loops := ns / 8
	for i := 0; i < loops; i++ {
		_ = i
	}
}
