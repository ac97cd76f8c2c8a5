//go:build rp2040 || rp2350

package rp2

import (
	"errors"
	"machine"

	"spindle/core"
)

// gpioCount is the bank 0 pin count on the Pico family boards.
const gpioCount = 30

// PinProvider maps pin numbers from config commands to GPIO outputs.
type PinProvider struct{}

func (PinProvider) ConfigureOutput(pin uint32) (core.PinOutput, error) {
	if pin >= gpioCount {
		return nil, errors.New("invalid pin number")
	}
	p := machine.Pin(pin)
	p.Configure(machine.PinConfig{Mode: machine.PinOutput})
	return gpioOut(p), nil
}

type gpioOut machine.Pin

func (g gpioOut) Set(high bool) {
	machine.Pin(g).Set(high)
}

// PinNames returns the pin enumeration published in the dictionary.
// Indices match the numbers config commands carry.
func PinNames() []string {
	names := make([]string, gpioCount)
	for i := range names {
		names[i] = "gpio" + itoa(i)
	}
	return names
}

// itoa converts a small non-negative int without pulling in strconv.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [8]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}
