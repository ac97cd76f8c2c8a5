//go:build rp2040 || rp2350

package pio

import (
	rp2pio "github.com/tinygo-org/pio/rp2-pio"
)

var (
	// State machine allocation tracking. Both chips carry two PIO
	// blocks with four state machines each.
	allocations = [2][4]bool{}
	nextBlock   = uint8(0)
	nextSM      = uint8(0)
)

// allocate claims a free state machine, scanning round robin across
// both blocks. ok is false when all eight are taken.
func allocate() (sm rp2pio.StateMachine, ok bool) {
	for i := 0; i < 8; i++ {
		block := nextBlock
		num := nextSM

		nextSM++
		if nextSM >= 4 {
			nextSM = 0
			nextBlock = (nextBlock + 1) % 2
		}

		if !allocations[block][num] {
			allocations[block][num] = true
			hw := rp2pio.PIO0
			if block == 1 {
				hw = rp2pio.PIO1
			}
			return hw.StateMachine(num), true
		}
	}
	return rp2pio.StateMachine{}, false
}
