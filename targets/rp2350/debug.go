//go:build rp2350

package main

import (
	"machine"

	"spindle/core"
)

// initDebugUART points the engine's debug writer at UART1, so trace
// ring dumps survive a wedged USB link. Wiring: TX=GP8, RX=GP9 at
// 115200 baud. GP8 doubles as the spi1a receive line; only hook a
// probe up when that bus is unused.
func initDebugUART() {
	uart := machine.UART1
	err := uart.Configure(machine.UARTConfig{
		BaudRate: 115200,
		TX:       machine.GPIO8,
		RX:       machine.GPIO9,
	})
	if err != nil {
		return
	}
	core.SetDebugWriter(func(s string) {
		uart.Write([]byte(s))
		uart.Write([]byte("\r\n"))
	})
}
