//go:build rp2040 || rp2350

package main

// SPI loopback smoke test. Jumper MOSI (GP3) to MISO (GP0), flash, and
// watch the serial console: each stage prints OK or the LED blinks
// forever on the first failure.

import (
	"bytes"
	"machine"
	"time"

	"spindle/core"
	"spindle/targets/rp2"
)

var (
	asyncEvents core.Events
	asyncDone   bool
)

func main() {
	time.Sleep(3 * time.Second)

	led := machine.LED
	led.Configure(machine.PinConfig{Mode: machine.PinOutput})

	println("=== SPI Loopback Test ===")
	println("Bus spi0a: SCK=GP2, MOSI=GP3, MISO=GP0")
	println("Jumper GP3 to GP0 before running")

	provider := rp2.NewProvider()
	port, err := provider.ConfigurePort(core.SPIConfig{
		BusID: 0,
		Mode:  0,
		Rate:  1000000,
	})
	if err != nil {
		fail(led, "configure: "+err.Error())
	}

	eng := core.NewSPI(port, provider.DMAPoolFor(0))
	provider.BindService(0, eng.Service)

	// Stage 1: synchronous exchange
	out := []byte{0xA5, 0x5A, 0x0F, 0xF0}
	in := make([]byte, len(out))
	if err := eng.Tx(out, in); err != nil {
		fail(led, "sync tx: "+err.Error())
	}
	if !bytes.Equal(out, in) {
		fail(led, "sync tx: data mismatch")
	}
	println("sync exchange: OK")

	// Stage 2: interrupt paced transfer
	runAsync(led, eng, 16, core.DMANever, "irq transfer")

	// Stage 3: DMA paced transfer
	runAsync(led, eng, 256, core.DMAAlways, "dma transfer")

	println("")
	println("all stages passed")
	for {
		led.High()
		time.Sleep(500 * time.Millisecond)
		led.Low()
		time.Sleep(500 * time.Millisecond)
	}
}

// runAsync starts one asynchronous transfer of n bytes and waits for
// the completion callback, checking the echoed data.
func runAsync(led machine.Pin, eng *core.SPI, n int, hint core.DMAUsage, name string) {
	tx := make([]byte, n)
	for i := range tx {
		tx[i] = byte(i)
	}
	rx := make([]byte, n)

	asyncDone = false
	err := eng.Begin(tx, rx, 8, core.EventAll, func(ev core.Events) {
		asyncEvents = ev
		asyncDone = true
	}, hint)
	if err != nil {
		fail(led, name+": begin: "+err.Error())
	}

	deadline := time.Now().Add(2 * time.Second)
	for !asyncDone {
		if time.Now().After(deadline) {
			fail(led, name+": timed out")
		}
		time.Sleep(1 * time.Millisecond)
	}

	if !asyncEvents.Has(core.EventComplete) {
		fail(led, name+": ended "+asyncEvents.String())
	}
	if !bytes.Equal(tx, rx) {
		fail(led, name+": data mismatch")
	}
	println(name+":", "OK")
}

// fail reports the failure and blinks fast forever.
func fail(led machine.Pin, msg string) {
	println("FAIL:", msg)
	for {
		led.High()
		time.Sleep(100 * time.Millisecond)
		led.Low()
		time.Sleep(100 * time.Millisecond)
	}
}
