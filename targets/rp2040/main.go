//go:build rp2040

package main

import (
	"machine"
	"time"

	"spindle/bridge"
	"spindle/core"
	"spindle/protocol"
	piospi "spindle/targets/pio"
	"spindle/targets/rp2"
	"spindle/targets/softspi"
)

var (
	inputBuffer  *protocol.FifoBuffer
	outputBuffer *protocol.ScratchOutput
	transport    *protocol.Transport

	messagesReceived uint32
	messagesSent     uint32
	msgerrors        uint32

	usbWasDisconnected       bool
	consecutiveWriteFailures uint32
)

func main() {
	// Clear any watchdog state left over from a firmware restart.
	err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0})
	if err != nil {
		return
	}

	InitUSB()
	initDebugUART()

	bridge.InitCoreCommands()
	bridge.InitSPICommands()

	// Enumerations go in before the dictionary is frozen.
	bridge.RegisterEnumeration("pin", rp2.PinNames())
	bridge.RegisterConstant("MCU", "rp2040")

	provider := rp2.NewProvider()
	bridge.SetPortProvider(provider)
	bridge.SetPinProvider(rp2.PinProvider{})
	bridge.SetSoftBusProvider(softBuses{
		pio:  piospi.NewSPIProvider(),
		gpio: softspi.NewProvider(),
	})

	bridge.GetGlobalDictionary().BuildDictionary()

	inputBuffer = protocol.NewFifoBuffer(256)
	outputBuffer = protocol.NewScratchOutput()

	transport = protocol.NewTransport(outputBuffer, bridge.DispatchCommand)
	transport.SetResetCallback(func() {
		// Clear buffers on host reset.
		inputBuffer.Reset()
		outputBuffer.Reset()
		bridge.ResetFirmwareState()
	})
	// The host holds back commands until each ack arrives, so acks go
	// straight to the wire instead of waiting on the main loop.
	transport.SetFlushCallback(writeUSB)
	bridge.SetGlobalTransport(transport)

	// A host requested restart goes through the watchdog, which also
	// re-enumerates USB cleanly.
	bridge.SetResetHandler(func() {
		err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 1})
		if err != nil {
			return
		}
		if err := machine.Watchdog.Start(); err != nil {
			return
		}
		for {
			time.Sleep(1 * time.Millisecond)
		}
	})

	go usbReaderLoop()

	for {
		// Recover from panics in the main loop to keep the firmware up.
		func() {
			defer func() {
				if r := recover(); r != nil {
					msgerrors++
					core.DumpTraceRing()
					inputBuffer.Reset()
					outputBuffer.Reset()
				}
			}()

			if inputBuffer.Available() > 0 {
				data := inputBuffer.Data()
				originalLen := len(data)
				inputBuf := protocol.NewSliceInputBuffer(data)

				transport.Receive(inputBuf)
				messagesReceived++

				// Remove consumed bytes from the FIFO.
				consumed := originalLen - inputBuf.Available()
				if consumed > 0 {
					inputBuffer.Pop(consumed)
				}
			}

			// Transfer completions queued from interrupt context ride
			// out with this flush.
			bridge.FlushAsyncResults()

			if len(outputBuffer.Result()) > 0 {
				writeUSB()
				messagesSent++
			}

			// Runs only after the ack for a reset command has left.
			bridge.CheckPendingReset()
		}()

		// Yield to other goroutines.
		time.Sleep(10 * time.Microsecond)
	}
}

// softBuses prefers a PIO state machine for software buses and falls
// back to GPIO toggling when the mode or pin set cannot be served.
type softBuses struct {
	pio  *piospi.SPIProvider
	gpio *softspi.Provider
}

func (s softBuses) ConfigureSoftBus(sclk, mosi, miso uint32, mode core.SPIMode, rate uint32) (core.Bus, error) {
	if bus, err := s.pio.ConfigureSoftBus(sclk, mosi, miso, mode, rate); err == nil {
		return bus, nil
	}
	return s.gpio.ConfigureSoftBus(sclk, mosi, miso, mode, rate)
}

// usbReaderLoop feeds the input FIFO from USB in its own goroutine.
func usbReaderLoop() {
	defer func() {
		if r := recover(); r != nil {
			msgerrors++
			// Restart the reader loop.
			time.Sleep(100 * time.Millisecond)
			go usbReaderLoop()
		}
	}()

	for {
		if USBAvailable() > 0 {
			data, err := USBRead()
			if err != nil {
				msgerrors++
				time.Sleep(1 * time.Millisecond)
				continue
			}

			// Data after a disconnect means a fresh host session;
			// start it from a clean slate.
			if usbWasDisconnected {
				usbWasDisconnected = false
				inputBuffer.Reset()
				outputBuffer.Reset()
				transport.Reset()
				bridge.ResetFirmwareState()
				messagesReceived = 0
				messagesSent = 0
				consecutiveWriteFailures = 0
			}

			if inputBuffer.Write([]byte{data}) == 0 {
				// Buffer full; drop and back off.
				msgerrors++
				time.Sleep(10 * time.Millisecond)
			}
		}
		// Yield to avoid a busy loop.
		time.Sleep(100 * time.Microsecond)
	}
}

// writeUSB pushes the output buffer out, handling partial writes and
// tracking failures so a disconnect does not wedge the loop on stale
// data.
func writeUSB() {
	result := outputBuffer.Result()
	if len(result) == 0 {
		return
	}
	written := 0
	for written < len(result) {
		n, err := USBWriteBytes(result[written:])
		if err != nil || n == 0 {
			consecutiveWriteFailures++
			if consecutiveWriteFailures > 10 {
				usbWasDisconnected = true
				consecutiveWriteFailures = 0
				outputBuffer.Reset()
				inputBuffer.Reset()
			}
			return
		}
		written += n
	}
	consecutiveWriteFailures = 0
	outputBuffer.Reset()
}
