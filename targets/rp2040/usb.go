//go:build rp2040

package main

import (
	"machine"
)

// InitUSB configures the USB CDC serial interface.
func InitUSB() {
	machine.Serial.Configure(machine.UARTConfig{})
}

// USBAvailable returns the number of bytes waiting in the receive
// buffer.
func USBAvailable() int {
	return machine.Serial.Buffered()
}

// USBRead reads a single byte from USB serial.
func USBRead() (byte, error) {
	return machine.Serial.ReadByte()
}

// USBWriteBytes writes data to USB serial, returning how many bytes
// were accepted.
func USBWriteBytes(data []byte) (int, error) {
	return machine.Serial.Write(data)
}
