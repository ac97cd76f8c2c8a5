//go:build linux

// Package linuxspi drives SPI peripherals through the kernel's spidev
// interface, so host-side programs can use the same Bus and Device
// types as firmware code. The kernel owns the chip select; pass a nil
// select pin when wrapping a Bus in a Device.
package linuxspi

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"spindle/core"
)

var hostInit sync.Once

// Bus is one open spidev handle.
type Bus struct {
	mu   sync.Mutex
	port spi.PortCloser
	conn spi.Conn
	name string
}

// Open opens a spidev port by registry name, "SPI0.0" style or a
// /dev/spidev path, and configures its speed, mode and word size.
func Open(name string, rate uint32, mode core.SPIMode, bits uint8) (*Bus, error) {
	var initErr error
	hostInit.Do(func() {
		_, initErr = host.Init()
	})
	if initErr != nil {
		return nil, fmt.Errorf("periph host init failed: %w", initErr)
	}

	port, err := spireg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}

	conn, err := port.Connect(physic.Hertz*physic.Frequency(rate), spi.Mode(mode), int(bits))
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to configure %s: %w", name, err)
	}

	return &Bus{port: port, conn: conn, name: name}, nil
}

// Tx exchanges bytes on the wire. The kernel clocks one word per byte
// on both sides, so unequal buffers are padded: fill bytes carry the
// transmit side past len(w), reads past len(r) are dropped.
func (b *Bus) Tx(w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(w)
	if len(r) > n {
		n = len(r)
	}
	if n == 0 {
		return nil
	}

	wb := w
	rb := r
	if len(w) != n {
		wb = make([]byte, n)
		copy(wb, w)
		for i := len(w); i < n; i++ {
			wb[i] = core.FillByte
		}
	}
	if len(r) != n {
		rb = make([]byte, n)
	}

	if err := b.conn.Tx(wb, rb); err != nil {
		return fmt.Errorf("spi transfer on %s failed: %w", b.name, err)
	}

	if len(r) != 0 && len(r) != n {
		copy(r, rb)
	}
	return nil
}

// Transfer exchanges a single byte.
func (b *Bus) Transfer(bb byte) (byte, error) {
	var rx [1]byte
	if err := b.Tx([]byte{bb}, rx[:]); err != nil {
		return 0, err
	}
	return rx[0], nil
}

// Close releases the spidev handle.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port.Close()
}
