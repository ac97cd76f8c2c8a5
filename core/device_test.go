package core

import "testing"

// recPin records every level written to a chip-select line.
type recPin struct {
	levels []bool
	events *[]string // shared ordering log, may be nil
	name   string
}

func (p *recPin) Set(high bool) {
	p.levels = append(p.levels, high)
	if p.events != nil {
		if high {
			*p.events = append(*p.events, p.name+"=1")
		} else {
			*p.events = append(*p.events, p.name+"=0")
		}
	}
}

func (p *recPin) level() bool {
	if len(p.levels) == 0 {
		return false
	}
	return p.levels[len(p.levels)-1]
}

type stubBus struct{}

func (stubBus) Tx(w, r []byte) error          { return nil }
func (stubBus) Transfer(b byte) (byte, error) { return 0, nil }

func TestDeviceSelectOrdering(t *testing.T) {
	var events []string
	port := newSyncPort(func(w uint32) uint32 {
		events = append(events, "clk")
		return w
	})
	spi := NewSPI(port, nil)
	pin := &recPin{events: &events, name: "cs"}
	dev := NewDevice(spi, pin, false)

	// Construction parks the line deasserted (high for active low)
	if !pin.level() {
		t.Error("Active-low chip select should idle high")
	}

	events = events[:0]
	if err := dev.Tx([]byte{1, 2}, nil); err != nil {
		t.Fatalf("Tx failed: %v", err)
	}

	expected := []string{"cs=0", "clk", "clk", "cs=1"}
	if len(events) != len(expected) {
		t.Fatalf("Expected %v, got %v", expected, events)
	}
	for i := range expected {
		if events[i] != expected[i] {
			t.Fatalf("Expected %v, got %v", expected, events)
		}
	}
}

func TestDeviceActiveHigh(t *testing.T) {
	port := newSyncPort(nil)
	spi := NewSPI(port, nil)
	pin := &recPin{}
	dev := NewDevice(spi, pin, true)

	if pin.level() {
		t.Error("Active-high chip select should idle low")
	}
	dev.Select()
	if !pin.level() {
		t.Error("Select did not assert the line")
	}
	dev.Deselect()
	if pin.level() {
		t.Error("Deselect did not release the line")
	}
}

func TestDeviceWithoutPin(t *testing.T) {
	port := newSyncPort(nil)
	spi := NewSPI(port, nil)
	dev := NewDevice(spi, nil, false)

	// No chip select wired: transfers still run
	if err := dev.Tx([]byte{1}, nil); err != nil {
		t.Fatalf("Tx failed: %v", err)
	}
	if _, err := dev.Transfer(0x55); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
}

func TestDeviceShutdownMessage(t *testing.T) {
	port := newSyncPort(nil)
	spi := NewSPI(port, nil)
	dev := NewDevice(spi, &recPin{}, false)

	dev.Shutdown() // nothing configured, nothing clocked
	if len(port.wire) != 0 {
		t.Errorf("Shutdown without a message clocked %d words", len(port.wire))
	}

	dev.SetShutdownMessage([]byte{0xDE, 0xAD})
	dev.Shutdown()
	if len(port.wire) != 2 || port.wire[0] != 0xDE || port.wire[1] != 0xAD {
		t.Errorf("Shutdown message not clocked: %v", port.wire)
	}
}

func TestDeviceTransferAsync(t *testing.T) {
	port := newFakePort(4, inc)
	spi := NewSPI(port, nil)
	port.service = func() { spi.Service() }
	pin := &recPin{}
	dev := NewDevice(spi, pin, false)

	rx := make([]byte, 2)
	var got Events
	var csAtDone bool
	err := dev.TransferAsync([]byte{1, 2}, rx, 8, EventAll, func(ev Events) {
		got = ev
		csAtDone = pin.level()
	}, DMANever)
	if err != nil {
		t.Fatalf("TransferAsync failed: %v", err)
	}
	if pin.level() {
		t.Error("Chip select not held during the transfer")
	}

	port.run()

	if got != EventComplete {
		t.Errorf("Transfer reported %v", got)
	}
	if !csAtDone {
		t.Error("Chip select should be released before the callback runs")
	}
	if rx[0] != 2 || rx[1] != 3 {
		t.Errorf("Unexpected rx: %v", rx)
	}
}

func TestDeviceTransferAsyncErrors(t *testing.T) {
	dev := NewDevice(stubBus{}, &recPin{}, false)
	if err := dev.TransferAsync(nil, nil, 8, EventAll, nil, DMANever); err != ErrNoAsync {
		t.Errorf("Expected ErrNoAsync, got %v", err)
	}

	// A rejected Begin releases the chip select again
	port := newFakePort(4, nil)
	spi := NewSPI(port, nil)
	pin := &recPin{}
	engDev := NewDevice(spi, pin, false)
	if err := engDev.TransferAsync([]byte{1, 2, 3}, nil, 16, EventAll, nil, DMANever); err != ErrOddLength {
		t.Fatalf("Expected ErrOddLength, got %v", err)
	}
	if !pin.level() {
		t.Error("Chip select left asserted after a rejected transfer")
	}
}
