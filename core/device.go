package core

// Device binds a bus to a chip-select line. The select line is driven
// around every transfer; devices without one pass a nil pin. A device
// may carry a shutdown message that Shutdown clocks out as a last
// action when the firmware halts, so latches and DACs end up in a
// known state.
type Device struct {
	bus        Bus
	cs         PinOutput
	activeHigh bool
	shutdown   []byte
}

// NewDevice wraps bus with a chip select. cs may be nil; activeHigh
// selects the select polarity (the default wiring is active low).
func NewDevice(bus Bus, cs PinOutput, activeHigh bool) *Device {
	d := &Device{bus: bus, cs: cs, activeHigh: activeHigh}
	d.Deselect()
	return d
}

// Bus returns the underlying bus.
func (d *Device) Bus() Bus {
	return d.bus
}

// SetShutdownMessage stores the bytes clocked to the device when the
// firmware shuts down. A nil or empty message disables the feature.
func (d *Device) SetShutdownMessage(msg []byte) {
	d.shutdown = msg
}

// Select asserts the chip select line.
func (d *Device) Select() {
	if d.cs != nil {
		d.cs.Set(d.activeHigh)
	}
}

// Deselect releases the chip select line.
func (d *Device) Deselect() {
	if d.cs != nil {
		d.cs.Set(!d.activeHigh)
	}
}

// Tx performs a synchronous transfer with the chip select held.
func (d *Device) Tx(w, r []byte) error {
	d.Select()
	err := d.bus.Tx(w, r)
	d.Deselect()
	return err
}

// Transfer exchanges one byte with the chip select held.
func (d *Device) Transfer(b byte) (byte, error) {
	d.Select()
	out, err := d.bus.Transfer(b)
	d.Deselect()
	return out, err
}

// TransferAsync starts an asynchronous transfer with the chip select
// held until completion; the line is released before done runs. The
// underlying bus must be a transfer engine.
func (d *Device) TransferAsync(tx, rx []byte, width uint8, want Events, done func(Events), hint DMAUsage) error {
	eng, ok := d.bus.(*SPI)
	if !ok {
		return ErrNoAsync
	}
	d.Select()
	err := eng.Begin(tx, rx, width, want, func(ev Events) {
		d.Deselect()
		if done != nil {
			done(ev)
		}
	}, hint)
	if err != nil {
		d.Deselect()
	}
	return err
}

// Shutdown clocks the configured shutdown message, if any.
func (d *Device) Shutdown() {
	if len(d.shutdown) > 0 {
		d.Tx(d.shutdown, nil)
	}
}
