package client

import (
	"fmt"
	"time"

	"spindle/core"
	"spindle/protocol"
)

// ConfigCS registers a device with a chip select pin.
func (c *Client) ConfigCS(oid uint8, pin uint32, activeHigh bool) error {
	return c.SendCommand("config_spi", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(oid))
		protocol.EncodeVLQUint(out, pin)
		protocol.EncodeVLQUint(out, boolArg(activeHigh))
	})
}

// ConfigNoCS registers a device whose select line is handled
// externally, or not at all.
func (c *Client) ConfigNoCS(oid uint8) error {
	return c.SendCommand("config_spi_without_cs", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(oid))
	})
}

// SetBus binds a device to a hardware bus. Bus indexes come from the
// spi_bus enumeration; indexes of 0x80 and up declare a software bus
// whose pins arrive separately through SetSoftwareBus.
func (c *Client) SetBus(oid uint8, bus uint32, mode uint8, rate uint32) error {
	return c.SendCommand("spi_set_bus", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(oid))
		protocol.EncodeVLQUint(out, bus)
		protocol.EncodeVLQUint(out, uint32(mode))
		protocol.EncodeVLQUint(out, rate)
	})
}

// SetSoftwareBus supplies the pins for a bit-banged bus.
func (c *Client) SetSoftwareBus(oid uint8, miso, mosi, sclk uint32, mode uint8, rate uint32) error {
	return c.SendCommand("spi_set_software_bus", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(oid))
		protocol.EncodeVLQUint(out, miso)
		protocol.EncodeVLQUint(out, mosi)
		protocol.EncodeVLQUint(out, sclk)
		protocol.EncodeVLQUint(out, uint32(mode))
		protocol.EncodeVLQUint(out, rate)
	})
}

// ConfigShutdown registers a message the firmware clocks out to a
// device when it shuts down.
func (c *Client) ConfigShutdown(oid, spiOid uint8, msg []byte) error {
	return c.SendCommand("config_spi_shutdown", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(oid))
		protocol.EncodeVLQUint(out, uint32(spiOid))
		protocol.EncodeVLQBytes(out, msg)
	})
}

// Transfer clocks data out to a device and returns what came back.
// The firmware holds the select line for the whole exchange.
func (c *Client) Transfer(oid uint8, data []byte, timeout time.Duration) ([]byte, error) {
	respID, err := c.responseID("spi_transfer_response")
	if err != nil {
		return nil, err
	}

	err = c.SendCommand("spi_transfer", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(oid))
		protocol.EncodeVLQBytes(out, data)
	})
	if err != nil {
		return nil, err
	}

	payload, err := c.waitResponse(respID, timeout)
	if err != nil {
		return nil, err
	}

	respOid, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response oid: %w", err)
	}
	if respOid != uint32(oid) {
		return nil, fmt.Errorf("response for wrong oid: expected %d, got %d", oid, respOid)
	}

	rx, err := protocol.DecodeVLQBytes(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response data: %w", err)
	}
	return append([]byte(nil), rx...), nil
}

// Send clocks data out without reading anything back and without a
// response frame.
func (c *Client) Send(oid uint8, data []byte) error {
	return c.SendCommand("spi_send", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(oid))
		protocol.EncodeVLQBytes(out, data)
	})
}

// TransferAsync starts a background transfer and returns a channel
// that delivers the result once the firmware reports it. rxCount sizes
// the read side independently of data: 0 discards everything received,
// a count beyond len(data) keeps the clock running on fill bytes.
//
// The returned channel carries exactly one result and is then closed.
// Abort closes it without a result. A transfer refused by the firmware
// still produces a result, with EventError set.
func (c *Client) TransferAsync(oid uint8, data []byte, rxCount int, want core.Events, hint core.DMAUsage) (<-chan AsyncResult, error) {
	c.mu.Lock()
	if !c.haveAsyncID {
		c.mu.Unlock()
		return nil, fmt.Errorf("firmware does not report spi_async_result")
	}
	if _, busy := c.pending[oid]; busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("transfer already pending on oid %d", oid)
	}
	ch := make(chan AsyncResult, 1)
	c.pending[oid] = ch
	c.mu.Unlock()

	err := c.SendCommand("spi_transfer_async", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(oid))
		protocol.EncodeVLQUint(out, uint32(want))
		protocol.EncodeVLQUint(out, uint32(hint))
		protocol.EncodeVLQUint(out, uint32(rxCount))
		protocol.EncodeVLQBytes(out, data)
	})
	if err != nil {
		c.mu.Lock()
		delete(c.pending, oid)
		c.mu.Unlock()
		return nil, err
	}

	return ch, nil
}

// Abort cancels a running transfer. No result will arrive; the pending
// channel is closed so a waiter unblocks.
func (c *Client) Abort(oid uint8) error {
	err := c.SendCommand("spi_abort", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(oid))
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	ch, ok := c.pending[oid]
	if ok {
		delete(c.pending, oid)
	}
	c.mu.Unlock()
	if ok {
		close(ch)
	}
	return nil
}

// Status reports whether a device's transfer, or its bus, is busy.
func (c *Client) Status(oid uint8, timeout time.Duration) (bool, error) {
	respID, err := c.responseID("spi_status_response")
	if err != nil {
		return false, err
	}

	err = c.SendCommand("spi_status", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(oid))
	})
	if err != nil {
		return false, err
	}

	payload, err := c.waitResponse(respID, timeout)
	if err != nil {
		return false, err
	}

	respOid, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return false, fmt.Errorf("failed to decode status oid: %w", err)
	}
	if respOid != uint32(oid) {
		return false, fmt.Errorf("status for wrong oid: expected %d, got %d", oid, respOid)
	}

	active, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return false, fmt.Errorf("failed to decode active flag: %w", err)
	}
	return active != 0, nil
}

// EmergencyStop aborts every transfer and clocks out the registered
// shutdown messages. The firmware stays shut down until reset.
func (c *Client) EmergencyStop() error {
	return c.SendCommand("emergency_stop", nil)
}

// Reset asks the firmware to restart. The ack arrives before the
// restart happens.
func (c *Client) Reset() error {
	return c.SendCommand("reset", nil)
}

func boolArg(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
