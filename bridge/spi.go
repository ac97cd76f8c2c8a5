package bridge

import (
	"errors"
	"sync/atomic"

	"spindle/core"
	"spindle/protocol"
)

// SPI device flags.
const (
	SF_HARDWARE       = 0x00 // hardware bus behind a transfer engine
	SF_SOFTWARE       = 0x01 // bit-banged bus
	SF_CS_ACTIVE_HIGH = 0x02 // chip select active high (default is active low)
	SF_HAVE_PIN       = 0x04 // has a chip select pin
)

// PinProvider maps pin numbers from config commands to output lines.
// Target code implements it over the platform GPIO block.
type PinProvider interface {
	ConfigureOutput(pin uint32) (core.PinOutput, error)
}

// ServiceBinder is optionally implemented by a PortProvider whose
// ports raise real interrupts. After creating an engine the bridge
// hands the provider its Service hook, which the target's interrupt
// handlers then drive.
type ServiceBinder interface {
	BindService(bus core.SPIBusID, service func() core.Events)
}

// DMAPoolSource is optionally implemented by a PortProvider whose DMA
// channels are bound to one controller, as the pacing request lines
// are on most chips. It overrides the global pool for engines on the
// buses it covers.
type DMAPoolSource interface {
	DMAPoolFor(bus core.SPIBusID) core.DMAPool
}

var (
	portProvider core.PortProvider
	softProvider core.SoftBusProvider
	pinProvider  PinProvider
	dmaPool      core.DMAPool

	errNoPinProvider  = errors.New("no pin provider registered")
	errNoPortProvider = errors.New("no SPI port provider registered")
	errNoSoftBus      = errors.New("no software SPI provider registered")
)

// SetPortProvider installs the hardware SPI implementation and
// publishes its bus names as the spi_bus enumeration. Target init code
// calls this before any command arrives.
func SetPortProvider(p core.PortProvider) {
	portProvider = p
	info := p.BusInfo()
	if len(info) == 0 {
		return
	}
	max := core.SPIBusID(0)
	for id := range info {
		if id > max {
			max = id
		}
	}
	values := make([]string, int(max)+1)
	for id, name := range info {
		values[id] = name
	}
	RegisterEnumeration("spi_bus", values)
}

// SetSoftBusProvider installs the bit-banged SPI implementation.
func SetSoftBusProvider(p core.SoftBusProvider) {
	softProvider = p
}

// SetPinProvider installs the chip select pin implementation.
func SetPinProvider(p PinProvider) {
	pinProvider = p
}

// SetDMAPool installs the DMA channel pool handed to new engines.
func SetDMAPool(pool core.DMAPool) {
	dmaPool = pool
}

// SPIDevice is one configured chip: its select line wiring, the bus it
// sits on and the state of its asynchronous transfer, if any.
type SPIDevice struct {
	OID   uint8
	Flags uint8
	Pin   uint32 // chip select pin number (when SF_HAVE_PIN)

	// Bus parameters from spi_set_bus.
	BusID core.SPIBusID
	Mode  core.SPIMode
	Rate  uint32

	ShutdownMsg []byte

	cs      core.PinOutput
	dev     *core.Device // bus bound to the select line, nil until a bus is set
	engine  *core.SPI    // shared engine of the hardware bus, nil for software buses
	pending bool         // an asynchronous transfer has not reported its result yet
}

// Global registry of SPI devices, keyed by oid.
var spiDevices = make(map[uint8]*SPIDevice)

// One transfer engine per hardware bus, shared by every device on it.
var busEngines = make(map[core.SPIBusID]*core.SPI)

// InitSPICommands registers the SPI command surface.
func InitSPICommands() {
	RegisterCommand("config_spi", "oid=%c pin=%u cs_active_high=%c", handleConfigSPI)
	RegisterCommand("config_spi_without_cs", "oid=%c", handleConfigSPIWithoutCS)
	RegisterCommand("spi_set_bus", "oid=%c spi_bus=%u mode=%u rate=%u", handleSPISetBus)
	RegisterCommand("spi_set_software_bus", "oid=%c miso_pin=%u mosi_pin=%u sclk_pin=%u mode=%u rate=%u", handleSPISetSoftwareBus)
	RegisterCommand("config_spi_shutdown", "oid=%c spi_oid=%c shutdown_msg=%*s", handleConfigSPIShutdown)

	RegisterCommand("spi_transfer", "oid=%c data=%*s", handleSPITransfer)
	RegisterCommand("spi_send", "oid=%c data=%*s", handleSPISend)
	RegisterCommand("spi_transfer_async", "oid=%c events=%u hint=%c rx_count=%u data=%*s", handleSPITransferAsync)
	RegisterCommand("spi_abort", "oid=%c", handleSPIAbort)
	RegisterCommand("spi_status", "oid=%c", handleSPIStatus)

	RegisterResponse("spi_transfer_response", "oid=%c response=%*s")
	RegisterResponse("spi_async_result", "oid=%c events=%u response=%*s")
	RegisterResponse("spi_status_response", "oid=%c active=%c")
}

// handleConfigSPI configures an SPI device with a chip select pin.
// Format: config_spi oid=%c pin=%u cs_active_high=%c
func handleConfigSPI(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	pin, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	csActiveHigh, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	if pinProvider == nil {
		return errNoPinProvider
	}

	dev := &SPIDevice{
		OID:   uint8(oid),
		Flags: SF_HAVE_PIN,
		Pin:   pin,
	}
	if csActiveHigh != 0 {
		dev.Flags |= SF_CS_ACTIVE_HIGH
	}

	cs, err := pinProvider.ConfigureOutput(pin)
	if err != nil {
		return err
	}
	dev.cs = cs

	// Park the select line inactive until a transfer asserts it.
	cs.Set(dev.Flags&SF_CS_ACTIVE_HIGH == 0)

	spiDevices[uint8(oid)] = dev
	return nil
}

// handleConfigSPIWithoutCS configures an SPI device with no select pin.
// Format: config_spi_without_cs oid=%c
func handleConfigSPIWithoutCS(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	spiDevices[uint8(oid)] = &SPIDevice{OID: uint8(oid)}
	return nil
}

// handleSPISetBus attaches a device to a hardware bus.
// Format: spi_set_bus oid=%c spi_bus=%u mode=%u rate=%u
func handleSPISetBus(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	spiBus, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	mode, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	rate, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dev, exists := spiDevices[uint8(oid)]
	if !exists {
		// Invalid oid, device not configured.
		return nil
	}

	dev.BusID = core.SPIBusID(spiBus)
	dev.Mode = core.SPIMode(mode)
	dev.Rate = rate

	// Bus IDs with the high bit set name software buses. Their pin set
	// arrives separately through spi_set_software_bus.
	if spiBus >= 0x80 {
		dev.Flags |= SF_SOFTWARE
		return nil
	}

	eng, err := busEngine(core.SPIConfig{
		BusID: core.SPIBusID(spiBus),
		Mode:  core.SPIMode(mode),
		Rate:  rate,
	})
	if err != nil {
		return err
	}

	dev.engine = eng
	attachBus(dev, eng)
	return nil
}

// handleSPISetSoftwareBus attaches a device to a bit-banged bus.
// Format: spi_set_software_bus oid=%c miso_pin=%u mosi_pin=%u sclk_pin=%u mode=%u rate=%u
func handleSPISetSoftwareBus(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	misoPin, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	mosiPin, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	sclkPin, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	mode, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	rate, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dev, exists := spiDevices[uint8(oid)]
	if !exists {
		return nil
	}

	if softProvider == nil {
		return errNoSoftBus
	}

	bus, err := softProvider.ConfigureSoftBus(sclkPin, mosiPin, misoPin, core.SPIMode(mode), rate)
	if err != nil {
		return err
	}

	dev.Flags |= SF_SOFTWARE
	dev.Mode = core.SPIMode(mode)
	dev.Rate = rate
	dev.engine = nil
	attachBus(dev, bus)
	return nil
}

// handleConfigSPIShutdown stores a message clocked to a device when
// the firmware shuts down.
// Format: config_spi_shutdown oid=%c spi_oid=%c shutdown_msg=%*s
func handleConfigSPIShutdown(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	spiOID, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	msg, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}

	dev, exists := spiDevices[uint8(spiOID)]
	if !exists {
		return nil
	}

	// The decoded view aliases the receive scratch.
	shutdownMsg := make([]byte, len(msg))
	copy(shutdownMsg, msg)

	dev.ShutdownMsg = shutdownMsg
	if dev.dev != nil {
		dev.dev.SetShutdownMessage(shutdownMsg)
	}

	// The outer oid names a shutdown group; messages are stored per
	// device and replayed together on emergency stop.
	_ = oid

	return nil
}

// busEngine returns the shared transfer engine for a hardware bus,
// creating it on first use. Reconfiguring an existing bus updates the
// port settings but keeps the engine.
func busEngine(config core.SPIConfig) (*core.SPI, error) {
	if portProvider == nil {
		return nil, errNoPortProvider
	}

	port, err := portProvider.ConfigurePort(config)
	if err != nil {
		return nil, err
	}

	if eng, ok := busEngines[config.BusID]; ok {
		return eng, nil
	}

	pool := dmaPool
	if src, ok := portProvider.(DMAPoolSource); ok {
		if p := src.DMAPoolFor(config.BusID); p != nil {
			pool = p
		}
	}

	eng := core.NewSPI(port, pool)
	eng.SetTag(uint8(config.BusID))
	busEngines[config.BusID] = eng

	if b, ok := portProvider.(ServiceBinder); ok {
		b.BindService(config.BusID, eng.Service)
	}
	return eng, nil
}

// attachBus binds bus to the device's select line and replays any
// shutdown message configured before the bus arrived.
func attachBus(dev *SPIDevice, bus core.Bus) {
	dev.dev = core.NewDevice(bus, dev.cs, dev.Flags&SF_CS_ACTIVE_HIGH != 0)
	if len(dev.ShutdownMsg) > 0 {
		dev.dev.SetShutdownMessage(dev.ShutdownMsg)
	}
}

// handleSPITransfer clocks data out and echoes what came back.
// Format: spi_transfer oid=%c data=%*s
// Response: spi_transfer_response oid=%c response=%*s
func handleSPITransfer(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	msg, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}

	dev, exists := spiDevices[uint8(oid)]
	if !exists || dev.dev == nil {
		return nil
	}

	rx := make([]byte, len(msg))
	if err := dev.dev.Tx(msg, rx); err != nil {
		return err
	}

	SendResponse("spi_transfer_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, oid)
		protocol.EncodeVLQBytes(output, rx)
	})

	return nil
}

// handleSPISend clocks data out and discards what came back.
// Format: spi_send oid=%c data=%*s
func handleSPISend(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	msg, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}

	dev, exists := spiDevices[uint8(oid)]
	if !exists || dev.dev == nil {
		return nil
	}

	return dev.dev.Tx(msg, nil)
}

// handleSPITransferAsync starts an asynchronous transfer. The command
// is acked immediately; the outcome arrives later as spi_async_result
// once the engine's completion callback fires. rx_count sets the
// receive buffer length independently of the data length, so the two
// sides of the transfer may differ.
// Format: spi_transfer_async oid=%c events=%u hint=%c rx_count=%u data=%*s
// Result: spi_async_result oid=%c events=%u response=%*s
func handleSPITransferAsync(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	events, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	hint, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	rxCount, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	msg, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}

	dev, exists := spiDevices[uint8(oid)]
	if !exists || dev.dev == nil {
		return nil
	}

	if dev.pending {
		// One transfer per device at a time. The collision is reported
		// as a result, not queued behind the running transfer.
		sendAsyncResult(oid, core.EventError, nil)
		return nil
	}

	// The transfer outlives this handler and the frame scratch does
	// not, so it gets its own copy of the data.
	tx := make([]byte, len(msg))
	copy(tx, msg)

	var rx []byte
	if rxCount > 0 {
		rx = make([]byte, rxCount)
	}

	o := dev.OID
	err = dev.dev.TransferAsync(tx, rx, 8, core.Events(events), func(ev core.Events) {
		queueAsyncResult(o, ev, rx)
	}, core.DMAUsage(hint))
	if err != nil {
		// Engine busy with another device, or no engine at all.
		sendAsyncResult(oid, core.EventError, nil)
		return nil
	}

	dev.pending = true
	return nil
}

// handleSPIAbort cancels the device's asynchronous transfer, if any.
// Format: spi_abort oid=%c
func handleSPIAbort(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dev, exists := spiDevices[uint8(oid)]
	if !exists || dev.engine == nil {
		return nil
	}

	dev.engine.Abort()
	// Abort never runs the completion callback, so the select line is
	// still asserted and no result will arrive.
	dev.dev.Deselect()
	dev.pending = false
	return nil
}

// handleSPIStatus reports whether a device has a transfer in flight.
// Format: spi_status oid=%c
// Response: spi_status_response oid=%c active=%c
func handleSPIStatus(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	active := uint32(0)
	if dev, exists := spiDevices[uint8(oid)]; exists {
		if dev.pending || (dev.engine != nil && dev.engine.IsActive()) {
			active = 1
		}
	}

	SendResponse("spi_status_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, oid)
		protocol.EncodeVLQUint(output, active)
	})

	return nil
}

// asyncResult is one completed transfer waiting to be reported.
type asyncResult struct {
	oid    uint8
	events core.Events
	rx     []byte
}

// asyncResults carries completion records from interrupt context to
// the main loop. Sends never block; when the queue is full the record
// is dropped and counted, like the async debug path.
var (
	asyncResults = make(chan asyncResult, 16)
	asyncDropped uint32 // atomic
)

func queueAsyncResult(oid uint8, events core.Events, rx []byte) {
	select {
	case asyncResults <- asyncResult{oid: oid, events: events, rx: rx}:
	default:
		atomic.AddUint32(&asyncDropped, 1)
	}
}

// sendAsyncResult encodes one spi_async_result. Foreground only.
func sendAsyncResult(oid uint32, events core.Events, rx []byte) {
	SendResponse("spi_async_result", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, oid)
		protocol.EncodeVLQUint(output, uint32(events))
		protocol.EncodeVLQBytes(output, rx)
	})
}

// FlushAsyncResults drains completion records and sends one
// spi_async_result per finished transfer. Call from the main loop
// after Transport.Receive, never from interrupt context.
func FlushAsyncResults() {
	for {
		select {
		case res := <-asyncResults:
			if dev, ok := spiDevices[res.oid]; ok {
				dev.pending = false
			}
			sendAsyncResult(uint32(res.oid), res.events, res.rx)
		default:
			return
		}
	}
}

// AsyncDropped returns how many completion records were lost to a full
// queue since boot.
func AsyncDropped() uint32 {
	return atomic.LoadUint32(&asyncDropped)
}

// ResetSPIState drops every configured device after cancelling any
// transfer still in flight; a reconnecting host starts configuration
// from scratch. The bus engines survive, as they are keyed by hardware
// rather than by host session.
func ResetSPIState() {
	for _, eng := range busEngines {
		eng.Abort()
	}
	for _, dev := range spiDevices {
		if dev != nil && dev.dev != nil {
			dev.dev.Deselect()
		}
	}
	spiDevices = make(map[uint8]*SPIDevice)
drain:
	for {
		select {
		case <-asyncResults:
		default:
			break drain
		}
	}
}

// ShutdownSPI halts all SPI activity: every engine is aborted, every
// select line released and every configured shutdown message clocked
// out. Called on emergency stop.
func ShutdownSPI() {
	for _, eng := range busEngines {
		eng.Abort()
	}
	for _, dev := range spiDevices {
		if dev == nil || dev.dev == nil {
			continue
		}
		dev.pending = false
		dev.dev.Deselect()
		dev.dev.Shutdown()
	}
}
