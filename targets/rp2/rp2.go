//go:build rp2040 || rp2350

// Package rp2 backs the transfer engine with the RP2 family SSP
// controllers. Pin muxing and clocking go through machine.SPI; FIFO
// access, interrupt masking and DMA pacing are driven at the register
// level, which the machine package does not expose.
package rp2

import (
	"device/rp"
	"errors"
	"machine"
	"runtime/interrupt"
	"sync"

	"spindle/core"
)

// Each bus identifier names one SSP controller together with a pinout.
// The labels match the board silkscreen groupings used by the host
// configuration tooling.
type spiBusConfig struct {
	spi  *machine.SPI // SPI controller (SPI0 or SPI1)
	sck  machine.Pin  // Clock pin
	mosi machine.Pin  // Master Out Slave In
	miso machine.Pin  // Master In Slave Out
	name string       // Human-readable name
}

var spiBuses = map[core.SPIBusID]spiBusConfig{
	// SPI0 pinouts
	0: {spi: machine.SPI0, sck: machine.GPIO2, mosi: machine.GPIO3, miso: machine.GPIO0, name: "spi0a"},
	1: {spi: machine.SPI0, sck: machine.GPIO6, mosi: machine.GPIO7, miso: machine.GPIO4, name: "spi0b"},
	2: {spi: machine.SPI0, sck: machine.GPIO18, mosi: machine.GPIO19, miso: machine.GPIO16, name: "spi0c"},
	3: {spi: machine.SPI0, sck: machine.GPIO22, mosi: machine.GPIO23, miso: machine.GPIO20, name: "spi0d"},
	4: {spi: machine.SPI0, sck: machine.GPIO2, mosi: machine.GPIO3, miso: machine.GPIO4, name: "spi0e"},

	// SPI1 pinouts
	5: {spi: machine.SPI1, sck: machine.GPIO10, mosi: machine.GPIO11, miso: machine.GPIO8, name: "spi1a"},
	6: {spi: machine.SPI1, sck: machine.GPIO14, mosi: machine.GPIO15, miso: machine.GPIO12, name: "spi1b"},
	7: {spi: machine.SPI1, sck: machine.GPIO26, mosi: machine.GPIO27, miso: machine.GPIO24, name: "spi1c"},
	8: {spi: machine.SPI1, sck: machine.GPIO10, mosi: machine.GPIO11, miso: machine.GPIO12, name: "spi1d"},
}

// Provider owns the two SSP controllers and their DMA channel pools.
// It implements core.PortProvider plus the bridge's ServiceBinder and
// DMAPoolSource extensions.
type Provider struct {
	mu    sync.Mutex
	ports map[core.SPIBusID]*Port
	pools [2]*Pool
}

func NewProvider() *Provider {
	return &Provider{ports: make(map[core.SPIBusID]*Port)}
}

// ConfigurePort sets up the controller and pinout behind a bus
// identifier. Reconfiguring a bus moves the pin mux and reprograms the
// framing but keeps the Port, so engines built over it stay valid.
func (p *Provider) ConfigurePort(config core.SPIConfig) (core.Port, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	busCfg, ok := spiBuses[config.BusID]
	if !ok {
		return nil, errors.New("invalid SPI bus ID")
	}
	if config.Mode > 3 {
		return nil, errors.New("invalid SPI mode")
	}
	bits := config.Bits
	if bits == 0 {
		bits = 8
	}
	if bits < 4 || bits > 16 {
		// The SSP shift register stops at 16 bit frames.
		return nil, errors.New("unsupported frame width")
	}

	err := busCfg.spi.Configure(machine.SPIConfig{
		Frequency: config.Rate,
		SCK:       busCfg.sck,
		SDO:       busCfg.mosi,
		SDI:       busCfg.miso,
		Mode:      uint8(config.Mode),
	})
	if err != nil {
		return nil, err
	}

	port, ok := p.ports[config.BusID]
	if !ok {
		port = &Port{hw: busCfg.spi.Bus, index: controllerIndex(busCfg.spi)}
		p.ports[config.BusID] = port
	}
	port.applyFraming(bits, config.Slave)
	activePorts[port.index] = port
	return port, nil
}

// BusInfo returns the bus enumeration published in the dictionary.
func (p *Provider) BusInfo() map[core.SPIBusID]string {
	info := make(map[core.SPIBusID]string)
	for id, cfg := range spiBuses {
		info[id] = cfg.name
	}
	return info
}

// BindService routes the controller's interrupt to an engine's Service
// hook. A controller carries one hook; when two bus identifiers share
// a controller the later bind wins, matching the pin mux.
func (p *Provider) BindService(bus core.SPIBusID, service func() core.Events) {
	cfg, ok := spiBuses[bus]
	if !ok {
		return
	}
	services[controllerIndex(cfg.spi)] = service
	enableIRQs()
}

// DMAPoolFor returns the channel pool pacing the bus's controller.
func (p *Provider) DMAPoolFor(bus core.SPIBusID) core.DMAPool {
	cfg, ok := spiBuses[bus]
	if !ok {
		return nil
	}
	idx := controllerIndex(cfg.spi)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pools[idx] == nil {
		p.pools[idx] = newPool(idx)
	}
	return p.pools[idx]
}

func controllerIndex(spi *machine.SPI) int {
	if spi == machine.SPI0 {
		return 0
	}
	return 1
}

func controllerHW(index int) *rp.SPI0_Type {
	if index == 0 {
		return rp.SPI0
	}
	return rp.SPI1
}

// Port drives one SSP controller's FIFOs. All methods touch only
// registers, so they are safe from interrupt context.
type Port struct {
	hw    *rp.SPI0_Type
	index int
}

func (p *Port) WriteWord(w uint32) {
	p.hw.SSPDR.Set(w)
}

func (p *Port) ReadWord() uint32 {
	return p.hw.SSPDR.Get()
}

func (p *Port) CanWrite() bool {
	return p.hw.SSPSR.HasBits(rp.SPI0_SSPSR_TNF)
}

func (p *Port) CanRead() bool {
	return p.hw.SSPSR.HasBits(rp.SPI0_SSPSR_RNE)
}

// Busy covers both the shift register and the transmit FIFO, so an
// abort that waits it out needs no separate transmit drain.
func (p *Port) Busy() bool {
	return p.hw.SSPSR.HasBits(rp.SPI0_SSPSR_BSY)
}

func (p *Port) FIFODepth() int {
	return 8
}

// EnableIRQ unmasks interrupt sources. The receive side pairs the
// FIFO threshold interrupt with the timeout interrupt: the threshold
// fires at half depth, so a trailing tail of words only surfaces
// through the timeout.
func (p *Port) EnableIRQ(mask core.IRQ) {
	p.hw.SSPIMSC.SetBits(sspIRQBits(mask))
}

func (p *Port) DisableIRQ(mask core.IRQ) {
	p.hw.SSPIMSC.ClearBits(sspIRQBits(mask))
}

func sspIRQBits(mask core.IRQ) uint32 {
	var bits uint32
	if mask&core.IRQRx != 0 {
		bits |= rp.SPI0_SSPIMSC_RXIM | rp.SPI0_SSPIMSC_RTIM
	}
	if mask&core.IRQTx != 0 {
		bits |= rp.SPI0_SSPIMSC_TXIM
	}
	return bits
}

// Flush empties the receive FIFO and clears the latched interrupt
// conditions. The transmit FIFO needs no help here: Busy covers it,
// so callers have already let it drain.
func (p *Port) Flush() {
	for p.hw.SSPSR.HasBits(rp.SPI0_SSPSR_RNE) {
		p.hw.SSPDR.Get()
	}
	p.hw.SSPICR.Set(rp.SPI0_SSPICR_RORIC | rp.SPI0_SSPICR_RTIC)
}

// Fault reads and clears the receive overrun flag.
func (p *Port) Fault() bool {
	if p.hw.SSPRIS.HasBits(rp.SPI0_SSPRIS_RORRIS) {
		p.hw.SSPICR.Set(rp.SPI0_SSPICR_RORIC)
		return true
	}
	return false
}

// applyFraming programs frame width and the master/slave select. The
// controller must be disabled while either changes.
func (p *Port) applyFraming(bits uint8, slave bool) {
	p.hw.SSPCR1.ClearBits(rp.SPI0_SSPCR1_SSE)
	p.hw.SSPCR0.ReplaceBits(uint32(bits-1), rp.SPI0_SSPCR0_DSS_Msk, 0)
	if slave {
		p.hw.SSPCR1.SetBits(rp.SPI0_SSPCR1_MS)
	} else {
		p.hw.SSPCR1.ClearBits(rp.SPI0_SSPCR1_MS)
	}
	p.hw.SSPCR1.SetBits(rp.SPI0_SSPCR1_SSE)
}

// Interrupt plumbing. TinyGo binds handlers to compile time constant
// interrupt numbers, so each controller gets a named trampoline into
// the shared dispatch.
var (
	activePorts [2]*Port
	services    [2]func() core.Events
	irqOnce     sync.Once
)

func enableIRQs() {
	irqOnce.Do(func() {
		interrupt.New(rp.IRQ_SPI0_IRQ, handleSPI0).Enable()
		interrupt.New(rp.IRQ_SPI1_IRQ, handleSPI1).Enable()
		interrupt.New(rp.IRQ_DMA_IRQ_0, handleDMA).Enable()
	})
}

func handleSPI0(interrupt.Interrupt) { spiDispatch(0) }
func handleSPI1(interrupt.Interrupt) { spiDispatch(1) }
func handleDMA(interrupt.Interrupt)  { dmaDispatch() }

func spiDispatch(index int) {
	p := activePorts[index]
	if p == nil {
		return
	}
	// Acknowledge a receive timeout up front; the condition re-arms
	// itself while words remain in the FIFO.
	p.hw.SSPICR.Set(rp.SPI0_SSPICR_RTIC)
	if svc := services[index]; svc != nil {
		svc()
	}
}
