package core

// SPIBusID identifies a hardware SPI bus configuration
type SPIBusID uint8

// SPIMode represents SPI clock polarity and phase (0-3)
// Mode 0: CPOL=0, CPHA=0 (clock idle low, sample on rising edge)
// Mode 1: CPOL=0, CPHA=1 (clock idle low, sample on falling edge)
// Mode 2: CPOL=1, CPHA=0 (clock idle high, sample on falling edge)
// Mode 3: CPOL=1, CPHA=1 (clock idle high, sample on rising edge)
type SPIMode uint8

// SPIConfig holds the configuration for an SPI bus
type SPIConfig struct {
	BusID SPIBusID // Hardware bus identifier
	Mode  SPIMode  // SPI mode (0-3)
	Rate  uint32   // Clock rate in Hz
	Bits  uint8    // Frame width in bits (0 defaults to 8)
	Slave bool     // Respond to an external master instead of driving the clock
}

// IRQ selects the interrupt sources of a Port.
type IRQ uint8

const (
	IRQRx IRQ = 1 << iota // receive FIFO holds data
	IRQTx                 // transmit FIFO has space
)

// Port is the narrow view of one SPI peripheral that the transfer
// engine drives. Implementations poke hardware FIFO registers; the
// simulator models them in memory. Every method must be safe to call
// from interrupt context.
type Port interface {
	// WriteWord pushes one word into the transmit FIFO.
	WriteWord(w uint32)
	// ReadWord pops one word from the receive FIFO.
	ReadWord() uint32
	// CanWrite reports whether the transmit FIFO has space.
	CanWrite() bool
	// CanRead reports whether the receive FIFO holds data.
	CanRead() bool
	// Busy reports whether the shift engine is still clocking.
	Busy() bool
	// FIFODepth returns the FIFO depth in words. The engine uses it
	// to bound the work done in a single interrupt.
	FIFODepth() int
	// EnableIRQ unmasks the given interrupt sources.
	EnableIRQ(mask IRQ)
	// DisableIRQ masks the given interrupt sources.
	DisableIRQ(mask IRQ)
	// Flush empties both FIFOs, typically by disabling and
	// re-enabling the peripheral. Called with interrupts masked.
	Flush()
	// Fault reads and clears the peripheral fault flag (receive
	// overrun, mode fault and similar hardware conditions).
	Fault() bool
}

// Bus is the minimal synchronous transfer surface. Hardware engines,
// bit-banged ports and host-side proxies all satisfy it, and it is the
// shape device drivers such as tinygo.org/x/drivers expect.
type Bus interface {
	// Tx clocks w out while filling r. One of the slices may be nil;
	// when both are given their lengths must match.
	Tx(w, r []byte) error
	// Transfer exchanges a single byte.
	Transfer(b byte) (byte, error)
}

// PortProvider is implemented by target-specific code. It owns the
// mapping from bus identifiers to pins and peripherals.
type PortProvider interface {
	// ConfigurePort sets up a hardware SPI bus with the given
	// parameters and returns a Port over it. Reconfiguring the same
	// bus returns the same Port with new settings.
	ConfigurePort(config SPIConfig) (Port, error)

	// BusInfo returns a map of bus IDs to human-readable descriptions.
	BusInfo() map[SPIBusID]string
}

// SoftBusProvider is the fallback for targets that can bit-bang SPI on
// arbitrary pins. Software buses have no FIFOs or interrupts, so they
// expose only the synchronous Bus surface.
type SoftBusProvider interface {
	// ConfigureSoftBus sets up GPIO pins for software SPI.
	// sclk: clock pin, mosi: master out slave in, miso: master in slave out
	ConfigureSoftBus(sclk, mosi, miso uint32, mode SPIMode, rate uint32) (Bus, error)
}

// PinOutput is a single output line, used for chip selects.
type PinOutput interface {
	Set(high bool)
}
