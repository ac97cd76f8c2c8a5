//go:build rp2040 || rp2350

package pio

// PIO SPI master for software bus pin sets. The side-set programs
// drive the clock, so any three pins run at hardware-timed rates
// instead of GPIO toggling speed. Programs follow the pico-examples
// spi.pio pair.

import (
	"errors"
	"machine"
	"runtime"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"

	"spindle/core"
)

var errPIOTimeout = errors.New("pio spi timeout")

const fifoRetries = 32

// SPIProvider implements core.SoftBusProvider on PIO state machines.
// The programs idle the clock low, so modes 2 and 3 are refused and
// the caller falls back to GPIO bit-banging.
type SPIProvider struct{}

func NewSPIProvider() *SPIProvider {
	return &SPIProvider{}
}

func (SPIProvider) ConfigureSoftBus(sclk, mosi, miso uint32, mode core.SPIMode, rate uint32) (core.Bus, error) {
	if mode > 1 {
		return nil, errors.New("pio spi supports modes 0 and 1 only")
	}
	if sclk >= 30 || mosi >= 30 || miso >= 30 {
		return nil, errors.New("invalid pin number")
	}
	sm, ok := allocate()
	if !ok {
		return nil, errors.New("no free PIO state machine")
	}
	return newSPIBus(sm, machine.Pin(sclk), machine.Pin(mosi), machine.Pin(miso), mode, rate)
}

// SPIBus is one claimed state machine running an SPI program.
type SPIBus struct {
	sm         rp2pio.StateMachine
	progOffset uint8
	mode       core.SPIMode
}

func newSPIBus(sm rp2pio.StateMachine, sclk, mosi, miso machine.Pin, mode core.SPIMode, rate uint32) (*SPIBus, error) {
	sm.TryClaim()
	if !sm.IsValid() {
		return nil, errors.New("invalid state machine")
	}
	if rate == 0 {
		rate = 100000
	}

	// Both programs spend four cycles per bit.
	whole, frac, err := rp2pio.ClkDivFromFrequency(rate*4, machine.CPUFrequency())
	if err != nil {
		return nil, err
	}
	Pio := sm.PIO()

	const origin int8 = -1
	asm := rp2pio.AssemblerV0{SidesetBits: 1}
	// Data shifts out on the leading edge, sampling on the trailing.
	cpha0Program := []uint16{
		asm.Out(rp2pio.OutDestPins, 1).Side(0).Delay(1).Encode(), // out pins, 1  side 0 [1]
		asm.In(rp2pio.InSrcPins, 1).Side(1).Delay(1).Encode(),    // in pins, 1   side 1 [1]
	}
	// Data changes on the leading edge and is sampled on the trailing
	// one, via X so the output holds through the sample.
	cpha1Program := []uint16{
		asm.Out(rp2pio.OutDestX, 1).Side(0).Encode(),                          // out x, 1      side 0
		asm.Mov(rp2pio.MovDestPins, rp2pio.MovSrcX).Side(1).Delay(1).Encode(), // mov pins, x   side 1 [1]
		asm.In(rp2pio.InSrcPins, 1).Side(0).Encode(),                          // in pins, 1    side 0
	}

	program := cpha0Program
	if mode == 1 {
		program = cpha1Program
	}

	offset, err := Pio.AddProgram(program, origin)
	if err != nil {
		return nil, err
	}

	cfg := asm.DefaultStateMachineConfig(offset, program)
	cfg.SetOutPins(mosi, 1)
	cfg.SetInPins(miso, 1)
	cfg.SetSidesetPins(sclk)
	cfg.SetOutShift(false, true, 8)
	cfg.SetInShift(false, true, 8)
	cfg.SetClkDivIntFrac(whole, frac)

	// Clock and data out start low, data in is an input.
	outMask := uint32((1 << sclk) | (1 << mosi))
	inMask := uint32(1 << miso)
	sm.SetPinsMasked(0, outMask)
	sm.SetPindirsMasked(outMask, outMask|inMask)

	pincfg := machine.PinConfig{Mode: Pio.PinMode()}
	sclk.Configure(pincfg)
	mosi.Configure(pincfg)
	miso.Configure(pincfg)
	// The bus is synchronous, so skip the input synchroniser delay.
	Pio.SetInputSyncBypassMasked(inMask, inMask)

	sm.Init(offset, cfg)
	sm.SetEnabled(true)

	return &SPIBus{sm: sm, progOffset: offset, mode: mode}, nil
}

// Tx clocks w out while filling r. Either slice may be nil; when both
// are given their lengths must match. A nil transmit side clocks fill
// bytes.
func (s *SPIBus) Tx(w, r []byte) error {
	if w != nil && r != nil && len(w) != len(r) {
		return core.ErrLenMismatch
	}
	n := len(w)
	if len(r) > n {
		n = len(r)
	}
	txRemain, rxRemain := n, n
	retries := fifoRetries
	for txRemain != 0 || rxRemain != 0 {
		stall := true
		if txRemain != 0 && !s.sm.IsTxFIFOFull() {
			b := core.FillByte
			if w != nil {
				b = w[n-txRemain]
			}
			// Left shift output: the byte leaves from the top of the
			// OSR.
			s.sm.TxPut(uint32(b) << 24)
			txRemain--
			stall = false
		}
		if rxRemain != 0 && !s.sm.IsRxFIFOEmpty() {
			b := byte(s.sm.RxGet())
			if r != nil {
				r[n-rxRemain] = b
			}
			rxRemain--
			stall = false
		}
		if stall {
			retries--
			if retries <= 0 {
				return errPIOTimeout
			}
			runtime.Gosched()
		} else {
			retries = fifoRetries
		}
	}
	return nil
}

// Transfer exchanges a single byte.
func (s *SPIBus) Transfer(c byte) (byte, error) {
	var rx byte
	waitTx, waitRx := true, true
	retries := fifoRetries
	for waitTx || waitRx {
		stall := true
		if waitTx && !s.sm.IsTxFIFOFull() {
			s.sm.TxPut(uint32(c) << 24)
			waitTx = false
			stall = false
		}
		if waitRx && !s.sm.IsRxFIFOEmpty() {
			rx = byte(s.sm.RxGet())
			waitRx = false
			stall = false
		}
		if stall {
			retries--
			if retries <= 0 {
				return 0, errPIOTimeout
			}
			runtime.Gosched()
		}
	}
	return rx, nil
}
