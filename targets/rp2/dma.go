//go:build rp2040 || rp2350

package rp2

import (
	"device/rp"
	"errors"
	"runtime/interrupt"
	"runtime/volatile"
	"unsafe"

	"spindle/core"
)

// A transfer occupies two hardware channels, one per direction, so
// this caps an engine's appetite and leaves channels for other users.
const maxPairsPerController = 2

var (
	errDMAWordSize = errors.New("dma: unsupported word size")
	errDMAEmptyJob = errors.New("dma: empty job")
)

// dmaChannelHW is one channel's register window. The controller lays
// the channels out as an array of these; the trailing registers alias
// the first four and are skipped.
type dmaChannelHW struct {
	READ_ADDR   volatile.Register32
	WRITE_ADDR  volatile.Register32
	TRANS_COUNT volatile.Register32
	CTRL_TRIG   volatile.Register32
	_           [12]volatile.Register32
}

func dmaChannelReg(index uint8) *dmaChannelHW {
	channels := (*[dmaChannelCount]dmaChannelHW)(unsafe.Pointer(rp.DMA))
	return &channels[index]
}

func regAddr(r *volatile.Register32) uint32 {
	return uint32(uintptr(unsafe.Pointer(r)))
}

// Channel claims are process wide: both controller pools allocate from
// the same channels, and anything else claiming DMA shares them too.
// dmaOwner routes the completion interrupt back to the claiming pool.
var (
	dmaClaimed uint32
	dmaOwner   [dmaChannelCount]*Pool
)

func claimDMAChannel(owner *Pool) (uint8, bool) {
	for i := uint8(0); i < dmaChannelCount; i++ {
		if dmaClaimed&(1<<i) == 0 {
			dmaClaimed |= 1 << i
			dmaOwner[i] = owner
			return i, true
		}
	}
	return 0, false
}

func unclaimDMAChannel(index uint8) {
	dmaClaimed &^= 1 << index
	dmaOwner[index] = nil
}

// Pool hands out channel pairs wired to one SSP controller's transmit
// and receive request lines. Acquire runs in the command foreground;
// Release also runs from the completion interrupt, so the shared claim
// state is guarded by masking rather than a lock.
type Pool struct {
	index  int
	hw     *rp.SPI0_Type
	txDREQ uint32
	rxDREQ uint32
	inUse  int
}

func newPool(index int) *Pool {
	p := &Pool{index: index, hw: controllerHW(index)}
	p.txDREQ, p.rxDREQ = dmaDREQs(index)
	return p
}

func (p *Pool) Acquire(hint core.DMAUsage) (core.DMAChannel, bool) {
	st := interrupt.Disable()
	if p.inUse >= maxPairsPerController {
		interrupt.Restore(st)
		return nil, false
	}
	tx, ok := claimDMAChannel(p)
	if !ok {
		interrupt.Restore(st)
		return nil, false
	}
	rx, ok := claimDMAChannel(p)
	if !ok {
		unclaimDMAChannel(tx)
		interrupt.Restore(st)
		return nil, false
	}
	p.inUse++
	interrupt.Restore(st)

	return &pair{
		pool: p,
		tx:   tx,
		rx:   rx,
		txHW: dmaChannelReg(tx),
		rxHW: dmaChannelReg(rx),
	}, true
}

func (p *Pool) Release(ch core.DMAChannel) {
	pr, ok := ch.(*pair)
	if !ok || pr.pool != p {
		return
	}
	pr.disarm()
	st := interrupt.Disable()
	p.inUse--
	unclaimDMAChannel(pr.tx)
	unclaimDMAChannel(pr.rx)
	interrupt.Restore(st)
}

// pair couples a transmit and a receive channel into the DMAChannel
// the engine drives. The receive channel paces completion: its
// interrupt fires after the last word lands, by which point the
// transmit side is necessarily done too.
type pair struct {
	pool *Pool
	tx   uint8
	rx   uint8
	txHW *dmaChannelHW
	rxHW *dmaChannelHW

	// Scratch words the channels point at when a job has no buffer on
	// one side. Volatile so the stores land before the trigger.
	fill volatile.Register32
	sink volatile.Register32
}

// Start programs both channels for job and triggers them. The receive
// channel is armed first so no incoming word can slip past it.
func (pr *pair) Start(job core.DMAJob) error {
	if job.Words <= 0 {
		return errDMAEmptyJob
	}
	var size uint32
	switch job.Elem {
	case 1:
		size = 0
	case 2:
		size = 1
	case 4:
		size = 2
	default:
		return errDMAWordSize
	}
	dr := regAddr(&pr.pool.hw.SSPDR)

	rxAddr := regAddr(&pr.sink)
	incrRx := false
	if job.Rx != nil {
		rxAddr = uint32(uintptr(unsafe.Pointer(&job.Rx[0])))
		incrRx = true
	}
	pr.rxHW.CTRL_TRIG.ClearBits(rp.DMA_CH0_CTRL_TRIG_EN)
	pr.rxHW.READ_ADDR.Set(dr)
	pr.rxHW.WRITE_ADDR.Set(rxAddr)
	pr.rxHW.TRANS_COUNT.Set(uint32(job.Words))
	// INTE0 is shared by every channel and updated from both the
	// foreground and the completion interrupt, so the read-modify-write
	// runs masked.
	st := interrupt.Disable()
	rp.DMA.INTE0.SetBits(1 << pr.rx)
	interrupt.Restore(st)

	txAddr := regAddr(&pr.fill)
	incrTx := false
	if job.Tx != nil {
		txAddr = uint32(uintptr(unsafe.Pointer(&job.Tx[0])))
		incrTx = true
	} else {
		pr.fill.Set(job.Fill)
	}
	pr.txHW.CTRL_TRIG.ClearBits(rp.DMA_CH0_CTRL_TRIG_EN)
	pr.txHW.READ_ADDR.Set(txAddr)
	pr.txHW.WRITE_ADDR.Set(dr)
	pr.txHW.TRANS_COUNT.Set(uint32(job.Words))

	pr.pool.hw.SSPDMACR.SetBits(rp.SPI0_SSPDMACR_TXDMAE | rp.SPI0_SSPDMACR_RXDMAE)

	pr.rxHW.CTRL_TRIG.Set(ctrlWord(pr.rx, pr.pool.rxDREQ, size, false, incrRx, false))
	pr.txHW.CTRL_TRIG.Set(ctrlWord(pr.tx, pr.pool.txDREQ, size, incrTx, false, true))
	return nil
}

// Abort stops both channels and flushes words in flight. CHAN_ABORT
// stays high until the flush completes.
func (pr *pair) Abort() {
	st := interrupt.Disable()
	rp.DMA.INTE0.ClearBits(1 << pr.rx)
	interrupt.Restore(st)
	mask := uint32(1<<pr.tx | 1<<pr.rx)
	rp.DMA.CHAN_ABORT.Set(mask)
	for rp.DMA.CHAN_ABORT.Get()&mask != 0 {
	}
	pr.txHW.CTRL_TRIG.ClearBits(rp.DMA_CH0_CTRL_TRIG_EN)
	pr.rxHW.CTRL_TRIG.ClearBits(rp.DMA_CH0_CTRL_TRIG_EN)
	pr.pool.hw.SSPDMACR.ClearBits(rp.SPI0_SSPDMACR_TXDMAE | rp.SPI0_SSPDMACR_RXDMAE)
	// Drop a completion latched while the abort was underway.
	rp.DMA.INTS0.Set(1 << pr.rx)
}

func (pr *pair) Busy() bool {
	return pr.txHW.CTRL_TRIG.HasBits(rp.DMA_CH0_CTRL_TRIG_BUSY) ||
		pr.rxHW.CTRL_TRIG.HasBits(rp.DMA_CH0_CTRL_TRIG_BUSY)
}

// Fault reads and clears the bus error flags on both channels.
func (pr *pair) Fault() bool {
	fault := false
	if pr.txHW.CTRL_TRIG.HasBits(rp.DMA_CH0_CTRL_TRIG_AHB_ERROR) {
		pr.txHW.CTRL_TRIG.SetBits(rp.DMA_CH0_CTRL_TRIG_READ_ERROR | rp.DMA_CH0_CTRL_TRIG_WRITE_ERROR)
		fault = true
	}
	if pr.rxHW.CTRL_TRIG.HasBits(rp.DMA_CH0_CTRL_TRIG_AHB_ERROR) {
		pr.rxHW.CTRL_TRIG.SetBits(rp.DMA_CH0_CTRL_TRIG_READ_ERROR | rp.DMA_CH0_CTRL_TRIG_WRITE_ERROR)
		fault = true
	}
	return fault
}

func (pr *pair) MaxWords() int {
	return 0
}

func (pr *pair) disarm() {
	st := interrupt.Disable()
	rp.DMA.INTE0.ClearBits(1 << pr.rx)
	interrupt.Restore(st)
	pr.pool.hw.SSPDMACR.ClearBits(rp.SPI0_SSPDMACR_TXDMAE | rp.SPI0_SSPDMACR_RXDMAE)
}

// ctrlWord assembles a CTRL_TRIG value. Chaining to the channel itself
// disables chaining.
func ctrlWord(self uint8, treq uint32, size uint32, incrRead, incrWrite, quiet bool) uint32 {
	ctrl := uint32(rp.DMA_CH0_CTRL_TRIG_EN)
	ctrl |= size << rp.DMA_CH0_CTRL_TRIG_DATA_SIZE_Pos
	ctrl |= uint32(self) << rp.DMA_CH0_CTRL_TRIG_CHAIN_TO_Pos
	ctrl |= treq << rp.DMA_CH0_CTRL_TRIG_TREQ_SEL_Pos
	if incrRead {
		ctrl |= 1 << rp.DMA_CH0_CTRL_TRIG_INCR_READ_Pos
	}
	if incrWrite {
		ctrl |= 1 << rp.DMA_CH0_CTRL_TRIG_INCR_WRITE_Pos
	}
	if quiet {
		ctrl |= 1 << rp.DMA_CH0_CTRL_TRIG_IRQ_QUIET_Pos
	}
	return ctrl
}

// dmaDispatch fans the shared completion interrupt out to the engines
// whose receive channels finished.
func dmaDispatch() {
	pending := rp.DMA.INTS0.Get()
	if pending == 0 {
		return
	}
	rp.DMA.INTS0.Set(pending)
	for i := uint8(0); i < dmaChannelCount; i++ {
		if pending&(1<<i) == 0 {
			continue
		}
		pool := dmaOwner[i]
		if pool == nil {
			continue
		}
		if svc := services[pool.index]; svc != nil {
			svc()
		}
	}
}
