//go:build rp2350

package rp2

// System DREQ numbers for the SSP controllers (RP2350 datasheet
// 12.6.4.1). The third PIO block shifts them up from the RP2040
// values.
const (
	dreqSPI0TX = 0x18
	dreqSPI0RX = 0x19
	dreqSPI1TX = 0x1a
	dreqSPI1RX = 0x1b
)

const dmaChannelCount = 16

func dmaDREQs(index int) (tx, rx uint32) {
	if index == 0 {
		return dreqSPI0TX, dreqSPI0RX
	}
	return dreqSPI1TX, dreqSPI1RX
}
