//go:build rp2040

package rp2

// System DREQ numbers for the SSP controllers (RP2040 datasheet
// 2.5.3.1). The SVD does not carry these, so they are spelled out.
const (
	dreqSPI0TX = 0x10
	dreqSPI0RX = 0x11
	dreqSPI1TX = 0x12
	dreqSPI1RX = 0x13
)

const dmaChannelCount = 12

func dmaDREQs(index int) (tx, rx uint32) {
	if index == 0 {
		return dreqSPI0TX, dreqSPI0RX
	}
	return dreqSPI1TX, dreqSPI1RX
}
