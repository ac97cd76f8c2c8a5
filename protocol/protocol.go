// Package protocol implements the framed serial link between the host
// and the firmware. Each frame carries a one byte length, a sequence
// byte, a VLQ encoded payload and a CRC16 trailer closed by a sync
// byte. The same framing runs in both directions.
package protocol

// Frame layout constants, shared by both ends of the link.
const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E

	// Sequence bytes carry a 4 bit counter in the low nibble and the
	// destination bits 0x10 in the high nibble, in both directions.
	MessageDest    = 0x10
	MessageSeqMask = 0x0F
)

// MessageMax sizes the scratch output buffer. It is larger than a
// single frame so several responses can be batched between flushes.
const MessageMax = 512
