package core

import "errors"

// errRange reports an advance that would move the cursor past the end
// of the view. The engine bounds every advance by remaining(), so it
// can only surface through misuse.
var errRange = errors.New("buffer advance out of range")

// buffer is a word-addressed view over a caller's byte slice. Words
// are elem bytes wide, packed little-endian, and the position advances
// in whole words. The engine keeps one view per transfer direction.
type buffer struct {
	data   []byte
	elem   uint8
	pos    int // current word
	length int // total words
}

// makeBuffer validates a byte slice against the word size. A nil slice
// yields an empty view, which is not an error.
func makeBuffer(data []byte, elem uint8) (buffer, error) {
	if len(data)%int(elem) != 0 {
		return buffer{}, ErrOddLength
	}
	return buffer{data: data, elem: elem, length: len(data) / int(elem)}, nil
}

// elemSize maps a word width in bits to its buffer footprint in bytes.
func elemSize(width uint8) (uint8, error) {
	switch width {
	case 8:
		return 1, nil
	case 16:
		return 2, nil
	case 32:
		return 4, nil
	}
	return 0, ErrBadWidth
}

// remaining returns the words left between the position and the end.
func (b *buffer) remaining() int {
	return b.length - b.pos
}

// exhausted reports whether the position has reached the end. An empty
// view is exhausted from the start.
func (b *buffer) exhausted() bool {
	return b.pos == b.length
}

// load reads the word at the current position.
func (b *buffer) load() uint32 {
	i := b.pos * int(b.elem)
	switch b.elem {
	case 1:
		return uint32(b.data[i])
	case 2:
		return uint32(b.data[i]) | uint32(b.data[i+1])<<8
	default:
		return uint32(b.data[i]) | uint32(b.data[i+1])<<8 |
			uint32(b.data[i+2])<<16 | uint32(b.data[i+3])<<24
	}
}

// store writes a word at the current position.
func (b *buffer) store(w uint32) {
	i := b.pos * int(b.elem)
	b.data[i] = byte(w)
	if b.elem >= 2 {
		b.data[i+1] = byte(w >> 8)
	}
	if b.elem == 4 {
		b.data[i+2] = byte(w >> 16)
		b.data[i+3] = byte(w >> 24)
	}
}

// advance moves the position n words forward. Moving past the end
// leaves the position where it was.
func (b *buffer) advance(n int) error {
	if n < 0 || b.pos+n > b.length {
		return errRange
	}
	b.pos += n
	return nil
}

// view returns the bytes backing the next n words, sized for a DMA
// descriptor.
func (b *buffer) view(n int) []byte {
	i := b.pos * int(b.elem)
	return b.data[i : i+n*int(b.elem)]
}

// reset drops the view so no caller memory stays referenced.
func (b *buffer) reset() {
	b.data = nil
	b.pos = 0
	b.length = 0
}
