package protocol

import "math/bits"

// Bitfield represents the pieces a peer has.
// The high bit of the first byte is piece 0.
type Bitfield []byte

// NewBitfield returns an empty bitfield large enough for n pieces.
func NewBitfield(n int) Bitfield {
	return make(Bitfield, BitfieldLen(n))
}

// BitfieldLen is the wire size of a bitfield covering n pieces.
func BitfieldLen(n int) int {
	return (n + 7) / 8
}

// HasPiece checks if a piece is available in the bitfield
func (bf Bitfield) HasPiece(index int) bool {
	byteIndex := index / 8
	bitIndex := index % 8

	if index < 0 || byteIndex >= len(bf) {
		return false
	}

	return bf[byteIndex]&(1<<(7-bitIndex)) != 0
}

// SetPiece marks a piece as available in the bitfield
func (bf Bitfield) SetPiece(index int) {
	byteIndex := index / 8
	bitIndex := index % 8

	if index < 0 || byteIndex >= len(bf) {
		return
	}

	bf[byteIndex] |= 1 << (7 - bitIndex)
}

// Count returns how many of the first n pieces are set.
func (bf Bitfield) Count(n int) int {
	count := 0
	for i, b := range bf {
		if rem := n - i*8; rem < 8 {
			if rem <= 0 {
				break
			}
			b &= 0xff << (8 - rem)
		}
		count += bits.OnesCount8(b)
	}
	return count
}

// Or sets every piece of other in bf. Bytes of other beyond len(bf) are ignored.
func (bf Bitfield) Or(other Bitfield) {
	for i := 0; i < len(bf) && i < len(other); i++ {
		bf[i] |= other[i]
	}
}
