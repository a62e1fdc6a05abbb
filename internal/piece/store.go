package piece

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"iter"

	bitmap "github.com/boljen/go-bitmap"

	"peerwire/internal/protocol"
)

type Status int

const (
	Missing Status = iota
	Partial
	Complete
	Verified
)

func (s Status) String() string {
	switch s {
	case Missing:
		return "missing"
	case Partial:
		return "partial"
	case Complete:
		return "complete"
	case Verified:
		return "verified"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Block is a byte range within a piece.
type Block struct {
	Begin  int
	Length int
}

type pieceState struct {
	length   int
	hash     [20]byte
	slots    bitmap.Bitmap
	received int
	data     []byte
	verified bool
}

func (p *pieceState) numSlots(blockSize int) int {
	return (p.length + blockSize - 1) / blockSize
}

func (p *pieceState) status(blockSize int) Status {
	switch {
	case p.verified:
		return Verified
	case p.received == 0:
		return Missing
	case p.received == p.numSlots(blockSize):
		return Complete
	default:
		return Partial
	}
}

// Store tracks which blocks of every piece have arrived and verifies pieces
// against their expected SHA-1. It is not safe for concurrent use.
type Store struct {
	pieceLength   int
	totalLength   int
	blockSize     int
	pieces        []pieceState
	verified      int
	verifiedBytes int
}

func New(hashes [][20]byte, pieceLength, totalLength, blockSize int) (*Store, error) {
	if pieceLength <= 0 || blockSize <= 0 || totalLength <= 0 {
		return nil, fmt.Errorf("invalid store geometry: piece length %d, total %d, block size %d", pieceLength, totalLength, blockSize)
	}
	numPieces := (totalLength + pieceLength - 1) / pieceLength
	if len(hashes) != numPieces {
		return nil, fmt.Errorf("%d piece hashes for %d pieces", len(hashes), numPieces)
	}

	s := &Store{
		pieceLength: pieceLength,
		totalLength: totalLength,
		blockSize:   blockSize,
		pieces:      make([]pieceState, numPieces),
	}
	for i := range s.pieces {
		p := &s.pieces[i]
		p.length = min(pieceLength, totalLength-i*pieceLength)
		p.hash = hashes[i]
		p.slots = bitmap.New(p.numSlots(blockSize))
	}
	return s, nil
}

func (s *Store) NumPieces() int {
	return len(s.pieces)
}

func (s *Store) BlockSize() int {
	return s.blockSize
}

func (s *Store) TotalLength() int {
	return s.totalLength
}

// PieceSize is the length of piece index; only the last piece may be shorter.
func (s *Store) PieceSize(index int) int {
	if index < 0 || index >= len(s.pieces) {
		return 0
	}
	return s.pieces[index].length
}

func (s *Store) Status(index int) Status {
	if index < 0 || index >= len(s.pieces) {
		return Missing
	}
	return s.pieces[index].status(s.blockSize)
}

// Verified is the number of verified pieces.
func (s *Store) Verified() int {
	return s.verified
}

func (s *Store) VerifiedBytes() int {
	return s.verifiedBytes
}

func (s *Store) IsComplete() bool {
	return s.verified == len(s.pieces)
}

// MarkBlockReceived stores data at begin. Blocks must cover exactly one slot
// of the block grid; anything else is ErrInvalidBlock.
func (s *Store) MarkBlockReceived(index, begin int, data []byte) (Status, error) {
	if index < 0 || index >= len(s.pieces) {
		return Missing, fmt.Errorf("%w: piece %d out of range", ErrInvalidBlock, index)
	}
	p := &s.pieces[index]
	if p.verified {
		return Verified, fmt.Errorf("%w: piece %d already verified", ErrInvalidBlock, index)
	}
	if begin < 0 || begin >= p.length || begin+len(data) > p.length {
		return p.status(s.blockSize), fmt.Errorf("%w: range [%d, %d) exceeds piece %d of %d bytes", ErrInvalidBlock, begin, begin+len(data), index, p.length)
	}
	if begin%s.blockSize != 0 {
		return p.status(s.blockSize), fmt.Errorf("%w: offset %d is not a multiple of %d", ErrInvalidBlock, begin, s.blockSize)
	}
	slot := begin / s.blockSize
	if want := s.slotLength(p, slot); len(data) != want {
		return p.status(s.blockSize), fmt.Errorf("%w: block at %d is %d bytes, want %d", ErrInvalidBlock, begin, len(data), want)
	}
	if p.slots.Get(slot) {
		return p.status(s.blockSize), fmt.Errorf("%w: block at %d of piece %d already received", ErrInvalidBlock, begin, index)
	}

	if p.data == nil {
		p.data = make([]byte, p.length)
	}
	copy(p.data[begin:], data)
	p.slots.Set(slot, true)
	p.received++
	return p.status(s.blockSize), nil
}

func (s *Store) slotLength(p *pieceState, slot int) int {
	return min(s.blockSize, p.length-slot*s.blockSize)
}

// FinalizePiece verifies a complete piece. On mismatch every block of the
// piece is discarded and the piece is Missing again.
func (s *Store) FinalizePiece(index int) (Status, error) {
	if index < 0 || index >= len(s.pieces) {
		return Missing, fmt.Errorf("%w: piece %d out of range", ErrInvalidBlock, index)
	}
	p := &s.pieces[index]
	if p.verified {
		return Verified, nil
	}
	if st := p.status(s.blockSize); st != Complete {
		return st, fmt.Errorf("%w: piece %d is %s", ErrPieceIncomplete, index, st)
	}

	sum := sha1.Sum(p.data)
	if !bytes.Equal(sum[:], p.hash[:]) {
		p.reset(s.blockSize)
		return Missing, fmt.Errorf("%w: piece %d", ErrHashMismatch, index)
	}

	p.verified = true
	s.verified++
	s.verifiedBytes += p.length
	return Verified, nil
}

func (p *pieceState) reset(blockSize int) {
	p.slots = bitmap.New(p.numSlots(blockSize))
	p.received = 0
	p.data = nil
}

// MissingBlocks yields the unreceived blocks of a piece in ascending order.
// Each iteration reads the current state, so the sequence can be restarted.
func (s *Store) MissingBlocks(index int) iter.Seq[Block] {
	return func(yield func(Block) bool) {
		if index < 0 || index >= len(s.pieces) {
			return
		}
		p := &s.pieces[index]
		if p.verified {
			return
		}
		for slot := range p.numSlots(s.blockSize) {
			if p.slots.Get(slot) {
				continue
			}
			if !yield(Block{Begin: slot * s.blockSize, Length: s.slotLength(p, slot)}) {
				return
			}
		}
	}
}

// Bitfield reports the verified pieces in wire order.
func (s *Store) Bitfield() protocol.Bitfield {
	bf := protocol.NewBitfield(len(s.pieces))
	for i := range s.pieces {
		if s.pieces[i].verified {
			bf.SetPiece(i)
		}
	}
	return bf
}

// Assemble concatenates every piece into the torrent's byte layout.
func (s *Store) Assemble() ([]byte, error) {
	if !s.IsComplete() {
		return nil, fmt.Errorf("%w: %d of %d pieces verified", ErrPieceIncomplete, s.verified, len(s.pieces))
	}
	buf := make([]byte, 0, s.totalLength)
	for i := range s.pieces {
		buf = append(buf, s.pieces[i].data...)
	}
	return buf, nil
}
