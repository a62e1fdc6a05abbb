package piece

import "errors"

var (
	// ErrInvalidBlock rejects block data that does not fit an empty slot of
	// an unverified piece.
	ErrInvalidBlock = errors.New("invalid block")

	// ErrHashMismatch means a complete piece failed verification and was reset.
	ErrHashMismatch = errors.New("piece hash mismatch")

	ErrPieceIncomplete = errors.New("piece is not complete")
)
