package protocol

import (
	"errors"
	"fmt"
)

// ErrProtocol is the category every codec failure wraps. A connection that
// produces one cannot be trusted to stay in sync with the stream.
var ErrProtocol = errors.New("protocol error")

var (
	ErrBadHandshake       = fmt.Errorf("%w: bad handshake", ErrProtocol)
	ErrInfoHashMismatch   = fmt.Errorf("%w: info hash mismatch", ErrProtocol)
	ErrUnknownMessageType = fmt.Errorf("%w: unknown message type", ErrProtocol)
	ErrMalformedPayload   = fmt.Errorf("%w: malformed payload", ErrProtocol)
)
