package peer

import (
	"errors"
	"fmt"
)

var (
	// ErrStalled means the peer stopped answering: too many idle read periods
	// or too many expired requests.
	ErrStalled = errors.New("peer stalled")

	// ErrNotEstablished is returned by sends outside the Established state.
	ErrNotEstablished = errors.New("connection not established")

	// ErrClosed is the reason recorded when the connection is closed locally.
	ErrClosed = errors.New("connection closed")
)

// ConnectError is a socket-level failure to reach the peer.
type ConnectError struct {
	Addr Addr
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting to %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
