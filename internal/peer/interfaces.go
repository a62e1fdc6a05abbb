package peer

import "peerwire/internal/protocol"

// Connection is the coordinator's view of one peer link.
// Allows mocking peer connections in unit tests.
type Connection interface {
	// Addr is the remote address, also the connection's identity
	Addr() Addr

	// State returns the current lifecycle state
	State() State

	// Flags returns the choke/interest flags of the link
	Flags() Flags

	// HasPiece reports whether the peer claims to have the piece
	HasPiece(index int) bool

	// SendInterested tells the peer we're interested in their pieces
	SendInterested() error

	// SendNotInterested tells the peer we're not interested
	SendNotInterested() error

	// SendRequest sends request for a block from the peer
	SendRequest(index, begin, length int) error

	// SendCancel withdraws an earlier request
	SendCancel(index, begin, length int) error

	// SendHave tells the peer we have a specific piece
	SendHave(index int) error

	// Drop closes the connection and records reason as its cause
	Drop(reason error)
}

// Handler receives connection events. Calls for one connection come from
// that connection's goroutine, in order; HandleClose is always the last.
type Handler interface {
	HandleEstablished(c Connection)
	HandleMessage(c Connection, msg protocol.Message)
	HandleClose(c Connection, err error)
}

// Ensure Conn implements Connection interface
var _ Connection = (*Conn)(nil)
