package protocol

import (
	"bytes"
	"fmt"
	"io"
)

const (
	ProtocolName = "BitTorrent protocol"
	// HandshakeLen is 1 + 19 + 8 + 20 + 20.
	HandshakeLen = 49 + len(ProtocolName)
)

type Handshake struct {
	Pstr     string
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

func NewHandshake(infohash [20]byte, peerID [20]byte) *Handshake {
	return &Handshake{
		Pstr:     ProtocolName,
		InfoHash: infohash,
		PeerID:   peerID,
	}
}

// EncodeHandshake produces the 68-byte handshake for the standard protocol.
func EncodeHandshake(infohash [20]byte, peerID [20]byte) []byte {
	return NewHandshake(infohash, peerID).Serialize()
}

func (h *Handshake) Serialize() []byte {
	buffer := make([]byte, len(h.Pstr)+49)
	buffer[0] = byte(len(h.Pstr))

	point := 1
	point += copy(buffer[point:], h.Pstr)
	point += copy(buffer[point:], h.Reserved[:])
	point += copy(buffer[point:], h.InfoHash[:])
	copy(buffer[point:], h.PeerID[:])

	return buffer
}

// DecodeHandshake parses a complete handshake. The buffer length must match
// the length byte exactly and the protocol name must be the standard one.
func DecodeHandshake(buf []byte) (*Handshake, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrBadHandshake)
	}

	pstrLen := int(buf[0])
	if 1+pstrLen+48 != len(buf) {
		return nil, fmt.Errorf("%w: pstrlen %d does not fit %d bytes", ErrBadHandshake, pstrLen, len(buf))
	}

	pstr := buf[1 : 1+pstrLen]
	if !bytes.Equal(pstr, []byte(ProtocolName)) {
		return nil, fmt.Errorf("%w: unrecognized protocol %q", ErrBadHandshake, pstr)
	}

	h := &Handshake{Pstr: string(pstr)}
	point := 1 + pstrLen
	point += copy(h.Reserved[:], buf[point:])
	point += copy(h.InfoHash[:], buf[point:])
	copy(h.PeerID[:], buf[point:])

	return h, nil
}

// ReadHandshake reads exactly one handshake from r.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	lenBuf := make([]byte, 1)

	_, err := io.ReadFull(r, lenBuf)
	if err != nil {
		return nil, err
	}

	pstrLen := int(lenBuf[0])

	if pstrLen == 0 {
		return nil, fmt.Errorf("%w: pstrlen cannot be zero", ErrBadHandshake)
	}

	handshakeBuf := make([]byte, 1+pstrLen+48)
	handshakeBuf[0] = lenBuf[0]
	_, err = io.ReadFull(r, handshakeBuf[1:])
	if err != nil {
		return nil, err
	}

	return DecodeHandshake(handshakeBuf)
}

// Check verifies that the remote side agreed on the same transfer.
func (h *Handshake) Check(infohash [20]byte) error {
	if h.InfoHash != infohash {
		return fmt.Errorf("%w: required %x, got %x", ErrInfoHashMismatch, infohash, h.InfoHash)
	}
	return nil
}
