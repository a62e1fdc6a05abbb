package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

type MessageID uint8

const (
	// fixed length and no payload
	MsgChoke MessageID = 0
	// fixed length and no payload
	MsgUnchoke MessageID = 1
	// fixed length and no payload
	MsgInterested MessageID = 2
	// fixed length and no payload
	MsgNotInterested MessageID = 3
	// fixed length, payload is the zero based piece index
	MsgHave MessageID = 4
	// variable length, one bit per piece
	MsgBitfield MessageID = 5
	// fixed length, payload == index, begin, length
	MsgRequest MessageID = 6
	// variable length, payload == index, begin, block
	MsgPiece MessageID = 7
	// fixed length and same as request payload
	MsgCancel MessageID = 8
	// fixed length, payload is the DHT listen port
	MsgPort MessageID = 9

	// MsgKeepAlive never appears on the wire; a keep-alive is a bare zero length prefix.
	MsgKeepAlive MessageID = 0xff
)

const (
	lengthPrefix = 4
	// DefaultMaxFrame bounds frames when Limits do not say otherwise.
	DefaultMaxFrame = 1<<21 + 9
)

type (
	KeepAlive     struct{}
	Choke         struct{}
	Unchoke       struct{}
	Interested    struct{}
	NotInterested struct{}

	Have struct {
		Index int
	}

	BitfieldMsg struct {
		Bits Bitfield
	}

	Request struct {
		Index  int
		Begin  int
		Length int
	}

	// Piece carries one block. Block aliases the decoded payload.
	Piece struct {
		Index int
		Begin int
		Block []byte
	}

	Cancel struct {
		Index  int
		Begin  int
		Length int
	}

	Port struct {
		Port uint16
	}
)

func (KeepAlive) ID() MessageID     { return MsgKeepAlive }
func (Choke) ID() MessageID         { return MsgChoke }
func (Unchoke) ID() MessageID       { return MsgUnchoke }
func (Interested) ID() MessageID    { return MsgInterested }
func (NotInterested) ID() MessageID { return MsgNotInterested }
func (Have) ID() MessageID          { return MsgHave }
func (BitfieldMsg) ID() MessageID   { return MsgBitfield }
func (Request) ID() MessageID       { return MsgRequest }
func (Piece) ID() MessageID         { return MsgPiece }
func (Cancel) ID() MessageID        { return MsgCancel }
func (Port) ID() MessageID          { return MsgPort }

func (KeepAlive) appendPayload(dst []byte) []byte     { return dst }
func (Choke) appendPayload(dst []byte) []byte         { return dst }
func (Unchoke) appendPayload(dst []byte) []byte       { return dst }
func (Interested) appendPayload(dst []byte) []byte    { return dst }
func (NotInterested) appendPayload(dst []byte) []byte { return dst }

func (m Have) appendPayload(dst []byte) []byte {
	return binary.BigEndian.AppendUint32(dst, uint32(m.Index))
}

func (m BitfieldMsg) appendPayload(dst []byte) []byte {
	return append(dst, m.Bits...)
}

func (m Request) appendPayload(dst []byte) []byte {
	return appendTriple(dst, m.Index, m.Begin, m.Length)
}

func (m Piece) appendPayload(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(m.Index))
	dst = binary.BigEndian.AppendUint32(dst, uint32(m.Begin))
	return append(dst, m.Block...)
}

func (m Cancel) appendPayload(dst []byte) []byte {
	return appendTriple(dst, m.Index, m.Begin, m.Length)
}

func (m Port) appendPayload(dst []byte) []byte {
	return binary.BigEndian.AppendUint16(dst, m.Port)
}

func appendTriple(dst []byte, index, begin, length int) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(index))
	dst = binary.BigEndian.AppendUint32(dst, uint32(begin))
	return binary.BigEndian.AppendUint32(dst, uint32(length))
}

// Limits bounds the variable length messages. Zero fields are unbounded.
type Limits struct {
	NumPieces int
	MaxBlock  int
}

// MaxFrame is the largest length prefix a reader accepts.
func (l Limits) MaxFrame() int {
	if l.NumPieces <= 0 || l.MaxBlock <= 0 {
		return DefaultMaxFrame
	}
	return max(1+BitfieldLen(l.NumPieces), 9+l.MaxBlock, 13)
}

// EncodeMessage serializes the message into <length prefix><MessageID><payload>.
// A keep-alive is the zero length prefix alone.
func EncodeMessage(m Message) []byte {
	if m.ID() == MsgKeepAlive {
		return make([]byte, lengthPrefix)
	}

	buf := make([]byte, lengthPrefix+1, lengthPrefix+64)
	buf[lengthPrefix] = byte(m.ID())
	buf = m.appendPayload(buf)
	binary.BigEndian.PutUint32(buf[:lengthPrefix], uint32(len(buf)-lengthPrefix))

	return buf
}

// DecodeMessage parses a frame body whose length prefix was already consumed.
// An empty body is a keep-alive.
func DecodeMessage(payload []byte, lim Limits) (Message, error) {
	if len(payload) == 0 {
		return KeepAlive{}, nil
	}

	id, body := MessageID(payload[0]), payload[1:]

	switch id {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested:
		if err := expectLen(id, body, 0); err != nil {
			return nil, err
		}
		switch id {
		case MsgChoke:
			return Choke{}, nil
		case MsgUnchoke:
			return Unchoke{}, nil
		case MsgInterested:
			return Interested{}, nil
		default:
			return NotInterested{}, nil
		}

	case MsgHave:
		if err := expectLen(id, body, 4); err != nil {
			return nil, err
		}
		return Have{Index: int(binary.BigEndian.Uint32(body))}, nil

	case MsgBitfield:
		if lim.NumPieces > 0 && len(body) > BitfieldLen(lim.NumPieces) {
			return nil, fmt.Errorf("%w: bitfield of %d bytes for %d pieces", ErrMalformedPayload, len(body), lim.NumPieces)
		}
		return BitfieldMsg{Bits: Bitfield(body)}, nil

	case MsgRequest, MsgCancel:
		if err := expectLen(id, body, 12); err != nil {
			return nil, err
		}
		index := int(binary.BigEndian.Uint32(body[0:4]))
		begin := int(binary.BigEndian.Uint32(body[4:8]))
		length := int(binary.BigEndian.Uint32(body[8:12]))
		if id == MsgRequest {
			return Request{Index: index, Begin: begin, Length: length}, nil
		}
		return Cancel{Index: index, Begin: begin, Length: length}, nil

	case MsgPiece:
		if len(body) < 8 {
			return nil, fmt.Errorf("%w: piece payload is too short: %d", ErrMalformedPayload, len(body))
		}
		block := body[8:]
		if lim.MaxBlock > 0 && len(block) > lim.MaxBlock {
			return nil, fmt.Errorf("%w: block of %d bytes exceeds %d", ErrMalformedPayload, len(block), lim.MaxBlock)
		}
		return Piece{
			Index: int(binary.BigEndian.Uint32(body[0:4])),
			Begin: int(binary.BigEndian.Uint32(body[4:8])),
			Block: block,
		}, nil

	case MsgPort:
		if err := expectLen(id, body, 2); err != nil {
			return nil, err
		}
		return Port{Port: binary.BigEndian.Uint16(body)}, nil

	default:
		return nil, fmt.Errorf("%w: id %d", ErrUnknownMessageType, id)
	}
}

func expectLen(id MessageID, body []byte, want int) error {
	if len(body) != want {
		return fmt.Errorf("%w: %s payload is %d bytes, want %d", ErrMalformedPayload, id, len(body), want)
	}
	return nil
}

// ReadMessage parses one frame from a stream. A zero length prefix is a
// keep-alive and consumes nothing past the prefix.
func ReadMessage(r io.Reader, lim Limits) (Message, error) {
	buffer := make([]byte, lengthPrefix)

	_, err := io.ReadFull(r, buffer)
	if err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(buffer)

	if length == 0 {
		return KeepAlive{}, nil
	}

	if uint64(length) > uint64(lim.MaxFrame()) {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrMalformedPayload, length, lim.MaxFrame())
	}

	messageBuffer := make([]byte, length)
	_, err = io.ReadFull(r, messageBuffer)
	if err != nil {
		return nil, err
	}

	return DecodeMessage(messageBuffer, lim)
}

// WriteMessage writes one framed message to w.
func WriteMessage(w io.Writer, m Message) error {
	_, err := w.Write(EncodeMessage(m))
	return err
}

func (id MessageID) String() string {
	switch id {
	case MsgChoke:
		return "choke"
	case MsgUnchoke:
		return "unchoke"
	case MsgInterested:
		return "interested"
	case MsgNotInterested:
		return "not-interested"
	case MsgHave:
		return "have"
	case MsgBitfield:
		return "bitfield"
	case MsgRequest:
		return "request"
	case MsgPiece:
		return "piece"
	case MsgCancel:
		return "cancel"
	case MsgPort:
		return "port"
	case MsgKeepAlive:
		return "keep-alive"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}
