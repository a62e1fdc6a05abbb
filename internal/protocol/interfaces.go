package protocol

// Message is one of the peer-wire message kinds: KeepAlive, Choke, Unchoke,
// Interested, NotInterested, Have, BitfieldMsg, Request, Piece, Cancel, Port.
// The set is closed; consumers switch on the concrete type.
type Message interface {
	ID() MessageID
	appendPayload(dst []byte) []byte
}

var (
	_ Message = KeepAlive{}
	_ Message = Choke{}
	_ Message = Unchoke{}
	_ Message = Interested{}
	_ Message = NotInterested{}
	_ Message = Have{}
	_ Message = BitfieldMsg{}
	_ Message = Request{}
	_ Message = Piece{}
	_ Message = Cancel{}
	_ Message = Port{}
)
