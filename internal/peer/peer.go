package peer

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
)

// Addr is a candidate peer as handed out by discovery.
type Addr struct {
	IP   net.IP
	Port uint16
}

func UnmarshalPeers(peerData []byte) ([]Addr, error) {
	const peerSize = 6

	if len(peerData)%peerSize != 0 {
		return nil, fmt.Errorf("invalid peer list length: %d not divisible by %d", len(peerData), peerSize)
	}

	numPeers := len(peerData) / peerSize
	peers := make([]Addr, numPeers)

	for i := 0; i < numPeers; i++ {
		offset := i * peerSize
		peers[i].IP = net.IP(append([]byte(nil), peerData[offset:offset+4]...))
		peers[i].Port = binary.BigEndian.Uint16(peerData[offset+4 : offset+6])
	}

	return peers, nil
}

// ParseAddr parses "host:port" where host is an IP literal.
func ParseAddr(s string) (Addr, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Addr{}, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Addr{}, fmt.Errorf("invalid peer ip %q", host)
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return Addr{}, fmt.Errorf("invalid peer port %q: %w", port, err)
	}
	return Addr{IP: ip, Port: uint16(n)}, nil
}

// String is also the identity used to dedupe peers.
func (p Addr) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

const peerIDPrefix = "-PW0100-"

// GeneratePeerID returns a client id in the Azureus style: a fixed prefix
// followed by random bytes.
func GeneratePeerID() [20]byte {
	var id [20]byte
	n := copy(id[:], peerIDPrefix)
	u := uuid.New()
	copy(id[n:], u[:])
	return id
}
