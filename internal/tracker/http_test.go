package tracker

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"peerwire/internal/config"
	"peerwire/internal/peer"
)

var (
	testPeerID   = [20]byte{'-', 'P', 'W'}
	testInfoHash = [20]byte{0xde, 0xad, 0xbe, 0xef}
)

func bencoded(t *testing.T, v any) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, v))
	return buf.Bytes()
}

func TestHTTPTrackerAnnounce(t *testing.T) {
	compact := string([]byte{127, 0, 0, 1, 0x1a, 0xe1, 10, 0, 0, 2, 0x1a, 0xe2})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, string(testInfoHash[:]), q.Get("info_hash"))
		assert.Equal(t, string(testPeerID[:]), q.Get("peer_id"))
		assert.Equal(t, "6881", q.Get("port"))
		assert.Equal(t, "1", q.Get("compact"))
		assert.Equal(t, "1234", q.Get("left"))
		assert.Equal(t, "abc", q.Get("key"))
		w.Write(bencoded(t, map[string]any{"interval": 1800, "peers": compact}))
	}))
	defer srv.Close()

	tr := NewHTTPTracker(srv.URL+"/announce?key=abc", config.Default())
	peers, err := tr.Announce(context.Background(), testPeerID, 6881, testInfoHash, 1234)
	require.NoError(t, err)

	require.Len(t, peers, 2)
	assert.Equal(t, "127.0.0.1:6881", peers[0].String())
	assert.Equal(t, "10.0.0.2:6882", peers[1].String())
}

func TestHTTPTrackerErrors(t *testing.T) {
	tests := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"failure reason": func(w http.ResponseWriter, r *http.Request) {
			w.Write(bencoded(t, map[string]any{"failure reason": "unregistered torrent"}))
		},
		"garbage": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not bencode"))
		},
		"partial peer": func(w http.ResponseWriter, r *http.Request) {
			w.Write(bencoded(t, map[string]any{"peers": "12345"}))
		},
	}
	for name, h := range tests {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()

			_, err := NewHTTPTracker(srv.URL, nil).Announce(context.Background(), testPeerID, 1, testInfoHash, 0)
			assert.Error(t, err)
		})
	}
}

func TestHTTPTrackerHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewHTTPTracker(srv.URL, nil).Announce(ctx, testPeerID, 1, testInfoHash, 0)
	assert.Error(t, err)
}

type stubTracker struct {
	peers []peer.Addr
	err   error
	left  int
}

func (s *stubTracker) Announce(ctx context.Context, peerID [20]byte, port uint16, infoHash [20]byte, left int) ([]peer.Addr, error) {
	s.left = left
	return s.peers, s.err
}

func TestDiscoveryMergesTrackers(t *testing.T) {
	a, _ := peer.ParseAddr("10.0.0.1:1")
	b, _ := peer.ParseAddr("10.0.0.2:2")
	failing := &stubTracker{err: errors.New("unreachable")}
	ok := &stubTracker{peers: []peer.Addr{a, b}}

	d := &Discovery{
		Trackers: []Tracker{failing, ok},
		Left:     func() int { return 99 },
		Logger:   zap.NewNop(),
	}
	peers, err := d.Announce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []peer.Addr{a, b}, peers)
	assert.Equal(t, 99, ok.left)

	d.Trackers = []Tracker{failing}
	_, err = d.Announce(context.Background())
	assert.Error(t, err)
}
