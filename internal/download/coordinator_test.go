package download

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap/zaptest"

	"peerwire/internal/config"
	"peerwire/internal/peer"
	"peerwire/internal/piece"
	"peerwire/internal/protocol"
	"peerwire/internal/torrent"
)

type mockConn struct {
	mock.Mock
	addr peer.Addr

	mu    sync.Mutex
	flags peer.Flags
	has   bool
}

func newMockConn(t *testing.T, addr string) *mockConn {
	a, err := peer.ParseAddr(addr)
	require.NoError(t, err)
	m := &mockConn{
		addr:  a,
		flags: peer.Flags{AmChoking: true, AmInterested: true},
		has:   true,
	}
	m.On("SendInterested").Return(nil).Maybe()
	m.On("SendNotInterested").Return(nil).Maybe()
	m.On("SendRequest", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("SendCancel", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("SendHave", mock.Anything).Return(nil).Maybe()
	m.On("Drop", mock.Anything).Return().Maybe()
	return m
}

func (m *mockConn) setFlags(f func(*peer.Flags)) {
	m.mu.Lock()
	f(&m.flags)
	m.mu.Unlock()
}

func (m *mockConn) setHas(has bool) {
	m.mu.Lock()
	m.has = has
	m.mu.Unlock()
}

func (m *mockConn) Addr() peer.Addr { return m.addr }

func (m *mockConn) State() peer.State { return peer.Established }

func (m *mockConn) Flags() peer.Flags {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags
}

func (m *mockConn) HasPiece(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.has
}

func (m *mockConn) SendInterested() error { return m.Called().Error(0) }

func (m *mockConn) SendNotInterested() error { return m.Called().Error(0) }

func (m *mockConn) SendRequest(index, begin, length int) error {
	return m.Called(index, begin, length).Error(0)
}

func (m *mockConn) SendCancel(index, begin, length int) error {
	return m.Called(index, begin, length).Error(0)
}

func (m *mockConn) SendHave(index int) error { return m.Called(index).Error(0) }

func (m *mockConn) Drop(reason error) { m.Called(reason) }

func (m *mockConn) requests() int {
	n := 0
	for _, call := range m.Calls {
		if call.Method == "SendRequest" {
			n++
		}
	}
	return n
}

func testContent(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + 7)
	}
	return b
}

func testMeta(content []byte, pieceLength int) *torrent.Metainfo {
	m := &torrent.Metainfo{
		Name:        "test.bin",
		InfoHash:    sha1.Sum([]byte("test.bin")),
		PieceLength: pieceLength,
		Length:      len(content),
	}
	for off := 0; off < len(content); off += pieceLength {
		m.PieceHashes = append(m.PieceHashes, sha1.Sum(content[off:min(off+pieceLength, len(content))]))
	}
	return m
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.BlockSize = 16
	cfg.RequestTimeout = 10 * time.Second
	cfg.DialRate = 1000
	cfg.DialBurst = 10
	return cfg
}

func newTestCoordinator(t *testing.T, meta *torrent.Metainfo, cfg *config.Config, clk clock.Clock) *Coordinator {
	t.Helper()
	c, err := New(meta, Options{
		Config: cfg,
		Clock:  clk,
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return c
}

func isErr(target error) any {
	return mock.MatchedBy(func(err error) bool { return errors.Is(err, target) })
}

func TestReassignsOnDisconnectInOnePass(t *testing.T) {
	c := newTestCoordinator(t, testMeta(testContent(32), 32), testConfig(), clock.NewMock())
	a := newMockConn(t, "10.0.0.1:6881")
	b := newMockConn(t, "10.0.0.2:6881")

	c.HandleEstablished(a)
	a.AssertCalled(t, "SendRequest", 0, 0, 16)
	a.AssertCalled(t, "SendRequest", 0, 16, 16)

	c.HandleEstablished(b)
	b.AssertNotCalled(t, "SendRequest", mock.Anything, mock.Anything, mock.Anything)

	c.HandleClose(a, io.EOF)
	b.AssertCalled(t, "SendRequest", 0, 0, 16)
	b.AssertCalled(t, "SendRequest", 0, 16, 16)
	assert.Len(t, c.outstanding, 2)
}

func TestPipelineDepthBoundsRequests(t *testing.T) {
	cfg := testConfig()
	cfg.PipelineDepth = 2
	c := newTestCoordinator(t, testMeta(testContent(128), 64), cfg, clock.NewMock())
	a := newMockConn(t, "10.0.0.1:6881")

	c.HandleEstablished(a)
	assert.Equal(t, 2, a.requests())
	a.AssertCalled(t, "SendRequest", 0, 0, 16)
	a.AssertCalled(t, "SendRequest", 0, 16, 16)
}

func TestFallsBackToLaterPieces(t *testing.T) {
	c := newTestCoordinator(t, testMeta(testContent(64), 32), testConfig(), clock.NewMock())
	a := newMockConn(t, "10.0.0.1:6881")

	c.HandleEstablished(a)

	// piece 0 is fully in flight, so piece 1 is requested too
	assert.Equal(t, 4, a.requests())
	a.AssertCalled(t, "SendRequest", 1, 16, 16)
}

func TestSkipsChokingAndUninterestedPeers(t *testing.T) {
	c := newTestCoordinator(t, testMeta(testContent(32), 32), testConfig(), clock.NewMock())
	a := newMockConn(t, "10.0.0.1:6881")
	a.setFlags(func(f *peer.Flags) { f.AmInterested = false })
	b := newMockConn(t, "10.0.0.2:6881")
	b.setFlags(func(f *peer.Flags) { f.PeerChoking = true })

	c.HandleEstablished(a)
	c.HandleEstablished(b)
	c.HandleMessage(a, protocol.Unchoke{})

	a.AssertNumberOfCalls(t, "SendInterested", 1)
	b.AssertNotCalled(t, "SendInterested")
	assert.Zero(t, a.requests())
	assert.Zero(t, b.requests())

	a.setFlags(func(f *peer.Flags) { f.AmInterested = true })
	c.HandleMessage(a, protocol.Unchoke{})
	assert.Equal(t, 2, a.requests())
}

func TestChokeReturnsRequests(t *testing.T) {
	c := newTestCoordinator(t, testMeta(testContent(32), 32), testConfig(), clock.NewMock())
	a := newMockConn(t, "10.0.0.1:6881")
	b := newMockConn(t, "10.0.0.2:6881")

	c.HandleEstablished(a)
	c.HandleEstablished(b)
	require.Zero(t, b.requests())

	a.setFlags(func(f *peer.Flags) { f.PeerChoking = true })
	c.HandleMessage(a, protocol.Choke{})

	b.AssertCalled(t, "SendRequest", 0, 0, 16)
	b.AssertCalled(t, "SendRequest", 0, 16, 16)
}

func TestExpiredRequestsAreReissued(t *testing.T) {
	clk := clock.NewMock()
	cfg := testConfig()
	cfg.MaxRequestTimeouts = 2
	c := newTestCoordinator(t, testMeta(testContent(32), 32), cfg, clk)
	a := newMockConn(t, "10.0.0.1:6881")
	b := newMockConn(t, "10.0.0.2:6881")

	c.HandleEstablished(a)
	c.HandleEstablished(b)

	clk.Add(5 * time.Second)
	c.tick()
	assert.Zero(t, b.requests())

	clk.Add(6 * time.Second)
	c.tick()

	a.AssertCalled(t, "Drop", isErr(peer.ErrStalled))
	b.AssertCalled(t, "SendRequest", 0, 0, 16)
	b.AssertCalled(t, "SendRequest", 0, 16, 16)
	assert.Len(t, c.outstanding, 2)
}

func TestLatePieceCancelsReissuedRequest(t *testing.T) {
	clk := clock.NewMock()
	content := testContent(32)
	c := newTestCoordinator(t, testMeta(content, 32), testConfig(), clk)
	a := newMockConn(t, "10.0.0.1:6881")
	b := newMockConn(t, "10.0.0.2:6881")

	c.HandleEstablished(a)
	c.HandleEstablished(b)

	a.setFlags(func(f *peer.Flags) { f.PeerChoking = true })
	clk.Add(11 * time.Second)
	c.tick()
	b.AssertCalled(t, "SendRequest", 0, 0, 16)

	c.HandleMessage(a, protocol.Piece{Index: 0, Begin: 0, Block: content[:16]})

	b.AssertCalled(t, "SendCancel", 0, 0, 16)
	assert.Equal(t, piece.Partial, c.store.Status(0))
	assert.Len(t, c.outstanding, 1)
}

func TestUnrequestedPieceIsDiscarded(t *testing.T) {
	c := newTestCoordinator(t, testMeta(testContent(32), 32), testConfig(), clock.NewMock())
	a := newMockConn(t, "10.0.0.1:6881")

	c.HandleMessage(a, protocol.Piece{Index: 0, Begin: 0, Block: make([]byte, 16)})
	assert.Equal(t, piece.Missing, c.store.Status(0))
}

func TestVerifiedPieceIsAnnounced(t *testing.T) {
	content := testContent(32)
	scope := tally.NewTestScope("", nil)
	c, err := New(testMeta(content, 32), Options{
		Config:  testConfig(),
		Clock:   clock.NewMock(),
		Metrics: scope,
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	a := newMockConn(t, "10.0.0.1:6881")
	b := newMockConn(t, "10.0.0.2:6881")

	c.HandleEstablished(a)
	c.HandleEstablished(b)
	c.HandleMessage(a, protocol.Piece{Index: 0, Begin: 0, Block: content[:16]})
	c.HandleMessage(a, protocol.Piece{Index: 0, Begin: 16, Block: content[16:]})

	a.AssertCalled(t, "SendHave", 0)
	b.AssertCalled(t, "SendHave", 0)

	res := c.Result()
	assert.Equal(t, &Result{Complete: true, Verified: 1, Total: 1, Bytes: 32}, res)
	assert.True(t, c.done)
	assert.Zero(t, c.Left())

	counters := map[string]int64{}
	for _, s := range scope.Snapshot().Counters() {
		counters[s.Name()] = s.Value()
	}
	assert.Equal(t, int64(1), counters["download.pieces_verified"])
	assert.Equal(t, int64(2), counters["download.blocks_received"])
}

func TestHashMismatchBansContributor(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHashFailures = 1
	c := newTestCoordinator(t, testMeta(testContent(32), 32), cfg, clock.NewMock())
	a := newMockConn(t, "10.0.0.1:6881")
	b := newMockConn(t, "10.0.0.2:6881")

	c.HandleEstablished(a)
	c.HandleEstablished(b)
	c.HandleMessage(a, protocol.Piece{Index: 0, Begin: 0, Block: make([]byte, 16)})
	c.HandleMessage(a, protocol.Piece{Index: 0, Begin: 16, Block: make([]byte, 16)})

	a.AssertCalled(t, "Drop", isErr(piece.ErrHashMismatch))
	assert.Equal(t, piece.Missing, c.store.Status(0))
	b.AssertCalled(t, "SendRequest", 0, 0, 16)
	b.AssertCalled(t, "SendRequest", 0, 16, 16)

	c.HandleClose(a, fmt.Errorf("%w: piece 0", piece.ErrHashMismatch))
	assert.Zero(t, c.AddPeers([]peer.Addr{a.Addr()}))
}

func TestHashMismatchBelowLimitKeepsPeer(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHashFailures = 2
	c := newTestCoordinator(t, testMeta(testContent(32), 32), cfg, clock.NewMock())
	a := newMockConn(t, "10.0.0.1:6881")

	c.HandleEstablished(a)
	c.HandleMessage(a, protocol.Piece{Index: 0, Begin: 0, Block: make([]byte, 16)})
	c.HandleMessage(a, protocol.Piece{Index: 0, Begin: 16, Block: make([]byte, 16)})

	a.AssertNotCalled(t, "Drop", mock.Anything)
	// both blocks were asked for a second time
	assert.Equal(t, 4, a.requests())
}

func TestProtocolErrorBansAddress(t *testing.T) {
	c := newTestCoordinator(t, testMeta(testContent(32), 32), testConfig(), clock.NewMock())
	a := newMockConn(t, "10.0.0.1:6881")
	b := newMockConn(t, "10.0.0.2:6881")

	c.HandleEstablished(a)
	c.HandleEstablished(b)
	c.HandleClose(a, fmt.Errorf("%w: bad frame", protocol.ErrMalformedPayload))
	c.HandleClose(b, &peer.ConnectError{Addr: b.Addr(), Err: io.EOF})

	assert.Zero(t, c.AddPeers([]peer.Addr{a.Addr()}))
	assert.True(t, c.banned.Contains(a.Addr().String()))
	assert.False(t, c.banned.Contains(b.Addr().String()))
}

func TestAddPeersDeduplicatesQueuedAndConnected(t *testing.T) {
	c := newTestCoordinator(t, testMeta(testContent(32), 32), testConfig(), clock.NewMock())
	a, _ := peer.ParseAddr("10.0.0.1:1")
	b, _ := peer.ParseAddr("10.0.0.1:2")

	assert.Equal(t, 2, c.AddPeers([]peer.Addr{a, b, a}))
	assert.Zero(t, c.AddPeers([]peer.Addr{b}))
	assert.Equal(t, 2, c.backlog.Len())

	conn := newMockConn(t, "10.0.0.2:6881")
	c.HandleEstablished(conn)
	assert.Zero(t, c.AddPeers([]peer.Addr{conn.Addr()}))
}

func TestClosedPeerCanBeQueuedAgain(t *testing.T) {
	content := testContent(32)
	c := newTestCoordinator(t, testMeta(content, 32), testConfig(), clock.NewMock())
	a := newMockConn(t, "10.0.0.1:6881")

	c.HandleEstablished(a)
	c.HandleMessage(a, protocol.Piece{Index: 0, Begin: 0, Block: content[:16]})
	c.HandleClose(a, io.EOF)

	assert.Equal(t, 1, c.AddPeers([]peer.Addr{a.Addr()}))
	assert.Zero(t, c.failures[a.Addr().String()])
}

func TestRepeatedConnectFailuresStopRequeue(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnectFailures = 2
	c := newTestCoordinator(t, testMeta(testContent(32), 32), cfg, clock.NewMock())
	addr, _ := peer.ParseAddr("10.0.0.1:6881")

	for range 2 {
		require.Equal(t, 1, c.AddPeers([]peer.Addr{addr}))
		// the dial never happens without Run, so close an unestablished peer
		a := newMockConn(t, "10.0.0.1:6881")
		c.mu.Lock()
		c.backlog.PopFront()
		c.peers[a] = &peerState{conn: a}
		c.mu.Unlock()
		c.HandleClose(a, &peer.ConnectError{Addr: addr, Err: io.EOF})
	}

	assert.Zero(t, c.AddPeers([]peer.Addr{addr}))
	assert.False(t, c.banned.Contains(addr.String()))
}

func TestNotInterestedWhenPeerHasNothingNeeded(t *testing.T) {
	content := testContent(64)
	c := newTestCoordinator(t, testMeta(content, 32), testConfig(), clock.NewMock())
	a := newMockConn(t, "10.0.0.1:6881")
	a.setFlags(func(f *peer.Flags) { f.AmInterested = false })

	c.HandleEstablished(a)
	a.AssertNumberOfCalls(t, "SendInterested", 1)

	a.setHas(false)
	a.setFlags(func(f *peer.Flags) { f.AmInterested = true })
	c.HandleMessage(a, protocol.Unchoke{})
	c.HandleMessage(a, protocol.Unchoke{})
	a.AssertNumberOfCalls(t, "SendNotInterested", 1)
	assert.Zero(t, a.requests())

	a.setHas(true)
	a.setFlags(func(f *peer.Flags) { f.AmInterested = false })
	c.HandleMessage(a, protocol.Have{Index: 1})
	a.AssertNumberOfCalls(t, "SendInterested", 2)
}
