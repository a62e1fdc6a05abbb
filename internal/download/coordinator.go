package download

import (
	"context"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gammazero/deque"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"peerwire/internal/config"
	"peerwire/internal/logger"
	"peerwire/internal/peer"
	"peerwire/internal/piece"
	"peerwire/internal/stats"
	"peerwire/internal/storage"
	"peerwire/internal/torrent"
)

// Discovery finds more peers when the known ones run out.
type Discovery interface {
	Announce(ctx context.Context) ([]peer.Addr, error)
}

type Options struct {
	PeerID    [20]byte
	Config    *config.Config
	Sink      storage.Sink
	Discovery Discovery
	// Dial is handed to every connection; nil dials TCP.
	Dial    peer.DialFunc
	Clock   clock.Clock
	Metrics tally.Scope
	Logger  *zap.Logger
}

// Result is the state of the transfer when Run returns.
type Result struct {
	Complete bool
	Verified int
	Total    int
	Bytes    int64
}

type blockKey struct {
	index int
	begin int
}

type request struct {
	conn   peer.Connection
	length int
	issued time.Time
}

type peerState struct {
	conn         peer.Connection
	established  bool
	closing      bool
	interestSent bool
	delivered    bool
	outstanding  int
	timeouts     int
}

// Coordinator drives one transfer. It owns the piece store and every peer
// connection, and is the peer.Handler of those connections.
type Coordinator struct {
	meta    *torrent.Metainfo
	opts    Options
	cfg     *config.Config
	clk     clock.Clock
	log     *zap.Logger
	metrics metrics
	rate    *stats.RateCalculator
	limiter *rate.Limiter
	wake    chan struct{}
	wg      sync.WaitGroup

	mu           sync.Mutex
	runCtx       context.Context
	store        *piece.Store
	outstanding  map[blockKey]*request
	peers        map[peer.Connection]*peerState
	backlog      deque.Deque[peer.Addr]
	known        mapset.Set[string]
	banned       mapset.Set[string]
	strikes      map[string]int
	failures     map[string]int
	contributors map[int]mapset.Set[string]
	done         bool
	stopped      bool
}

func New(meta *torrent.Metainfo, opts Options) (*Coordinator, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	cfg := opts.Config

	store, err := piece.New(meta.PieceHashes, meta.PieceLength, meta.Length, cfg.BlockSize)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		meta:         meta,
		opts:         opts,
		cfg:          cfg,
		clk:          opts.Clock,
		log:          logger.L(opts.Logger).Named("download").With(zap.String("torrent", meta.Name)),
		metrics:      newMetrics(opts.Metrics),
		rate:         stats.NewRateCalculator(20*time.Second, opts.Clock),
		limiter:      rate.NewLimiter(rate.Limit(cfg.DialRate), cfg.DialBurst),
		wake:         make(chan struct{}, 1),
		store:        store,
		outstanding:  make(map[blockKey]*request),
		peers:        make(map[peer.Connection]*peerState),
		known:        mapset.NewThreadUnsafeSet[string](),
		banned:       mapset.NewThreadUnsafeSet[string](),
		strikes:      make(map[string]int),
		failures:     make(map[string]int),
		contributors: make(map[int]mapset.Set[string]),
	}, nil
}

// Run downloads until every piece is verified, the peers run out or ctx is
// cancelled. On cancellation the partial Result is returned with ctx.Err().
func (c *Coordinator) Run(ctx context.Context, peers []peer.Addr) (*Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.runCtx = runCtx
	c.mu.Unlock()

	c.log.Info("starting download",
		zap.Int("pieces", c.meta.NumPieces()),
		zap.Int("bytes", c.meta.Length),
		zap.Int("peers", len(peers)),
	)
	c.AddPeers(peers)

	ticker := c.clk.Ticker(c.cfg.ScheduleInterval)
	defer ticker.Stop()

	var reannounce <-chan time.Time
	if c.cfg.ReannounceInterval > 0 && c.opts.Discovery != nil {
		t := c.clk.Ticker(c.cfg.ReannounceInterval)
		defer t.Stop()
		reannounce = t.C
	}

	for {
		if ctx.Err() != nil {
			return c.cancelled(ctx, cancel)
		}
		done, exhausted := c.status()
		if done {
			return c.finish(cancel)
		}
		if exhausted && !c.discover(ctx) {
			res := c.stop(cancel)
			c.log.Warn("download incomplete", zap.Int("verified", res.Verified), zap.Int("pieces", res.Total))
			return res, ErrTransferIncomplete
		}

		select {
		case <-ctx.Done():
			return c.cancelled(ctx, cancel)
		case <-c.wake:
		case <-ticker.C:
			c.tick()
		case <-reannounce:
			c.discover(ctx)
		}
	}
}

func (c *Coordinator) status() (done, exhausted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done, len(c.peers) == 0 && c.backlog.Len() == 0
}

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// AddPeers queues addresses that are neither connected nor already queued
// and returns how many were new. Banned addresses are skipped, as are those
// whose last Config.MaxConnectFailures connections delivered no block.
func (c *Coordinator) AddPeers(addrs []peer.Addr) int {
	c.mu.Lock()
	added := 0
	for _, a := range addrs {
		key := a.String()
		if c.banned.Contains(key) || c.failures[key] >= c.cfg.MaxConnectFailures {
			continue
		}
		if !c.known.Add(key) {
			continue
		}
		c.backlog.PushBack(a)
		added++
	}
	c.refillLocked()
	c.mu.Unlock()

	c.signal()
	return added
}

func (c *Coordinator) discover(ctx context.Context) bool {
	if c.opts.Discovery == nil {
		return false
	}
	addrs, err := c.opts.Discovery.Announce(ctx)
	if err != nil {
		c.log.Warn("peer discovery failed", zap.Error(err))
		return false
	}
	added := c.AddPeers(addrs)
	c.log.Debug("peer discovery", zap.Int("peers", len(addrs)), zap.Int("new", added))
	return added > 0
}

// refillLocked starts connections from the backlog up to Config.MaxPeers.
func (c *Coordinator) refillLocked() {
	if c.runCtx == nil || c.done || c.stopped {
		return
	}
	for len(c.peers) < c.cfg.MaxPeers && c.backlog.Len() > 0 {
		addr := c.backlog.PopFront()
		conn := peer.NewConn(addr, peer.Options{
			InfoHash:  c.meta.InfoHash,
			PeerID:    c.opts.PeerID,
			NumPieces: c.meta.NumPieces(),
			Config:    c.cfg,
			Dial:      c.opts.Dial,
			Logger:    c.opts.Logger,
		})
		c.peers[conn] = &peerState{conn: conn}

		ctx := c.runCtx
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.limiter.Wait(ctx); err != nil {
				c.HandleClose(conn, err)
				return
			}
			conn.Run(ctx, c)
		}()
	}
	c.metrics.peersLive.Update(float64(len(c.peers)))
}

func (c *Coordinator) tick() {
	c.mu.Lock()
	acts := c.scheduleLocked()
	c.refillLocked()
	c.mu.Unlock()
	run(acts)
}

// stop closes every connection and waits for them to report back.
func (c *Coordinator) stop(cancel context.CancelFunc) *Result {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	return c.Result()
}

func (c *Coordinator) cancelled(ctx context.Context, cancel context.CancelFunc) (*Result, error) {
	res := c.stop(cancel)
	c.log.Info("download cancelled", zap.Int("verified", res.Verified), zap.Int("pieces", res.Total))
	return res, ctx.Err()
}

func (c *Coordinator) finish(cancel context.CancelFunc) (*Result, error) {
	res := c.stop(cancel)

	c.mu.Lock()
	content, err := c.store.Assemble()
	c.mu.Unlock()
	if err != nil {
		return res, err
	}

	c.log.Info("download complete", zap.Int("bytes", len(content)))
	if c.opts.Sink == nil {
		return res, nil
	}
	if err := c.opts.Sink.Store(c.meta.Layout(), content); err != nil {
		c.log.Error("failed to store content", zap.Error(err))
		return res, err
	}
	return res, nil
}

func (c *Coordinator) Result() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Result{
		Complete: c.store.IsComplete(),
		Verified: c.store.Verified(),
		Total:    c.store.NumPieces(),
		Bytes:    int64(c.store.VerifiedBytes()),
	}
}

// Left is the number of bytes not yet verified.
func (c *Coordinator) Left() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.TotalLength() - c.store.VerifiedBytes()
}

func run(acts []func()) {
	for _, act := range acts {
		act()
	}
}
