package download

import (
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"peerwire/internal/peer"
	"peerwire/internal/piece"
	"peerwire/internal/protocol"
)

// Ensure Coordinator handles connection events
var _ peer.Handler = (*Coordinator)(nil)

func (c *Coordinator) HandleEstablished(conn peer.Connection) {
	c.mu.Lock()
	ps := c.track(conn)
	ps.established = true

	var acts []func()
	if c.store.Verified() > 0 {
		if bc, ok := conn.(interface{ SendBitfield(protocol.Bitfield) error }); ok {
			bf := c.store.Bitfield()
			acts = append(acts, func() { bc.SendBitfield(bf) })
		}
	}
	acts = append(acts, c.scheduleLocked()...)
	c.mu.Unlock()

	run(acts)
}

func (c *Coordinator) HandleMessage(conn peer.Connection, msg protocol.Message) {
	c.mu.Lock()
	var acts []func()
	switch m := msg.(type) {
	case protocol.Choke:
		c.releaseLocked(conn)
	case protocol.Piece:
		acts = c.receiveLocked(conn, m)
	}
	acts = append(acts, c.scheduleLocked()...)
	c.mu.Unlock()

	run(acts)
}

func (c *Coordinator) HandleClose(conn peer.Connection, err error) {
	addr := conn.Addr().String()

	c.mu.Lock()
	c.releaseLocked(conn)
	if ps, ok := c.peers[conn]; ok {
		if ps.delivered {
			delete(c.failures, addr)
		} else {
			c.failures[addr]++
		}
	}
	delete(c.peers, conn)
	c.known.Remove(addr)

	if errors.Is(err, protocol.ErrProtocol) {
		c.log.Info("banning peer", zap.String("peer", addr), zap.Error(err))
		c.banLocked(addr)
	} else if !c.stopped {
		c.log.Debug("peer closed", zap.String("peer", addr), zap.Error(err))
	}

	acts := c.scheduleLocked()
	c.refillLocked()
	c.mu.Unlock()

	run(acts)
	c.signal()
}

// track returns the state of conn, adopting connections not started by Run.
func (c *Coordinator) track(conn peer.Connection) *peerState {
	ps, ok := c.peers[conn]
	if !ok {
		ps = &peerState{conn: conn}
		c.peers[conn] = ps
		c.known.Add(conn.Addr().String())
	}
	return ps
}

// releaseLocked returns every request outstanding on conn to the pool.
func (c *Coordinator) releaseLocked(conn peer.Connection) {
	for key, req := range c.outstanding {
		if req.conn == conn {
			delete(c.outstanding, key)
		}
	}
	if ps, ok := c.peers[conn]; ok {
		ps.outstanding = 0
	}
}

func (c *Coordinator) banLocked(addr string) {
	if c.banned.Add(addr) {
		c.metrics.peersBanned.Inc(1)
	}
}

func (c *Coordinator) receiveLocked(conn peer.Connection, m protocol.Piece) []func() {
	log := c.log.With(zap.String("peer", conn.Addr().String()), zap.Int("piece", m.Index), zap.Int("begin", m.Begin))

	key := blockKey{index: m.Index, begin: m.Begin}
	req, ok := c.outstanding[key]
	if !ok || req.length != len(m.Block) {
		// late, duplicate or cancelled
		c.metrics.blocksDiscarded.Inc(1)
		log.Debug("discarding unrequested block")
		return nil
	}
	delete(c.outstanding, key)
	if ps, ok := c.peers[req.conn]; ok {
		ps.outstanding--
	}

	var acts []func()
	if req.conn != conn {
		owner := req.conn
		acts = append(acts, func() { owner.SendCancel(m.Index, m.Begin, req.length) })
	}

	st, err := c.store.MarkBlockReceived(m.Index, m.Begin, m.Block)
	if err != nil {
		c.metrics.blocksDiscarded.Inc(1)
		log.Warn("dropping invalid block", zap.Error(err))
		return acts
	}
	c.metrics.blocksReceived.Inc(1)
	c.rate.Add(int64(len(m.Block)))
	if ps, ok := c.peers[conn]; ok {
		ps.delivered = true
	}

	contributors, ok := c.contributors[m.Index]
	if !ok {
		contributors = mapset.NewThreadUnsafeSet[string]()
		c.contributors[m.Index] = contributors
	}
	contributors.Add(conn.Addr().String())

	if st != piece.Complete {
		return acts
	}
	return append(acts, c.finalizeLocked(m.Index)...)
}

func (c *Coordinator) finalizeLocked(index int) []func() {
	contributors := c.contributors[index]
	delete(c.contributors, index)

	_, err := c.store.FinalizePiece(index)
	if errors.Is(err, piece.ErrHashMismatch) {
		c.metrics.hashFailures.Inc(1)
		c.log.Warn("piece failed verification", zap.Int("piece", index), zap.Strings("peers", contributors.ToSlice()))
		return c.strikeLocked(contributors, fmt.Errorf("%w: piece %d", piece.ErrHashMismatch, index))
	}
	if err != nil {
		c.log.Error("finalizing piece", zap.Int("piece", index), zap.Error(err))
		return nil
	}

	c.metrics.piecesVerified.Inc(1)
	c.log.Info("piece verified",
		zap.Int("piece", index),
		zap.Int("verified", c.store.Verified()),
		zap.Int("pieces", c.store.NumPieces()),
		zap.String("progress", fmt.Sprintf("%.2f%%", float64(c.store.Verified())/float64(c.store.NumPieces())*100)),
		zap.Float64("rate", c.rate.Rate()),
	)

	var acts []func()
	for conn, ps := range c.peers {
		if ps.established && !ps.closing {
			acts = append(acts, func() { conn.SendHave(index) })
		}
	}
	if c.store.IsComplete() {
		c.done = true
		c.outstanding = make(map[blockKey]*request)
		c.signal()
	}
	return acts
}

// strikeLocked counts a hash failure against every contributor and bans
// those that reached Config.MaxHashFailures.
func (c *Coordinator) strikeLocked(contributors mapset.Set[string], reason error) []func() {
	var acts []func()
	for _, addr := range contributors.ToSlice() {
		c.strikes[addr]++
		if c.strikes[addr] < c.cfg.MaxHashFailures {
			continue
		}
		c.banLocked(addr)
		for conn, ps := range c.peers {
			if conn.Addr().String() == addr && !ps.closing {
				ps.closing = true
				acts = append(acts, func() { conn.Drop(reason) })
			}
		}
	}
	return acts
}
