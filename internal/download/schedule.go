package download

import (
	"fmt"

	"go.uber.org/zap"

	"peerwire/internal/peer"
	"peerwire/internal/piece"
)

// scheduleLocked expires stale requests and hands missing blocks to eligible
// peers. The sends it decides on are returned to be run after unlocking.
func (c *Coordinator) scheduleLocked() []func() {
	if c.done || c.stopped {
		return nil
	}
	acts := c.expireLocked()

	for index := range c.store.NumPieces() {
		if c.store.Status(index) == piece.Verified {
			continue
		}
		for b := range c.store.MissingBlocks(index) {
			key := blockKey{index: index, begin: b.Begin}
			if _, ok := c.outstanding[key]; ok {
				continue
			}
			ps := c.pickLocked(index, &acts)
			if ps == nil {
				// nobody can take more of this piece
				break
			}

			c.outstanding[key] = &request{conn: ps.conn, length: b.Length, issued: c.clk.Now()}
			ps.outstanding++
			conn := ps.conn
			acts = append(acts, func() { conn.SendRequest(index, b.Begin, b.Length) })
		}
	}
	return append(acts, c.loseInterestLocked()...)
}

// loseInterestLocked tells idle peers we made interested that they no longer
// have anything we need. They are sent interested again if that changes.
func (c *Coordinator) loseInterestLocked() []func() {
	var acts []func()
	for _, ps := range c.peers {
		if !ps.established || ps.closing || !ps.interestSent || ps.outstanding > 0 {
			continue
		}
		conn := ps.conn
		if !conn.Flags().AmInterested || c.needsFromLocked(conn) {
			continue
		}
		ps.interestSent = false
		acts = append(acts, func() { conn.SendNotInterested() })
	}
	return acts
}

func (c *Coordinator) needsFromLocked(conn peer.Connection) bool {
	for index := range c.store.NumPieces() {
		if c.store.Status(index) != piece.Verified && conn.HasPiece(index) {
			return true
		}
	}
	return false
}

// expireLocked drops requests older than Config.RequestTimeout so their
// blocks can be issued again, and closes peers that let too many expire.
func (c *Coordinator) expireLocked() []func() {
	now := c.clk.Now()

	var acts []func()
	for key, req := range c.outstanding {
		if now.Sub(req.issued) < c.cfg.RequestTimeout {
			continue
		}
		delete(c.outstanding, key)
		c.metrics.requestTimeouts.Inc(1)

		ps, ok := c.peers[req.conn]
		if !ok {
			continue
		}
		ps.outstanding--
		ps.timeouts++
		if ps.timeouts >= c.cfg.MaxRequestTimeouts && !ps.closing {
			ps.closing = true
			conn := req.conn
			reason := fmt.Errorf("%w: %d requests timed out", peer.ErrStalled, ps.timeouts)
			c.log.Info("closing stalled peer", zap.String("peer", conn.Addr().String()), zap.Int("timeouts", ps.timeouts))
			acts = append(acts, func() { conn.Drop(reason) })
		}
	}
	return acts
}

// pickLocked returns the eligible peer with the fewest outstanding requests
// for piece index. Peers that have the piece but were never told we are
// interested get an interested message instead.
func (c *Coordinator) pickLocked(index int, acts *[]func()) *peerState {
	var best *peerState
	for _, ps := range c.peers {
		if !ps.established || ps.closing {
			continue
		}
		conn := ps.conn
		if !conn.HasPiece(index) {
			continue
		}
		flags := conn.Flags()
		if !flags.AmInterested {
			if !ps.interestSent {
				ps.interestSent = true
				*acts = append(*acts, func() { conn.SendInterested() })
			}
			continue
		}
		if flags.PeerChoking || ps.outstanding >= c.cfg.PipelineDepth {
			continue
		}
		if best == nil || ps.outstanding < best.outstanding ||
			(ps.outstanding == best.outstanding && conn.Addr().String() < best.conn.Addr().String()) {
			best = ps
		}
	}
	return best
}
