package tracker

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"peerwire/internal/logger"
	"peerwire/internal/peer"
)

// Discovery announces to every tracker in turn and merges their peers.
type Discovery struct {
	Trackers []Tracker
	PeerID   [20]byte
	Port     uint16
	InfoHash [20]byte
	// Left reports the bytes still missing; nil announces 0.
	Left   func() int
	Logger *zap.Logger
}

// Announce fails only when no tracker answered.
func (d *Discovery) Announce(ctx context.Context) ([]peer.Addr, error) {
	log := logger.L(d.Logger).Named("tracker")

	left := 0
	if d.Left != nil {
		left = d.Left()
	}

	var (
		addrs    []peer.Addr
		errs     error
		answered bool
	)
	for _, t := range d.Trackers {
		peers, err := t.Announce(ctx, d.PeerID, d.Port, d.InfoHash, left)
		if err != nil {
			log.Warn("announce failed", zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		answered = true
		log.Debug("announce succeeded", zap.Int("peers", len(peers)))
		addrs = append(addrs, peers...)
	}
	if !answered && errs != nil {
		return nil, errs
	}
	return addrs, nil
}
