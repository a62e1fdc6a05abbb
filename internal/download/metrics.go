package download

import "github.com/uber-go/tally/v4"

type metrics struct {
	blocksReceived  tally.Counter
	blocksDiscarded tally.Counter
	piecesVerified  tally.Counter
	hashFailures    tally.Counter
	requestTimeouts tally.Counter
	peersBanned     tally.Counter
	peersLive       tally.Gauge
}

func newMetrics(scope tally.Scope) metrics {
	if scope == nil {
		scope = tally.NoopScope
	}
	scope = scope.SubScope("download")
	return metrics{
		blocksReceived:  scope.Counter("blocks_received"),
		blocksDiscarded: scope.Counter("blocks_discarded"),
		piecesVerified:  scope.Counter("pieces_verified"),
		hashFailures:    scope.Counter("hash_failures"),
		requestTimeouts: scope.Counter("request_timeouts"),
		peersBanned:     scope.Counter("peers_banned"),
		peersLive:       scope.Gauge("peers_live"),
	}
}
