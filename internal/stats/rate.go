package stats

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/gammazero/deque"
)

type Member struct {
	bytes     int64
	timestamp time.Time
}

// RateCalculator measures throughput over a sliding window of one second
// buckets, keeping a running sum of the bytes inside the window.
type RateCalculator struct {
	clk         clock.Clock
	dq          deque.Deque[Member]
	windowBytes int64
	total       int64
	window      time.Duration
	mu          sync.Mutex
}

func NewRateCalculator(window time.Duration, clk clock.Clock) *RateCalculator {
	if clk == nil {
		clk = clock.New()
	}
	return &RateCalculator{clk: clk, window: window}
}

func (rc *RateCalculator) Add(bytes int64) {
	// Bucketing for round offing the calc.
	now := rc.clk.Now().Truncate(time.Second)

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.dq.Len() > 0 && rc.dq.Back().timestamp.Equal(now) {
		last := rc.dq.PopBack()
		last.bytes += bytes
		rc.dq.PushBack(last)
	} else {
		rc.dq.PushBack(Member{bytes: bytes, timestamp: now})
	}

	rc.windowBytes += bytes
	rc.total += bytes
	rc.prune(now)
}

func (rc *RateCalculator) prune(now time.Time) {
	for rc.dq.Len() > 0 && now.Sub(rc.dq.Front().timestamp) >= rc.window {
		rc.windowBytes -= rc.dq.Front().bytes
		rc.dq.PopFront()
	}
}

// Rate is the average bytes per second over the window.
func (rc *RateCalculator) Rate() float64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.prune(rc.clk.Now().Truncate(time.Second))
	if rc.window <= 0 {
		return 0
	}
	return float64(rc.windowBytes) / rc.window.Seconds()
}

// Total is every byte ever added.
func (rc *RateCalculator) Total() int64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.total
}
