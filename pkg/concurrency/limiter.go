// Package concurrency provides the guardrails around retrieval fan-out: a
// semaphore-based limiter with basic observability and a circuit breaker that
// sheds load when the retrieval collaborators fail repeatedly.
package concurrency

import (
	"context"
	"sync/atomic"
	"time"
)

// LimiterMetrics tracks limiter usage counters.
type LimiterMetrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter bounds how many retrieval dispatches run at once. The planner
// determines fan-out width at runtime, so the limiter is what keeps a large
// plan from saturating the search backend.
type Limiter struct {
	sem    chan struct{}
	active atomic.Int64

	acquired atomic.Int64
	released atomic.Int64
	peak     atomic.Int64
	waitNs   atomic.Int64
}

// NewLimiter creates a limiter allowing at most maxConcurrent concurrent
// holders. Values below 1 are clamped to 1.
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{sem: make(chan struct{}, maxConcurrent)}
}

// Acquire blocks until a slot is available or the context is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()
	select {
	case l.sem <- struct{}{}:
		l.waitNs.Add(time.Since(start).Nanoseconds())
		l.acquired.Add(1)
		l.updatePeak(l.active.Add(1))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot to the limiter.
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		l.active.Add(-1)
		l.released.Add(1)
	default:
		// Release without a matching Acquire; nothing to return.
	}
}

// CurrentActive returns the number of slots currently held.
func (l *Limiter) CurrentActive() int64 {
	return l.active.Load()
}

// Metrics returns a snapshot of the limiter counters.
func (l *Limiter) Metrics() LimiterMetrics {
	return LimiterMetrics{
		TotalAcquired:   l.acquired.Load(),
		TotalReleased:   l.released.Load(),
		PeakConcurrent:  l.peak.Load(),
		TotalWaitTimeNs: l.waitNs.Load(),
	}
}

// AverageWaitTime reports the mean time spent waiting for a slot.
func (l *Limiter) AverageWaitTime() time.Duration {
	acquired := l.acquired.Load()
	if acquired == 0 {
		return 0
	}
	return time.Duration(l.waitNs.Load() / acquired)
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := l.peak.Load()
		if current <= peak || l.peak.CompareAndSwap(peak, current) {
			return
		}
	}
}
