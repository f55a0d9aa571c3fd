package sla

import (
	"context"
	"sync/atomic"
	"time"
)

// HitTracker accumulates cache hit/miss counts for one service and
// periodically flushes the ratio into the monitor as a hit-rate
// observation. A nil tracker is a no-op, so providers can carry one
// unconditionally.
type HitTracker struct {
	monitor *Monitor
	service string
	hits    atomic.Uint64
	misses  atomic.Uint64
}

// NewHitTracker wires a tracker for the named service.
func NewHitTracker(monitor *Monitor, service string) *HitTracker {
	return &HitTracker{monitor: monitor, service: service}
}

// Hit records one cache hit.
func (t *HitTracker) Hit() {
	if t != nil {
		t.hits.Add(1)
	}
}

// Miss records one cache miss.
func (t *HitTracker) Miss() {
	if t != nil {
		t.misses.Add(1)
	}
}

// Flush records the accumulated ratio and resets the counters. Empty
// windows record nothing: an idle cache is not a violation.
func (t *HitTracker) Flush() {
	if t == nil || t.monitor == nil {
		return
	}
	hits := t.hits.Swap(0)
	misses := t.misses.Swap(0)
	total := hits + misses
	if total == 0 {
		return
	}
	t.monitor.ObserveHitRate(t.service, float64(hits)/float64(total))
}

// Run flushes on the interval until the context is cancelled, with one
// final flush on the way out.
func (t *HitTracker) Run(ctx context.Context, interval time.Duration) {
	if t == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.Flush()
			return
		case <-ticker.C:
			t.Flush()
		}
	}
}
