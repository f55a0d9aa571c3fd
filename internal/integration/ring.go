package integration

import (
	"sort"
	"sync"
	"time"
)

// ShadowObservation records one dual-path comparison.
type ShadowObservation struct {
	Query           string        `json:"query"`
	Match           bool          `json:"match"`
	LegacyKeys      uint64        `json:"legacy_keys"`
	RegistryKeys    uint64        `json:"registry_keys"`
	LegacyLatency   time.Duration `json:"legacy_latency"`
	RegistryLatency time.Duration `json:"registry_latency"`
	RegistryError   string        `json:"registry_error,omitempty"`
	At              time.Time     `json:"at"`
}

// observationRing is a fixed-size ring of shadow observations. Old
// entries are overwritten; aggregate rates are computed over whatever
// the ring currently holds.
type observationRing struct {
	mu   sync.Mutex
	buf  []ShadowObservation
	next int
	full bool
}

func newObservationRing(size int) *observationRing {
	if size < 1 {
		size = 1
	}
	return &observationRing{buf: make([]ShadowObservation, size)}
}

func (r *observationRing) Add(obs ShadowObservation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = obs
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *observationRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Reset drops all observations, used when the mode machine transitions
// so a new mode starts with a clean window.
func (r *observationRing) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = 0
	r.full = false
}

// MatchRate is the fraction of held observations whose paths agreed.
// Returns 0 on an empty ring.
func (r *observationRing) MatchRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	if n == 0 {
		return 0
	}
	matched := 0
	for i := 0; i < n; i++ {
		if r.buf[i].Match {
			matched++
		}
	}
	return float64(matched) / float64(n)
}

// P95RegistryLatency is the 95th-percentile registry-path latency over
// the held observations, nearest-rank. Returns 0 on an empty ring.
func (r *observationRing) P95RegistryLatency() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	if n == 0 {
		return 0
	}
	lat := make([]time.Duration, n)
	for i := 0; i < n; i++ {
		lat[i] = r.buf[i].RegistryLatency
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	idx := (n*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return lat[idx]
}
