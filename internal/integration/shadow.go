package integration

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optistream/signalcache/internal/config"
	"github.com/optistream/signalcache/internal/metrics"
)

// Extractor derives the comparable identifiers from one lookup result.
// The default is the identity: the keys themselves are the identifiers.
type Extractor func(keys []string) []string

// Predicate decides whether two lookup results agree. The default
// compares the identifier sets produced by the extractor.
type Predicate func(legacy, registry []string) bool

// Comparator serves cache lookups through the legacy or registry path
// according to the current mode, and in shadow mode samples dual
// execution to build the promotion evidence.
type Comparator struct {
	legacy    Path
	registry  Path
	machine   *Machine
	cfg       config.IntegrationConfig
	metrics   *metrics.Registry
	now       func() time.Time
	extract   Extractor
	predicate Predicate

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewComparator wires the comparator over both paths with the default
// set-equality predicate.
func NewComparator(legacy, registry Path, machine *Machine, cfg config.IntegrationConfig, m *metrics.Registry) *Comparator {
	c := &Comparator{
		legacy:   legacy,
		registry: registry,
		machine:  machine,
		cfg:      cfg,
		metrics:  m,
		now:      time.Now,
		extract:  func(keys []string) []string { return keys },
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	c.predicate = func(legacy, registry []string) bool {
		return equalSets(c.extract(legacy), c.extract(registry))
	}
	return c
}

// SetClock overrides the clock; used by tests.
func (c *Comparator) SetClock(now func() time.Time) { c.now = now }

// SetSampler overrides the sampling source; used by tests.
func (c *Comparator) SetSampler(rnd *rand.Rand) {
	c.mu.Lock()
	c.rnd = rnd
	c.mu.Unlock()
}

// SetExtractor replaces the identifier extractor the default predicate
// compares with.
func (c *Comparator) SetExtractor(e Extractor) {
	if e != nil {
		c.extract = e
	}
}

// SetPredicate replaces the comparison predicate entirely.
func (c *Comparator) SetPredicate(p Predicate) {
	if p != nil {
		c.predicate = p
	}
}

// Lookup serves one query through the mode-selected path. The returned
// source names the path whose result is authoritative.
func (c *Comparator) Lookup(ctx context.Context, q Query) ([]string, string, error) {
	switch c.machine.Mode() {
	case ModeActive:
		return c.lookupActive(ctx, q)
	case ModeShadow:
		return c.lookupShadow(ctx, q)
	default:
		keys, err := c.runPath(ctx, c.legacy, q)
		return keys, c.legacy.Name(), err
	}
}

// lookupActive serves the registry path. A registry failure counts
// against the error budget and falls back to the legacy path exactly
// once, so the caller still gets a result.
func (c *Comparator) lookupActive(ctx context.Context, q Query) ([]string, string, error) {
	keys, err := c.runPath(ctx, c.registry, q)
	if err == nil {
		return keys, c.registry.Name(), nil
	}
	c.machine.RecordRegistryError()
	if c.metrics != nil {
		c.metrics.RegistryFallbacks.Inc()
	}
	log.Warn().Str("family", q.Family).Err(err).
		Msg("registry lookup failed, falling back to legacy")

	keys, ferr := c.runPath(ctx, c.legacy, q)
	return keys, c.legacy.Name(), ferr
}

// lookupShadow serves the legacy path. At the configured sample rate
// both paths run concurrently and their outcomes feed the comparison
// window; the registry result is never returned to the caller.
func (c *Comparator) lookupShadow(ctx context.Context, q Query) ([]string, string, error) {
	c.mu.Lock()
	sampled := c.rnd.Float64() < c.cfg.SampleRate
	c.mu.Unlock()

	if !sampled {
		keys, err := c.runPath(ctx, c.legacy, q)
		return keys, c.legacy.Name(), err
	}

	type outcome struct {
		keys    []string
		latency time.Duration
		err     error
	}
	run := func(p Path, out *outcome) {
		start := c.now()
		out.keys, out.err = c.runPath(ctx, p, q)
		out.latency = c.now().Sub(start)
	}

	var legacyOut, registryOut outcome
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); run(c.legacy, &legacyOut) }()
	go func() { defer wg.Done(); run(c.registry, &registryOut) }()
	wg.Wait()

	obs := ShadowObservation{
		Query:           q.Family + ":" + q.Entity.Ref(),
		Match:           registryOut.err == nil && legacyOut.err == nil && c.predicate(legacyOut.keys, registryOut.keys),
		LegacyKeys:      uint64(len(legacyOut.keys)),
		RegistryKeys:    uint64(len(registryOut.keys)),
		LegacyLatency:   legacyOut.latency,
		RegistryLatency: registryOut.latency,
		At:              c.now(),
	}
	if registryOut.err != nil {
		obs.RegistryError = registryOut.err.Error()
	}
	c.machine.RecordComparison(obs)
	if c.metrics != nil {
		c.metrics.ShadowLatency.WithLabelValues(c.legacy.Name()).Observe(legacyOut.latency.Seconds())
		c.metrics.ShadowLatency.WithLabelValues(c.registry.Name()).Observe(registryOut.latency.Seconds())
	}
	if !obs.Match {
		log.Debug().Str("query", obs.Query).
			Uint64("legacy_keys", obs.LegacyKeys).
			Uint64("registry_keys", obs.RegistryKeys).
			Str("registry_error", obs.RegistryError).
			Msg("shadow comparison mismatch")
	}
	return legacyOut.keys, c.legacy.Name(), legacyOut.err
}

// runPath executes one path under the per-path timeout.
func (c *Comparator) runPath(ctx context.Context, p Path, q Query) ([]string, error) {
	if c.cfg.PathTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.PathTimeout)
		defer cancel()
	}
	return p.Lookup(ctx, q)
}

// equalSets compares two identifier slices as sets.
func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, id := range a {
		seen[id]++
	}
	for _, id := range b {
		if seen[id] == 0 {
			return false
		}
		seen[id]--
	}
	return true
}
