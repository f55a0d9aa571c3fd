package invalidate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optistream/signalcache/internal/cache/patterns"
	"github.com/optistream/signalcache/internal/config"
	"github.com/optistream/signalcache/internal/metrics"
	"github.com/optistream/signalcache/internal/store"
)

// Result aggregates one pattern-spec invalidation. Partial failures do not
// abort sibling families; the caller decides whether a partial result is
// acceptable.
type Result struct {
	InvalidatedKeys uint64            `json:"invalidated_keys"`
	FamiliesTouched []patterns.Family `json:"families_touched"`
	Duration        time.Duration     `json:"duration"`
	PartialFailures []patterns.Family `json:"partial_failures,omitempty"`
	Fatal           string            `json:"fatal,omitempty"`
}

// Success reports whether every scheduled family completed cleanly.
func (r Result) Success() bool {
	return r.Fatal == "" && len(r.PartialFailures) == 0
}

// Engine executes pattern specs against the store with bounded family
// concurrency and batched deletes.
type Engine struct {
	store   store.Store
	cfg     config.InvalidationConfig
	metrics *metrics.Registry

	sem chan struct{} // process-wide family concurrency bound
}

// NewEngine creates an invalidation engine.
func NewEngine(st store.Store, cfg config.InvalidationConfig, m *metrics.Registry) *Engine {
	if cfg.MaxConcurrentFamilies < 1 {
		cfg.MaxConcurrentFamilies = 1
	}
	if cfg.DeleteBatchSize < 1 {
		cfg.DeleteBatchSize = 1000
	}
	if cfg.ScanBatchSize < 1 {
		cfg.ScanBatchSize = 500
	}
	return &Engine{
		store:   st,
		cfg:     cfg,
		metrics: m,
		sem:     make(chan struct{}, cfg.MaxConcurrentFamilies),
	}
}

type familyOutcome struct {
	family  patterns.Family
	deleted uint64
	err     error
}

// Invalidate executes a pattern spec. Families run concurrently up to the
// configured bound; each family scans its patterns, drains keys into
// fixed-size batches, and deletes per batch. Invalidating the same spec
// twice is safe: deletes are idempotent at the store.
func (e *Engine) Invalidate(ctx context.Context, spec *patterns.Spec) Result {
	start := time.Now()
	families := spec.Families()
	if len(families) == 0 {
		return Result{Duration: time.Since(start)}
	}

	outcomes := make([]familyOutcome, len(families))
	var wg sync.WaitGroup
	for i, family := range families {
		wg.Add(1)
		go func(i int, family patterns.Family) {
			defer wg.Done()
			select {
			case e.sem <- struct{}{}:
				defer func() { <-e.sem }()
			case <-ctx.Done():
				outcomes[i] = familyOutcome{family: family, err: ctx.Err()}
				return
			}
			deleted, err := e.invalidateFamily(ctx, family, spec.Patterns(family))
			outcomes[i] = familyOutcome{family: family, deleted: deleted, err: err}
		}(i, family)
	}
	wg.Wait()

	result := Result{Duration: time.Since(start)}
	for _, out := range outcomes {
		result.InvalidatedKeys += out.deleted
		result.FamiliesTouched = append(result.FamiliesTouched, out.family)
		if out.err != nil {
			result.PartialFailures = append(result.PartialFailures, out.family)
			log.Warn().Str("family", string(out.family)).Err(out.err).
				Msg("family invalidation incomplete")
			if e.metrics != nil {
				e.metrics.InvalidationFailures.WithLabelValues(string(out.family)).Inc()
			}
		}
		if e.metrics != nil && out.deleted > 0 {
			e.metrics.InvalidatedKeys.WithLabelValues(string(out.family)).Add(float64(out.deleted))
		}
	}
	if len(result.PartialFailures) == len(families) && len(families) > 0 {
		result.Fatal = "all families failed"
	}
	sort.Slice(result.PartialFailures, func(i, j int) bool {
		return result.PartialFailures[i] < result.PartialFailures[j]
	})
	if e.metrics != nil {
		e.metrics.InvalidationDuration.Observe(result.Duration.Seconds())
	}
	return result
}

// invalidateFamily scans every glob of one family and deletes matches in
// batches. A transiently failed batch falls back to per-key deletes so a
// single bad key cannot sink the whole batch.
func (e *Engine) invalidateFamily(ctx context.Context, family patterns.Family, globs []string) (uint64, error) {
	var deleted uint64
	var firstErr error

	batch := make([]string, 0, e.cfg.DeleteBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		n, err := e.store.DeleteMany(ctx, batch...)
		if err == nil {
			deleted += uint64(n)
			batch = batch[:0]
			return
		}
		if store.IsTransient(err) {
			for _, key := range batch {
				if n, kerr := e.store.DeleteMany(ctx, key); kerr == nil {
					deleted += uint64(n)
				} else if firstErr == nil {
					firstErr = kerr
				}
			}
			batch = batch[:0]
			return
		}
		if firstErr == nil {
			firstErr = err
		}
		batch = batch[:0]
	}

	for _, glob := range globs {
		it := e.store.ScanPattern(ctx, glob, e.cfg.ScanBatchSize)
		for it.Next(ctx) {
			batch = append(batch, it.Key())
			if len(batch) >= e.cfg.DeleteBatchSize {
				flush()
			}
		}
		if err := it.Err(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("scan %s: %w", glob, err)
		}
	}
	flush()
	return deleted, firstErr
}

// CountMatches scans a spec's patterns without deleting, returning how
// many keys a full execution would touch. Used for selective-efficiency
// accounting.
func (e *Engine) CountMatches(ctx context.Context, spec *patterns.Spec) uint64 {
	var total uint64
	for _, family := range spec.Families() {
		for _, glob := range spec.Patterns(family) {
			it := e.store.ScanPattern(ctx, glob, e.cfg.ScanBatchSize)
			for it.Next(ctx) {
				total++
			}
		}
	}
	return total
}

// InvalidatePatterns is a convenience for participants that target a
// single family with ad-hoc globs.
func (e *Engine) InvalidatePatterns(ctx context.Context, family patterns.Family, globs ...string) Result {
	spec := patterns.NewSpec()
	spec.Add(family, globs...)
	return e.Invalidate(ctx, spec)
}
