package indicators

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optistream/signalcache/internal/cache/invalidate"
	"github.com/optistream/signalcache/internal/cache/patterns"
	"github.com/optistream/signalcache/internal/config"
	"github.com/optistream/signalcache/internal/domain"
	"github.com/optistream/signalcache/internal/store"
)

// Bar is one OHLCV bar handed to the calculator.
type Bar struct {
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
	Ts     time.Time `json:"ts"`
}

// BarProvider fetches historical bars; the fetch may suspend on I/O.
type BarProvider interface {
	Bars(ctx context.Context, instrumentID string, tf Timeframe, count int) ([]Bar, error)
}

// Calculator computes one indicator over a bar series. The returned map
// is the opaque value payload written to the cache.
type Calculator interface {
	Calc(ctx context.Context, kind Kind, bars []Bar, params map[string]string) (map[string]float64, error)
}

// Result is the indicators participant outcome.
type Result struct {
	Participant     string `json:"participant"`
	Success         bool   `json:"success"`
	Impact          Impact `json:"impact"`
	KeysInvalidated uint64 `json:"keys_invalidated"`
	Recomputed      int    `json:"recomputed"`
	Failed          int    `json:"failed"`
	Error           string `json:"error,omitempty"`
}

// Coordinator maps market-data deltas to affected (kind x timeframe)
// pairs, invalidates them, and recomputes in dependency order with
// bounded concurrency.
type Coordinator struct {
	store  store.Store
	bars   BarProvider
	calc   Calculator
	engine *invalidate.Engine
	cfg    config.IndicatorsConfig
	now    func() time.Time

	sem chan struct{} // recompute task bound
}

// NewCoordinator wires the indicator cache coordinator.
func NewCoordinator(st store.Store, bars BarProvider, calc Calculator, engine *invalidate.Engine, cfg config.IndicatorsConfig) *Coordinator {
	if cfg.MaxConcurrentTasks < 1 {
		cfg.MaxConcurrentTasks = 1
	}
	if cfg.HistoryBars < 1 {
		cfg.HistoryBars = 200
	}
	return &Coordinator{
		store:  st,
		bars:   bars,
		calc:   calc,
		engine: engine,
		cfg:    cfg,
		now:    time.Now,
		sem:    make(chan struct{}, cfg.MaxConcurrentTasks),
	}
}

// SetClock overrides the clock; used by tests.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// OnInstrumentUpdate analyzes the delta, invalidates the affected
// cross-product, and recomputes. Kinds run sequentially in dependency
// order; timeframes within a kind run concurrently up to the task bound.
func (c *Coordinator) OnInstrumentUpdate(ctx context.Context, instrumentID string, md domain.MarketData) Result {
	res := Result{Participant: "indicators"}

	impact := Analyze(md, c.cfg)
	res.Impact = impact
	if impact.IsEmpty() {
		res.Success = true
		return res
	}

	globs := make([]string, 0, len(impact.Kinds)*len(impact.Timeframes))
	for _, kind := range impact.Kinds {
		for _, tf := range impact.Timeframes {
			globs = append(globs, fmt.Sprintf("indicators:%s:%s:%s:*", instrumentID, kind, tf))
		}
	}
	inv := c.engine.InvalidatePatterns(ctx, patterns.FamilyIndicators, globs...)
	res.KeysInvalidated = inv.InvalidatedKeys

	if c.bars == nil || c.calc == nil {
		res.Success = true
		return res
	}

	var mu sync.Mutex
	for _, kind := range impact.Kinds {
		var wg sync.WaitGroup
		for _, tf := range impact.Timeframes {
			wg.Add(1)
			go func(kind Kind, tf Timeframe) {
				defer wg.Done()
				select {
				case c.sem <- struct{}{}:
					defer func() { <-c.sem }()
				case <-ctx.Done():
					mu.Lock()
					res.Failed++
					mu.Unlock()
					return
				}
				if err := c.recompute(ctx, instrumentID, kind, tf); err != nil {
					log.Warn().Str("instrument", instrumentID).
						Str("kind", string(kind)).Str("timeframe", string(tf)).
						Err(err).Msg("indicator recompute failed")
					mu.Lock()
					res.Failed++
					mu.Unlock()
					return
				}
				mu.Lock()
				res.Recomputed++
				mu.Unlock()
			}(kind, tf)
		}
		// Dependency boundary: finish this kind before starting the next.
		wg.Wait()
	}

	res.Success = res.Recomputed > 0 || res.Failed == 0
	if !res.Success {
		res.Error = fmt.Sprintf("all %d indicator tasks failed", res.Failed)
	}
	return res
}

// OnChainRebalance drops underlying-level indicator aggregates; member
// instruments recompute lazily on their next update.
func (c *Coordinator) OnChainRebalance(ctx context.Context, underlying string) Result {
	res := Result{Participant: "indicators"}
	inv := c.engine.InvalidatePatterns(ctx, patterns.FamilyIndicators,
		"indicators:pattern:"+underlying+":*")
	res.KeysInvalidated = inv.InvalidatedKeys
	res.Success = inv.Fatal == ""
	if !res.Success {
		res.Error = inv.Fatal
	}
	return res
}

// recompute fetches bars, runs the calculator, and writes the value under
// the canonical parameterized key with the timeframe's TTL.
func (c *Coordinator) recompute(ctx context.Context, instrumentID string, kind Kind, tf Timeframe) error {
	bars, err := c.bars.Bars(ctx, instrumentID, tf, c.cfg.HistoryBars)
	if err != nil {
		return fmt.Errorf("fetch bars: %w", err)
	}
	if len(bars) == 0 {
		return fmt.Errorf("no bars for %s %s", instrumentID, tf)
	}

	params := DefaultParams(kind, tf)
	values, err := c.calc.Calc(ctx, kind, bars, params)
	if err != nil {
		return fmt.Errorf("calc %s: %w", kind, err)
	}

	data, err := domain.WrapEnvelope(c.now(), values)
	if err != nil {
		return err
	}
	key := domain.IndicatorKey(instrumentID, string(kind), string(tf), domain.ParamSignature(params))
	ttl := time.Duration(TTLForTimeframe(tf)) * time.Second
	if err := c.store.SetWithTTL(ctx, key, data, ttl); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
