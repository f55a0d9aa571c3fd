package indicators

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optistream/signalcache/internal/cache/invalidate"
	"github.com/optistream/signalcache/internal/config"
	"github.com/optistream/signalcache/internal/domain"
	"github.com/optistream/signalcache/internal/store"
)

type staticBars struct {
	bars []Bar
	err  error
}

func (s *staticBars) Bars(context.Context, string, Timeframe, int) ([]Bar, error) {
	return s.bars, s.err
}

// recordingCalc captures the kind of each call in arrival order.
type recordingCalc struct {
	mu    sync.Mutex
	kinds []Kind
	fail  bool
}

func (r *recordingCalc) Calc(_ context.Context, kind Kind, _ []Bar, _ map[string]string) (map[string]float64, error) {
	r.mu.Lock()
	r.kinds = append(r.kinds, kind)
	r.mu.Unlock()
	if r.fail {
		return nil, errors.New("calc backend down")
	}
	return map[string]float64{"value": 1}, nil
}

func newTestCoordinator(st store.Store, bars BarProvider, calc Calculator, now func() time.Time) *Coordinator {
	cfg := config.Default()
	engine := invalidate.NewEngine(st, cfg.Invalidation, nil)
	c := NewCoordinator(st, bars, calc, engine, cfg.Indicators)
	c.SetClock(now)
	return c
}

func TestOnInstrumentUpdateRecomputesAffectedCrossProduct(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	st := store.NewMemStoreWithClock(func() time.Time { return base })
	ctx := context.Background()

	// A stale entry in an affected slot must be swept before recompute.
	require.NoError(t, st.SetWithTTL(ctx, "indicators:NSE:INFY:moving_average:5m:old", []byte("v"), 0))

	calc := &recordingCalc{}
	c := newTestCoordinator(st, &staticBars{bars: barsFromCloses(1, 2, 3, 4, 5)}, calc,
		func() time.Time { return base })

	// A one percent move dirties moving_average across 1m..1h.
	res := c.OnInstrumentUpdate(ctx, "NSE:INFY", domain.MarketData{Spot: 101, PreviousSpot: 100})

	assert.True(t, res.Success)
	assert.Equal(t, uint64(1), res.KeysInvalidated)
	assert.Equal(t, 4, res.Recomputed)
	assert.Zero(t, res.Failed)

	// Written under the canonical parameterized key.
	_, found, err := st.Get(ctx, "indicators:NSE:INFY:moving_average:1m:period_10")
	require.NoError(t, err)
	assert.True(t, found)
	_, found, err = st.Get(ctx, "indicators:NSE:INFY:moving_average:1h:period_20")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRecomputedKeysCarryTimeframeTTL(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	st := store.NewMemStoreWithClock(clock)
	ctx := context.Background()

	c := newTestCoordinator(st, &staticBars{bars: barsFromCloses(1, 2, 3, 4, 5)}, &recordingCalc{}, clock)
	res := c.OnInstrumentUpdate(ctx, "NSE:INFY", domain.MarketData{Spot: 100.6, PreviousSpot: 100})
	require.Equal(t, 2, res.Recomputed, "half-percent move touches 1m and 5m")

	now = now.Add(61 * time.Second)
	_, found, _ := st.Get(ctx, "indicators:NSE:INFY:moving_average:1m:period_10")
	assert.False(t, found, "1m entry expires after a minute")
	_, found, _ = st.Get(ctx, "indicators:NSE:INFY:moving_average:5m:period_10")
	assert.True(t, found, "5m entry survives")
}

func TestKindsRecomputeInDependencyOrder(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	st := store.NewMemStoreWithClock(func() time.Time { return base })
	calc := &recordingCalc{}
	c := newTestCoordinator(st, &staticBars{bars: barsFromCloses(1, 2, 3, 4, 5)}, calc,
		func() time.Time { return base })

	// Light up every kind at once.
	res := c.OnInstrumentUpdate(context.Background(), "NSE:INFY", domain.MarketData{
		Spot: 105, PreviousSpot: 100,
		Volume: 500, AvgVolume: 100,
		ImpliedVol: 0.30, PreviousIV: 0.20,
	})
	require.True(t, res.Success)

	// Timeframes within a kind interleave, but kind boundaries are strict:
	// deduping consecutive entries must reproduce the dependency order.
	var seen []Kind
	for _, k := range calc.kinds {
		if len(seen) == 0 || seen[len(seen)-1] != k {
			seen = append(seen, k)
		}
	}
	assert.Equal(t, DependencyOrder, seen)
}

func TestOnInstrumentUpdateNoImpactIsNoop(t *testing.T) {
	st := store.NewMemStore()
	calc := &recordingCalc{}
	c := newTestCoordinator(st, &staticBars{}, calc, time.Now)

	res := c.OnInstrumentUpdate(context.Background(), "NSE:INFY",
		domain.MarketData{Spot: 100.1, PreviousSpot: 100})
	assert.True(t, res.Success)
	assert.True(t, res.Impact.IsEmpty())
	assert.Empty(t, calc.kinds)
}

func TestOnInstrumentUpdateAllTasksFailing(t *testing.T) {
	st := store.NewMemStore()
	c := newTestCoordinator(st, &staticBars{bars: barsFromCloses(1, 2)}, &recordingCalc{fail: true}, time.Now)

	res := c.OnInstrumentUpdate(context.Background(), "NSE:INFY",
		domain.MarketData{Spot: 101, PreviousSpot: 100})
	assert.False(t, res.Success)
	assert.Equal(t, 4, res.Failed)
	assert.Contains(t, res.Error, "indicator tasks failed")
}

func TestOnInstrumentUpdateWithoutProvidersInvalidatesOnly(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	require.NoError(t, st.SetWithTTL(ctx, "indicators:NSE:INFY:moving_average:1m:x", []byte("v"), 0))
	c := newTestCoordinator(st, nil, nil, time.Now)

	res := c.OnInstrumentUpdate(ctx, "NSE:INFY", domain.MarketData{Spot: 101, PreviousSpot: 100})
	assert.True(t, res.Success)
	assert.Equal(t, uint64(1), res.KeysInvalidated)
	assert.Zero(t, res.Recomputed)
}

func TestOnChainRebalanceDropsPatternAggregates(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	require.NoError(t, st.SetWithTTL(ctx, "indicators:pattern:NIFTY:breadth", []byte("v"), 0))
	require.NoError(t, st.SetWithTTL(ctx, "indicators:NSE:INFY:rsi:5m:default", []byte("v"), 0))
	c := newTestCoordinator(st, nil, nil, time.Now)

	res := c.OnChainRebalance(ctx, "NIFTY")
	assert.True(t, res.Success)
	assert.Equal(t, uint64(1), res.KeysInvalidated, "instrument-level entries stay")
}

func TestStoreBarProviderTailAndMissing(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	st := store.NewMemStoreWithClock(func() time.Time { return base })
	ctx := context.Background()

	series := barsFromCloses(1, 2, 3, 4, 5)
	data, err := domain.WrapEnvelope(base, series)
	require.NoError(t, err)
	require.NoError(t, st.SetWithTTL(ctx, domain.MarketDataBarsKey("NSE:INFY", "5m"), data, 0))

	p := NewStoreBarProvider(st)
	p.SetClock(func() time.Time { return base })

	bars, err := p.Bars(ctx, "NSE:INFY", TF5m, 3)
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, 3.0, bars[0].Close, "tail of the series")
	assert.Equal(t, 5.0, bars[2].Close)

	bars, err = p.Bars(ctx, "NSE:INFY", TF1h, 3)
	require.NoError(t, err)
	assert.Nil(t, bars, "missing series is empty, not an error")
}
