package moneyness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optistream/signalcache/internal/cache/invalidate"
	"github.com/optistream/signalcache/internal/config"
	"github.com/optistream/signalcache/internal/domain"
	"github.com/optistream/signalcache/internal/store"
)

type chainStub struct {
	chain []domain.ChainInstrument
	err   error
	calls int
}

func (c *chainStub) Chain(context.Context, string) ([]domain.ChainInstrument, error) {
	c.calls++
	return c.chain, c.err
}

func newTestService(st store.Store, chains domain.ChainProvider) *Service {
	cfg := config.Default()
	engine := invalidate.NewEngine(st, cfg.Invalidation, nil)
	s := NewService(st, chains, engine, cfg.Moneyness)
	s.SetClock(func() time.Time { return time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC) })
	return s
}

func strike(s float64) domain.ChainInstrument {
	return domain.ChainInstrument{
		ID: "NIFTY" + domain.FormatStrike(s), Underlying: "NIFTY",
		Strike: s, Expiry: "2026-09-25", OptionType: "CE",
	}
}

func TestCategorizeBands(t *testing.T) {
	cases := map[float64]Category{
		0.79: CategoryDeepOTM,
		0.80: CategoryOTM,
		0.94: CategoryOTM,
		0.95: CategoryATM,
		1.00: CategoryATM,
		1.05: CategoryATM,
		1.06: CategoryITM,
		1.20: CategoryITM,
		1.21: CategoryDeepITM,
	}
	for m, want := range cases {
		assert.Equal(t, want, Categorize(m), "moneyness %v", m)
	}
}

func TestOnSpotUpdateBelowThresholdSkips(t *testing.T) {
	chains := &chainStub{}
	s := newTestService(store.NewMemStore(), chains)

	res := s.OnSpotUpdate(context.Background(), "NIFTY", 100.4, 100)
	assert.True(t, res.Success)
	assert.Equal(t, RefreshNone, res.RefreshType)
	assert.Zero(t, res.StrikesRefreshed)
	assert.Zero(t, chains.calls, "chain never resolved for a sub-threshold move")
}

func TestOnSpotUpdateSelective(t *testing.T) {
	st := store.NewMemStore()
	chains := &chainStub{chain: []domain.ChainInstrument{
		strike(80),  // far OTM put side, untouched
		strike(100), // ATM band
		strike(102), // inside the move band
		strike(130), // far ITM side, untouched
	}}
	s := newTestService(st, chains)

	// 1.5% move lands between the minimum and the selective ceiling.
	res := s.OnSpotUpdate(context.Background(), "NIFTY", 101.5, 100)
	assert.True(t, res.Success)
	assert.Equal(t, RefreshSelective, res.RefreshType)
	assert.Equal(t, 4, res.StrikesTotal)
	assert.Equal(t, 2, res.StrikesRefreshed, "move band plus ATM band only")
	assert.Zero(t, res.KeysInvalidated, "selective refresh overwrites in place")

	keys := st.Keys()
	assert.Contains(t, keys, "moneyness:NIFTY:100:latest")
	assert.Contains(t, keys, "moneyness:NIFTY:102:latest")
	assert.NotContains(t, keys, "moneyness:NIFTY:80:latest")
}

func TestOnSpotUpdateFullChain(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	// Stale live entry and a departed strike lingering in the ATM index.
	require.NoError(t, st.SetWithTTL(ctx, "moneyness:NIFTY:9999:latest", []byte("v"), 0))
	require.NoError(t, st.SetAdd(ctx, "moneyness_category:NIFTY:2026-09-25:atm", "9999"))

	chains := &chainStub{chain: []domain.ChainInstrument{strike(100), strike(104)}}
	s := newTestService(st, chains)

	res := s.OnSpotUpdate(ctx, "NIFTY", 103, 100)
	assert.True(t, res.Success)
	assert.Equal(t, RefreshFullChain, res.RefreshType)
	assert.Equal(t, 2, res.StrikesRefreshed)
	assert.Equal(t, uint64(1), res.KeysInvalidated, "stale live entry swept")

	// Category indexes were rebuilt from scratch: 103/100 and 103/104 are
	// both ATM, and the departed strike is gone.
	members, err := st.SetMembers(ctx, "moneyness_category:NIFTY:2026-09-25:atm")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"100", "104"}, members)
}

func TestOnSpotUpdateUnknownPreviousSpotIsFullRefresh(t *testing.T) {
	chains := &chainStub{chain: []domain.ChainInstrument{strike(100)}}
	s := newTestService(store.NewMemStore(), chains)

	res := s.OnSpotUpdate(context.Background(), "NIFTY", 100, 0)
	assert.True(t, res.Success)
	assert.Equal(t, RefreshFullChain, res.RefreshType)
	assert.Equal(t, 1, res.StrikesRefreshed)
}

func TestOnSpotUpdateInvalidSpot(t *testing.T) {
	s := newTestService(store.NewMemStore(), &chainStub{})
	res := s.OnSpotUpdate(context.Background(), "NIFTY", 0, 100)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "spot must be positive")
}

func TestOnSpotUpdateChainError(t *testing.T) {
	s := newTestService(store.NewMemStore(), &chainStub{err: errors.New("chain service down")})
	res := s.OnSpotUpdate(context.Background(), "NIFTY", 103, 100)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "resolve chain")
}

func TestOnChainRebalanceFallsBackToChainSpot(t *testing.T) {
	chain := []domain.ChainInstrument{strike(100)}
	chain[0].Spot = 101
	s := newTestService(store.NewMemStore(), &chainStub{chain: chain})

	res := s.OnChainRebalance(context.Background(), "NIFTY", 0)
	assert.True(t, res.Success)
	assert.Equal(t, RefreshFullChain, res.RefreshType)
	assert.Equal(t, 1, res.StrikesRefreshed)
}

func TestOnChainRebalanceWithoutAnySpotFails(t *testing.T) {
	s := newTestService(store.NewMemStore(), &chainStub{chain: []domain.ChainInstrument{strike(100)}})
	res := s.OnChainRebalance(context.Background(), "NIFTY", 0)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no spot available")
}

// An event without a previous spot must compare against the cached spot
// snapshot: a small move then skips the refresh instead of defaulting
// to a full one.
func TestOnSpotUpdateResolvesPreviousFromSnapshot(t *testing.T) {
	st := store.NewMemStore()
	chains := &chainStub{chain: []domain.ChainInstrument{strike(100)}}
	s := newTestService(st, chains)

	res := s.OnSpotUpdate(context.Background(), "NIFTY", 100, 0)
	require.True(t, res.Success)
	require.Equal(t, RefreshFullChain, res.RefreshType)

	res = s.OnSpotUpdate(context.Background(), "NIFTY", 100.3, 0)
	assert.True(t, res.Success)
	assert.Equal(t, RefreshNone, res.RefreshType)
	assert.Zero(t, res.StrikesRefreshed)
}

// Skipped moves must not advance the snapshot, so small moves accumulate
// until they cross the threshold together.
func TestOnSpotUpdateSkippedMovesAccumulate(t *testing.T) {
	st := store.NewMemStore()
	chains := &chainStub{chain: []domain.ChainInstrument{strike(100)}}
	s := newTestService(st, chains)

	require.True(t, s.OnSpotUpdate(context.Background(), "NIFTY", 100, 0).Success)

	res := s.OnSpotUpdate(context.Background(), "NIFTY", 100.4, 0)
	require.Equal(t, RefreshNone, res.RefreshType)

	// 0.8% off the last refreshed spot, though only 0.4% off the last event.
	res = s.OnSpotUpdate(context.Background(), "NIFTY", 100.8, 0)
	assert.Equal(t, RefreshSelective, res.RefreshType)
}

// A rebalance is a structural change: it always refreshes the full
// chain, even when the snapshot says the spot barely moved.
func TestOnChainRebalanceIgnoresSnapshot(t *testing.T) {
	st := store.NewMemStore()
	chains := &chainStub{chain: []domain.ChainInstrument{strike(100)}}
	s := newTestService(st, chains)

	require.True(t, s.OnSpotUpdate(context.Background(), "NIFTY", 100, 0).Success)

	res := s.OnChainRebalance(context.Background(), "NIFTY", 100.1)
	assert.True(t, res.Success)
	assert.Equal(t, RefreshFullChain, res.RefreshType)
	assert.Equal(t, 1, res.StrikesRefreshed)
}

func TestComputeEntry(t *testing.T) {
	inst := strike(100)
	inst.OptionType = "PE"
	inst.Mark = 6

	e := compute("NIFTY", 95, inst)
	assert.InDelta(t, 0.95, e.Moneyness, 1e-9)
	assert.Equal(t, CategoryATM, e.Category)
	assert.Equal(t, 0.0, e.CallIntrinsic)
	assert.Equal(t, 5.0, e.PutIntrinsic)
	assert.Equal(t, 1.0, e.TimeValue, "mark minus put intrinsic")
}
