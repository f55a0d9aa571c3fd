package integration

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optistream/signalcache/internal/domain"
)

// fakePath returns fixed outcomes and counts invocations.
type fakePath struct {
	name string
	keys []string
	err  error

	mu    sync.Mutex
	calls int
}

func (p *fakePath) Name() string { return p.name }

func (p *fakePath) Lookup(context.Context, Query) ([]string, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.keys, p.err
}

func (p *fakePath) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func testQuery() Query {
	return Query{
		Family: LookupGreeks,
		Entity: domain.Entity{InstrumentID: "NSE:INFY", Underlying: "INFY"},
	}
}

func newTestComparator(t *testing.T, initial string, legacy, registry Path, sampleRate float64) (*Comparator, *Machine) {
	t.Helper()
	cfg := machineCfg()
	cfg.InitialMode = initial
	cfg.SampleRate = sampleRate
	machine, err := NewMachine(cfg, nil, nil)
	require.NoError(t, err)
	cmp := NewComparator(legacy, registry, machine, cfg, nil)
	cmp.SetSampler(rand.New(rand.NewSource(1)))
	return cmp, machine
}

func TestLookupDisabledServesLegacyOnly(t *testing.T) {
	legacy := &fakePath{name: "legacy", keys: []string{"a", "b", "c"}}
	registry := &fakePath{name: "registry", keys: []string{"a", "b", "c"}}
	cmp, _ := newTestComparator(t, "disabled", legacy, registry, 1.0)

	keys, source, err := cmp.Lookup(context.Background(), testQuery())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)
	assert.Equal(t, "legacy", source)
	assert.Zero(t, registry.Calls())
}

func TestLookupActiveServesRegistry(t *testing.T) {
	legacy := &fakePath{name: "legacy", keys: []string{"a"}}
	registry := &fakePath{name: "registry", keys: []string{"a", "b"}}
	cmp, _ := newTestComparator(t, "active", legacy, registry, 1.0)

	keys, source, err := cmp.Lookup(context.Background(), testQuery())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
	assert.Equal(t, "registry", source)
	assert.Zero(t, legacy.Calls())
}

func TestLookupActiveFallsBackOnRegistryFailure(t *testing.T) {
	legacy := &fakePath{name: "legacy", keys: []string{"a", "b"}}
	registry := &fakePath{name: "registry", err: errors.New("scan failed")}
	cmp, machine := newTestComparator(t, "active", legacy, registry, 1.0)

	keys, source, err := cmp.Lookup(context.Background(), testQuery())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys, "caller still gets a result")
	assert.Equal(t, "legacy", source)
	assert.Equal(t, 1, legacy.Calls())
	assert.Equal(t, ModeActive, machine.Mode(), "one failure stays within budget")
}

func TestLookupActiveRepeatedFailuresDemote(t *testing.T) {
	legacy := &fakePath{name: "legacy", keys: []string{"a"}}
	registry := &fakePath{name: "registry", err: errors.New("scan failed")}
	cmp, machine := newTestComparator(t, "active", legacy, registry, 1.0)

	// The test machine budget allows two errors per window.
	for i := 0; i < 3; i++ {
		_, _, err := cmp.Lookup(context.Background(), testQuery())
		require.NoError(t, err)
	}
	assert.Equal(t, ModeShadow, machine.Mode())
}

func TestLookupShadowSamplesBothPaths(t *testing.T) {
	legacy := &fakePath{name: "legacy", keys: []string{"a", "b"}}
	registry := &fakePath{name: "registry", keys: []string{"b", "a"}}
	cmp, machine := newTestComparator(t, "shadow", legacy, registry, 1.0)

	keys, source, err := cmp.Lookup(context.Background(), testQuery())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
	assert.Equal(t, "legacy", source, "registry result is never authoritative in shadow")
	assert.Equal(t, 1, registry.Calls())
	assert.Equal(t, 1, machine.Ring().Len())
	assert.Equal(t, 1.0, machine.Ring().MatchRate(), "set equality ignores order")
}

// Equal counts with different members must compare as a mismatch, and
// the caller must still receive the legacy result.
func TestLookupShadowMismatchOnDifferentMembers(t *testing.T) {
	legacy := &fakePath{name: "legacy", keys: []string{"A", "B"}}
	registry := &fakePath{name: "registry", keys: []string{"A", "C"}}
	cmp, machine := newTestComparator(t, "shadow", legacy, registry, 1.0)

	keys, source, err := cmp.Lookup(context.Background(), testQuery())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, keys)
	assert.Equal(t, "legacy", source)
	assert.Zero(t, machine.Ring().MatchRate())
}

func TestLookupShadowRegistryErrorIsMismatch(t *testing.T) {
	legacy := &fakePath{name: "legacy", keys: []string{"a", "b"}}
	registry := &fakePath{name: "registry", keys: []string{"a", "b"}, err: errors.New("timeout")}
	cmp, machine := newTestComparator(t, "shadow", legacy, registry, 1.0)

	keys, _, err := cmp.Lookup(context.Background(), testQuery())
	require.NoError(t, err, "registry failures never surface in shadow")
	assert.Equal(t, []string{"a", "b"}, keys)
	assert.Zero(t, machine.Ring().MatchRate())
}

func TestLookupShadowZeroSampleRateSkipsRegistry(t *testing.T) {
	legacy := &fakePath{name: "legacy", keys: []string{"a"}}
	registry := &fakePath{name: "registry", keys: []string{"a"}}
	cmp, machine := newTestComparator(t, "shadow", legacy, registry, 0)

	for i := 0; i < 20; i++ {
		_, _, err := cmp.Lookup(context.Background(), testQuery())
		require.NoError(t, err)
	}
	assert.Zero(t, registry.Calls())
	assert.Zero(t, machine.Ring().Len())
}

func TestLookupShadowFullSamplingPromotes(t *testing.T) {
	legacy := &fakePath{name: "legacy", keys: []string{"a", "b"}}
	registry := &fakePath{name: "registry", keys: []string{"a", "b"}}
	cmp, machine := newTestComparator(t, "shadow", legacy, registry, 1.0)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	cmp.SetClock(func() time.Time { return base })

	// The test machine promotes after five agreeing comparisons.
	for i := 0; i < 5; i++ {
		_, _, err := cmp.Lookup(context.Background(), testQuery())
		require.NoError(t, err)
	}
	assert.Equal(t, ModeActive, machine.Mode())
}

// A custom extractor narrows what the default predicate compares, so
// results that differ only outside the extracted identifiers match.
func TestLookupCustomExtractor(t *testing.T) {
	legacy := &fakePath{name: "legacy", keys: []string{"greeks:NSE:INFY:live"}}
	registry := &fakePath{name: "registry", keys: []string{"greeks:NSE:INFY:current"}}
	cmp, machine := newTestComparator(t, "shadow", legacy, registry, 1.0)
	cmp.SetExtractor(func(keys []string) []string {
		ids := make([]string, len(keys))
		for i, k := range keys {
			parts := strings.Split(k, ":")
			ids[i] = strings.Join(parts[:len(parts)-1], ":")
		}
		return ids
	})

	_, _, err := cmp.Lookup(context.Background(), testQuery())
	require.NoError(t, err)
	assert.Equal(t, 1.0, machine.Ring().MatchRate())
}

func TestLookupCustomPredicate(t *testing.T) {
	legacy := &fakePath{name: "legacy", keys: []string{"a"}}
	registry := &fakePath{name: "registry", keys: []string{"a", "b", "c"}}
	cmp, machine := newTestComparator(t, "shadow", legacy, registry, 1.0)
	cmp.SetPredicate(func(legacy, registry []string) bool {
		// Registry may be a superset; only a shrinking result counts
		// as drift.
		return len(registry) >= len(legacy)
	})

	_, _, err := cmp.Lookup(context.Background(), testQuery())
	require.NoError(t, err)
	assert.Equal(t, 1.0, machine.Ring().MatchRate())
}
