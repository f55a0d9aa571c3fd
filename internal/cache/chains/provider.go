// Package chains resolves option-chain snapshots from the shared store.
// The chain service upstream owns the snapshot writes; this package only
// reads them.
package chains

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/optistream/signalcache/internal/domain"
	"github.com/optistream/signalcache/internal/sla"
	"github.com/optistream/signalcache/internal/store"
)

// StoreProvider reads chain snapshots written under the chain snapshot
// key as enveloped JSON arrays of instruments.
type StoreProvider struct {
	store store.Store
	hits  *sla.HitTracker
	now   func() time.Time
}

// NewStoreProvider builds a store-backed chain provider.
func NewStoreProvider(st store.Store) *StoreProvider {
	return &StoreProvider{store: st, now: time.Now}
}

// SetClock overrides the clock; used by tests.
func (p *StoreProvider) SetClock(now func() time.Time) { p.now = now }

// SetHitTracker wires snapshot reads into the hit-rate SLA.
func (p *StoreProvider) SetHitTracker(t *sla.HitTracker) { p.hits = t }

// Chain returns the instruments of one underlying's chain. A missing
// snapshot is an empty chain, not an error: the chain service may not
// have published yet.
func (p *StoreProvider) Chain(ctx context.Context, underlying string) ([]domain.ChainInstrument, error) {
	data, found, err := p.store.Get(ctx, domain.ChainSnapshotKey(underlying))
	if err != nil {
		return nil, fmt.Errorf("read chain snapshot %s: %w", underlying, err)
	}
	if !found {
		p.hits.Miss()
		return nil, nil
	}
	env, _, err := domain.UnwrapEnvelope(data, p.now())
	if err != nil {
		p.hits.Miss()
		return nil, fmt.Errorf("chain snapshot %s: %w", underlying, err)
	}
	var chain []domain.ChainInstrument
	if err := json.Unmarshal(env.Payload, &chain); err != nil {
		p.hits.Miss()
		return nil, fmt.Errorf("parse chain snapshot %s: %w", underlying, err)
	}
	p.hits.Hit()
	return chain, nil
}

// Publish writes a chain snapshot; exposed for tests and for processes
// that double as the chain source.
func (p *StoreProvider) Publish(ctx context.Context, underlying string, chain []domain.ChainInstrument, ttl time.Duration) error {
	data, err := domain.WrapEnvelope(p.now(), chain)
	if err != nil {
		return fmt.Errorf("wrap chain snapshot %s: %w", underlying, err)
	}
	if err := p.store.SetWithTTL(ctx, domain.ChainSnapshotKey(underlying), data, ttl); err != nil {
		return fmt.Errorf("write chain snapshot %s: %w", underlying, err)
	}
	return nil
}
