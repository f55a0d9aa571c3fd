package greeks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optistream/signalcache/internal/cache/invalidate"
	"github.com/optistream/signalcache/internal/cache/patterns"
	"github.com/optistream/signalcache/internal/config"
	"github.com/optistream/signalcache/internal/domain"
	"github.com/optistream/signalcache/internal/sla"
	"github.com/optistream/signalcache/internal/store"
)

// Greeks is the opaque numeric payload produced by a calculator. The
// manager never interprets the values; it only caches them.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	Rho   float64 `json:"rho"`
	Price float64 `json:"price"`
}

// CalcParams are the market inputs handed to the calculator.
type CalcParams struct {
	InstrumentID string  `json:"instrument_id"`
	Spot         float64 `json:"spot"`
	Strike       float64 `json:"strike"`
	ImpliedVol   float64 `json:"implied_vol"`
	TimeToExpiry float64 `json:"time_to_expiry"` // days
	OptionType   string  `json:"option_type"`
}

// Calculator computes greeks; math is delegated entirely to the
// implementation. Bulk is preferred for chain-wide recomputation.
type Calculator interface {
	CalculateSingle(ctx context.Context, params CalcParams) (Greeks, error)
	CalculateBulk(ctx context.Context, params []CalcParams) (map[string]Greeks, error)
}

// cachedGreeks is the envelope payload: computed greeks plus the market
// inputs they were computed from, which the next freshness decision reads.
type cachedGreeks struct {
	Greeks
	Spot         float64 `json:"spot"`
	ImpliedVol   float64 `json:"implied_vol"`
	TimeToExpiry float64 `json:"time_to_expiry"`
}

// Result is the greeks participant outcome returned to the coordinator.
type Result struct {
	Participant      string    `json:"participant"`
	Success          bool      `json:"success"`
	CacheInvalidated bool      `json:"cache_invalidated"`
	Recalculated     bool      `json:"recalculated"`
	Bulk             bool      `json:"bulk,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
	KeysInvalidated  uint64    `json:"keys_invalidated"`
	KeysWritten      int       `json:"keys_written"`
	Priority         string    `json:"priority"`
	Freshness        Freshness `json:"freshness"`
	Error            string    `json:"error,omitempty"`
}

// Manager decides greeks cache staleness and orchestrates selective
// invalidation plus recomputation.
type Manager struct {
	store  store.Store
	calc   Calculator
	engine *invalidate.Engine
	chains domain.ChainProvider
	cfg    config.GreeksConfig
	sla    *sla.Monitor
	hits   *sla.HitTracker
	now    func() time.Time
}

// NewManager wires a greeks manager. The chain provider may be nil when
// chain rebalances are not handled by this process.
func NewManager(st store.Store, calc Calculator, engine *invalidate.Engine, chains domain.ChainProvider, cfg config.GreeksConfig, monitor *sla.Monitor) *Manager {
	return &Manager{
		store:  st,
		calc:   calc,
		engine: engine,
		chains: chains,
		cfg:    cfg,
		sla:    monitor,
		now:    time.Now,
	}
}

// SetClock overrides the clock; used by tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// SetHitTracker wires snapshot reads into the hit-rate SLA.
func (m *Manager) SetHitTracker(t *sla.HitTracker) { m.hits = t }

// OnInstrumentUpdate runs the freshness decision for one instrument and,
// when required, selectively invalidates and recomputes.
func (m *Manager) OnInstrumentUpdate(ctx context.Context, instrumentID string, md domain.MarketData) Result {
	res := Result{Participant: "greeks", Priority: "normal"}

	prev, cacheAge := m.cachedSnapshot(ctx, instrumentID)
	fresh := Evaluate(prev, md, cacheAge, m.cfg)
	res.Freshness = fresh
	res.Tags = fresh.Tags
	if fresh.ExpiryApproaching {
		res.Priority = "high"
	}
	if !fresh.RecalcRequired {
		res.Success = true
		return res
	}

	inv := m.engine.InvalidatePatterns(ctx, patterns.FamilyGreeks,
		subfamilyGlobs(instrumentID, fresh.Tags)...)
	res.CacheInvalidated = true
	res.KeysInvalidated = inv.InvalidatedKeys

	recalcStart := m.now()
	computed, err := m.calc.CalculateSingle(ctx, CalcParams{
		InstrumentID: instrumentID,
		Spot:         md.Spot,
		ImpliedVol:   md.ImpliedVol,
		TimeToExpiry: md.TimeToExpiry,
		OptionType:   md.OptionType,
	})
	if err != nil {
		res.Error = fmt.Sprintf("calculate greeks: %v", err)
		return res
	}

	written, err := m.writeGreeks(ctx, instrumentID, computed, md, "live")
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.KeysWritten = written
	res.Recalculated = true
	res.Success = true

	if m.sla != nil && hasTag(fresh.Tags, TagStale) {
		m.sla.ObserveStaleRecovery("greeks", m.now().Sub(recalcStart))
	}
	return res
}

// OnChainRebalance invalidates chain-level greeks and recomputes the full
// chain, vectorized when the chain is large enough.
func (m *Manager) OnChainRebalance(ctx context.Context, underlying string) Result {
	res := Result{Participant: "greeks", Priority: "normal"}

	inv := m.engine.InvalidatePatterns(ctx, patterns.FamilyGreeks,
		"greeks:chain:"+underlying+":*",
		"greeks:bulk:"+underlying+":*")
	res.CacheInvalidated = true
	res.KeysInvalidated = inv.InvalidatedKeys

	if m.chains == nil {
		res.Success = true
		return res
	}
	chain, err := m.chains.Chain(ctx, underlying)
	if err != nil {
		res.Error = fmt.Sprintf("resolve chain %s: %v", underlying, err)
		return res
	}
	if len(chain) == 0 {
		res.Success = true
		return res
	}

	params := make([]CalcParams, len(chain))
	for i, inst := range chain {
		params[i] = CalcParams{
			InstrumentID: inst.ID,
			Spot:         inst.Spot,
			Strike:       inst.Strike,
			ImpliedVol:   inst.ImpliedVol,
			TimeToExpiry: 0,
			OptionType:   inst.OptionType,
		}
	}

	variant := "bulk"
	var computed map[string]Greeks
	if len(chain) > m.cfg.BulkThreshold {
		res.Bulk = true
		computed, err = m.calc.CalculateBulk(ctx, params)
		if err != nil {
			res.Error = fmt.Sprintf("bulk calculate greeks: %v", err)
			return res
		}
	} else {
		variant = "live"
		computed = make(map[string]Greeks, len(params))
		for _, p := range params {
			g, cerr := m.calc.CalculateSingle(ctx, p)
			if cerr != nil {
				log.Warn().Str("instrument", p.InstrumentID).Err(cerr).
					Msg("greeks recompute failed for chain member")
				continue
			}
			computed[p.InstrumentID] = g
		}
	}

	written := 0
	for i, inst := range chain {
		g, ok := computed[inst.ID]
		if !ok {
			continue
		}
		md := domain.MarketData{Spot: params[i].Spot, ImpliedVol: params[i].ImpliedVol}
		n, werr := m.writeGreeks(ctx, inst.ID, g, md, variant)
		if werr != nil {
			log.Warn().Str("instrument", inst.ID).Err(werr).Msg("greeks cache write failed")
			continue
		}
		written += n
	}
	res.KeysWritten = written
	res.Recalculated = written > 0
	res.Success = true
	return res
}

// writeGreeks stores the computed entry under the latest key, the variant
// key, and an immutable history key. Invalidation always precedes these
// writes within a participant.
func (m *Manager) writeGreeks(ctx context.Context, instrumentID string, g Greeks, md domain.MarketData, variant string) (int, error) {
	now := m.now()
	payload := cachedGreeks{
		Greeks:       g,
		Spot:         md.Spot,
		ImpliedVol:   md.ImpliedVol,
		TimeToExpiry: md.TimeToExpiry,
	}
	data, err := domain.WrapEnvelope(now, payload)
	if err != nil {
		return 0, fmt.Errorf("wrap greeks entry: %w", err)
	}

	written := 0
	if err := m.store.SetWithTTL(ctx, domain.GreeksLatestKey(instrumentID), data, m.cfg.LiveTTL); err != nil {
		return written, fmt.Errorf("write greeks latest: %w", err)
	}
	written++
	if err := m.store.SetWithTTL(ctx, domain.GreeksVariantKey(instrumentID, variant), data, m.cfg.LiveTTL); err != nil {
		return written, fmt.Errorf("write greeks %s: %w", variant, err)
	}
	written++
	if err := m.store.SetWithTTL(ctx, domain.GreeksHistoryKey(instrumentID, now.Unix()), data, m.cfg.HistoryTTL); err != nil {
		return written, fmt.Errorf("write greeks history: %w", err)
	}
	written++
	return written, nil
}

// cachedSnapshot loads the previous entry's market inputs, if any.
// Store errors are neither hit nor miss: the cache was never consulted.
func (m *Manager) cachedSnapshot(ctx context.Context, instrumentID string) (*Snapshot, time.Duration) {
	data, ok, err := m.store.Get(ctx, domain.GreeksLatestKey(instrumentID))
	if err != nil {
		return nil, 0
	}
	if !ok {
		m.hits.Miss()
		return nil, 0
	}
	env, age, err := domain.UnwrapEnvelope(data, m.now())
	if err != nil {
		m.hits.Miss()
		return nil, 0
	}
	var cached cachedGreeks
	if err := json.Unmarshal(env.Payload, &cached); err != nil {
		m.hits.Miss()
		return nil, 0
	}
	m.hits.Hit()
	return &Snapshot{
		Spot:         cached.Spot,
		ImpliedVol:   cached.ImpliedVol,
		Delta:        cached.Delta,
		TimeToExpiry: cached.TimeToExpiry,
	}, age
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
