package moneyness

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optistream/signalcache/internal/cache/invalidate"
	"github.com/optistream/signalcache/internal/cache/patterns"
	"github.com/optistream/signalcache/internal/config"
	"github.com/optistream/signalcache/internal/domain"
	"github.com/optistream/signalcache/internal/store"
)

// Category buckets spot/strike into the closed moneyness taxonomy.
type Category string

const (
	CategoryDeepOTM Category = "deep_otm"
	CategoryOTM     Category = "otm"
	CategoryATM     Category = "atm"
	CategoryITM     Category = "itm"
	CategoryDeepITM Category = "deep_itm"
)

// Categories in ascending moneyness order.
var Categories = []Category{CategoryDeepOTM, CategoryOTM, CategoryATM, CategoryITM, CategoryDeepITM}

// Categorize applies the band boundaries: <0.8, [0.8,0.95), [0.95,1.05],
// (1.05,1.2], >1.2.
func Categorize(moneyness float64) Category {
	switch {
	case moneyness < 0.8:
		return CategoryDeepOTM
	case moneyness < 0.95:
		return CategoryOTM
	case moneyness <= 1.05:
		return CategoryATM
	case moneyness <= 1.2:
		return CategoryITM
	default:
		return CategoryDeepITM
	}
}

// Entry is the computed per-strike moneyness payload.
type Entry struct {
	Underlying    string   `json:"underlying"`
	Strike        float64  `json:"strike"`
	Expiry        string   `json:"expiry"`
	Spot          float64  `json:"spot"`
	Moneyness     float64  `json:"moneyness"`
	Category      Category `json:"category"`
	CallIntrinsic float64  `json:"call_intrinsic"`
	PutIntrinsic  float64  `json:"put_intrinsic"`
	TimeValue     float64  `json:"time_value"`
}

// RefreshType names the refresh decision taken for a spot move.
type RefreshType string

const (
	RefreshNone      RefreshType = "threshold_not_met"
	RefreshSelective RefreshType = "selective"
	RefreshFullChain RefreshType = "full_chain"
)

// Result is the moneyness participant outcome.
type Result struct {
	Participant      string      `json:"participant"`
	Success          bool        `json:"success"`
	RefreshType      RefreshType `json:"refresh_type"`
	StrikesRefreshed int         `json:"strikes_refreshed"`
	StrikesTotal     int         `json:"strikes_total"`
	KeysInvalidated  uint64      `json:"keys_invalidated"`
	Error            string      `json:"error,omitempty"`
}

// Service recomputes strike-level moneyness and its category indexes when
// the spot moves or a chain rebalances.
type Service struct {
	store  store.Store
	chains domain.ChainProvider
	engine *invalidate.Engine
	cfg    config.MoneynessConfig
	now    func() time.Time
}

// NewService wires the moneyness refresh service.
func NewService(st store.Store, chains domain.ChainProvider, engine *invalidate.Engine, cfg config.MoneynessConfig) *Service {
	return &Service{store: st, chains: chains, engine: engine, cfg: cfg, now: time.Now}
}

// SetClock overrides the clock; used by tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// OnSpotUpdate applies the move-size policy: below the minimum move
// nothing refreshes; small moves refresh only strikes near the move band
// and the ATM band; large moves refresh the full chain. Events without a
// previous spot fall back to the cached spot snapshot before defaulting
// to a full refresh.
func (s *Service) OnSpotUpdate(ctx context.Context, underlying string, newSpot, prevSpot float64) Result {
	res := Result{Participant: "moneyness", RefreshType: RefreshNone}
	if newSpot <= 0 {
		res.Error = "spot must be positive"
		return res
	}

	if prevSpot <= 0 {
		prevSpot = s.lastSpot(ctx, underlying)
	}
	if prevSpot <= 0 {
		// No previous spot anywhere: nothing to compare against.
		return s.fullRefresh(ctx, underlying, newSpot)
	}

	movePct := math.Abs(newSpot-prevSpot) / prevSpot * 100
	switch {
	case movePct <= s.cfg.MinMovePct:
		res.Success = true
		return res
	case movePct > s.cfg.SelectiveMaxPct:
		return s.fullRefresh(ctx, underlying, newSpot)
	}
	res.RefreshType = RefreshSelective

	chain, err := s.chains.Chain(ctx, underlying)
	if err != nil {
		res.Error = fmt.Sprintf("resolve chain %s: %v", underlying, err)
		return res
	}
	res.StrikesTotal = len(chain)
	if len(chain) == 0 {
		res.Success = true
		return res
	}

	selected := selectStrikes(chain, newSpot, movePct, s.cfg)
	refreshed, err := s.refresh(ctx, underlying, newSpot, selected, false)
	res.StrikesRefreshed = refreshed
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	s.storeSpot(ctx, underlying, newSpot)
	return res
}

// OnChainRebalance always refreshes the full chain. When the event does
// not carry a spot, the chain's own snapshot supplies it.
func (s *Service) OnChainRebalance(ctx context.Context, underlying string, spot float64) Result {
	if spot <= 0 {
		chain, err := s.chains.Chain(ctx, underlying)
		if err != nil {
			return Result{Participant: "moneyness", RefreshType: RefreshFullChain,
				Error: fmt.Sprintf("resolve chain %s: %v", underlying, err)}
		}
		for _, inst := range chain {
			if inst.Spot > 0 {
				spot = inst.Spot
				break
			}
		}
		if spot <= 0 {
			return Result{Participant: "moneyness", RefreshType: RefreshFullChain,
				Error: fmt.Sprintf("no spot available for %s", underlying)}
		}
	}
	return s.fullRefresh(ctx, underlying, spot)
}

// fullRefresh sweeps the moneyness families for the underlying and
// recomputes every strike.
func (s *Service) fullRefresh(ctx context.Context, underlying string, spot float64) Result {
	res := Result{Participant: "moneyness", RefreshType: RefreshFullChain}

	chain, err := s.chains.Chain(ctx, underlying)
	if err != nil {
		res.Error = fmt.Sprintf("resolve chain %s: %v", underlying, err)
		return res
	}
	res.StrikesTotal = len(chain)
	if len(chain) == 0 {
		res.Success = true
		return res
	}

	inv := s.engine.InvalidatePatterns(ctx, patterns.FamilyMoneyness,
		"moneyness:"+underlying+":*",
		"moneyness:chain:"+underlying+":*")
	res.KeysInvalidated = inv.InvalidatedKeys

	refreshed, err := s.refresh(ctx, underlying, spot, chain, true)
	res.StrikesRefreshed = refreshed
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	s.storeSpot(ctx, underlying, spot)
	return res
}

type spotSnapshot struct {
	Spot float64 `json:"spot"`
}

// lastSpot reads the cached spot snapshot; zero when absent or
// unreadable.
func (s *Service) lastSpot(ctx context.Context, underlying string) float64 {
	data, found, err := s.store.Get(ctx, domain.SpotSnapshotKey(underlying))
	if err != nil || !found {
		return 0
	}
	env, _, err := domain.UnwrapEnvelope(data, s.now())
	if err != nil {
		return 0
	}
	var snap spotSnapshot
	if json.Unmarshal(env.Payload, &snap) != nil {
		return 0
	}
	return snap.Spot
}

// storeSpot records the spot that produced the current cache contents,
// so the next event without a previous spot can still size its move.
// Written only after a successful refresh: small skipped moves must
// accumulate against the spot the cache actually reflects.
func (s *Service) storeSpot(ctx context.Context, underlying string, spot float64) {
	data, err := domain.WrapEnvelope(s.now(), spotSnapshot{Spot: spot})
	if err != nil {
		return
	}
	key := domain.SpotSnapshotKey(underlying)
	if err := s.store.SetWithTTL(ctx, key, data, s.cfg.AggregateTTL); err != nil {
		log.Warn().Str("underlying", underlying).Err(err).
			Msg("spot snapshot write failed")
	}
}

// selectStrikes picks the strikes a small move affects: those inside the
// move band newSpot*(1 ± movePct/200), plus every strike in the ATM band
// (ATM is always refreshed).
func selectStrikes(chain []domain.ChainInstrument, newSpot, movePct float64, cfg config.MoneynessConfig) []domain.ChainInstrument {
	lower := newSpot * (1 - movePct/200)
	upper := newSpot * (1 + movePct/200)

	var out []domain.ChainInstrument
	seen := make(map[string]bool)
	for _, inst := range chain {
		key := fmt.Sprintf("%s:%s", domain.FormatStrike(inst.Strike), inst.Expiry)
		if seen[key] {
			continue
		}
		inBand := inst.Strike >= lower && inst.Strike <= upper
		ratio := newSpot / inst.Strike
		atm := ratio >= cfg.ATMBandLow && ratio <= cfg.ATMBandHigh
		if inBand || atm {
			seen[key] = true
			out = append(out, inst)
		}
	}
	return out
}

// refresh recomputes and writes the selected strikes and rebuilds the
// per-category indexes. On a full refresh the category sets are rebuilt
// from scratch so departed strikes do not linger.
func (s *Service) refresh(ctx context.Context, underlying string, spot float64, selected []domain.ChainInstrument, full bool) (int, error) {
	now := s.now()

	if full {
		expiries := make(map[string]bool)
		for _, inst := range selected {
			expiries[inst.Expiry] = true
		}
		var categoryKeys []string
		for expiry := range expiries {
			for _, cat := range Categories {
				categoryKeys = append(categoryKeys, domain.MoneynessCategoryKey(underlying, expiry, string(cat)))
			}
		}
		if len(categoryKeys) > 0 {
			if _, err := s.store.DeleteMany(ctx, categoryKeys...); err != nil {
				log.Warn().Str("underlying", underlying).Err(err).
					Msg("category index reset failed")
			}
		}
	}

	refreshed := 0
	var firstErr error
	for _, inst := range selected {
		entry := compute(underlying, spot, inst)
		data, err := domain.WrapEnvelope(now, entry)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		key := domain.MoneynessLatestKey(underlying, inst.Strike)
		if err := s.store.SetWithTTL(ctx, key, data, s.cfg.LiveTTL); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("write %s: %w", key, err)
			}
			continue
		}

		catKey := domain.MoneynessCategoryKey(underlying, inst.Expiry, string(entry.Category))
		if err := s.store.SetAdd(ctx, catKey, domain.FormatStrike(inst.Strike)); err == nil {
			_ = s.store.Expire(ctx, catKey, s.cfg.AggregateTTL)
		}
		refreshed++
	}
	return refreshed, firstErr
}

// compute derives the per-strike payload. Intrinsic values are given for
// both option sides; time value needs a mark and is zero without one.
func compute(underlying string, spot float64, inst domain.ChainInstrument) Entry {
	m := spot / inst.Strike
	entry := Entry{
		Underlying:    underlying,
		Strike:        inst.Strike,
		Expiry:        inst.Expiry,
		Spot:          spot,
		Moneyness:     m,
		Category:      Categorize(m),
		CallIntrinsic: math.Max(spot-inst.Strike, 0),
		PutIntrinsic:  math.Max(inst.Strike-spot, 0),
	}
	if inst.Mark > 0 {
		intrinsic := entry.CallIntrinsic
		if inst.OptionType == "PE" {
			intrinsic = entry.PutIntrinsic
		}
		entry.TimeValue = math.Max(inst.Mark-intrinsic, 0)
	}
	return entry
}
