package coordination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optistream/signalcache/internal/cache/greeks"
	"github.com/optistream/signalcache/internal/cache/indicators"
	"github.com/optistream/signalcache/internal/cache/invalidate"
	"github.com/optistream/signalcache/internal/cache/moneyness"
	"github.com/optistream/signalcache/internal/cache/patterns"
	"github.com/optistream/signalcache/internal/domain"
	"github.com/optistream/signalcache/internal/metrics"
	"github.com/optistream/signalcache/internal/sla"
)

// Participant names used in per-participant results.
const (
	ParticipantEnhancedCache = "enhanced_cache"
	ParticipantGreeks        = "greeks"
	ParticipantIndicators    = "indicators"
	ParticipantMoneyness     = "moneyness"
)

// ParticipantResult is one participant's outcome. Failures never escape
// the coordinator as errors; they land here.
type ParticipantResult struct {
	Participant      string        `json:"participant"`
	Success          bool          `json:"success"`
	CacheInvalidated bool          `json:"cache_invalidated"`
	KeysInvalidated  uint64        `json:"keys_invalidated"`
	Duration         time.Duration `json:"duration"`
	Error            string        `json:"error,omitempty"`
	Detail           any           `json:"detail,omitempty"`
}

// Result aggregates one coordinated dispatch. CoordinationSuccess is true
// iff at least one participant succeeded; callers requiring all must
// inspect PerParticipant.
type Result struct {
	EventKind             domain.EventKind             `json:"event_kind"`
	Entity                string                       `json:"entity"`
	ParticipantsAttempted int                          `json:"participants_attempted"`
	ParticipantsSucceeded int                          `json:"participants_succeeded"`
	PerParticipant        map[string]ParticipantResult `json:"per_participant_results"`
	Duration              time.Duration                `json:"duration"`
	AggregateKeys         uint64                       `json:"aggregate_keys"`
	CoordinationSuccess   bool                         `json:"coordination_success"`
}

// Coordinator fans an event out to its participant set, gathers results
// with error isolation, and records SLA observations. It holds no mutable
// state of its own beyond counters.
type Coordinator struct {
	engine     *invalidate.Engine
	greeks     *greeks.Manager
	indicators *indicators.Coordinator
	moneyness  *moneyness.Service
	sla        *sla.Monitor
	metrics    *metrics.Registry
	now        func() time.Time
}

// New wires a coordinator. Any participant except the invalidation
// engine may be nil; absent participants are skipped, not failed.
func New(engine *invalidate.Engine, g *greeks.Manager, ind *indicators.Coordinator, mny *moneyness.Service, monitor *sla.Monitor, m *metrics.Registry) *Coordinator {
	return &Coordinator{
		engine:     engine,
		greeks:     g,
		indicators: ind,
		moneyness:  mny,
		sla:        monitor,
		metrics:    m,
		now:        time.Now,
	}
}

// SetClock overrides the clock; used by tests.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

type participant struct {
	name string
	run  func(ctx context.Context) ParticipantResult
}

// Dispatch fans the event out to the participant set for its kind and
// waits for all of them. A participant panic or error is converted into
// its result entry; siblings always continue.
func (c *Coordinator) Dispatch(ctx context.Context, event domain.Event) Result {
	start := c.now()
	res := Result{
		EventKind:      event.Kind,
		Entity:         event.Entity.Ref(),
		PerParticipant: make(map[string]ParticipantResult),
	}

	participants := c.participantsFor(event)
	res.ParticipantsAttempted = len(participants)
	if len(participants) == 0 {
		res.Duration = c.now().Sub(start)
		return res
	}

	results := make([]ParticipantResult, len(participants))
	var wg sync.WaitGroup
	for i, p := range participants {
		wg.Add(1)
		go func(i int, p participant) {
			defer wg.Done()
			results[i] = c.runIsolated(ctx, p)
		}(i, p)
	}
	wg.Wait()

	for _, pr := range results {
		res.PerParticipant[pr.Participant] = pr
		res.AggregateKeys += pr.KeysInvalidated
		if pr.Success {
			res.ParticipantsSucceeded++
		}
		if c.metrics != nil {
			status := "failure"
			if pr.Success {
				status = "success"
			}
			c.metrics.ParticipantResults.WithLabelValues(pr.Participant, status).Inc()
		}
	}
	res.CoordinationSuccess = res.ParticipantsSucceeded > 0
	res.Duration = c.now().Sub(start)

	if c.metrics != nil {
		c.metrics.CoordinationDuration.WithLabelValues(string(event.Kind)).
			Observe(res.Duration.Seconds())
	}
	if c.sla != nil {
		c.sla.ObserveCoordinationLatency("coordinator", res.Duration, res.ParticipantsAttempted)
	}

	log.Debug().Str("kind", string(event.Kind)).Str("entity", res.Entity).
		Int("attempted", res.ParticipantsAttempted).
		Int("succeeded", res.ParticipantsSucceeded).
		Dur("duration", res.Duration).
		Msg("event coordinated")
	return res
}

// runIsolated executes one participant inside a panic boundary.
func (c *Coordinator) runIsolated(ctx context.Context, p participant) (out ParticipantResult) {
	start := c.now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("participant", p.name).Interface("panic", r).
				Msg("participant panicked")
			out = ParticipantResult{
				Participant: p.name,
				Error:       fmt.Sprintf("panic: %v", r),
				Duration:    c.now().Sub(start),
			}
		}
	}()
	out = p.run(ctx)
	out.Participant = p.name
	out.Duration = c.now().Sub(start)
	return out
}

// participantsFor builds the closed participant set per event kind. New
// event kinds require explicit registration here.
func (c *Coordinator) participantsFor(event domain.Event) []participant {
	switch event.Kind {
	case domain.EventInstrumentUpdate:
		return c.instrumentUpdateParticipants(event)
	case domain.EventChainRebalance:
		return c.chainRebalanceParticipants(event)
	case domain.EventSubscriptionChange,
		domain.EventExpiryRollover,
		domain.EventMarketClose,
		domain.EventCorporateAction:
		// Raw family invalidation only.
		return []participant{c.enhancedCache(event, false)}
	default:
		return nil
	}
}

func (c *Coordinator) instrumentUpdateParticipants(event domain.Event) []participant {
	md := domain.MarketData{}
	if event.MarketData != nil {
		md = *event.MarketData
	}
	ps := []participant{c.enhancedCache(event, true)}
	if c.greeks != nil {
		ps = append(ps, participant{ParticipantGreeks, func(ctx context.Context) ParticipantResult {
			r := c.greeks.OnInstrumentUpdate(ctx, event.Entity.InstrumentID, md)
			return ParticipantResult{
				Success:          r.Success,
				CacheInvalidated: r.CacheInvalidated,
				KeysInvalidated:  r.KeysInvalidated,
				Error:            r.Error,
				Detail:           r,
			}
		}})
	}
	if c.indicators != nil {
		ps = append(ps, participant{ParticipantIndicators, func(ctx context.Context) ParticipantResult {
			r := c.indicators.OnInstrumentUpdate(ctx, event.Entity.InstrumentID, md)
			return ParticipantResult{
				Success:          r.Success,
				CacheInvalidated: r.KeysInvalidated > 0,
				KeysInvalidated:  r.KeysInvalidated,
				Error:            r.Error,
				Detail:           r,
			}
		}})
	}
	if c.moneyness != nil && event.Entity.Underlying != "" && md.Spot > 0 {
		ps = append(ps, participant{ParticipantMoneyness, func(ctx context.Context) ParticipantResult {
			r := c.moneyness.OnSpotUpdate(ctx, event.Entity.Underlying, md.Spot, md.PreviousSpot)
			return ParticipantResult{
				Success:          r.Success,
				CacheInvalidated: r.KeysInvalidated > 0,
				KeysInvalidated:  r.KeysInvalidated,
				Error:            r.Error,
				Detail:           r,
			}
		}})
	}
	return ps
}

func (c *Coordinator) chainRebalanceParticipants(event domain.Event) []participant {
	underlying := event.Entity.Underlying
	spot := 0.0
	if event.MarketData != nil {
		spot = event.MarketData.Spot
	}
	ps := []participant{c.enhancedCache(event, false)}
	if c.greeks != nil {
		ps = append(ps, participant{ParticipantGreeks, func(ctx context.Context) ParticipantResult {
			r := c.greeks.OnChainRebalance(ctx, underlying)
			return ParticipantResult{
				Success:          r.Success,
				CacheInvalidated: r.CacheInvalidated,
				KeysInvalidated:  r.KeysInvalidated,
				Error:            r.Error,
				Detail:           r,
			}
		}})
	}
	if c.indicators != nil {
		ps = append(ps, participant{ParticipantIndicators, func(ctx context.Context) ParticipantResult {
			r := c.indicators.OnChainRebalance(ctx, underlying)
			return ParticipantResult{
				Success:          r.Success,
				CacheInvalidated: r.KeysInvalidated > 0,
				KeysInvalidated:  r.KeysInvalidated,
				Error:            r.Error,
				Detail:           r,
			}
		}})
	}
	if c.moneyness != nil {
		ps = append(ps, participant{ParticipantMoneyness, func(ctx context.Context) ParticipantResult {
			r := c.moneyness.OnChainRebalance(ctx, underlying, spot)
			return ParticipantResult{
				Success:          r.Success,
				CacheInvalidated: r.KeysInvalidated > 0,
				KeysInvalidated:  r.KeysInvalidated,
				Error:            r.Error,
				Detail:           r,
			}
		}})
	}
	return ps
}

// enhancedCache is the raw invalidation participant: the pattern registry
// derives the family spec and the engine executes it. In selective mode
// the keys saved against a full sweep are recorded as an efficiency
// observation.
func (c *Coordinator) enhancedCache(event domain.Event, selective bool) participant {
	return participant{ParticipantEnhancedCache, func(ctx context.Context) ParticipantResult {
		hour := c.now().UTC().Hour()
		spec := patterns.Build(event, selective, hour)
		inv := c.engine.Invalidate(ctx, spec)

		if selective && c.sla != nil {
			fullSpec := patterns.Build(event, false, hour)
			if fullCount := c.engine.CountMatches(ctx, fullSpec); fullCount > 0 {
				saved := 1 - float64(inv.InvalidatedKeys)/float64(fullCount)
				c.sla.ObserveSelectiveEfficiency("enhanced_cache", saved)
			}
		}
		if c.sla != nil {
			c.sla.ObserveInvalidation("enhanced_cache", inv.Duration)
		}
		return ParticipantResult{
			Success:          inv.Fatal == "",
			CacheInvalidated: inv.InvalidatedKeys > 0,
			KeysInvalidated:  inv.InvalidatedKeys,
			Error:            inv.Fatal,
			Detail:           inv,
		}
	}}
}
