package patterns

import (
	"fmt"
	"strings"

	"github.com/optistream/signalcache/internal/domain"
)

// Family names one of the closed set of cache key families. Patterns never
// cross family boundaries.
type Family string

const (
	FamilyGreeks     Family = "greeks"
	FamilyIndicators Family = "indicators"
	FamilyMoneyness  Family = "moneyness"
	FamilyMarketData Family = "market_data"
	FamilyUserData   Family = "user_data"
	FamilyChainData  Family = "chain_data"
)

// Spec is an ordered mapping family → glob patterns, derived purely from
// the event. Insertion order is preserved so the invalidation engine can
// keep key locality.
type Spec struct {
	order    []Family
	patterns map[Family][]string
}

// NewSpec returns an empty pattern spec.
func NewSpec() *Spec {
	return &Spec{patterns: make(map[Family][]string)}
}

// Add appends patterns to a family, registering the family on first use.
func (s *Spec) Add(f Family, pats ...string) {
	if len(pats) == 0 {
		return
	}
	if _, ok := s.patterns[f]; !ok {
		s.order = append(s.order, f)
	}
	s.patterns[f] = append(s.patterns[f], pats...)
}

// Families returns families in insertion order.
func (s *Spec) Families() []Family {
	out := make([]Family, len(s.order))
	copy(out, s.order)
	return out
}

// Patterns returns the glob patterns for one family.
func (s *Spec) Patterns(f Family) []string {
	out := make([]string, len(s.patterns[f]))
	copy(out, s.patterns[f])
	return out
}

// PatternCount returns the total number of patterns across families.
func (s *Spec) PatternCount() int {
	n := 0
	for _, pats := range s.patterns {
		n += len(pats)
	}
	return n
}

// IsEmpty reports whether the spec targets nothing.
func (s *Spec) IsEmpty() bool { return len(s.order) == 0 }

// familiesFor maps an event kind to its target families, in the order the
// invalidation engine should visit them.
func familiesFor(kind domain.EventKind) []Family {
	switch kind {
	case domain.EventInstrumentUpdate:
		return []Family{FamilyGreeks, FamilyIndicators, FamilyMoneyness, FamilyMarketData}
	case domain.EventChainRebalance:
		return []Family{FamilyChainData, FamilyMoneyness, FamilyGreeks, FamilyIndicators}
	case domain.EventSubscriptionChange:
		return []Family{FamilyUserData}
	case domain.EventExpiryRollover:
		return []Family{FamilyChainData, FamilyGreeks}
	case domain.EventMarketClose:
		return []Family{FamilyMarketData, FamilyIndicators}
	case domain.EventCorporateAction:
		return []Family{FamilyGreeks, FamilyIndicators, FamilyMoneyness, FamilyMarketData, FamilyChainData}
	default:
		return nil
	}
}

// Build derives the pattern spec for an event. The derivation is pure:
// identical (event, selective, hour) inputs yield identical specs. The
// hour is an explicit input rather than read from the clock so the
// invariant holds.
func Build(event domain.Event, selective bool, hour int) *Spec {
	spec := NewSpec()
	for _, family := range familiesFor(event.Kind) {
		full := fullPatterns(family, event)
		if !selective {
			spec.Add(family, full...)
			continue
		}
		for _, p := range full {
			spec.Add(family, narrow(p, hour)...)
		}
	}
	return spec
}

// fullPatterns returns the full-mode glob patterns for one family keyed on
// the event entity. Patterns whose placeholder entity is absent are
// skipped.
func fullPatterns(family Family, event domain.Event) []string {
	id := event.Entity.InstrumentID
	underlying := event.Entity.Underlying
	uid := event.Entity.UserID

	var pats []string
	add := func(p string) { pats = append(pats, p) }

	switch family {
	case FamilyGreeks:
		if event.Kind == domain.EventExpiryRollover && underlying != "" {
			for _, expiry := range event.Expiries {
				add(fmt.Sprintf("greeks:chain:%s:%s:*", underlying, expiry))
			}
			if len(event.Expiries) == 0 {
				add(fmt.Sprintf("greeks:chain:%s:*", underlying))
			}
			break
		}
		if id != "" {
			add(fmt.Sprintf("greeks:%s:*", id))
			add(fmt.Sprintf("greeks:%s:historical:*", id))
		}
		if underlying != "" {
			add(fmt.Sprintf("greeks:chain:%s:*", underlying))
			add(fmt.Sprintf("greeks:bulk:%s:*", underlying))
		}
	case FamilyIndicators:
		if event.Kind == domain.EventMarketClose && id == "" {
			add("indicators:*")
			break
		}
		if id != "" {
			add(fmt.Sprintf("indicators:%s:*", id))
			add(fmt.Sprintf("indicators:signal:%s:*", id))
		}
		if underlying != "" {
			add(fmt.Sprintf("indicators:pattern:%s:*", underlying))
		}
	case FamilyMoneyness:
		if id != "" {
			add(fmt.Sprintf("moneyness:%s:*", id))
		}
		if underlying != "" {
			add(fmt.Sprintf("moneyness:%s:*", underlying))
			add(fmt.Sprintf("moneyness:chain:%s:*", underlying))
			add(fmt.Sprintf("moneyness:class:%s:*", underlying))
		}
	case FamilyMarketData:
		if event.Kind == domain.EventMarketClose && id == "" {
			add("market_data:*")
			break
		}
		if id != "" {
			add(fmt.Sprintf("market_data:%s:realtime", id))
			add(fmt.Sprintf("market_data:%s:quotes:*", id))
			add(fmt.Sprintf("market_data:%s:depth", id))
			add(fmt.Sprintf("market_data:%s:historical:*", id))
		}
	case FamilyUserData:
		if uid != "" {
			add(fmt.Sprintf("user_signals:%s:*", uid))
			add(fmt.Sprintf("user_portfolio:%s:*", uid))
			add(fmt.Sprintf("user_preferences:%s:*", uid))
			add(fmt.Sprintf("user_subscriptions:%s:*", uid))
		}
	case FamilyChainData:
		if underlying == "" {
			break
		}
		if event.Kind == domain.EventExpiryRollover && len(event.Expiries) > 0 {
			for _, expiry := range event.Expiries {
				add(fmt.Sprintf("chain:%s:%s:*", underlying, expiry))
				add(fmt.Sprintf("strikes:%s:%s:*", underlying, expiry))
				add(fmt.Sprintf("expiries:%s:%s*", underlying, expiry))
			}
			break
		}
		add(fmt.Sprintf("chain:%s:*", underlying))
		add(fmt.Sprintf("strikes:%s:*", underlying))
		add(fmt.Sprintf("expiries:%s:*", underlying))
		add(fmt.Sprintf("oi_volume:%s:*", underlying))
	}
	return pats
}

// narrow derives the selective-mode patterns from one full pattern by
// substituting the trailing wildcard with each temporal qualifier from the
// closed set {current, h{hour}, live}. Every key a narrowed pattern
// matches is also matched by the full pattern, so selective ⊆ full holds
// by construction. Patterns without a trailing wildcard are already exact
// and pass through unchanged.
func narrow(pattern string, hour int) []string {
	if !strings.HasSuffix(pattern, ":*") {
		return []string{pattern}
	}
	base := strings.TrimSuffix(pattern, "*")
	return []string{
		base + "current",
		fmt.Sprintf("%sh%d:*", base, hour),
		base + "live",
	}
}
