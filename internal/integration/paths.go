package integration

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/optistream/signalcache/internal/domain"
	"github.com/optistream/signalcache/internal/store"
)

// ErrUnknownFamily rejects queries naming a family neither path serves.
var ErrUnknownFamily = errors.New("unknown lookup family")

// Lookup families the comparator paths understand. They mirror the cache
// key families the invalidation side maintains.
const (
	LookupUserData   = "user_data"
	LookupGreeks     = "greeks"
	LookupMoneyness  = "moneyness"
	LookupChainData  = "chain_data"
	LookupIndicators = "indicators"
	LookupMarketData = "market_data"
)

// Query identifies one cached dataset a lookup targets: a key family
// scoped to an entity.
type Query struct {
	Family string        `json:"family"`
	Entity domain.Entity `json:"entity"`
}

// Path is one lookup strategy the comparator can route through. Lookup
// returns the cache keys currently serving the query.
type Path interface {
	Name() string
	Lookup(ctx context.Context, q Query) ([]string, error)
}

// RegistryLookup resolves queries against the canonical keyspace, the
// same families the pattern registry derives for invalidation.
type RegistryLookup struct {
	store store.Store
	batch int64
}

// NewRegistryLookup wires the registry lookup path.
func NewRegistryLookup(st store.Store, scanBatch int64) *RegistryLookup {
	return &RegistryLookup{store: st, batch: scanBatch}
}

// Name implements Path.
func (p *RegistryLookup) Name() string { return "registry" }

// Lookup implements Path.
func (p *RegistryLookup) Lookup(ctx context.Context, q Query) ([]string, error) {
	id := q.Entity.InstrumentID
	underlying := q.Entity.Underlying
	uid := q.Entity.UserID

	var globs []string
	switch q.Family {
	case LookupUserData:
		if uid != "" {
			globs = []string{
				"user_signals:" + uid + ":*",
				"user_portfolio:" + uid + ":*",
				"user_preferences:" + uid + ":*",
				"user_subscriptions:" + uid + ":*",
			}
		}
	case LookupGreeks:
		if id != "" {
			globs = append(globs, "greeks:"+id+":*")
		}
		if underlying != "" {
			globs = append(globs, "greeks:chain:"+underlying+":*")
		}
	case LookupMoneyness:
		if underlying != "" {
			globs = []string{
				"moneyness:" + underlying + ":*",
				"moneyness:chain:" + underlying + ":*",
			}
		}
	case LookupChainData:
		if underlying != "" {
			globs = []string{
				"chain:" + underlying + ":*",
				"strikes:" + underlying + ":*",
				"expiries:" + underlying + ":*",
				"oi_volume:" + underlying + ":*",
			}
		}
	case LookupIndicators:
		if id != "" {
			globs = append(globs, "indicators:"+id+":*")
		}
		if underlying != "" {
			globs = append(globs, "indicators:pattern:"+underlying+":*")
		}
	case LookupMarketData:
		if id != "" {
			globs = []string{"market_data:" + id + ":*"}
		}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownFamily, q.Family)
	}
	return scanKeys(ctx, p.store, p.batch, globs)
}

// LegacyLookup is the pre-registry behavior: fixed glob tables compiled
// in before the canonical keyspace existed. Its user-data glob predates
// the pluralized subscription keys and its chain view predates the
// strikes and open-interest families; shadow comparison exists to
// surface exactly that drift.
type LegacyLookup struct {
	store store.Store
	batch int64
}

// NewLegacyLookup wires the legacy lookup path.
func NewLegacyLookup(st store.Store, scanBatch int64) *LegacyLookup {
	return &LegacyLookup{store: st, batch: scanBatch}
}

// Name implements Path.
func (p *LegacyLookup) Name() string { return "legacy" }

// Lookup implements Path.
func (p *LegacyLookup) Lookup(ctx context.Context, q Query) ([]string, error) {
	id := q.Entity.InstrumentID
	underlying := q.Entity.Underlying
	uid := q.Entity.UserID

	var globs []string
	switch q.Family {
	case LookupUserData:
		if uid != "" {
			globs = []string{"user_subscription:" + uid + "*"}
		}
	case LookupGreeks:
		if id != "" {
			globs = append(globs, "greeks:"+id+":*")
		}
		if underlying != "" {
			globs = append(globs, "greeks:chain:"+underlying+":*")
		}
	case LookupMoneyness:
		if underlying != "" {
			globs = []string{"moneyness:" + underlying + ":*"}
		}
	case LookupChainData:
		if underlying != "" {
			globs = []string{
				"chain:" + underlying + ":*",
				"expiries:" + underlying + ":*",
			}
		}
	case LookupIndicators:
		if id != "" {
			globs = append(globs, "indicators:"+id+":*")
		}
	case LookupMarketData:
		if id != "" {
			globs = []string{"market_data:" + id + ":*"}
		}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownFamily, q.Family)
	}
	return scanKeys(ctx, p.store, p.batch, globs)
}

// scanKeys collects the keys matching every glob, deduplicated and
// sorted so both paths produce stable, comparable results.
func scanKeys(ctx context.Context, st store.Store, batch int64, globs []string) ([]string, error) {
	seen := make(map[string]bool)
	for _, glob := range globs {
		it := st.ScanPattern(ctx, glob, batch)
		for it.Next(ctx) {
			seen[it.Key()] = true
		}
		if err := it.Err(); err != nil {
			return nil, fmt.Errorf("scan %s: %w", glob, err)
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
