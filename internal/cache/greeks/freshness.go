package greeks

import (
	"math"
	"time"

	"github.com/optistream/signalcache/internal/config"
	"github.com/optistream/signalcache/internal/domain"
)

// Snapshot is the slice of a cached greeks entry the freshness decision
// reads: the market inputs the entry was computed from.
type Snapshot struct {
	Spot         float64 `json:"spot"`
	ImpliedVol   float64 `json:"implied_vol"`
	Delta        float64 `json:"delta"`
	TimeToExpiry float64 `json:"time_to_expiry"` // days
}

// Freshness is the decision context computed from a cached snapshot and
// new market data.
type Freshness struct {
	SpotChangePct    float64 `json:"spot_change_pct"`
	VolChangePct     float64 `json:"vol_change_pct"`
	TimeToExpiryDays float64 `json:"time_to_expiry_days"`
	VolumeRatio      float64 `json:"volume_ratio"`
	CacheAgeSeconds  float64 `json:"cache_age_s"`
	DeltaChange      float64 `json:"delta_change"`

	RecalcRequired    bool     `json:"recalc_required"`
	ExpiryApproaching bool     `json:"expiry_approaching"`
	VolumeSpike       bool     `json:"volume_spike"`
	Tags              []string `json:"tags,omitempty"`
}

// Recalc reason tags; each selects a greeks subfamily to invalidate.
const (
	TagSpot       = "spot"
	TagVol        = "vol"
	TagExpiry     = "expiry_approaching"
	TagStale      = "stale"
	TagDeltaShift = "delta_shift"
	TagNoCache    = "no_cache"
)

// Evaluate runs the freshness decision procedure. A nil prev always
// requires recalculation. When every change is below threshold, the cache
// is younger than its live TTL, and expiry is not approaching, no recalc
// is required.
func Evaluate(prev *Snapshot, md domain.MarketData, cacheAge time.Duration, cfg config.GreeksConfig) Freshness {
	f := Freshness{
		TimeToExpiryDays: md.TimeToExpiry,
		VolumeRatio:      md.VolumeRatio(),
		CacheAgeSeconds:  cacheAge.Seconds(),
	}
	f.VolumeSpike = f.VolumeRatio > 2.0
	f.ExpiryApproaching = md.TimeToExpiry > 0 && md.TimeToExpiry < cfg.ExpiryApproachDay

	if prev == nil {
		f.RecalcRequired = true
		f.Tags = append(f.Tags, TagNoCache)
		if f.ExpiryApproaching {
			f.Tags = append(f.Tags, TagExpiry)
		}
		return f
	}

	if prev.Spot > 0 && md.Spot > 0 {
		f.SpotChangePct = math.Abs(md.Spot-prev.Spot) / prev.Spot * 100
	}
	if prev.ImpliedVol > 0 && md.ImpliedVol > 0 {
		f.VolChangePct = math.Abs(md.ImpliedVol-prev.ImpliedVol) / prev.ImpliedVol * 100
	}
	if md.Delta != 0 || prev.Delta != 0 {
		f.DeltaChange = math.Abs(md.Delta - prev.Delta)
	}

	if f.SpotChangePct > cfg.SpotChangePct {
		f.Tags = append(f.Tags, TagSpot)
	}
	if f.VolChangePct > cfg.VolChangePct {
		f.Tags = append(f.Tags, TagVol)
	}
	if f.ExpiryApproaching {
		f.Tags = append(f.Tags, TagExpiry)
	}
	if cacheAge > cfg.LiveTTL {
		f.Tags = append(f.Tags, TagStale)
	}
	if md.Delta != 0 && f.DeltaChange > cfg.DeltaShift {
		f.Tags = append(f.Tags, TagDeltaShift)
	}

	f.RecalcRequired = len(f.Tags) > 0
	return f
}

// subfamilyGlobs maps recalc tags to the greeks subfamilies they
// invalidate.
func subfamilyGlobs(instrumentID string, tags []string) []string {
	var globs []string
	for _, tag := range tags {
		switch tag {
		case TagSpot:
			globs = append(globs,
				"greeks:"+instrumentID+":delta:*",
				"greeks:"+instrumentID+":gamma:*")
		case TagVol:
			globs = append(globs,
				"greeks:"+instrumentID+":sensitivity:*",
				"greeks:"+instrumentID+":scenarios:*")
		case TagExpiry:
			globs = append(globs,
				"greeks:"+instrumentID+":theta:*",
				"greeks:"+instrumentID+":time_series:*")
		}
	}
	// The live keys are always part of a recalc, whatever the trigger.
	globs = append(globs,
		"greeks:"+instrumentID+":live",
		"greeks:"+instrumentID+":current")
	return globs
}
