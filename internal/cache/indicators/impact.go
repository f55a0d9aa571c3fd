package indicators

import (
	"math"
	"strconv"

	"github.com/optistream/signalcache/internal/config"
	"github.com/optistream/signalcache/internal/domain"
)

// Kind names one technical indicator family.
type Kind string

const (
	KindMovingAverage  Kind = "moving_average"
	KindVolatility     Kind = "volatility"
	KindBollingerBands Kind = "bollinger_bands"
	KindRSI            Kind = "rsi"
	KindMACD           Kind = "macd"
	KindStochastic     Kind = "stochastic"
	KindVolumeProfile  Kind = "volume_profile"
	KindMomentum       Kind = "momentum"
)

// DependencyOrder is the deterministic recomputation order: an indicator
// never runs before the ones it derives from.
var DependencyOrder = []Kind{
	KindMovingAverage,
	KindVolatility,
	KindBollingerBands,
	KindRSI,
	KindMACD,
	KindStochastic,
	KindVolumeProfile,
	KindMomentum,
}

// Timeframe names one bar aggregation window.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
	TF1w  Timeframe = "1w"
)

// AllTimeframes in ascending window order.
var AllTimeframes = []Timeframe{TF1m, TF5m, TF15m, TF1h, TF4h, TF1d, TF1w}

// Impact names the (kind x timeframe) cross-product a market-data delta
// dirties.
type Impact struct {
	Kinds      []Kind      `json:"kinds"`
	Timeframes []Timeframe `json:"timeframes"`
}

// IsEmpty reports whether nothing is affected.
func (im Impact) IsEmpty() bool {
	return len(im.Kinds) == 0 || len(im.Timeframes) == 0
}

// Analyze maps a market-data delta to the affected indicator kinds and
// timeframes. Larger price moves reach further out in timeframe; volume
// spikes and IV moves widen the kind set.
func Analyze(md domain.MarketData, cfg config.IndicatorsConfig) Impact {
	var im Impact

	priceMove := md.SpotChangePct()
	switch {
	case priceMove >= 5.0:
		im.Timeframes = []Timeframe{TF1m, TF5m, TF15m, TF1h, TF4h, TF1d, TF1w}
	case priceMove >= 2.0:
		im.Timeframes = []Timeframe{TF1m, TF5m, TF15m, TF1h, TF4h, TF1d}
	case priceMove >= 1.0:
		im.Timeframes = []Timeframe{TF1m, TF5m, TF15m, TF1h}
	case priceMove >= 0.5:
		im.Timeframes = []Timeframe{TF1m, TF5m}
	}

	kinds := make(map[Kind]bool)
	if priceMove >= 0.5 {
		kinds[KindMovingAverage] = true
	}
	if cfg.VolumeSpikeRatio > 0 && md.VolumeRatio() > cfg.VolumeSpikeRatio {
		kinds[KindVolumeProfile] = true
		kinds[KindRSI] = true
		kinds[KindStochastic] = true
		kinds[KindMomentum] = true
		if len(im.Timeframes) == 0 {
			im.Timeframes = []Timeframe{TF1m, TF5m}
		}
	}
	if volImpact(md) > cfg.VolImpactPct {
		kinds[KindVolatility] = true
		kinds[KindBollingerBands] = true
		if len(im.Timeframes) == 0 {
			im.Timeframes = []Timeframe{TF1m, TF5m}
		}
	}

	// Emit kinds in dependency order so downstream scheduling is stable.
	for _, k := range DependencyOrder {
		if kinds[k] {
			im.Kinds = append(im.Kinds, k)
		}
	}
	return im
}

// volImpact returns |ΔIV|/previous IV as a percentage, zero when either
// level is missing.
func volImpact(md domain.MarketData) float64 {
	if md.ImpliedVol == 0 || md.PreviousIV == 0 {
		return 0
	}
	return math.Abs(md.ImpliedVol-md.PreviousIV) / md.PreviousIV * 100
}

// TTLForTimeframe returns the cache TTL per timeframe.
func TTLForTimeframe(tf Timeframe) (seconds int64) {
	switch tf {
	case TF1m:
		return 60
	case TF5m:
		return 5 * 60
	case TF15m:
		return 15 * 60
	case TF1h:
		return 3600
	case TF4h:
		return 4 * 3600
	case TF1d:
		return 24 * 3600
	case TF1w:
		return 7 * 24 * 3600
	default:
		return 60
	}
}

// DefaultParams returns the canonical indicator parameters for a kind,
// scaled down on fast timeframes and up on weekly bars.
func DefaultParams(kind Kind, tf Timeframe) map[string]string {
	base := map[string]int{}
	switch kind {
	case KindMovingAverage:
		base["period"] = 20
	case KindRSI:
		base["period"] = 14
	case KindBollingerBands:
		base["period"] = 20
		base["stddev"] = 2
	case KindMACD:
		base["fast"] = 12
		base["slow"] = 26
		base["signal"] = 9
	case KindStochastic:
		base["period"] = 14
	case KindVolatility:
		base["period"] = 20
	case KindVolumeProfile:
		base["buckets"] = 24
	case KindMomentum:
		base["period"] = 10
	}

	scale := 1.0
	switch tf {
	case TF1m, TF5m:
		scale = 0.5
	case TF1w:
		scale = 2.0
	}

	out := make(map[string]string, len(base))
	for k, v := range base {
		scaled := v
		if k != "stddev" && k != "buckets" {
			scaled = int(math.Max(2, math.Round(float64(v)*scale)))
		}
		out[k] = strconv.Itoa(scaled)
	}
	return out
}
