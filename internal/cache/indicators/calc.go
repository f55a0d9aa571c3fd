package indicators

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/optistream/signalcache/internal/domain"
	"github.com/optistream/signalcache/internal/sla"
	"github.com/optistream/signalcache/internal/store"
)

// TACalculator is the built-in indicator calculator. Each kind returns a
// flat value map written verbatim to the cache.
type TACalculator struct{}

// NewTACalculator builds the default calculator.
func NewTACalculator() *TACalculator { return &TACalculator{} }

// Calc dispatches on kind. Insufficient history is an error so the
// caller skips the write rather than caching a degenerate value.
func (t *TACalculator) Calc(_ context.Context, kind Kind, bars []Bar, params map[string]string) (map[string]float64, error) {
	period := paramInt(params, "period", 14)
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	switch kind {
	case KindMovingAverage:
		if len(closes) < period {
			return nil, insufficient(kind, period, len(closes))
		}
		return map[string]float64{
			"sma": sma(closes, period),
			"ema": ema(closes, period),
		}, nil

	case KindRSI:
		if len(closes) < period+1 {
			return nil, insufficient(kind, period+1, len(closes))
		}
		return map[string]float64{"rsi": rsi(closes, period)}, nil

	case KindVolatility:
		if len(closes) < period+1 {
			return nil, insufficient(kind, period+1, len(closes))
		}
		return map[string]float64{"stddev": returnStddev(closes, period)}, nil

	case KindBollingerBands:
		if len(closes) < period {
			return nil, insufficient(kind, period, len(closes))
		}
		k := paramFloat(params, "stddev", 2)
		mid := sma(closes, period)
		sd := priceStddev(closes, period, mid)
		return map[string]float64{
			"middle": mid,
			"upper":  mid + k*sd,
			"lower":  mid - k*sd,
		}, nil

	case KindMACD:
		fast := paramInt(params, "fast", 12)
		slow := paramInt(params, "slow", 26)
		signal := paramInt(params, "signal", 9)
		if len(closes) < slow+signal {
			return nil, insufficient(kind, slow+signal, len(closes))
		}
		return macd(closes, fast, slow, signal), nil

	case KindStochastic:
		if len(bars) < period {
			return nil, insufficient(kind, period, len(bars))
		}
		return map[string]float64{"k": stochasticK(bars, period)}, nil

	case KindVolumeProfile:
		buckets := paramInt(params, "buckets", 24)
		if len(bars) == 0 {
			return nil, insufficient(kind, 1, 0)
		}
		return volumeProfile(bars, buckets), nil

	case KindMomentum:
		if len(closes) < period+1 {
			return nil, insufficient(kind, period+1, len(closes))
		}
		last := closes[len(closes)-1]
		ref := closes[len(closes)-1-period]
		roc := 0.0
		if ref != 0 {
			roc = (last - ref) / ref * 100
		}
		return map[string]float64{"momentum": last - ref, "roc": roc}, nil

	default:
		return nil, fmt.Errorf("unknown indicator kind %q", kind)
	}
}

func insufficient(kind Kind, need, have int) error {
	return fmt.Errorf("%s needs %d bars, have %d", kind, need, have)
}

func paramInt(params map[string]string, key string, fallback int) int {
	if v, ok := params[key]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func paramFloat(params map[string]string, key string, fallback float64) float64 {
	if v, ok := params[key]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return fallback
}

func sma(closes []float64, period int) float64 {
	sum := 0.0
	for _, c := range closes[len(closes)-period:] {
		sum += c
	}
	return sum / float64(period)
}

func ema(closes []float64, period int) float64 {
	alpha := 2.0 / float64(period+1)
	e := closes[0]
	for _, c := range closes[1:] {
		e = e*(1-alpha) + c*alpha
	}
	return e
}

// rsi uses Wilder's smoothing after an SMA seed.
func rsi(closes []float64, period int) float64 {
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	alpha := 1.0 / float64(period)
	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = avgGain*(1-alpha) + gain*alpha
		avgLoss = avgLoss*(1-alpha) + loss*alpha
	}
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// returnStddev is the standard deviation of simple returns over the last
// period bars.
func returnStddev(closes []float64, period int) float64 {
	window := closes[len(closes)-period-1:]
	returns := make([]float64, 0, period)
	for i := 1; i < len(window); i++ {
		if window[i-1] != 0 {
			returns = append(returns, window[i]/window[i-1]-1)
		}
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	return math.Sqrt(variance / float64(len(returns)-1))
}

func priceStddev(closes []float64, period int, mean float64) float64 {
	var variance float64
	for _, c := range closes[len(closes)-period:] {
		variance += (c - mean) * (c - mean)
	}
	return math.Sqrt(variance / float64(period))
}

func macd(closes []float64, fast, slow, signal int) map[string]float64 {
	// MACD line per bar over the signal window, then EMA of that series.
	line := make([]float64, 0, signal+1)
	for i := signal; i >= 0; i-- {
		end := len(closes) - i
		line = append(line, ema(closes[:end], fast)-ema(closes[:end], slow))
	}
	macdNow := line[len(line)-1]
	signalNow := ema(line, signal)
	return map[string]float64{
		"macd":      macdNow,
		"signal":    signalNow,
		"histogram": macdNow - signalNow,
	}
}

func stochasticK(bars []Bar, period int) float64 {
	window := bars[len(bars)-period:]
	high, low := window[0].High, window[0].Low
	for _, b := range window[1:] {
		if b.High > high {
			high = b.High
		}
		if b.Low < low {
			low = b.Low
		}
	}
	if high == low {
		return 50
	}
	return (window[len(window)-1].Close - low) / (high - low) * 100
}

// volumeProfile buckets volume by price and reports the point of control
// plus total volume.
func volumeProfile(bars []Bar, buckets int) map[string]float64 {
	low, high := bars[0].Low, bars[0].High
	for _, b := range bars[1:] {
		if b.Low < low {
			low = b.Low
		}
		if b.High > high {
			high = b.High
		}
	}
	total := 0.0
	if high == low {
		for _, b := range bars {
			total += b.Volume
		}
		return map[string]float64{"poc": low, "total_volume": total}
	}

	vols := make([]float64, buckets)
	width := (high - low) / float64(buckets)
	for _, b := range bars {
		mid := (b.High + b.Low) / 2
		idx := int((mid - low) / width)
		if idx >= buckets {
			idx = buckets - 1
		}
		vols[idx] += b.Volume
		total += b.Volume
	}
	poc := 0
	for i, v := range vols {
		if v > vols[poc] {
			poc = i
		}
	}
	return map[string]float64{
		"poc":          low + (float64(poc)+0.5)*width,
		"total_volume": total,
	}
}

// StoreBarProvider reads bar series published to the shared store by the
// market-data service.
type StoreBarProvider struct {
	store store.Store
	hits  *sla.HitTracker
	now   func() time.Time
}

// NewStoreBarProvider builds a store-backed bar provider.
func NewStoreBarProvider(st store.Store) *StoreBarProvider {
	return &StoreBarProvider{store: st, now: time.Now}
}

// SetClock overrides the clock; used by tests.
func (p *StoreBarProvider) SetClock(now func() time.Time) { p.now = now }

// SetHitTracker wires bar reads into the hit-rate SLA.
func (p *StoreBarProvider) SetHitTracker(t *sla.HitTracker) { p.hits = t }

// Bars returns up to count most-recent bars for the timeframe. A missing
// series is empty, not an error.
func (p *StoreBarProvider) Bars(ctx context.Context, instrumentID string, tf Timeframe, count int) ([]Bar, error) {
	data, found, err := p.store.Get(ctx, domain.MarketDataBarsKey(instrumentID, string(tf)))
	if err != nil {
		return nil, fmt.Errorf("read bars %s %s: %w", instrumentID, tf, err)
	}
	if !found {
		p.hits.Miss()
		return nil, nil
	}
	env, _, err := domain.UnwrapEnvelope(data, p.now())
	if err != nil {
		p.hits.Miss()
		return nil, fmt.Errorf("bars %s %s: %w", instrumentID, tf, err)
	}
	var bars []Bar
	if err := json.Unmarshal(env.Payload, &bars); err != nil {
		p.hits.Miss()
		return nil, fmt.Errorf("parse bars %s %s: %w", instrumentID, tf, err)
	}
	p.hits.Hit()
	if count > 0 && len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return bars, nil
}
