package greeks

import (
	"context"
	"fmt"
	"math"
)

// BlackScholes is the default calculator: European pricing with the
// risk-free rate fixed at construction. Time to expiry arrives in days.
type BlackScholes struct {
	RiskFreeRate float64
}

// NewBlackScholes builds the calculator with the given annual risk-free
// rate, e.g. 0.065.
func NewBlackScholes(riskFreeRate float64) *BlackScholes {
	return &BlackScholes{RiskFreeRate: riskFreeRate}
}

// CalculateSingle prices one option and its sensitivities.
func (b *BlackScholes) CalculateSingle(_ context.Context, p CalcParams) (Greeks, error) {
	if p.Spot <= 0 {
		return Greeks{}, fmt.Errorf("instrument %s: spot must be positive", p.InstrumentID)
	}
	if p.Strike <= 0 {
		// Futures and underlyings carry no strike; delta one, no optionality.
		return Greeks{Delta: 1, Price: p.Spot}, nil
	}

	put := p.OptionType == "PE"
	t := p.TimeToExpiry / 365
	if t <= 0 || p.ImpliedVol <= 0 {
		return intrinsicGreeks(p.Spot, p.Strike, put), nil
	}

	sqrtT := math.Sqrt(t)
	d1 := (math.Log(p.Spot/p.Strike) + (b.RiskFreeRate+p.ImpliedVol*p.ImpliedVol/2)*t) / (p.ImpliedVol * sqrtT)
	d2 := d1 - p.ImpliedVol*sqrtT
	discount := math.Exp(-b.RiskFreeRate * t)

	g := Greeks{
		Gamma: normPDF(d1) / (p.Spot * p.ImpliedVol * sqrtT),
		Vega:  p.Spot * normPDF(d1) * sqrtT / 100, // per vol point
	}
	if put {
		g.Delta = normCDF(d1) - 1
		g.Price = p.Strike*discount*normCDF(-d2) - p.Spot*normCDF(-d1)
		g.Theta = (-p.Spot*normPDF(d1)*p.ImpliedVol/(2*sqrtT) + b.RiskFreeRate*p.Strike*discount*normCDF(-d2)) / 365
		g.Rho = -p.Strike * t * discount * normCDF(-d2) / 100
	} else {
		g.Delta = normCDF(d1)
		g.Price = p.Spot*normCDF(d1) - p.Strike*discount*normCDF(d2)
		g.Theta = (-p.Spot*normPDF(d1)*p.ImpliedVol/(2*sqrtT) - b.RiskFreeRate*p.Strike*discount*normCDF(d2)) / 365
		g.Rho = p.Strike * t * discount * normCDF(d2) / 100
	}
	return g, nil
}

// CalculateBulk prices a chain; members that fail are skipped rather
// than failing the batch.
func (b *BlackScholes) CalculateBulk(ctx context.Context, params []CalcParams) (map[string]Greeks, error) {
	out := make(map[string]Greeks, len(params))
	for _, p := range params {
		g, err := b.CalculateSingle(ctx, p)
		if err != nil {
			continue
		}
		out[p.InstrumentID] = g
	}
	if len(out) == 0 && len(params) > 0 {
		return nil, fmt.Errorf("no chain member priced")
	}
	return out, nil
}

// intrinsicGreeks covers expiry and zero-vol degeneracy: price collapses
// to intrinsic value, delta to its limit.
func intrinsicGreeks(spot, strike float64, put bool) Greeks {
	if put {
		g := Greeks{Price: math.Max(strike-spot, 0)}
		if spot < strike {
			g.Delta = -1
		}
		return g
	}
	g := Greeks{Price: math.Max(spot-strike, 0)}
	if spot > strike {
		g.Delta = 1
	}
	return g
}

func normPDF(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}

func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}
