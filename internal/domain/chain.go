package domain

import "context"

// ChainInstrument is one option instrument on an underlying, as reported
// by the authoritative chain source.
type ChainInstrument struct {
	ID         string  `json:"id"`
	Underlying string  `json:"underlying"`
	Strike     float64 `json:"strike"`
	Expiry     string  `json:"expiry"` // ISO date
	OptionType string  `json:"option_type"`
	Spot       float64 `json:"spot,omitempty"`
	ImpliedVol float64 `json:"implied_vol,omitempty"`
	Mark       float64 `json:"mark,omitempty"`
}

// ChainProvider resolves the current option chain for an underlying. The
// core never persists chains; it asks the provider on each rebalance.
type ChainProvider interface {
	Chain(ctx context.Context, underlying string) ([]ChainInstrument, error)
}
