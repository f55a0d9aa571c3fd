package domain

import (
	"fmt"
	"time"
)

// EventKind classifies an upstream market event.
type EventKind string

const (
	EventInstrumentUpdate   EventKind = "instrument_update"
	EventChainRebalance     EventKind = "chain_rebalance"
	EventSubscriptionChange EventKind = "subscription_change"
	EventExpiryRollover     EventKind = "expiry_rollover"
	EventMarketClose        EventKind = "market_close"
	EventCorporateAction    EventKind = "corporate_action"
)

// Valid reports whether the kind is a member of the closed event taxonomy.
func (k EventKind) Valid() bool {
	switch k {
	case EventInstrumentUpdate, EventChainRebalance, EventSubscriptionChange,
		EventExpiryRollover, EventMarketClose, EventCorporateAction:
		return true
	}
	return false
}

// Entity identifies the subject of an event: an instrument, an underlying
// symbol, or a user. At least one field is set; instrument events usually
// carry both the instrument id and its underlying.
type Entity struct {
	InstrumentID string `json:"instrument_id,omitempty"`
	Underlying   string `json:"underlying,omitempty"`
	UserID       string `json:"user_id,omitempty"`
}

// Ref returns the primary reference string for ordering and logging.
func (e Entity) Ref() string {
	if e.InstrumentID != "" {
		return e.InstrumentID
	}
	if e.Underlying != "" {
		return e.Underlying
	}
	return e.UserID
}

// IsZero reports whether no reference is set.
func (e Entity) IsZero() bool {
	return e.InstrumentID == "" && e.Underlying == "" && e.UserID == ""
}

// MarketData carries the numeric snapshot attached to an event. Zero-valued
// fields mean "not provided"; consumers must treat absence as no change.
type MarketData struct {
	Spot          float64 `json:"spot,omitempty"`
	PreviousSpot  float64 `json:"previous_spot,omitempty"`
	Volume        float64 `json:"volume,omitempty"`
	AvgVolume     float64 `json:"avg_volume,omitempty"`
	ImpliedVol    float64 `json:"implied_vol,omitempty"`
	PreviousIV    float64 `json:"previous_implied_vol,omitempty"`
	Delta         float64 `json:"delta,omitempty"`
	TimeToExpiry  float64 `json:"time_to_expiry,omitempty"` // days
	OptionType    string  `json:"option_type,omitempty"`    // "CE" or "PE"
	ObservedAtStr string  `json:"observed_at,omitempty"`
}

// SpotChangePct returns |Δspot|/previous_spot as a percentage. Zero when
// either spot is missing.
func (m MarketData) SpotChangePct() float64 {
	if m.Spot == 0 || m.PreviousSpot == 0 {
		return 0
	}
	d := m.Spot - m.PreviousSpot
	if d < 0 {
		d = -d
	}
	return d / m.PreviousSpot * 100
}

// VolumeRatio returns volume relative to the rolling average, 0 when unknown.
func (m MarketData) VolumeRatio() float64 {
	if m.Volume == 0 || m.AvgVolume == 0 {
		return 0
	}
	return m.Volume / m.AvgVolume
}

// Event is the immutable record dispatched through the coordinator. Events
// are ordered per entity by stream arrival; no ordering holds across
// entities.
type Event struct {
	ID         string            `json:"id"`
	Kind       EventKind         `json:"kind"`
	Entity     Entity            `json:"entity"`
	MarketData *MarketData       `json:"market_data,omitempty"`
	Expiries   []string          `json:"affected_expiries,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// Validate checks the minimum shape required for dispatch.
func (e Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	// market_close is a global sweep and may carry no entity.
	if e.Entity.IsZero() && e.Kind != EventMarketClose {
		return fmt.Errorf("event %s has no entity reference", e.Kind)
	}
	if e.Kind == EventSubscriptionChange && e.Entity.UserID == "" {
		return fmt.Errorf("subscription_change event requires a user id")
	}
	return nil
}
