package consumer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/optistream/signalcache/internal/domain"
	"github.com/optistream/signalcache/internal/store"
)

// Stream event_type values, mapped onto the internal event taxonomy.
const (
	typeInstrumentUpdated   = "instrument.updated"
	typeChainRebalance      = "chain.rebalance"
	typeSubscriptionChanged = "subscription.profile.changed"
	typeExpiryRollover      = "expiry.rollover"
	typeMarketClose         = "market.close"
	typeCorporateAction     = "corporate.action"
)

// eventPayload is the wire shape of a stream message's data field.
type eventPayload struct {
	InstrumentID string             `json:"instrument_id"`
	Underlying   string             `json:"underlying"`
	UserID       string             `json:"user_id"`
	Expiries     []string           `json:"affected_expiries"`
	MarketData   *domain.MarketData `json:"market_data"`
	Metadata     map[string]string  `json:"metadata"`
}

// classify parses one stream message into an Event. A malformed message
// is a permanent error: it will never parse on redelivery, so the caller
// acknowledges it and moves on.
func classify(msg store.Message, now time.Time) (domain.Event, error) {
	eventType, ok := msg.Fields["event_type"]
	if !ok {
		return domain.Event{}, fmt.Errorf("message %s missing event_type", msg.ID)
	}

	var kind domain.EventKind
	switch eventType {
	case typeInstrumentUpdated:
		kind = domain.EventInstrumentUpdate
	case typeChainRebalance:
		kind = domain.EventChainRebalance
	case typeSubscriptionChanged:
		kind = domain.EventSubscriptionChange
	case typeExpiryRollover:
		kind = domain.EventExpiryRollover
	case typeMarketClose:
		kind = domain.EventMarketClose
	case typeCorporateAction:
		kind = domain.EventCorporateAction
	default:
		return domain.Event{}, fmt.Errorf("message %s has unknown event_type %q", msg.ID, eventType)
	}

	var payload eventPayload
	if raw, ok := msg.Fields["data"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return domain.Event{}, fmt.Errorf("message %s data unparseable: %w", msg.ID, err)
		}
	}

	event := domain.Event{
		ID:   msg.ID,
		Kind: kind,
		Entity: domain.Entity{
			InstrumentID: payload.InstrumentID,
			Underlying:   payload.Underlying,
			UserID:       payload.UserID,
		},
		MarketData: payload.MarketData,
		Expiries:   payload.Expiries,
		Metadata:   payload.Metadata,
		ReceivedAt: now,
	}
	if event.Entity.Underlying == "" && event.Entity.InstrumentID != "" {
		event.Entity.Underlying = deriveUnderlying(event.Entity.InstrumentID)
	}
	if err := event.Validate(); err != nil {
		return domain.Event{}, fmt.Errorf("message %s: %w", msg.ID, err)
	}
	return event, nil
}

// deriveUnderlying strips the exchange prefix and option decoration from
// an instrument id, e.g. "NSE:RELIANCE" → "RELIANCE".
func deriveUnderlying(instrumentID string) string {
	for i := len(instrumentID) - 1; i >= 0; i-- {
		if instrumentID[i] == ':' {
			return instrumentID[i+1:]
		}
	}
	return instrumentID
}
