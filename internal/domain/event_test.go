package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventValidate(t *testing.T) {
	ok := Event{Kind: EventInstrumentUpdate, Entity: Entity{InstrumentID: "NSE:INFY"}}
	assert.NoError(t, ok.Validate())

	assert.Error(t, Event{Kind: "bogus", Entity: Entity{InstrumentID: "x"}}.Validate())
	assert.Error(t, Event{Kind: EventInstrumentUpdate}.Validate())

	// subscription_change must carry a user, not just any entity.
	sub := Event{Kind: EventSubscriptionChange, Entity: Entity{InstrumentID: "NSE:INFY"}}
	assert.Error(t, sub.Validate())
	sub.Entity.UserID = "u1"
	assert.NoError(t, sub.Validate())

	// market_close is global and may omit the entity entirely.
	assert.NoError(t, Event{Kind: EventMarketClose}.Validate())
}

func TestEntityRef(t *testing.T) {
	assert.Equal(t, "NSE:INFY", Entity{InstrumentID: "NSE:INFY", Underlying: "INFY"}.Ref())
	assert.Equal(t, "INFY", Entity{Underlying: "INFY"}.Ref())
	assert.Equal(t, "u1", Entity{UserID: "u1"}.Ref())
	assert.True(t, Entity{}.IsZero())
}

func TestMarketDataDerived(t *testing.T) {
	md := MarketData{Spot: 101, PreviousSpot: 100}
	assert.InDelta(t, 1.0, md.SpotChangePct(), 1e-9)

	down := MarketData{Spot: 99, PreviousSpot: 100}
	assert.InDelta(t, 1.0, down.SpotChangePct(), 1e-9)

	assert.Zero(t, MarketData{Spot: 100}.SpotChangePct())
	assert.InDelta(t, 2.5, MarketData{Volume: 250, AvgVolume: 100}.VolumeRatio(), 1e-9)
	assert.Zero(t, MarketData{Volume: 250}.VolumeRatio())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	at := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	data, err := WrapEnvelope(at, map[string]float64{"delta": 0.52})
	require.NoError(t, err)

	env, age, err := UnwrapEnvelope(data, at.Add(45*time.Second))
	require.NoError(t, err)
	assert.Equal(t, at, env.Timestamp)
	assert.Equal(t, 45*time.Second, age)
	assert.JSONEq(t, `{"delta":0.52}`, string(env.Payload))
}

func TestEnvelopeRejectsMissingTimestamp(t *testing.T) {
	_, _, err := UnwrapEnvelope([]byte(`{"payload":{}}`), time.Now())
	assert.Error(t, err)

	_, _, err = UnwrapEnvelope([]byte(`not json`), time.Now())
	assert.Error(t, err)
}
