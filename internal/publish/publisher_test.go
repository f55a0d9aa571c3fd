package publish

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optistream/signalcache/internal/config"
	"github.com/optistream/signalcache/internal/store"
)

func newTestPublisher(st *store.MemStore) *Publisher {
	p := New(st, config.Default().Publish)
	p.SetClock(func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) })
	return p
}

// probe registers a consumer group before anything is published so the
// test can read entries back.
func probe(t *testing.T, st *store.MemStore, stream string) {
	t.Helper()
	require.NoError(t, st.StreamGroupCreate(context.Background(), stream, "probe"))
}

func readOne(t *testing.T, st *store.MemStore, stream string) map[string]string {
	t.Helper()
	msgs, err := st.StreamReadGroup(context.Background(), stream, "probe", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0].Fields
}

func TestMarketplaceStreamNaming(t *testing.T) {
	st := store.NewMemStore()
	p := newTestPublisher(st)

	// Params render sorted into the stream name.
	stream := "marketplace:prod42:NSE:INFY:rsi_cross:level_30_period_14"
	probe(t, st, stream)

	sig := Signal{
		Name:       "rsi_cross",
		Instrument: "NSE:INFY",
		Params:     map[string]string{"period": "14", "level": "30"},
		Value:      "buy",
	}
	id, err := p.Marketplace(context.Background(), "prod42", sig)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, st.StreamLen(stream))

	fields := readOne(t, st, stream)
	assert.Equal(t, "rsi_cross", fields["signal"])
	assert.Equal(t, "buy", fields["value"])
	assert.Equal(t, stream, fields["_stream_key"])
	assert.Equal(t, "2026-08-24T12:00:00Z", fields["_published_at"])
}

func TestPersonalStreamNaming(t *testing.T) {
	st := store.NewMemStore()
	p := newTestPublisher(st)

	_, err := p.Personal(context.Background(), "u1", "sig9", Signal{
		Name: "breakout", Instrument: "NSE:TCS", Value: "sell",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, st.StreamLen("personal:u1:sig9:NSE:TCS:default"))
}

func TestReservedFieldsNotOverridable(t *testing.T) {
	st := store.NewMemStore()
	p := newTestPublisher(st)

	stream := "marketplace:prod42:NSE:INFY:rsi_cross:default"
	probe(t, st, stream)

	_, err := p.Marketplace(context.Background(), "prod42", Signal{
		Name: "rsi_cross", Instrument: "NSE:INFY", Value: "buy",
		Fields: map[string]string{
			"value":       "forged",
			"_stream_key": "spoofed",
			"confidence":  "0.8",
		},
	})
	require.NoError(t, err)

	fields := readOne(t, st, stream)
	assert.Equal(t, "buy", fields["value"])
	assert.Equal(t, stream, fields["_stream_key"])
	assert.Equal(t, "0.8", fields["confidence"], "non-reserved extras pass through")
}

func TestStreamCapEnforced(t *testing.T) {
	st := store.NewMemStore()
	cfg := config.Default().Publish
	cfg.StreamMaxLen = 3
	p := New(st, cfg)

	sig := Signal{Name: "rsi_cross", Instrument: "NSE:INFY", Value: "buy"}
	for i := 0; i < 10; i++ {
		_, err := p.Marketplace(context.Background(), "prod42", sig)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, st.StreamLen("marketplace:prod42:NSE:INFY:rsi_cross:default"))
}
