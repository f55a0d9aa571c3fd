package consumer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optistream/signalcache/internal/config"
	"github.com/optistream/signalcache/internal/coordination"
	"github.com/optistream/signalcache/internal/domain"
	"github.com/optistream/signalcache/internal/store"
)

func TestClassifyEventTypes(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		eventType string
		data      string
		kind      domain.EventKind
	}{
		{"instrument.updated", `{"instrument_id":"NSE:INFY"}`, domain.EventInstrumentUpdate},
		{"chain.rebalance", `{"underlying":"NIFTY"}`, domain.EventChainRebalance},
		{"subscription.profile.changed", `{"user_id":"u1"}`, domain.EventSubscriptionChange},
		{"expiry.rollover", `{"underlying":"NIFTY","affected_expiries":["2026-08-28"]}`, domain.EventExpiryRollover},
		{"market.close", ``, domain.EventMarketClose},
		{"corporate.action", `{"underlying":"INFY"}`, domain.EventCorporateAction},
	}
	for _, tc := range cases {
		t.Run(tc.eventType, func(t *testing.T) {
			msg := store.Message{ID: "1-1", Fields: map[string]string{"event_type": tc.eventType, "data": tc.data}}
			event, err := classify(msg, now)
			require.NoError(t, err)
			assert.Equal(t, tc.kind, event.Kind)
			assert.Equal(t, "1-1", event.ID)
			assert.Equal(t, now, event.ReceivedAt)
		})
	}
}

func TestClassifyDerivesUnderlying(t *testing.T) {
	msg := store.Message{ID: "1-1", Fields: map[string]string{
		"event_type": "instrument.updated",
		"data":       `{"instrument_id":"NSE:RELIANCE"}`,
	}}
	event, err := classify(msg, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "RELIANCE", event.Entity.Underlying)

	// An explicit underlying is never overridden.
	msg.Fields["data"] = `{"instrument_id":"NSE:NIFTY24000CE","underlying":"NIFTY"}`
	event, err = classify(msg, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "NIFTY", event.Entity.Underlying)
}

func TestClassifyMalformedMessages(t *testing.T) {
	now := time.Now()
	cases := map[string]store.Message{
		"missing event_type": {ID: "1", Fields: map[string]string{"data": "{}"}},
		"unknown event_type": {ID: "2", Fields: map[string]string{"event_type": "solar.flare"}},
		"unparseable data":   {ID: "3", Fields: map[string]string{"event_type": "instrument.updated", "data": "{broken"}},
		"missing entity":     {ID: "4", Fields: map[string]string{"event_type": "instrument.updated", "data": "{}"}},
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := classify(msg, now)
			assert.Error(t, err)
		})
	}
}

func TestClassifyCarriesMarketData(t *testing.T) {
	payload, err := json.Marshal(map[string]any{
		"instrument_id": "NSE:INFY",
		"market_data":   map[string]any{"spot": 1500.5, "previous_spot": 1490.0},
	})
	require.NoError(t, err)

	event, err := classify(store.Message{ID: "1", Fields: map[string]string{
		"event_type": "instrument.updated",
		"data":       string(payload),
	}}, time.Now())
	require.NoError(t, err)
	require.NotNil(t, event.MarketData)
	assert.Equal(t, 1500.5, event.MarketData.Spot)
}

// stubDispatcher records dispatched events and returns scripted results.
type stubDispatcher struct {
	mu     sync.Mutex
	events []domain.Event
	fail   bool
}

func (d *stubDispatcher) Dispatch(_ context.Context, event domain.Event) coordination.Result {
	d.mu.Lock()
	d.events = append(d.events, event)
	d.mu.Unlock()
	if d.fail {
		return coordination.Result{ParticipantsAttempted: 2}
	}
	return coordination.Result{
		ParticipantsAttempted: 2,
		ParticipantsSucceeded: 2,
		CoordinationSuccess:   true,
	}
}

func (d *stubDispatcher) Events() []domain.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.Event(nil), d.events...)
}

func consumerCfg() config.ConsumerConfig {
	cfg := config.Default().Consumer
	cfg.Block = 10 * time.Millisecond
	cfg.DispatchRPS = 0 // unthrottled in tests
	return cfg
}

func appendEvent(t *testing.T, st *store.MemStore, eventType, data string) {
	t.Helper()
	_, err := st.StreamAppend(context.Background(), consumerCfg().Stream,
		map[string]string{"event_type": eventType, "data": data}, 0)
	require.NoError(t, err)
}

// runUntil starts the consumer and waits for cond, then cancels and waits
// for the drain to complete.
func runUntil(t *testing.T, c *Consumer, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			cancel()
			t.Fatal("condition not met before deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-c.Stopped():
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestConsumerProcessesAndAcks(t *testing.T) {
	st := store.NewMemStore()
	cfg := consumerCfg()
	require.NoError(t, st.StreamGroupCreate(context.Background(), cfg.Stream, cfg.Group))
	appendEvent(t, st, "instrument.updated", `{"instrument_id":"NSE:INFY"}`)
	appendEvent(t, st, "chain.rebalance", `{"underlying":"NIFTY"}`)

	d := &stubDispatcher{}
	c := New(st, d, cfg, nil, "worker-1")
	runUntil(t, c, func() bool { return len(d.Events()) == 2 })

	assert.Equal(t, domain.EventInstrumentUpdate, d.Events()[0].Kind)
	assert.Equal(t, domain.EventChainRebalance, d.Events()[1].Kind)
	assert.Zero(t, st.PendingCount(cfg.Stream, cfg.Group), "processed messages are acked")
}

func TestConsumerAcksMalformedMessages(t *testing.T) {
	st := store.NewMemStore()
	cfg := consumerCfg()
	require.NoError(t, st.StreamGroupCreate(context.Background(), cfg.Stream, cfg.Group))
	appendEvent(t, st, "solar.flare", "{}")
	appendEvent(t, st, "instrument.updated", `{"instrument_id":"NSE:INFY"}`)

	d := &stubDispatcher{}
	c := New(st, d, cfg, nil, "worker-1")
	runUntil(t, c, func() bool { return len(d.Events()) == 1 })

	// The malformed message was dropped, not dispatched, and not left
	// pending to redeliver forever.
	assert.Len(t, d.Events(), 1)
	assert.Zero(t, st.PendingCount(cfg.Stream, cfg.Group))
}

func TestConsumerLeavesFailedDispatchesPending(t *testing.T) {
	st := store.NewMemStore()
	cfg := consumerCfg()
	require.NoError(t, st.StreamGroupCreate(context.Background(), cfg.Stream, cfg.Group))
	appendEvent(t, st, "instrument.updated", `{"instrument_id":"NSE:INFY"}`)

	d := &stubDispatcher{fail: true}
	c := New(st, d, cfg, nil, "worker-1")
	runUntil(t, c, func() bool { return len(d.Events()) >= 1 })

	assert.Equal(t, 1, st.PendingCount(cfg.Stream, cfg.Group),
		"all-participants-failed stays pending for redelivery")

	// Redelivery hands the same message out again.
	st.Redeliver(cfg.Stream, cfg.Group)
	msgs, err := st.StreamReadGroup(context.Background(), cfg.Stream, cfg.Group, "worker-2", 10, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

// panicDispatcher blows up on the first event and recovers composure
// afterwards.
type panicDispatcher struct {
	stubDispatcher
}

func (d *panicDispatcher) Dispatch(ctx context.Context, event domain.Event) coordination.Result {
	res := d.stubDispatcher.Dispatch(ctx, event)
	if len(d.Events()) == 1 {
		panic("participant table corrupted")
	}
	return res
}

func TestConsumerSurvivesDispatchPanic(t *testing.T) {
	st := store.NewMemStore()
	cfg := consumerCfg()
	require.NoError(t, st.StreamGroupCreate(context.Background(), cfg.Stream, cfg.Group))
	appendEvent(t, st, "instrument.updated", `{"instrument_id":"NSE:INFY"}`)
	appendEvent(t, st, "chain.rebalance", `{"underlying":"NIFTY"}`)

	d := &panicDispatcher{}
	c := New(st, d, cfg, nil, "worker-1")
	runUntil(t, c, func() bool { return len(d.Events()) == 2 })

	// The panicking message stays pending; its sibling was processed and
	// acked by the same loop.
	assert.Equal(t, 1, st.PendingCount(cfg.Stream, cfg.Group))
}

func TestConsumerDefaults(t *testing.T) {
	c := New(store.NewMemStore(), &stubDispatcher{}, config.ConsumerConfig{}, nil, "worker-1")
	assert.Equal(t, int64(10), c.cfg.BatchSize)
	assert.Equal(t, time.Second, c.cfg.MinBackoff)
	assert.Equal(t, 60*time.Second, c.cfg.MaxBackoff)
}

func TestJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitter(time.Second)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
}
