package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time          { return c.now }
func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClockedStore() (*MemStore, *manualClock) {
	clock := &manualClock{now: time.Date(2026, 8, 24, 9, 15, 0, 0, time.UTC)}
	return NewMemStoreWithClock(clock.Now), clock
}

func TestMemStoreTTLExpiry(t *testing.T) {
	ctx := context.Background()
	st, clock := newClockedStore()

	require.NoError(t, st.SetWithTTL(ctx, "greeks:NSE:INFY:latest", []byte("v"), 60*time.Second))

	_, found, err := st.Get(ctx, "greeks:NSE:INFY:latest")
	require.NoError(t, err)
	assert.True(t, found)

	clock.Advance(61 * time.Second)
	_, found, err = st.Get(ctx, "greeks:NSE:INFY:latest")
	require.NoError(t, err)
	assert.False(t, found, "expired entry must read as absent")
}

func TestMemStoreExpireOnSetKey(t *testing.T) {
	ctx := context.Background()
	st, clock := newClockedStore()

	require.NoError(t, st.SetAdd(ctx, "moneyness_category:RELIANCE:2024-06-27:atm", "2450", "2500"))
	require.NoError(t, st.Expire(ctx, "moneyness_category:RELIANCE:2024-06-27:atm", 5*time.Minute))

	members, err := st.SetMembers(ctx, "moneyness_category:RELIANCE:2024-06-27:atm")
	require.NoError(t, err)
	assert.Equal(t, []string{"2450", "2500"}, members)

	clock.Advance(6 * time.Minute)
	members, err = st.SetMembers(ctx, "moneyness_category:RELIANCE:2024-06-27:atm")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestMemStoreDeleteMany(t *testing.T) {
	ctx := context.Background()
	st, _ := newClockedStore()

	require.NoError(t, st.SetWithTTL(ctx, "a", []byte("1"), 0))
	require.NoError(t, st.SetWithTTL(ctx, "b", []byte("2"), 0))
	require.NoError(t, st.HashSet(ctx, "h", "f", []byte("3")))

	n, err := st.DeleteMany(ctx, "a", "b", "h", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Empty(t, st.Keys())
}

func TestMemStoreScanPattern(t *testing.T) {
	ctx := context.Background()
	st, _ := newClockedStore()

	for _, key := range []string{
		"greeks:NSE:INFY:latest",
		"greeks:NSE:INFY:delta",
		"greeks:NSE:TCS:latest",
		"indicators:NSE:INFY:rsi:5m:default",
	} {
		require.NoError(t, st.SetWithTTL(ctx, key, []byte("v"), 0))
	}

	var got []string
	it := st.ScanPattern(ctx, "greeks:NSE:INFY:*", 100)
	for it.Next(ctx) {
		got = append(got, it.Key())
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"greeks:NSE:INFY:delta", "greeks:NSE:INFY:latest"}, got)
}

func TestGlobMatch(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"greeks:NSE:INFY:*", "greeks:NSE:INFY:latest", true},
		{"greeks:NSE:INFY:*", "greeks:NSE:INFYX:latest", false},
		{"greeks:*:latest", "greeks:NSE:INFY:latest", true},
		{"exact", "exact", true},
		{"exact", "exact2", false},
		{"*", "anything", true},
		{"a*b*c", "axxbyyc", true},
		{"a*b*c", "axxbyy", false},
		{"indicators:*:current", "indicators:NSE:INFY:rsi:current", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, GlobMatch(tc.pattern, tc.key), "%s vs %s", tc.pattern, tc.key)
	}
}

func TestMemStoreHashOps(t *testing.T) {
	ctx := context.Background()
	st, _ := newClockedStore()

	require.NoError(t, st.HashSet(ctx, "signal_service:instances", "i1", []byte("{}")))
	require.NoError(t, st.HashSet(ctx, "signal_service:instances", "i2", []byte("{}")))

	all, err := st.HashGetAll(ctx, "signal_service:instances")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, st.HashDelete(ctx, "signal_service:instances", "i1"))
	all, err = st.HashGetAll(ctx, "signal_service:instances")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemStoreStreamGroupSemantics(t *testing.T) {
	ctx := context.Background()
	st, _ := newClockedStore()

	// Entries appended before the group exists are not delivered: groups
	// start at the tail, matching XGROUP CREATE $.
	_, err := st.StreamAppend(ctx, "events", map[string]string{"n": "0"}, 0)
	require.NoError(t, err)
	require.NoError(t, st.StreamGroupCreate(ctx, "events", "g"))
	require.NoError(t, st.StreamGroupCreate(ctx, "events", "g"), "group create must be idempotent")

	id1, err := st.StreamAppend(ctx, "events", map[string]string{"n": "1"}, 0)
	require.NoError(t, err)
	_, err = st.StreamAppend(ctx, "events", map[string]string{"n": "2"}, 0)
	require.NoError(t, err)

	msgs, err := st.StreamReadGroup(ctx, "events", "g", "c1", 10, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "1", msgs[0].Fields["n"])
	assert.Equal(t, 2, st.PendingCount("events", "g"))

	// Ack one; redelivery rewinds only to the oldest unacked.
	require.NoError(t, st.StreamAck(ctx, "events", "g", id1))
	assert.Equal(t, 1, st.PendingCount("events", "g"))

	st.Redeliver("events", "g")
	again, err := st.StreamReadGroup(ctx, "events", "g", "c1", 10, time.Second)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "2", again[0].Fields["n"])
}

func TestMemStoreStreamMaxLen(t *testing.T) {
	ctx := context.Background()
	st, _ := newClockedStore()

	for i := 0; i < 10; i++ {
		_, err := st.StreamAppend(ctx, "s", map[string]string{"n": "x"}, 5)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, st.StreamLen("s"))
}

func TestErrorPredicates(t *testing.T) {
	transient := Transient("get", assert.AnError)
	permanent := Permanent("set", assert.AnError)
	notFound := NotFound("get", assert.AnError)

	assert.True(t, IsTransient(transient))
	assert.False(t, IsTransient(permanent))
	assert.True(t, IsPermanent(permanent))
	assert.True(t, IsNotFound(notFound))
	assert.False(t, IsNotFound(transient))

	// Context deadline failures without a typed wrapper still retry.
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(assert.AnError))
}
