package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory Store for development and tests. It honors the
// same semantics as the Redis adapter, including TTL expiry (evaluated
// lazily against the injected clock) and consumer-group stream reads with
// redelivery of unacknowledged messages.
type MemStore struct {
	mu         sync.Mutex
	now        func() time.Time
	values     map[string]memValue
	hashes     map[string]map[string]string
	sets       map[string]map[string]struct{}
	setExpires map[string]time.Time
	streams    map[string]*memStream
}

type memValue struct {
	data    []byte
	expires time.Time // zero means no expiry
}

type memStream struct {
	entries []Message
	nextSeq int64
	groups  map[string]*memGroup
}

type memGroup struct {
	delivered int                // index into entries of next-new message
	pending   map[string]pending // unacked, by message id
}

type pending struct {
	consumer    string
	deliveredAt time.Time
}

// NewMemStore creates an empty in-memory store using the wall clock.
func NewMemStore() *MemStore {
	return NewMemStoreWithClock(time.Now)
}

// NewMemStoreWithClock creates a store with an injected clock, letting
// tests advance time to trigger TTL expiry.
func NewMemStoreWithClock(now func() time.Time) *MemStore {
	return &MemStore{
		now:        now,
		values:     make(map[string]memValue),
		hashes:     make(map[string]map[string]string),
		sets:       make(map[string]map[string]struct{}),
		setExpires: make(map[string]time.Time),
		streams:    make(map[string]*memStream),
	}
}

func (m *MemStore) expired(v memValue) bool {
	return !v.expires.IsZero() && m.now().After(v.expires)
}

// Get retrieves a value; expired entries read as absent.
func (m *MemStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok || m.expired(v) {
		delete(m.values, key)
		return nil, false, nil
	}
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out, true, nil
}

// SetWithTTL stores a value; ttl <= 0 means no expiry.
func (m *MemStore) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := memValue{data: append([]byte(nil), value...)}
	if ttl > 0 {
		v.expires = m.now().Add(ttl)
	}
	m.values[key] = v
	return nil
}

// DeleteMany removes keys across all kinds and returns how many existed.
func (m *MemStore) DeleteMany(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for _, key := range keys {
		if v, ok := m.values[key]; ok {
			if !m.expired(v) {
				deleted++
			}
			delete(m.values, key)
			continue
		}
		if _, ok := m.hashes[key]; ok {
			delete(m.hashes, key)
			deleted++
			continue
		}
		if _, ok := m.sets[key]; ok {
			delete(m.sets, key)
			deleted++
		}
	}
	return deleted, nil
}

// Expire sets a TTL on an existing value or set key. Missing keys are a
// no-op, matching the Redis EXPIRE contract.
func (m *MemStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.values[key]; ok && !m.expired(v) {
		v.expires = m.now().Add(ttl)
		m.values[key] = v
		return nil
	}
	if _, ok := m.sets[key]; ok {
		m.setExpires[key] = m.now().Add(ttl)
	}
	return nil
}

// dropExpiredSet removes a set whose TTL has lapsed; caller holds the lock.
func (m *MemStore) dropExpiredSet(key string) {
	if exp, ok := m.setExpires[key]; ok && m.now().After(exp) {
		delete(m.sets, key)
		delete(m.setExpires, key)
	}
}

// ScanPattern returns an iterator over matching keys. The snapshot is
// taken up front; deletions during iteration do not disturb it.
func (m *MemStore) ScanPattern(_ context.Context, pattern string, _ int64) KeyIterator {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k, v := range m.values {
		if m.expired(v) {
			continue
		}
		if GlobMatch(pattern, k) {
			keys = append(keys, k)
		}
	}
	for k := range m.hashes {
		if GlobMatch(pattern, k) {
			keys = append(keys, k)
		}
	}
	for k := range m.sets {
		if GlobMatch(pattern, k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return &sliceIterator{keys: keys}
}

type sliceIterator struct {
	keys []string
	pos  int
}

func (it *sliceIterator) Next(_ context.Context) bool {
	if it.pos >= len(it.keys) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Key() string {
	if it.pos == 0 {
		return ""
	}
	return it.keys[it.pos-1]
}

func (it *sliceIterator) Err() error { return nil }

// HashGetAll returns a copy of all hash fields.
func (m *MemStore) HashGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for f, v := range m.hashes[key] {
		out[f] = v
	}
	return out, nil
}

// HashSet writes one hash field.
func (m *MemStore) HashSet(_ context.Context, key, field string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	h[field] = string(value)
	return nil
}

// HashDelete removes hash fields, dropping the hash when it empties.
func (m *MemStore) HashDelete(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(m.hashes, key)
	}
	return nil
}

// SetAdd adds members to a set.
func (m *MemStore) SetAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpiredSet(key)
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

// SetRemove removes members from a set.
func (m *MemStore) SetRemove(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(set, member)
	}
	if len(set) == 0 {
		delete(m.sets, key)
	}
	return nil
}

// SetMembers returns the members of a set in sorted order.
func (m *MemStore) SetMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpiredSet(key)
	set := m.sets[key]
	out := make([]string, 0, len(set))
	for member := range set {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

// StreamAppend appends an entry, trimming to maxLen when positive.
func (m *MemStore) StreamAppend(_ context.Context, stream string, fields map[string]string, maxLen int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stream(stream)
	st.nextSeq++
	id := fmt.Sprintf("%d-%d", m.now().UnixMilli(), st.nextSeq)
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	st.entries = append(st.entries, Message{ID: id, Fields: copied})
	if maxLen > 0 && int64(len(st.entries)) > maxLen {
		trim := int64(len(st.entries)) - maxLen
		st.entries = st.entries[trim:]
		for _, g := range st.groups {
			g.delivered -= int(trim)
			if g.delivered < 0 {
				g.delivered = 0
			}
		}
	}
	return id, nil
}

func (m *MemStore) stream(name string) *memStream {
	st, ok := m.streams[name]
	if !ok {
		st = &memStream{groups: make(map[string]*memGroup)}
		m.streams[name] = st
	}
	return st
}

// StreamGroupCreate registers a consumer group at the current tail;
// idempotent.
func (m *MemStore) StreamGroupCreate(_ context.Context, stream, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stream(stream)
	if _, ok := st.groups[group]; ok {
		return nil
	}
	st.groups[group] = &memGroup{
		delivered: len(st.entries),
		pending:   make(map[string]pending),
	}
	return nil
}

// StreamReadGroup delivers new messages past the group's cursor. Messages
// stay pending until acknowledged; Redeliver returns them to the front of
// the queue. The block timeout is ignored: an empty read returns
// immediately, which is sufficient for tests.
func (m *MemStore) StreamReadGroup(_ context.Context, stream, group, consumer string, count int64, _ time.Duration) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[stream]
	if !ok {
		return nil, nil
	}
	g, ok := st.groups[group]
	if !ok {
		return nil, Permanent("xreadgroup", fmt.Errorf("NOGROUP no such consumer group %q for stream %q", group, stream))
	}

	var out []Message
	for g.delivered < len(st.entries) && int64(len(out)) < count {
		msg := st.entries[g.delivered]
		g.delivered++
		g.pending[msg.ID] = pending{consumer: consumer, deliveredAt: m.now()}
		out = append(out, msg)
	}
	return out, nil
}

// StreamAck acknowledges pending messages.
func (m *MemStore) StreamAck(_ context.Context, stream, group string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[stream]
	if !ok {
		return nil
	}
	g, ok := st.groups[group]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

// Redeliver rewinds the group's cursor to the oldest unacknowledged
// message, simulating visibility-timeout redelivery.
func (m *MemStore) Redeliver(stream, group string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[stream]
	if !ok {
		return
	}
	g, ok := st.groups[group]
	if !ok || len(g.pending) == 0 {
		return
	}
	oldest := len(st.entries)
	for id := range g.pending {
		for i, e := range st.entries {
			if e.ID == id && i < oldest {
				oldest = i
			}
		}
		delete(g.pending, id)
	}
	if oldest < g.delivered {
		g.delivered = oldest
	}
}

// PendingCount returns the number of delivered-but-unacked messages.
func (m *MemStore) PendingCount(stream, group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[stream]
	if !ok {
		return 0
	}
	g, ok := st.groups[group]
	if !ok {
		return 0
	}
	return len(g.pending)
}

// StreamLen returns the number of entries currently held for a stream.
func (m *MemStore) StreamLen(stream string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[stream]
	if !ok {
		return 0
	}
	return len(st.entries)
}

// Keys returns all live value keys, sorted; test helper.
func (m *MemStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k, v := range m.values {
		if !m.expired(v) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Ping always succeeds.
func (m *MemStore) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (m *MemStore) Close() error { return nil }

// GlobMatch matches a Redis-style glob pattern where '*' matches any run
// of characters (including none). Only '*' is supported; the pattern
// grammar used by the key families never emits '?' or character classes.
func GlobMatch(pattern, key string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == key
	}
	if !strings.HasPrefix(key, parts[0]) {
		return false
	}
	key = key[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(key, parts[i])
		if idx < 0 {
			return false
		}
		key = key[idx+len(parts[i]):]
	}
	last := parts[len(parts)-1]
	return last == "" || strings.HasSuffix(key, last)
}
