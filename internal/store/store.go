package store

import (
	"context"
	"time"
)

// Message is one entry read from a stream consumer group.
type Message struct {
	ID     string
	Fields map[string]string
}

// KeyIterator walks keys matching a scan pattern without materializing the
// full key set. Next advances the iterator; Err must be checked after Next
// returns false.
type KeyIterator interface {
	Next(ctx context.Context) bool
	Key() string
	Err() error
}

// Store is the narrow contract the coordination core needs from the
// external key-value + stream store. Every method returns errors carrying
// a retry Category (see errors.go); Get-style reads report absence via the
// boolean, not an error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteMany(ctx context.Context, keys ...string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// ScanPattern returns a bounded-memory iterator over keys matching a
	// glob pattern; implementations are expected to use SCAN-style
	// cursors with the given batch size.
	ScanPattern(ctx context.Context, pattern string, batchSize int64) KeyIterator

	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	HashSet(ctx context.Context, key, field string, value []byte) error
	HashDelete(ctx context.Context, key string, fields ...string) error

	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	StreamAppend(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error)
	// StreamGroupCreate is idempotent: an already-existing group is not
	// an error.
	StreamGroupCreate(ctx context.Context, stream, group string) error
	StreamReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error)
	StreamAck(ctx context.Context, stream, group string, ids ...string) error

	Ping(ctx context.Context) error
	Close() error
}
