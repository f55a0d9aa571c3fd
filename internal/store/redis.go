package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// RedisConfig holds connection settings for the Redis-backed store.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultRedisConfig returns production-ready connection settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// RedisStore implements Store against a Redis server. All calls pass
// through a circuit breaker; a persistently open breaker is surfaced to
// the integration mode machine via OpenSince.
type RedisStore struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker

	mu        sync.Mutex
	openSince time.Time // zero while the breaker is closed
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:               cfg.Addr,
		Password:           cfg.Password,
		DB:                 cfg.DB,
		PoolSize:           cfg.PoolSize,
		DialTimeout:        cfg.DialTimeout,
		ReadTimeout:        cfg.ReadTimeout,
		WriteTimeout:       cfg.WriteTimeout,
		IdleTimeout:        5 * time.Minute,
		IdleCheckFrequency: 1 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisStoreFromClient(rdb), nil
}

// NewRedisStoreFromClient wraps an existing client; used by tests with
// redismock.
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	s := &RedisStore{client: rdb}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("Redis circuit breaker state change")
			s.mu.Lock()
			switch to {
			case gobreaker.StateOpen:
				if s.openSince.IsZero() {
					s.openSince = time.Now()
				}
			case gobreaker.StateClosed:
				s.openSince = time.Time{}
			}
			s.mu.Unlock()
		},
	})
	return s
}

// OpenSince returns when the breaker opened, or false if it is not open.
func (s *RedisStore) OpenSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openSince.IsZero() {
		return time.Time{}, false
	}
	return s.openSince, true
}

func (s *RedisStore) exec(op string, fn func() (interface{}, error)) (interface{}, error) {
	res, err := s.breaker.Execute(fn)
	if err != nil {
		return nil, classify(op, err)
	}
	return res, nil
}

// classify maps a raw client error to the typed taxonomy. Redis type and
// syntax errors do not recover on retry; everything else (network,
// timeout, open breaker) does.
func classify(op string, err error) error {
	if errors.Is(err, redis.Nil) {
		return NotFound(op, err)
	}
	msg := err.Error()
	if strings.HasPrefix(msg, "WRONGTYPE") || strings.HasPrefix(msg, "ERR syntax") ||
		strings.HasPrefix(msg, "ERR wrong number") {
		return Permanent(op, err)
	}
	return Transient(op, err)
}

// Get retrieves a raw value; absence is reported via the boolean.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := s.exec("get", func() (interface{}, error) {
		return s.client.Get(ctx, key).Bytes()
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return res.([]byte), true, nil
}

// SetWithTTL stores a value with expiry.
func (s *RedisStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.exec("set", func() (interface{}, error) {
		return nil, s.client.Set(ctx, key, value, ttl).Err()
	})
	return err
}

// DeleteMany removes keys and returns how many existed.
func (s *RedisStore) DeleteMany(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	res, err := s.exec("del", func() (interface{}, error) {
		return s.client.Del(ctx, keys...).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// Expire sets a TTL on an existing key.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := s.exec("expire", func() (interface{}, error) {
		return nil, s.client.Expire(ctx, key, ttl).Err()
	})
	return err
}

// ScanPattern iterates keys matching pattern using SCAN cursors.
func (s *RedisStore) ScanPattern(ctx context.Context, pattern string, batchSize int64) KeyIterator {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &redisKeyIterator{store: s, pattern: pattern, batch: batchSize}
}

type redisKeyIterator struct {
	store   *RedisStore
	pattern string
	batch   int64

	cursor uint64
	keys   []string
	pos    int
	done   bool
	err    error
}

func (it *redisKeyIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	for it.pos >= len(it.keys) {
		if it.done {
			return false
		}
		res, err := it.store.exec("scan", func() (interface{}, error) {
			keys, cursor, err := it.store.client.Scan(ctx, it.cursor, it.pattern, it.batch).Result()
			if err != nil {
				return nil, err
			}
			return scanPage{keys: keys, cursor: cursor}, nil
		})
		if err != nil {
			it.err = err
			return false
		}
		page := res.(scanPage)
		it.keys = page.keys
		it.pos = 0
		it.cursor = page.cursor
		if page.cursor == 0 {
			it.done = true
		}
	}
	it.pos++
	return true
}

type scanPage struct {
	keys   []string
	cursor uint64
}

func (it *redisKeyIterator) Key() string {
	if it.pos == 0 || it.pos > len(it.keys) {
		return ""
	}
	return it.keys[it.pos-1]
}

func (it *redisKeyIterator) Err() error { return it.err }

// HashGetAll returns all fields of a hash; an absent hash is an empty map.
func (s *RedisStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := s.exec("hgetall", func() (interface{}, error) {
		return s.client.HGetAll(ctx, key).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]string), nil
}

// HashSet writes one hash field.
func (s *RedisStore) HashSet(ctx context.Context, key, field string, value []byte) error {
	_, err := s.exec("hset", func() (interface{}, error) {
		return nil, s.client.HSet(ctx, key, field, value).Err()
	})
	return err
}

// HashDelete removes hash fields.
func (s *RedisStore) HashDelete(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	_, err := s.exec("hdel", func() (interface{}, error) {
		return nil, s.client.HDel(ctx, key, fields...).Err()
	})
	return err
}

// SetAdd adds members to a set.
func (s *RedisStore) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	_, err := s.exec("sadd", func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, key, args...).Err()
	})
	return err
}

// SetRemove removes members from a set.
func (s *RedisStore) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	_, err := s.exec("srem", func() (interface{}, error) {
		return nil, s.client.SRem(ctx, key, args...).Err()
	})
	return err
}

// SetMembers returns all members of a set.
func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	res, err := s.exec("smembers", func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// StreamAppend appends an entry, trimming the stream to approximately maxLen.
func (s *RedisStore) StreamAppend(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	res, err := s.exec("xadd", func() (interface{}, error) {
		return s.client.XAdd(ctx, &redis.XAddArgs{
			Stream:       stream,
			MaxLenApprox: maxLen,
			Values:       values,
		}).Result()
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// StreamGroupCreate creates a consumer group at the stream tail, creating
// the stream when missing. An existing group is not an error.
func (s *RedisStore) StreamGroupCreate(ctx context.Context, stream, group string) error {
	_, err := s.exec("xgroup_create", func() (interface{}, error) {
		err := s.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
		if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, nil
		}
		return nil, err
	})
	return err
}

// StreamReadGroup reads pending-new messages for a consumer. A block
// timeout with no messages returns an empty slice, not an error.
func (s *RedisStore) StreamReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := s.exec("xreadgroup", func() (interface{}, error) {
		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    count,
			Block:    block,
		}).Result()
		if err != nil {
			return nil, err
		}
		return streams, nil
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var messages []Message
	for _, str := range res.([]redis.XStream) {
		for _, m := range str.Messages {
			fields := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				fields[k] = fmt.Sprintf("%v", v)
			}
			messages = append(messages, Message{ID: m.ID, Fields: fields})
		}
	}
	return messages, nil
}

// StreamAck acknowledges processed messages.
func (s *RedisStore) StreamAck(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.exec("xack", func() (interface{}, error) {
		return nil, s.client.XAck(ctx, stream, group, ids...).Err()
	})
	return err
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	_, err := s.exec("ping", func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close releases the client connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
