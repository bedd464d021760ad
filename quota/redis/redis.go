// Package redis provides a Redis-backed QuotaStore for keyrouter.
//
// Each (key, resource, day) record is a Redis hash. Rollover and increments
// run as Lua scripts, so the roll-then-add sequence is atomic per record and
// safe for multi-instance deployments.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/keyrouter"
)

const defaultTimeout = 5 * time.Second

// Store is a Redis-backed QuotaStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	retention time.Duration
	timeout   time.Duration
	now       func() time.Time
}

var (
	_ keyrouter.QuotaStore = (*Store)(nil)
	_ keyrouter.Seeder     = (*Store)(nil)
	_ keyrouter.Pruner     = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "keyrouter:usage:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithRetention expires records this long after their last increment.
// Zero (the default) keeps records until pruned.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// WithTimeout bounds every command (default 5s).
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// WithNow sets the clock (default time.Now).
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new Redis-backed QuotaStore.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "keyrouter:usage:",
		timeout:   defaultTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) recordKey(keyID, resource string, day time.Time) string {
	return s.keyPrefix + keyrouter.DayKey(day) + ":" + resource + ":" + keyID
}

func (s *Store) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// getUsageScript reads a record and persists a minute rollover if due.
// KEYS[1] = record hash key
// ARGV[1] = current minute (unix seconds)
//
// Returns {found, requests_today, requests_minute, tokens_today, tokens_minute}.
var getUsageScript = goredis.NewScript(`
local vals = redis.call("HMGET", KEYS[1], "requests_today", "requests_minute", "tokens_today", "tokens_minute", "minute_marker")
if not vals[5] then
    return {0, 0, 0, 0, 0}
end

local minute = tonumber(ARGV[1])
local requests_minute = tonumber(vals[2])
local tokens_minute = tonumber(vals[4])

if tonumber(vals[5]) < minute then
    redis.call("HSET", KEYS[1], "requests_minute", "0", "tokens_minute", "0", "minute_marker", ARGV[1])
    requests_minute = 0
    tokens_minute = 0
end

return {1, tonumber(vals[1]), requests_minute, tonumber(vals[3]), tokens_minute}
`)

// recordScript rolls and increments a record, creating it if absent.
// KEYS[1] = record hash key
// ARGV[1] = tokens
// ARGV[2] = current minute (unix seconds)
// ARGV[3] = day (unix seconds of UTC midnight)
// ARGV[4] = key id
// ARGV[5] = resource
// ARGV[6] = retention seconds (0 = none)
var recordScript = goredis.NewScript(`
local key = KEYS[1]
local tokens = tonumber(ARGV[1])
local minute = tonumber(ARGV[2])

local marker = redis.call("HGET", key, "minute_marker")
if not marker then
    redis.call("HSET", key,
        "key_id", ARGV[4], "resource", ARGV[5], "day", ARGV[3],
        "requests_today", 1, "requests_minute", 1,
        "tokens_today", tokens, "tokens_minute", tokens,
        "minute_marker", minute)
else
    if tonumber(marker) < minute then
        redis.call("HSET", key, "requests_minute", "0", "tokens_minute", "0", "minute_marker", ARGV[2])
    end
    redis.call("HINCRBY", key, "requests_today", 1)
    redis.call("HINCRBY", key, "requests_minute", 1)
    redis.call("HINCRBY", key, "tokens_today", tokens)
    redis.call("HINCRBY", key, "tokens_minute", tokens)
end

local ttl = tonumber(ARGV[6])
if ttl > 0 then
    redis.call("EXPIRE", key, ttl)
end
return 1
`)

// resetScript overwrites the counters of an existing record.
// KEYS[1] = record hash key
// ARGV[1] = value
var resetScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return 0
end
redis.call("HSET", KEYS[1], "requests_today", ARGV[1], "requests_minute", ARGV[1], "tokens_today", ARGV[1], "tokens_minute", ARGV[1])
return 1
`)

// seedScript creates a zero record if absent.
// KEYS[1] = record hash key
// ARGV[1] = minute, ARGV[2] = day, ARGV[3] = key id, ARGV[4] = resource
var seedScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1],
    "key_id", ARGV[3], "resource", ARGV[4], "day", ARGV[2],
    "requests_today", 0, "requests_minute", 0, "tokens_today", 0, "tokens_minute", 0,
    "minute_marker", ARGV[1])
return 1
`)

// GetUsage returns today's usage, persisting a minute rollover if due.
func (s *Store) GetUsage(ctx context.Context, keyID, resource string) (keyrouter.Usage, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	now := s.now()
	vals, err := getUsageScript.Run(ctx, s.client,
		[]string{s.recordKey(keyID, resource, now)},
		keyrouter.MinuteOf(now).Unix(),
	).Int64Slice()
	if err != nil {
		return keyrouter.Usage{}, fmt.Errorf("keyrouter/redis: get usage: %w", err)
	}
	if len(vals) != 5 {
		return keyrouter.Usage{}, fmt.Errorf("keyrouter/redis: get usage: unexpected reply length %d", len(vals))
	}
	if vals[0] == 0 {
		return keyrouter.Usage{}, nil
	}
	return keyrouter.Usage{
		RequestsToday:  vals[1],
		RequestsMinute: vals[2],
		TokensToday:    vals[3],
		TokensMinute:   vals[4],
	}, nil
}

// RecordUsage atomically rolls and increments today's record.
func (s *Store) RecordUsage(ctx context.Context, keyID, resource string, tokens int64) error {
	if tokens < 0 {
		return keyrouter.ErrInvalidTokens
	}
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	now := s.now()
	_, err := recordScript.Run(ctx, s.client,
		[]string{s.recordKey(keyID, resource, now)},
		tokens, keyrouter.MinuteOf(now).Unix(), keyrouter.DayOf(now).Unix(),
		keyID, resource, int64(s.retention.Seconds()),
	).Result()
	if err != nil {
		return fmt.Errorf("keyrouter/redis: record usage: %w", err)
	}
	return nil
}

// scan calls fn for every record hash under the prefix.
func (s *Store) scan(ctx context.Context, fn func(key string) error) error {
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Reset overwrites counters of every matching record, across all days.
func (s *Store) Reset(ctx context.Context, filter keyrouter.ResetFilter) (int64, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var n int64
	err := s.scan(ctx, func(key string) error {
		vals, err := s.client.HMGet(ctx, key, "key_id", "resource").Result()
		if err != nil {
			return err
		}
		keyID, _ := vals[0].(string)
		resource, _ := vals[1].(string)
		if !filter.Matches(keyID, resource) {
			return nil
		}
		touched, err := resetScript.Run(ctx, s.client, []string{key}, filter.To).Int64()
		if err != nil {
			return err
		}
		n += touched
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("keyrouter/redis: reset: %w", err)
	}
	return n, nil
}

// Seed creates zero records for today where missing.
func (s *Store) Seed(ctx context.Context, keyIDs, resources []string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	now := s.now()
	minute := keyrouter.MinuteOf(now).Unix()
	day := keyrouter.DayOf(now).Unix()
	for _, keyID := range keyIDs {
		for _, resource := range resources {
			err := seedScript.Run(ctx, s.client,
				[]string{s.recordKey(keyID, resource, now)},
				minute, day, keyID, resource,
			).Err()
			if err != nil {
				return fmt.Errorf("keyrouter/redis: seed: %w", err)
			}
		}
	}
	return nil
}

// Prune deletes records filed under days before the given time.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	cutoff := keyrouter.DayOf(before).Unix()
	var n int64
	err := s.scan(ctx, func(key string) error {
		raw, err := s.client.HGet(ctx, key, "day").Result()
		if err == goredis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		day, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || day >= cutoff {
			return nil
		}
		deleted, err := s.client.Del(ctx, key).Result()
		if err != nil {
			return err
		}
		n += deleted
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("keyrouter/redis: prune: %w", err)
	}
	return n, nil
}

// Lookup returns the raw record for a day without rolling it over.
func (s *Store) Lookup(ctx context.Context, keyID, resource string, day time.Time) (keyrouter.Record, bool, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	vals, err := s.client.HMGet(ctx, s.recordKey(keyID, resource, day),
		"requests_today", "requests_minute", "tokens_today", "tokens_minute", "minute_marker").Result()
	if err != nil {
		return keyrouter.Record{}, false, fmt.Errorf("keyrouter/redis: lookup: %w", err)
	}
	if vals[4] == nil {
		return keyrouter.Record{}, false, nil
	}

	ints := make([]int64, len(vals))
	for i, v := range vals {
		str, _ := v.(string)
		ints[i], _ = strconv.ParseInt(str, 10, 64)
	}
	return keyrouter.Record{
		KeyID:          keyID,
		Resource:       resource,
		Day:            keyrouter.DayOf(day),
		Minute:         time.Unix(ints[4], 0).UTC(),
		RequestsToday:  ints[0],
		RequestsMinute: ints[1],
		TokensToday:    ints[2],
		TokensMinute:   ints[3],
	}, true, nil
}
