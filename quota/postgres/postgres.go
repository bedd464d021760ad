// Package postgres provides a PostgreSQL-backed QuotaStore for keyrouter.
//
// Records are stored in one table keyed by (key_id, resource, day). Each
// increment is a single upsert, which makes it safe for multi-instance
// deployments and durable across restarts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/keyrouter"
)

const defaultTimeout = 5 * time.Second

// Store is a PostgreSQL-backed QuotaStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	timeout     time.Duration
	now         func() time.Time
}

var (
	_ keyrouter.QuotaStore = (*Store)(nil)
	_ keyrouter.Seeder     = (*Store)(nil)
	_ keyrouter.Pruner     = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "keyrouter_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithTimeout bounds every query (default 5s).
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// WithNow sets the clock (default time.Now).
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new PostgreSQL-backed QuotaStore.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "keyrouter_",
		timeout:     defaultTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) usageTable() string { return s.tablePrefix + "usage" }

func (s *Store) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// EnsureSchema creates the required table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			key_id TEXT NOT NULL,
			resource TEXT NOT NULL,
			day DATE NOT NULL,
			requests_today BIGINT NOT NULL DEFAULT 0,
			requests_minute BIGINT NOT NULL DEFAULT 0,
			tokens_today BIGINT NOT NULL DEFAULT 0,
			tokens_minute BIGINT NOT NULL DEFAULT 0,
			minute_marker TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (key_id, resource, day)
		);
		CREATE INDEX IF NOT EXISTS %[1]s_day_idx ON %[1]s (day);
	`, s.usageTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("keyrouter/postgres: ensure schema: %w", err)
	}
	return nil
}

// GetUsage returns today's usage, persisting a minute rollover if due.
func (s *Store) GetUsage(ctx context.Context, keyID, resource string) (keyrouter.Usage, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	now := s.now()
	day := keyrouter.DayOf(now)
	minute := keyrouter.MinuteOf(now)

	var u keyrouter.Usage
	var marker time.Time
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT requests_today, requests_minute, tokens_today, tokens_minute, minute_marker
			FROM %s WHERE key_id = $1 AND resource = $2 AND day = $3`, s.usageTable()),
		keyID, resource, day,
	).Scan(&u.RequestsToday, &u.RequestsMinute, &u.TokensToday, &u.TokensMinute, &marker)
	if errors.Is(err, pgx.ErrNoRows) {
		return keyrouter.Usage{}, nil
	}
	if err != nil {
		return keyrouter.Usage{}, fmt.Errorf("keyrouter/postgres: get usage: %w", err)
	}

	if marker.Before(minute) {
		_, err = s.pool.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET requests_minute = 0, tokens_minute = 0, minute_marker = $1
				WHERE key_id = $2 AND resource = $3 AND day = $4 AND minute_marker < $1`, s.usageTable()),
			minute, keyID, resource, day,
		)
		if err != nil {
			return keyrouter.Usage{}, fmt.Errorf("keyrouter/postgres: rollover: %w", err)
		}
		u.RequestsMinute = 0
		u.TokensMinute = 0
	}
	return u, nil
}

// RecordUsage atomically rolls and increments today's record.
func (s *Store) RecordUsage(ctx context.Context, keyID, resource string, tokens int64) error {
	if tokens < 0 {
		return keyrouter.ErrInvalidTokens
	}
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	now := s.now()
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s AS u
			(key_id, resource, day, requests_today, requests_minute, tokens_today, tokens_minute, minute_marker)
			VALUES ($1, $2, $3, 1, 1, $4, $4, $5)
			ON CONFLICT (key_id, resource, day) DO UPDATE SET
				requests_today = u.requests_today + 1,
				requests_minute = CASE WHEN u.minute_marker < EXCLUDED.minute_marker
					THEN 1 ELSE u.requests_minute + 1 END,
				tokens_today = u.tokens_today + EXCLUDED.tokens_today,
				tokens_minute = CASE WHEN u.minute_marker < EXCLUDED.minute_marker
					THEN EXCLUDED.tokens_minute ELSE u.tokens_minute + EXCLUDED.tokens_minute END,
				minute_marker = GREATEST(u.minute_marker, EXCLUDED.minute_marker)`, s.usageTable()),
		keyID, resource, keyrouter.DayOf(now), tokens, keyrouter.MinuteOf(now),
	)
	if err != nil {
		return fmt.Errorf("keyrouter/postgres: record usage: %w", err)
	}
	return nil
}

// Reset overwrites counters of every matching record, across all days.
func (s *Store) Reset(ctx context.Context, filter keyrouter.ResetFilter) (int64, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET requests_today = $1, requests_minute = $1, tokens_today = $1, tokens_minute = $1
			WHERE ($2 = '' OR key_id = $2) AND ($3 = '' OR resource = $3)`, s.usageTable()),
		filter.To, filter.KeyID, filter.Resource,
	)
	if err != nil {
		return 0, fmt.Errorf("keyrouter/postgres: reset: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Seed creates zero records for today where missing.
func (s *Store) Seed(ctx context.Context, keyIDs, resources []string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	now := s.now()
	day := keyrouter.DayOf(now)
	minute := keyrouter.MinuteOf(now)

	batch := &pgx.Batch{}
	q := fmt.Sprintf(`INSERT INTO %s (key_id, resource, day, minute_marker) VALUES ($1, $2, $3, $4)
		ON CONFLICT (key_id, resource, day) DO NOTHING`, s.usageTable())
	for _, keyID := range keyIDs {
		for _, resource := range resources {
			batch.Queue(q, keyID, resource, day, minute)
		}
	}
	if batch.Len() == 0 {
		return nil
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("keyrouter/postgres: seed: %w", err)
	}
	return nil
}

// Prune deletes records filed under days before the given time.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE day < $1`, s.usageTable()),
		keyrouter.DayOf(before),
	)
	if err != nil {
		return 0, fmt.Errorf("keyrouter/postgres: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Lookup returns the raw record for a day without rolling it over.
func (s *Store) Lookup(ctx context.Context, keyID, resource string, day time.Time) (keyrouter.Record, bool, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rec := keyrouter.Record{KeyID: keyID, Resource: resource, Day: keyrouter.DayOf(day)}
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT requests_today, requests_minute, tokens_today, tokens_minute, minute_marker
			FROM %s WHERE key_id = $1 AND resource = $2 AND day = $3`, s.usageTable()),
		keyID, resource, rec.Day,
	).Scan(&rec.RequestsToday, &rec.RequestsMinute, &rec.TokensToday, &rec.TokensMinute, &rec.Minute)
	if errors.Is(err, pgx.ErrNoRows) {
		return keyrouter.Record{}, false, nil
	}
	if err != nil {
		return keyrouter.Record{}, false, fmt.Errorf("keyrouter/postgres: lookup: %w", err)
	}
	rec.Minute = rec.Minute.UTC()
	return rec, true, nil
}
