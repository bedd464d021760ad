// Package sqlite provides a SQLite-backed QuotaStore for keyrouter.
//
// Records live in a single table keyed by (key_id, resource, day). Increments
// are one INSERT ... ON CONFLICT DO UPDATE statement, so the roll-then-add
// sequence is atomic without an explicit transaction. The pure-Go
// modernc.org/sqlite driver is used, so no cgo toolchain is required.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ineyio/keyrouter"
)

const defaultTimeout = 5 * time.Second

// Store is a SQLite-backed QuotaStore.
type Store struct {
	db      *sql.DB
	table   string
	timeout time.Duration
	now     func() time.Time
	owned   bool
}

var (
	_ keyrouter.QuotaStore = (*Store)(nil)
	_ keyrouter.Seeder     = (*Store)(nil)
	_ keyrouter.Pruner     = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTable sets the table name (default "keyrouter_usage").
func WithTable(name string) Option {
	return func(s *Store) { s.table = name }
}

// WithTimeout bounds every statement (default 5s).
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// WithNow sets the clock (default time.Now).
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New wraps an open database handle. The caller keeps ownership of db.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:      db,
		table:   "keyrouter_usage",
		timeout: defaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens (creating if needed) the database file at path in WAL mode,
// ensures the schema exists and returns a Store that owns the handle.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	s := New(nil, opts...)
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)",
		path, s.timeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("keyrouter/sqlite: open: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	s.db = db
	s.owned = true

	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// EnsureSchema creates the usage table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key_id TEXT NOT NULL,
			resource TEXT NOT NULL,
			day INTEGER NOT NULL,
			requests_today INTEGER NOT NULL DEFAULT 0,
			requests_minute INTEGER NOT NULL DEFAULT 0,
			tokens_today INTEGER NOT NULL DEFAULT 0,
			tokens_minute INTEGER NOT NULL DEFAULT 0,
			minute_marker INTEGER NOT NULL,
			PRIMARY KEY (key_id, resource, day)
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_day ON %[1]s(day)`, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("keyrouter/sqlite: ensure schema: %w", err)
		}
	}
	return nil
}

// GetUsage returns today's usage. A stale minute marker is reset with a
// conditional update that leaves a concurrent newer increment untouched.
func (s *Store) GetUsage(ctx context.Context, keyID, resource string) (keyrouter.Usage, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	now := s.now()
	day := keyrouter.DayOf(now).Unix()
	minute := keyrouter.MinuteOf(now).Unix()

	var u keyrouter.Usage
	var marker int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT requests_today, requests_minute, tokens_today, tokens_minute, minute_marker
			FROM %s WHERE key_id = ? AND resource = ? AND day = ?`, s.table),
		keyID, resource, day,
	).Scan(&u.RequestsToday, &u.RequestsMinute, &u.TokensToday, &u.TokensMinute, &marker)
	if errors.Is(err, sql.ErrNoRows) {
		return keyrouter.Usage{}, nil
	}
	if err != nil {
		return keyrouter.Usage{}, fmt.Errorf("keyrouter/sqlite: get usage: %w", err)
	}

	if marker < minute {
		_, err = s.db.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET requests_minute = 0, tokens_minute = 0, minute_marker = ?
				WHERE key_id = ? AND resource = ? AND day = ? AND minute_marker < ?`, s.table),
			minute, keyID, resource, day, minute,
		)
		if err != nil {
			return keyrouter.Usage{}, fmt.Errorf("keyrouter/sqlite: rollover: %w", err)
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
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s
			(key_id, resource, day, requests_today, requests_minute, tokens_today, tokens_minute, minute_marker)
			VALUES (?, ?, ?, 1, 1, ?, ?, ?)
			ON CONFLICT (key_id, resource, day) DO UPDATE SET
				requests_today = %[1]s.requests_today + 1,
				requests_minute = CASE WHEN %[1]s.minute_marker < excluded.minute_marker
					THEN 1 ELSE %[1]s.requests_minute + 1 END,
				tokens_today = %[1]s.tokens_today + excluded.tokens_today,
				tokens_minute = CASE WHEN %[1]s.minute_marker < excluded.minute_marker
					THEN excluded.tokens_minute ELSE %[1]s.tokens_minute + excluded.tokens_minute END,
				minute_marker = MAX(%[1]s.minute_marker, excluded.minute_marker)`, s.table),
		keyID, resource, keyrouter.DayOf(now).Unix(), tokens, tokens, keyrouter.MinuteOf(now).Unix(),
	)
	if err != nil {
		return fmt.Errorf("keyrouter/sqlite: record usage: %w", err)
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

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET requests_today = ?, requests_minute = ?, tokens_today = ?, tokens_minute = ?
			WHERE (? = '' OR key_id = ?) AND (? = '' OR resource = ?)`, s.table),
		filter.To, filter.To, filter.To, filter.To,
		filter.KeyID, filter.KeyID, filter.Resource, filter.Resource,
	)
	if err != nil {
		return 0, fmt.Errorf("keyrouter/sqlite: reset: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("keyrouter/sqlite: reset: %w", err)
	}
	return n, nil
}

// Seed creates zero records for today where missing.
func (s *Store) Seed(ctx context.Context, keyIDs, resources []string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	now := s.now()
	day := keyrouter.DayOf(now).Unix()
	minute := keyrouter.MinuteOf(now).Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("keyrouter/sqlite: seed: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (key_id, resource, day, minute_marker) VALUES (?, ?, ?, ?)
			ON CONFLICT (key_id, resource, day) DO NOTHING`, s.table))
	if err != nil {
		return fmt.Errorf("keyrouter/sqlite: seed: prepare: %w", err)
	}
	defer stmt.Close()

	for _, keyID := range keyIDs {
		for _, resource := range resources {
			if _, err := stmt.ExecContext(ctx, keyID, resource, day, minute); err != nil {
				return fmt.Errorf("keyrouter/sqlite: seed: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("keyrouter/sqlite: seed: commit: %w", err)
	}
	return nil
}

// Prune deletes records filed under days before the given time.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE day < ?`, s.table),
		keyrouter.DayOf(before).Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("keyrouter/sqlite: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("keyrouter/sqlite: prune: %w", err)
	}
	return n, nil
}

// Lookup returns the raw record for a day without rolling it over.
func (s *Store) Lookup(ctx context.Context, keyID, resource string, day time.Time) (keyrouter.Record, bool, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rec := keyrouter.Record{KeyID: keyID, Resource: resource, Day: keyrouter.DayOf(day)}
	var marker int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT requests_today, requests_minute, tokens_today, tokens_minute, minute_marker
			FROM %s WHERE key_id = ? AND resource = ? AND day = ?`, s.table),
		keyID, resource, rec.Day.Unix(),
	).Scan(&rec.RequestsToday, &rec.RequestsMinute, &rec.TokensToday, &rec.TokensMinute, &marker)
	if errors.Is(err, sql.ErrNoRows) {
		return keyrouter.Record{}, false, nil
	}
	if err != nil {
		return keyrouter.Record{}, false, fmt.Errorf("keyrouter/sqlite: lookup: %w", err)
	}
	rec.Minute = time.Unix(marker, 0).UTC()
	return rec, true, nil
}
