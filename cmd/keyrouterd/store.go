package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/keyrouter"
	"github.com/ineyio/keyrouter/quota"
	quotapg "github.com/ineyio/keyrouter/quota/postgres"
	quotaredis "github.com/ineyio/keyrouter/quota/redis"
	quotasqlite "github.com/ineyio/keyrouter/quota/sqlite"
)

// openStore builds the configured backend. The returned close func releases
// whatever connection the store holds.
func openStore(ctx context.Context, cfg keyrouter.StoreConfig) (keyrouter.QuotaStore, func(), error) {
	switch cfg.Driver {
	case "", keyrouter.DriverSQLite:
		path := cfg.DSN
		if path == "" {
			path = "keyrouter.db"
		}
		var opts []quotasqlite.Option
		if cfg.Prefix != "" {
			opts = append(opts, quotasqlite.WithTable(cfg.Prefix+"usage"))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, quotasqlite.WithTimeout(cfg.Timeout))
		}
		s, err := quotasqlite.Open(ctx, path, opts...)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	case keyrouter.DriverMemory:
		return quota.NewMemoryStore(), func() {}, nil

	case keyrouter.DriverRedis:
		opt, err := goredis.ParseURL(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("keyrouterd: redis dsn: %w", err)
		}
		client := goredis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("keyrouterd: redis ping: %w", err)
		}
		opts := []quotaredis.Option{quotaredis.WithRetention(cfg.Retention)}
		if cfg.Prefix != "" {
			opts = append(opts, quotaredis.WithKeyPrefix(cfg.Prefix))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, quotaredis.WithTimeout(cfg.Timeout))
		}
		return quotaredis.New(client, opts...), func() { client.Close() }, nil

	case keyrouter.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("keyrouterd: postgres: %w", err)
		}
		var opts []quotapg.Option
		if cfg.Prefix != "" {
			opts = append(opts, quotapg.WithTablePrefix(cfg.Prefix))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, quotapg.WithTimeout(cfg.Timeout))
		}
		s := quotapg.New(pool, opts...)
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("keyrouterd: unknown store driver %q", cfg.Driver)
	}
}
