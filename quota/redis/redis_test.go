//go:build integration

package redis_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/keyrouter"
	quotaredis "github.com/ineyio/keyrouter/quota/redis"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestStore(t *testing.T, client *goredis.Client) (*quotaredis.Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 3, 14, 23, 58, 5, 0, time.UTC)}
	// Use a unique prefix per test to avoid collisions.
	prefix := "test:" + t.Name() + ":"
	s := quotaredis.New(client, quotaredis.WithKeyPrefix(prefix), quotaredis.WithNow(clock.Now))
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return s, clock
}

func TestGetUsageMissing(t *testing.T) {
	client := newTestClient(t)
	store, _ := newTestStore(t, client)

	u, err := store.GetUsage(context.Background(), "k1", "m")
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if u != (keyrouter.Usage{}) {
		t.Fatalf("expected zero usage, got %+v", u)
	}
}

func TestRecordAndRollover(t *testing.T) {
	client := newTestClient(t)
	store, clock := newTestStore(t, client)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.RecordUsage(ctx, "k1", "m", 10); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	clock.Advance(time.Minute)

	u, err := store.GetUsage(ctx, "k1", "m")
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if u.RequestsMinute != 0 || u.RequestsToday != 5 {
		t.Fatalf("expected rolled minute, got %+v", u)
	}

	rec, found, err := store.Lookup(ctx, "k1", "m", clock.Now())
	if err != nil || !found {
		t.Fatalf("lookup: found=%v err=%v", found, err)
	}
	if rec.RequestsMinute != 0 || !rec.Minute.Equal(keyrouter.MinuteOf(clock.Now())) {
		t.Fatalf("rollover not persisted: %+v", rec)
	}

	if err := store.RecordUsage(ctx, "k1", "m", 3); err != nil {
		t.Fatalf("record: %v", err)
	}
	u, _ = store.GetUsage(ctx, "k1", "m")
	if u.RequestsMinute != 1 || u.TokensMinute != 3 || u.TokensToday != 53 {
		t.Fatalf("unexpected usage after rollover: %+v", u)
	}
}

func TestDayIsolation(t *testing.T) {
	client := newTestClient(t)
	store, clock := newTestStore(t, client)
	ctx := context.Background()

	day1 := clock.Now()
	_ = store.RecordUsage(ctx, "k1", "m", 100)
	clock.Advance(3 * time.Minute)
	_ = store.RecordUsage(ctx, "k1", "m", 1)

	old, _, _ := store.Lookup(ctx, "k1", "m", day1)
	if old.TokensToday != 100 || old.RequestsToday != 1 {
		t.Fatalf("previous day modified: %+v", old)
	}
	fresh, _, _ := store.Lookup(ctx, "k1", "m", clock.Now())
	if fresh.TokensToday != 1 {
		t.Fatalf("expected fresh record, got %+v", fresh)
	}
}

func TestConcurrentRecords(t *testing.T) {
	client := newTestClient(t)
	store, _ := newTestStore(t, client)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.RecordUsage(ctx, "k1", "m", 2)
		}()
	}
	wg.Wait()

	u, err := store.GetUsage(ctx, "k1", "m")
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if u.RequestsToday != 50 || u.TokensMinute != 100 {
		t.Fatalf("lost updates: %+v", u)
	}
}

func TestResetSeedPrune(t *testing.T) {
	client := newTestClient(t)
	store, clock := newTestStore(t, client)
	ctx := context.Background()

	_ = store.RecordUsage(ctx, "k1", "a", 5)
	if err := store.Seed(ctx, []string{"k1", "k2"}, []string{"a"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	u, _ := store.GetUsage(ctx, "k1", "a")
	if u.TokensToday != 5 {
		t.Fatalf("seed clobbered record: %+v", u)
	}

	n, err := store.Reset(ctx, keyrouter.ResetFilter{KeyID: "k1"})
	if err != nil || n != 1 {
		t.Fatalf("reset: n=%d err=%v", n, err)
	}

	clock.Advance(24 * time.Hour)
	_ = store.RecordUsage(ctx, "k1", "a", 1)

	n, err = store.Prune(ctx, clock.Now())
	if err != nil || n != 2 {
		t.Fatalf("prune: n=%d err=%v", n, err)
	}
}

func TestKeyPrefixIsolation(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	s1 := quotaredis.New(client, quotaredis.WithKeyPrefix("test:iso1:"))
	s2 := quotaredis.New(client, quotaredis.WithKeyPrefix("test:iso2:"))
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, "test:iso*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})

	_ = s1.RecordUsage(ctx, "k1", "m", 10)

	u1, _ := s1.GetUsage(ctx, "k1", "m")
	u2, _ := s2.GetUsage(ctx, "k1", "m")

	if u1.RequestsToday != 1 {
		t.Fatalf("s1 expected 1 request, got %d", u1.RequestsToday)
	}
	if u2.RequestsToday != 0 {
		t.Fatalf("s2 expected 0 requests, got %d", u2.RequestsToday)
	}
}
