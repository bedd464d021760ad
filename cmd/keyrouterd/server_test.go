package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/keyrouter"
	"github.com/ineyio/keyrouter/meter"
	"github.com/ineyio/keyrouter/quota"
)

func newTestServer(t *testing.T) (*httptest.Server, *quota.MemoryStore) {
	t.Helper()
	cfg := keyrouter.Config{
		Resources: map[string]keyrouter.Policy{
			"chat": {RequestsPerMinute: keyrouter.Max(1)},
		},
		Aliases: map[string]string{"default": "chat"},
		Keys: []keyrouter.KeyConfig{
			{ID: "a", APIKey: "sk-a"},
			{ID: "b", APIKey: "sk-b"},
		},
	}
	store := quota.NewMemoryStore()
	reg := prometheus.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	router, err := keyrouter.NewRouter(cfg, store, keyrouter.WithMeter(meter.NewPrometheusMeter(reg)))
	require.NoError(t, err)

	ts := httptest.NewServer(newServer(router, reg, logger).routes())
	t.Cleanup(ts.Close)
	return ts, store
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestAcquireAndRecord(t *testing.T) {
	ts, store := newTestServer(t)

	resp, body := postJSON(t, ts.URL+"/v1/acquire", map[string]string{"model": "default"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a", body["key_id"])
	assert.Equal(t, "sk-a", body["api_key"])
	assert.Equal(t, "chat", body["resource"])
	assert.NotEmpty(t, body["request_id"])

	resp, body = postJSON(t, ts.URL+"/v1/record", map[string]any{"key_id": "a", "model": "chat", "tokens": 12})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(12), body["tokens"])

	u, err := store.GetUsage(context.Background(), "a", "chat")
	require.NoError(t, err)
	assert.Equal(t, int64(12), u.TokensToday)

	resp, body = postJSON(t, ts.URL+"/v1/acquire", map[string]string{"model": "chat"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "b", body["key_id"])

	resp, _ = postJSON(t, ts.URL+"/v1/record", map[string]any{"key_id": "b", "model": "chat", "tokens": 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = postJSON(t, ts.URL+"/v1/acquire", map[string]string{"model": "chat"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Contains(t, body["error"], "exhausted")
}

func TestRecord_EstimatesFromMessages(t *testing.T) {
	ts, store := newTestServer(t)

	resp, body := postJSON(t, ts.URL+"/v1/record", map[string]any{
		"key_id":   "b",
		"model":    "chat",
		"messages": []map[string]string{{"role": "user", "content": "twelve chars"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3+4+3), body["tokens"])

	u, err := store.GetUsage(context.Background(), "b", "chat")
	require.NoError(t, err)
	assert.Equal(t, int64(10), u.TokensToday)
}

func TestErrorStatuses(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"unknown model", "/v1/acquire", map[string]string{"model": "nope"}, http.StatusNotFound},
		{"unknown key", "/v1/record", map[string]any{"key_id": "zz", "model": "chat", "tokens": 1}, http.StatusNotFound},
		{"negative tokens", "/v1/record", map[string]any{"key_id": "a", "model": "chat", "tokens": -4}, http.StatusBadRequest},
		{"negative reset", "/v1/reset", map[string]any{"to": -1}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := postJSON(t, ts.URL+tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}

	resp, err := http.Post(ts.URL+"/v1/acquire", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/acquire")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestUsageAndReset(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := postJSON(t, ts.URL+"/v1/record", map[string]any{"key_id": "a", "model": "chat", "tokens": 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var usage usageResponse
	getJSON(t, ts.URL+"/v1/usage?model=default", &usage)
	assert.Equal(t, "chat", usage.Resource)
	require.Len(t, usage.Keys, 2)
	assert.Equal(t, "a", usage.Keys[0].KeyID)
	assert.Equal(t, int64(5), usage.Keys[0].Usage.TokensToday)
	assert.Equal(t, int64(0), usage.Keys[0].Score)
	assert.Equal(t, int64(1), usage.Keys[1].Score)

	resp, body := postJSON(t, ts.URL+"/v1/reset", map[string]any{"key_id": "a"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["records"])

	getJSON(t, ts.URL+"/v1/usage?model=chat", &usage)
	assert.Equal(t, keyrouter.Usage{}, usage.Keys[0].Usage)
}

func TestVersionAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t)

	var v map[string]string
	getJSON(t, ts.URL+"/version", &v)
	assert.Equal(t, version, v["version"])

	resp, _ := postJSON(t, ts.URL+"/v1/acquire", map[string]string{"model": "chat"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `keyrouter_selections_total{key="a",resource="chat"} 1`)
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

type countingPruner struct {
	calls atomic.Int32
}

func (p *countingPruner) Prune(context.Context, time.Time) (int64, error) {
	p.calls.Add(1)
	return 0, nil
}

func TestRunPruner(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &countingPruner{}
	done := make(chan struct{})
	go func() {
		runPruner(ctx, p, time.Hour, 5*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
		close(done)
	}()

	assert.Eventually(t, func() bool { return p.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pruner did not stop")
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	s, closeFn, err := openStore(ctx, keyrouter.StoreConfig{Driver: keyrouter.DriverMemory})
	require.NoError(t, err)
	closeFn()
	assert.IsType(t, &quota.MemoryStore{}, s)

	s, closeFn, err = openStore(ctx, keyrouter.StoreConfig{
		Driver:  keyrouter.DriverSQLite,
		DSN:     t.TempDir() + "/usage.db",
		Prefix:  "kr_",
		Timeout: time.Second,
	})
	require.NoError(t, err)
	defer closeFn()
	require.NoError(t, s.RecordUsage(ctx, "a", "chat", 3))
	u, err := s.GetUsage(ctx, "a", "chat")
	require.NoError(t, err)
	assert.Equal(t, int64(3), u.TokensToday)

	_, _, err = openStore(ctx, keyrouter.StoreConfig{Driver: keyrouter.DriverRedis, DSN: "::bad"})
	assert.Error(t, err)
}
