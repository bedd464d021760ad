package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ineyio/keyrouter"
)

type server struct {
	router *keyrouter.Router
	reg    *prometheus.Registry
	logger *slog.Logger
}

func newServer(router *keyrouter.Router, reg *prometheus.Registry, logger *slog.Logger) *server {
	return &server{router: router, reg: reg, logger: logger}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/acquire", s.handleAcquire)
	mux.HandleFunc("POST /v1/record", s.handleRecord)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("POST /v1/reset", s.handleReset)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	return mux
}

type acquireRequest struct {
	Model string `json:"model"`
}

type acquireResponse struct {
	RequestID string `json:"request_id"`
	Resource  string `json:"resource"`
	KeyID     string `json:"key_id"`
	APIKey    string `json:"api_key"`
}

type recordRequest struct {
	KeyID    string              `json:"key_id"`
	Model    string              `json:"model"`
	Tokens   *int64              `json:"tokens,omitempty"`
	Messages []keyrouter.Message `json:"messages,omitempty"`
}

type resetRequest struct {
	KeyID string `json:"key_id"`
	Model string `json:"model"`
	To    int64  `json:"to"`
}

type usageResponse struct {
	Resource string                 `json:"resource"`
	Keys     []keyrouter.Evaluation `json:"keys"`
}

func (s *server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if !decode(w, r, &req) {
		return
	}
	lease, err := s.router.Acquire(r.Context(), req.Model)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acquireResponse{
		RequestID: lease.RequestID,
		Resource:  lease.Resource,
		KeyID:     lease.Key.ID,
		APIKey:    lease.Key.APIKey,
	})
}

func (s *server) handleRecord(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if !decode(w, r, &req) {
		return
	}
	tokens := keyrouter.EstimateTokens(req.Messages)
	if req.Tokens != nil {
		tokens = *req.Tokens
	}
	if err := s.router.Record(r.Context(), req.KeyID, req.Model, tokens); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"tokens": tokens})
}

func (s *server) handleUsage(w http.ResponseWriter, r *http.Request) {
	resource, evals, err := s.router.Usage(r.Context(), r.URL.Query().Get("model"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{Resource: resource, Keys: evals})
}

func (s *server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := s.router.Reset(r.Context(), req.KeyID, req.Model, req.To)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"records": n})
}

func (s *server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": version})
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, keyrouter.ErrExhausted):
		status = http.StatusTooManyRequests
	case errors.Is(err, keyrouter.ErrUnknownResource), errors.Is(err, keyrouter.ErrNoKeys),
		errors.Is(err, keyrouter.ErrUnknownKey):
		status = http.StatusNotFound
	case errors.Is(err, keyrouter.ErrInvalidTokens):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
