package keyrouter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Router hands out pooled keys for model requests and records what they
// consumed.
type Router struct {
	keys     []KeyConfig
	byID     map[string]KeyConfig
	aliases  map[string]string
	policies map[string]Policy
	store    QuotaStore
	selector *Selector
	meter    Meter
	health   *HealthTracker
	selOpts  []SelectorOption
}

// Option configures a Router.
type Option func(*Router)

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(r *Router) { r.meter = m }
}

// WithHealthTracker sets the health tracker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(r *Router) { r.health = h }
}

// WithSelectorOptions passes options through to the Selector.
func WithSelectorOptions(opts ...SelectorOption) Option {
	return func(r *Router) { r.selOpts = append(r.selOpts, opts...) }
}

// NewRouter creates a Router over the configured keys and policies.
func NewRouter(cfg Config, store QuotaStore, opts ...Option) (*Router, error) {
	if store == nil {
		return nil, fmt.Errorf("keyrouter: quota store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Router{
		keys:     cfg.Keys,
		byID:     make(map[string]KeyConfig, len(cfg.Keys)),
		aliases:  cfg.AliasTable(),
		policies: cfg.Policies(),
		store:    store,
		health:   NewHealthTracker(),
	}
	for _, k := range cfg.Keys {
		r.byID[k.ID] = k
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.meter == nil {
		r.meter = &noopMeter{}
	}
	r.selector = NewSelector(r.policies, store, r.selOpts...)

	return r, nil
}

// Selector returns the underlying selector.
func (r *Router) Selector() *Selector {
	return r.selector
}

// Resolve maps a model name or alias to a configured resource.
func (r *Router) Resolve(model string) (string, error) {
	resource, ok := resolveResource(r.aliases, r.policies, model)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownResource, model)
	}
	return resource, nil
}

// Keys returns the ids of every key serving resource, in config order,
// regardless of health.
func (r *Router) Keys(resource string) []string {
	var ids []string
	for _, k := range r.keys {
		if k.Serves(resource) {
			ids = append(ids, k.ID)
		}
	}
	return ids
}

// Acquire selects a key for model.
func (r *Router) Acquire(ctx context.Context, model string) (Lease, error) {
	resource, err := r.Resolve(model)
	if err != nil {
		return Lease{}, err
	}
	return r.acquire(ctx, resource, uuid.NewString(), 1, nil)
}

func (r *Router) acquire(ctx context.Context, resource, requestID string, attempt int, exclude map[string]bool) (Lease, error) {
	if len(r.Keys(resource)) == 0 {
		return Lease{}, fmt.Errorf("%w: %q", ErrNoKeys, resource)
	}

	candidates := buildCandidates(r.keys, r.health, resource, exclude)

	start := time.Now()
	keyID, err := r.selector.Select(ctx, resource, candidates)
	r.meter.OnSelect(SelectEvent{
		RequestID:  requestID,
		Resource:   resource,
		KeyID:      keyID,
		Candidates: len(candidates),
		Attempt:    attempt,
		Duration:   time.Since(start),
		Error:      err,
	})
	if err != nil {
		return Lease{}, err
	}

	k := r.byID[keyID]
	return Lease{
		RequestID: requestID,
		Resource:  resource,
		Key:       Key{ID: k.ID, APIKey: k.APIKey},
		Attempt:   attempt,
	}, nil
}

// Complete records tokens consumed under a lease.
func (r *Router) Complete(ctx context.Context, lease Lease, tokens int64) error {
	err := r.selector.Record(ctx, lease.Key.ID, lease.Resource, tokens)
	if err == nil {
		r.health.RecordSuccess(lease.Key.ID)
	}
	r.meter.OnRecord(RecordEvent{
		RequestID: lease.RequestID,
		Resource:  lease.Resource,
		KeyID:     lease.Key.ID,
		Tokens:    tokens,
		Success:   err == nil,
		Error:     err,
	})
	return err
}

// Fail reports that the upstream call under a lease failed. Nothing is
// recorded against the quota.
func (r *Router) Fail(lease Lease, err error) {
	r.health.RecordFailure(lease.Key.ID)
	r.meter.OnRecord(RecordEvent{
		RequestID: lease.RequestID,
		Resource:  lease.Resource,
		KeyID:     lease.Key.ID,
		Success:   false,
		Error:     err,
	})
}

// Record counts consumption for a key outside of a lease.
func (r *Router) Record(ctx context.Context, keyID, model string, tokens int64) error {
	resource, err := r.Resolve(model)
	if err != nil {
		return err
	}
	if _, ok := r.byID[keyID]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, keyID)
	}
	return r.selector.Record(ctx, keyID, resource, tokens)
}

// Usage evaluates every key serving model.
func (r *Router) Usage(ctx context.Context, model string) (string, []Evaluation, error) {
	resource, err := r.Resolve(model)
	if err != nil {
		return "", nil, err
	}
	evals, err := r.selector.Evaluate(ctx, resource, r.Keys(resource))
	return resource, evals, err
}

// Reset overwrites counters. Empty keyID or model match everything.
func (r *Router) Reset(ctx context.Context, keyID, model string, to int64) (int64, error) {
	filter := ResetFilter{KeyID: keyID, To: to}
	if model != "" {
		resource, err := r.Resolve(model)
		if err != nil {
			return 0, err
		}
		filter.Resource = resource
	}
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	return r.store.Reset(ctx, filter)
}

// Seed pre-populates zero records for every key/resource pair when the store
// supports it.
func (r *Router) Seed(ctx context.Context) error {
	seeder, ok := r.store.(Seeder)
	if !ok {
		return nil
	}
	for resource := range r.policies {
		if err := seeder.Seed(ctx, r.Keys(resource), []string{resource}); err != nil {
			return err
		}
	}
	return nil
}

// Do selects a key for model, runs fn with it and records the tokens fn
// reports. A retryable error moves on to the next best key.
func (r *Router) Do(ctx context.Context, model string, fn func(ctx context.Context, key Key) (int64, error)) (Result, error) {
	resource, err := r.Resolve(model)
	if err != nil {
		return Result{}, err
	}

	requestID := uuid.NewString()
	exclude := make(map[string]bool)
	var lastErr error

	for attempt := 1; ; attempt++ {
		lease, err := r.acquire(ctx, resource, requestID, attempt, exclude)
		if err != nil {
			if lastErr != nil && errors.Is(err, ErrExhausted) {
				return Result{}, &DispatchError{
					Err:      fmt.Errorf("%w: %w", ErrAllFailed, lastErr),
					Resource: resource,
					Attempts: attempt - 1,
				}
			}
			return Result{}, err
		}

		tokens, err := fn(ctx, lease.Key)
		if err != nil {
			r.Fail(lease, err)
			if !IsRetryable(err) {
				return Result{}, &DispatchError{Err: err, Resource: resource, KeyID: lease.Key.ID, Attempts: attempt}
			}
			exclude[lease.Key.ID] = true
			lastErr = err
			continue
		}

		if err := r.Complete(ctx, lease, tokens); err != nil {
			return Result{}, &DispatchError{Err: err, Resource: resource, KeyID: lease.Key.ID, Attempts: attempt}
		}

		return Result{
			RequestID: requestID,
			Resource:  resource,
			KeyID:     lease.Key.ID,
			Tokens:    tokens,
			Attempts:  attempt,
		}, nil
	}
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnSelect(SelectEvent) {}
func (m *noopMeter) OnRecord(RecordEvent) {}
