package keyrouter

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

const defaultFetchConcurrency = 8

// Evaluation is the scored usage of one candidate key.
type Evaluation struct {
	KeyID string `json:"key_id"`
	Usage Usage  `json:"usage"`
	Score int64  `json:"score"`
}

// Selector picks the key with the most headroom for a resource.
// It is safe for concurrent use.
type Selector struct {
	policies    map[string]Policy
	store       QuotaStore
	concurrency int
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithFetchConcurrency bounds the number of parallel usage reads per
// selection. Values below 1 mean sequential reads.
func WithFetchConcurrency(n int) SelectorOption {
	return func(s *Selector) { s.concurrency = n }
}

// NewSelector creates a Selector over a fixed policy table.
func NewSelector(policies map[string]Policy, store QuotaStore, opts ...SelectorOption) *Selector {
	copied := make(map[string]Policy, len(policies))
	for name, p := range policies {
		copied[name] = p
	}
	s := &Selector{
		policies:    copied,
		store:       store,
		concurrency: defaultFetchConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.concurrency < 1 {
		s.concurrency = 1
	}
	return s
}

// Policy returns the policy configured for a resource.
func (s *Selector) Policy(resource string) (Policy, bool) {
	p, ok := s.policies[resource]
	return p, ok
}

// Select returns the candidate with the greatest headroom. Ties go to the
// earlier candidate. ErrExhausted is returned when no candidate has positive
// headroom on every constrained dimension, including for an empty list.
func (s *Selector) Select(ctx context.Context, resource string, candidates []string) (string, error) {
	evals, err := s.Evaluate(ctx, resource, candidates)
	if err != nil {
		return "", err
	}
	best, ok := Best(evals)
	if !ok {
		return "", &SelectError{Err: ErrExhausted, Resource: resource, Candidates: len(candidates)}
	}
	return best.KeyID, nil
}

// Record counts one request of the given tokens against keyID.
func (s *Selector) Record(ctx context.Context, keyID, resource string, tokens int64) error {
	if _, ok := s.policies[resource]; !ok {
		return &SelectError{Err: ErrUnknownResource, Resource: resource, KeyID: keyID}
	}
	if tokens < 0 {
		return ErrInvalidTokens
	}
	return s.store.RecordUsage(ctx, keyID, resource, tokens)
}

// Evaluate reads and scores every candidate, preserving input order.
func (s *Selector) Evaluate(ctx context.Context, resource string, candidates []string) ([]Evaluation, error) {
	policy, ok := s.policies[resource]
	if !ok {
		return nil, &SelectError{Err: ErrUnknownResource, Resource: resource, Candidates: len(candidates)}
	}

	evals := make([]Evaluation, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, keyID := range candidates {
		g.Go(func() error {
			u, err := s.store.GetUsage(gctx, keyID, resource)
			if err != nil {
				return &SelectError{
					Err:        fmt.Errorf("get usage: %w", err),
					Resource:   resource,
					KeyID:      keyID,
					Candidates: len(candidates),
				}
			}
			evals[i] = Evaluation{KeyID: keyID, Usage: u, Score: Score(policy, u)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return evals, nil
}

// Best scans evals in order and returns the first one holding the strictly
// greatest score. ok is false when that score is not positive or evals is
// empty.
func Best(evals []Evaluation) (Evaluation, bool) {
	var (
		best  Evaluation
		found bool
	)
	for _, e := range evals {
		if !found || e.Score > best.Score {
			best = e
			found = true
		}
	}
	if !found || best.Score <= 0 {
		return Evaluation{}, false
	}
	return best, true
}
