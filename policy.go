package keyrouter

import (
	"fmt"
	"math"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Unbounded is the score of a candidate with no constrained dimension.
const Unbounded int64 = math.MaxInt64

// Limit is an optional quota cap. The zero value is unlimited.
type Limit struct {
	max int64
	set bool
}

// Max returns a limit capped at n. Max(0) allows nothing.
func Max(n int64) Limit { return Limit{max: n, set: true} }

// Unlimited returns a limit that never constrains.
func Unlimited() Limit { return Limit{} }

// IsUnlimited reports whether the limit constrains nothing.
func (l Limit) IsUnlimited() bool { return !l.set }

// Value returns the cap and whether one is set.
func (l Limit) Value() (int64, bool) { return l.max, l.set }

// Headroom returns max-used, which may be negative once usage overshoots.
// The bool is false for an unlimited limit.
func (l Limit) Headroom(used int64) (int64, bool) {
	if !l.set {
		return 0, false
	}
	return l.max - used, true
}

func (l Limit) String() string {
	if !l.set {
		return "unlimited"
	}
	return strconv.FormatInt(l.max, 10)
}

// UnmarshalYAML accepts a non-negative integer or "unlimited". A zero in
// config files means unlimited.
func (l *Limit) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("keyrouter: limit: expected scalar, got %v", node.Tag)
	}
	if node.Tag == "!!null" || node.Value == "unlimited" || node.Value == "" {
		*l = Unlimited()
		return nil
	}
	n, err := strconv.ParseInt(node.Value, 10, 64)
	if err != nil {
		return fmt.Errorf("keyrouter: limit %q: %w", node.Value, err)
	}
	if n < 0 {
		return fmt.Errorf("keyrouter: limit %d: must not be negative", n)
	}
	if n == 0 {
		*l = Unlimited()
		return nil
	}
	*l = Max(n)
	return nil
}

// MarshalYAML writes the config-file form of the limit.
func (l Limit) MarshalYAML() (any, error) {
	if !l.set {
		return "unlimited", nil
	}
	return l.max, nil
}

// Policy holds the four quota limits of a resource.
type Policy struct {
	RequestsPerMinute Limit `yaml:"requests_per_minute"`
	RequestsPerDay    Limit `yaml:"requests_per_day"`
	TokensPerMinute   Limit `yaml:"tokens_per_minute"`
	TokensPerDay      Limit `yaml:"tokens_per_day"`
}

// Validate rejects negative caps.
func (p Policy) Validate() error {
	for _, l := range [...]Limit{p.RequestsPerMinute, p.RequestsPerDay, p.TokensPerMinute, p.TokensPerDay} {
		if n, ok := l.Value(); ok && n < 0 {
			return fmt.Errorf("limit %d must not be negative", n)
		}
	}
	return nil
}

// Score returns the smallest headroom across the constrained dimensions of p,
// or Unbounded when nothing is constrained.
func Score(p Policy, u Usage) int64 {
	score := Unbounded
	for _, d := range [...]struct {
		limit Limit
		used  int64
	}{
		{p.RequestsPerDay, u.RequestsToday},
		{p.RequestsPerMinute, u.RequestsMinute},
		{p.TokensPerDay, u.TokensToday},
		{p.TokensPerMinute, u.TokensMinute},
	} {
		if h, ok := d.limit.Headroom(d.used); ok && h < score {
			score = h
		}
	}
	return score
}
