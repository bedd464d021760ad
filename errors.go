package keyrouter

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrUnknownResource = errors.New("keyrouter: unknown resource")
	ErrExhausted       = errors.New("keyrouter: all keys exhausted")
	ErrInvalidTokens   = errors.New("keyrouter: token count must not be negative")
	ErrNoKeys          = errors.New("keyrouter: no keys configured for resource")
	ErrUnknownKey      = errors.New("keyrouter: unknown key")
	ErrRateLimited     = errors.New("keyrouter: rate limited by upstream")
	ErrAuthFailed      = errors.New("keyrouter: upstream authentication failed")
	ErrUpstream        = errors.New("keyrouter: upstream unavailable")
	ErrAllFailed       = errors.New("keyrouter: all keys failed")
)

// SelectError wraps a selection failure with its context.
type SelectError struct {
	Err        error
	Resource   string
	KeyID      string // set when a storage read for this key failed
	Candidates int
}

func (e *SelectError) Error() string {
	if e.KeyID != "" {
		return fmt.Sprintf("keyrouter: select resource=%s key=%s candidates=%d: %v",
			e.Resource, e.KeyID, e.Candidates, e.Err)
	}
	return fmt.Sprintf("keyrouter: select resource=%s candidates=%d: %v",
		e.Resource, e.Candidates, e.Err)
}

func (e *SelectError) Unwrap() error {
	return e.Err
}

// DispatchError wraps a failed Router.Do call.
type DispatchError struct {
	Err      error
	Resource string
	KeyID    string
	Attempts int
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("keyrouter: resource=%s key=%s attempts=%d: %v",
		e.Resource, e.KeyID, e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the error should not be retried with another key.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidTokens) || errors.Is(err, ErrUnknownResource)
}

// IsRetryable returns true if the error can be retried with another key.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUpstream) ||
		errors.Is(err, ErrAuthFailed)
}
