package keyrouter

import (
	"context"
	"time"
)

// QuotaStore persists per-(key, resource, day) usage records.
type QuotaStore interface {
	// GetUsage returns current usage for a key/resource pair. A stale minute
	// marker is rolled over and persisted before returning. A missing record
	// reads as zero and is not created.
	GetUsage(ctx context.Context, keyID, resource string) (Usage, error)

	// RecordUsage atomically adds one request and tokens to today's record,
	// rolling the per-minute counters first when the marker is stale.
	RecordUsage(ctx context.Context, keyID, resource string, tokens int64) error

	// Reset overwrites the counters of every record matching the filter.
	// Returns the number of records touched.
	Reset(ctx context.Context, filter ResetFilter) (int64, error)
}

// Seeder is implemented by stores that can pre-populate zero records.
type Seeder interface {
	// Seed creates today's record for every key/resource pair that has none.
	Seed(ctx context.Context, keyIDs, resources []string) error
}

// Pruner is implemented by stores that can drop old days.
type Pruner interface {
	// Prune deletes records filed under a day before the given time.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// ResetFilter selects records for Reset. Empty fields match everything.
type ResetFilter struct {
	KeyID    string
	Resource string
	To       int64
}

// Matches reports whether a record for keyID/resource is selected.
func (f ResetFilter) Matches(keyID, resource string) bool {
	return (f.KeyID == "" || f.KeyID == keyID) &&
		(f.Resource == "" || f.Resource == resource)
}

// Validate rejects negative targets.
func (f ResetFilter) Validate() error {
	if f.To < 0 {
		return ErrInvalidTokens
	}
	return nil
}

// Usage is a point-in-time view of a record.
type Usage struct {
	RequestsToday  int64 `json:"requests_today"`
	RequestsMinute int64 `json:"requests_minute"`
	TokensToday    int64 `json:"tokens_today"`
	TokensMinute   int64 `json:"tokens_minute"`
}

// Record is the persisted usage row for one key, resource and UTC day.
type Record struct {
	KeyID    string
	Resource string
	Day      time.Time // UTC midnight
	Minute   time.Time // minute the per-minute counters belong to

	RequestsToday  int64
	RequestsMinute int64
	TokensToday    int64
	TokensMinute   int64
}

// NewRecord returns an empty record filed under now's day and minute.
func NewRecord(keyID, resource string, now time.Time) Record {
	return Record{
		KeyID:    keyID,
		Resource: resource,
		Day:      DayOf(now),
		Minute:   MinuteOf(now),
	}
}

// Rollover clears the per-minute counters if the marker is behind now.
// A marker ahead of now is left alone. Reports whether anything changed.
func (r *Record) Rollover(now time.Time) bool {
	m := MinuteOf(now)
	if !r.Minute.Before(m) {
		return false
	}
	r.RequestsMinute = 0
	r.TokensMinute = 0
	r.Minute = m
	return true
}

// Add rolls the record over and counts one request of the given tokens.
func (r *Record) Add(tokens int64, now time.Time) {
	r.Rollover(now)
	r.RequestsToday++
	r.RequestsMinute++
	r.TokensToday += tokens
	r.TokensMinute += tokens
}

// Set overwrites all four counters.
func (r *Record) Set(v int64) {
	r.RequestsToday = v
	r.RequestsMinute = v
	r.TokensToday = v
	r.TokensMinute = v
}

// Usage returns the record's counters.
func (r Record) Usage() Usage {
	return Usage{
		RequestsToday:  r.RequestsToday,
		RequestsMinute: r.RequestsMinute,
		TokensToday:    r.TokensToday,
		TokensMinute:   r.TokensMinute,
	}
}
