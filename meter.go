package keyrouter

import "time"

// Meter observes selection and consumption events for monitoring/logging.
type Meter interface {
	// OnSelect is called after every selection attempt.
	OnSelect(event SelectEvent)

	// OnRecord is called after consumption is recorded or a call fails.
	OnRecord(event RecordEvent)
}

// SelectEvent describes a selection decision.
type SelectEvent struct {
	RequestID  string
	Resource   string
	KeyID      string // empty when nothing was selected
	Candidates int
	Attempt    int
	Duration   time.Duration
	Error      error
}

// RecordEvent describes the outcome of a leased call.
type RecordEvent struct {
	RequestID string
	Resource  string
	KeyID     string
	Tokens    int64
	Success   bool
	Error     error
}
