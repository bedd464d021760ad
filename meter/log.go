package meter

import (
	"errors"
	"log/slog"

	"github.com/ineyio/keyrouter"
)

// LogMeter logs selection and consumption events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ keyrouter.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnSelect(e keyrouter.SelectEvent) {
	switch {
	case e.Error == nil:
		m.Logger.Info("select",
			"request_id", e.RequestID,
			"resource", e.Resource,
			"key", e.KeyID,
			"candidates", e.Candidates,
			"attempt", e.Attempt,
			"duration_ms", e.Duration.Milliseconds(),
		)
	case errors.Is(e.Error, keyrouter.ErrExhausted):
		m.Logger.Warn("select_exhausted",
			"request_id", e.RequestID,
			"resource", e.Resource,
			"candidates", e.Candidates,
			"attempt", e.Attempt,
		)
	default:
		m.Logger.Error("select_error",
			"request_id", e.RequestID,
			"resource", e.Resource,
			"candidates", e.Candidates,
			"attempt", e.Attempt,
			"error", e.Error,
		)
	}
}

func (m *LogMeter) OnRecord(e keyrouter.RecordEvent) {
	if e.Success {
		m.Logger.Info("record",
			"request_id", e.RequestID,
			"resource", e.Resource,
			"key", e.KeyID,
			"tokens", e.Tokens,
		)
	} else {
		m.Logger.Warn("record_error",
			"request_id", e.RequestID,
			"resource", e.Resource,
			"key", e.KeyID,
			"error", e.Error,
		)
	}
}
