package meter

import "github.com/ineyio/keyrouter"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ keyrouter.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnSelect(keyrouter.SelectEvent) {}
func (m *NoopMeter) OnRecord(keyrouter.RecordEvent) {}
