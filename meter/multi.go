package meter

import "github.com/ineyio/keyrouter"

// MultiMeter fans events out to several meters in order.
type MultiMeter []keyrouter.Meter

var _ keyrouter.Meter = MultiMeter(nil)

// Multi combines meters. Nil entries are skipped.
func Multi(meters ...keyrouter.Meter) MultiMeter {
	out := make(MultiMeter, 0, len(meters))
	for _, m := range meters {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}

func (m MultiMeter) OnSelect(e keyrouter.SelectEvent) {
	for _, inner := range m {
		inner.OnSelect(e)
	}
}

func (m MultiMeter) OnRecord(e keyrouter.RecordEvent) {
	for _, inner := range m {
		inner.OnRecord(e)
	}
}
