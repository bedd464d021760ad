package keyrouter

import "time"

// DayLayout is the layout of day keys.
const DayLayout = "2006-01-02"

// MinuteOf truncates t to its UTC minute.
func MinuteOf(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// DayOf returns UTC midnight of t's UTC date.
func DayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DayKey formats t's UTC date as used in storage keys.
func DayKey(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// ParseDayKey is the inverse of DayKey.
func ParseDayKey(s string) (time.Time, error) {
	return time.ParseInLocation(DayLayout, s, time.UTC)
}
