// Package timeutil provides timestamp conversion helpers for Chimera.
//
// The journal reports timestamps as microseconds since the Unix epoch;
// the analytic store keeps them as int64 microseconds in UTC. This
// package handles the conversions and the ISO-8601 wire format used
// by the query responses.
package timeutil

import (
	"strconv"
	"time"
)

// ISO8601Micro is the wire format for timestamps: ISO-8601 in UTC with
// microsecond resolution and an explicit Z suffix.
const ISO8601Micro = "2006-01-02T15:04:05.000000Z"

// FromMicros converts Unix microseconds to a UTC time.Time.
func FromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

// ToMicros converts a time.Time to Unix microseconds.
func ToMicros(t time.Time) int64 {
	return t.UnixMicro()
}

// NowMicros returns the current time as Unix microseconds.
func NowMicros() int64 {
	return time.Now().UnixMicro()
}

// FormatISO renders a UTC timestamp in the ISO-8601 wire format.
func FormatISO(us int64) string {
	return FromMicros(us).Format(ISO8601Micro)
}

// ParseJournalMicros parses the journal's decimal microsecond string.
// Returns false when the value is absent or not a valid integer.
func ParseJournalMicros(value string) (int64, bool) {
	if value == "" {
		return 0, false
	}
	us, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false
	}
	return us, true
}
