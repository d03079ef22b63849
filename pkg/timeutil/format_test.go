package timeutil

import "testing"

// TestFormatISO verifies the wire format keeps microsecond resolution
// and the Z suffix.
func TestFormatISO(t *testing.T) {
	// 2023-11-14T22:13:20.000123Z
	got := FormatISO(1700000000000123)
	if got != "2023-11-14T22:13:20.000123Z" {
		t.Errorf("FormatISO: got %q", got)
	}
}

// TestMicrosRoundTrip verifies conversion through time.Time is
// lossless at microsecond resolution.
func TestMicrosRoundTrip(t *testing.T) {
	us := int64(1700000000123456)
	if got := ToMicros(FromMicros(us)); got != us {
		t.Errorf("round trip: got %d, want %d", got, us)
	}
}

// TestParseJournalMicros verifies the decimal string parse and its
// failure modes.
func TestParseJournalMicros(t *testing.T) {
	if us, ok := ParseJournalMicros("1700000000000123"); !ok || us != 1700000000000123 {
		t.Errorf("valid value: got %d,%v", us, ok)
	}
	for _, bad := range []string{"", "abc", "12.5", "99999999999999999999"} {
		if _, ok := ParseJournalMicros(bad); ok {
			t.Errorf("expected failure for %q", bad)
		}
	}
}
