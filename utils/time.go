package utils

import (
	"time"
)

// WindowStart returns the start of the fixed-size window that contains t,
// aligned to the Unix epoch.
//
// Parameters:
//   - t: The instant to locate
//   - size: The window length; must be at least one second
//
// Returns:
//   - The window start in UTC
func WindowStart(t time.Time, size time.Duration) time.Time {
	secs := int64(size / time.Second)
	if secs <= 0 {
		return t.UTC()
	}

	unix := t.Unix()
	return time.Unix(unix-unix%secs, 0).UTC()
}

// UnixOrZero returns t as Unix seconds, or 0 for the zero time.
func UnixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.Unix()
}
