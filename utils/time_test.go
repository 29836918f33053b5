package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowStart(t *testing.T) {
	t.Run("aligns to ten minute window", func(t *testing.T) {
		ts := time.Date(2024, 5, 1, 13, 47, 31, 500, time.UTC)
		got := WindowStart(ts, 10*time.Minute)
		assert.Equal(t, time.Date(2024, 5, 1, 13, 40, 0, 0, time.UTC), got)
	})

	t.Run("boundary is its own window", func(t *testing.T) {
		ts := time.Date(2024, 5, 1, 13, 50, 0, 0, time.UTC)
		assert.Equal(t, ts, WindowStart(ts, 10*time.Minute))
	})

	t.Run("zone does not matter", func(t *testing.T) {
		loc := time.FixedZone("IST", 5*3600+1800)
		ts := time.Date(2024, 5, 1, 19, 17, 31, 0, loc)
		assert.Equal(t, time.Date(2024, 5, 1, 13, 40, 0, 0, time.UTC), WindowStart(ts, 10*time.Minute))
	})

	t.Run("sub-second size returns input", func(t *testing.T) {
		ts := time.Unix(1000, 0)
		assert.Equal(t, ts.UTC(), WindowStart(ts, time.Millisecond))
	})
}

func TestUnixOrZero(t *testing.T) {
	assert.Zero(t, UnixOrZero(time.Time{}))
	assert.Equal(t, int64(1700000000), UnixOrZero(time.Unix(1700000000, 0)))
}
