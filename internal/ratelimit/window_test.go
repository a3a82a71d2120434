package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDayKey(t *testing.T) {
	at := time.Date(2025, 3, 9, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, "2025-03-09", DayKey(at))

	// Local timestamps normalize to UTC before bucketing.
	loc := time.FixedZone("UTC+5", 5*3600)
	at = time.Date(2025, 3, 10, 2, 0, 0, 0, loc)
	assert.Equal(t, "2025-03-09", DayKey(at))
}

func TestWindowStarts(t *testing.T) {
	at := time.Date(2025, 3, 9, 12, 34, 56, 789000000, time.UTC)

	assert.Equal(t, time.Date(2025, 3, 9, 12, 34, 0, 0, time.UTC).UnixMilli(), MinuteStart(at))
	assert.Equal(t, time.Date(2025, 3, 9, 12, 34, 56, 0, time.UTC).UnixMilli(), SecondStart(at))
}

func TestRoll(t *testing.T) {
	// Same window: increment.
	start, count := Roll(1000, 4, 1000)
	assert.Equal(t, int64(1000), start)
	assert.Equal(t, int64(5), count)

	// Later window: reset to 1.
	start, count = Roll(1000, 4, 61000)
	assert.Equal(t, int64(61000), start)
	assert.Equal(t, int64(1), count)
}

func TestSecondsToMinuteEnd(t *testing.T) {
	at := time.Date(2025, 3, 9, 12, 34, 45, 0, time.UTC)
	assert.Equal(t, int64(15), SecondsToMinuteEnd(at))

	at = time.Date(2025, 3, 9, 12, 34, 0, 0, time.UTC)
	assert.Equal(t, int64(60), SecondsToMinuteEnd(at))
}

func TestSecondsToMidnightUTC(t *testing.T) {
	at := time.Date(2025, 3, 9, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, int64(60), SecondsToMidnightUTC(at))

	at = time.Date(2025, 3, 9, 0, 0, 30, 0, time.UTC)
	assert.Equal(t, int64(86400-30), SecondsToMidnightUTC(at))
}

func TestMonthPrefix(t *testing.T) {
	at := time.Date(2025, 11, 30, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "2025-11", MonthPrefix(at))
}
