package ratelimit

import "time"

// Window state is implicit: each granularity is a count plus the window's
// start timestamp, and rollover happens as a side effect of the next request.
// The helpers here are pure so the reset-vs-increment decision can be tested
// without a live store; the SQL upsert mirrors Roll exactly.

// DayKey returns the UTC calendar day as YYYY-MM-DD.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// MonthPrefix returns the UTC calendar month as YYYY-MM, used to aggregate
// daily buckets for reporting.
func MonthPrefix(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// MinuteStart returns second 0 of t's minute, in unix milliseconds.
func MinuteStart(t time.Time) int64 {
	return t.UTC().Truncate(time.Minute).UnixMilli()
}

// SecondStart returns millisecond 0 of t's second, in unix milliseconds.
func SecondStart(t time.Time) int64 {
	return t.UTC().Truncate(time.Second).UnixMilli()
}

// Roll applies the reset-vs-increment rule for one window granularity: a
// request landing in a later window resets the count to 1, otherwise the
// count advances within the live window.
func Roll(prevStart, prevCount, currStart int64) (start, count int64) {
	if prevStart < currStart {
		return currStart, 1
	}
	return prevStart, prevCount + 1
}

// SecondsToMinuteEnd returns how long until the current minute window rolls,
// rounded up and never below 1 so Retry-After stays meaningful.
func SecondsToMinuteEnd(t time.Time) int64 {
	t = t.UTC()
	remaining := int64(60 - t.Second())
	if remaining < 1 {
		remaining = 1
	}
	return remaining
}

// SecondsToMidnightUTC returns how long until the next UTC midnight, never
// below 1.
func SecondsToMidnightUTC(t time.Time) int64 {
	t = t.UTC()
	midnight := t.Truncate(24 * time.Hour).Add(24 * time.Hour)
	remaining := int64(midnight.Sub(t).Seconds())
	if remaining < 1 {
		remaining = 1
	}
	return remaining
}
