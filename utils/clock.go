package utils

import "time"

// Calendar-day helpers. All day boundaries are computed in UTC to match the
// server's deadline logic, never in the device-local timezone.

// StartOfDayUTC truncates t to midnight UTC.
func StartOfDayUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SameDayUTC reports whether a and b fall on the same UTC calendar day.
func SameDayUTC(a, b time.Time) bool {
	return StartOfDayUTC(a).Equal(StartOfDayUTC(b))
}

// DaysBetweenUTC counts whole UTC calendar days from a to b. Negative when b
// precedes a.
func DaysBetweenUTC(a, b time.Time) int {
	return int(StartOfDayUTC(b).Sub(StartOfDayUTC(a)) / (24 * time.Hour))
}
