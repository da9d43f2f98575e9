package quota

import "time"

// MonthIntervalStart returns the start of the calendar month containing t, in UTC.
func MonthIntervalStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
