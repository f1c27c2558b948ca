package dcas

import "time"

// YearSpan is one calendar-year slice of a date range.
type YearSpan struct {
	Year  int
	Start time.Time
	End   time.Time
}

// SplitEpochsByYear slices [start, end] into per-year spans. A range within
// a single year yields one span; start == end yields one degenerate span.
func SplitEpochsByYear(start, end time.Time) []YearSpan {
	start, end = start.UTC(), end.UTC()
	spans := make([]YearSpan, 0, end.Year()-start.Year()+1)
	for y := start.Year(); y <= end.Year(); y++ {
		s := time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC)
		e := time.Date(y, 12, 31, 0, 0, 0, 0, time.UTC)
		if y == start.Year() {
			s = start
		}
		if y == end.Year() {
			e = end
		}
		spans = append(spans, YearSpan{Year: y, Start: s, End: e})
	}
	return spans
}

// ClosestLeapYear returns y when y is a leap year, otherwise the largest
// leap year before it.
func ClosestLeapYear(y int) int {
	for !isLeapYear(y) {
		y--
	}
	return y
}

func isLeapYear(y int) bool {
	return y%4 == 0 && (y%100 != 0 || y%400 == 0)
}

// PreviousWeekday returns the most recent day strictly before ref that
// falls on the given weekday. When ref itself falls on it, the result is a
// full week back.
func PreviousWeekday(ref time.Time, wd time.Weekday) time.Time {
	back := (int(ref.Weekday()) - int(wd) + 7) % 7
	if back == 0 {
		back = 7
	}
	return ref.AddDate(0, 0, -back)
}

// epochDay numbers a timestamp's UTC calendar day as days since 1970-01-01.
func epochDay(t time.Time) int64 {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix() / 86400
}

// dayStart returns the UTC midnight of an epoch day number.
func dayStart(epoch int64) time.Time {
	return time.Unix(epoch*86400, 0).UTC()
}
