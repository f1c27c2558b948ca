package dcas

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestSplitEpochsByYear_SingleDay(t *testing.T) {
	a := day(2024, time.October, 7)
	spans := SplitEpochsByYear(a, a)

	require.Len(t, spans, 1)
	assert.Equal(t, 2024, spans[0].Year)
	assert.Equal(t, a, spans[0].Start)
	assert.Equal(t, a, spans[0].End)
}

func TestSplitEpochsByYear_CrossYear(t *testing.T) {
	spans := SplitEpochsByYear(day(2023, time.November, 15), day(2025, time.February, 10))

	require.Len(t, spans, 3)
	assert.Equal(t, day(2023, time.November, 15), spans[0].Start)
	assert.Equal(t, day(2023, time.December, 31), spans[0].End)
	assert.Equal(t, day(2024, time.January, 1), spans[1].Start)
	assert.Equal(t, day(2024, time.December, 31), spans[1].End)
	assert.Equal(t, day(2025, time.January, 1), spans[2].Start)
	assert.Equal(t, day(2025, time.February, 10), spans[2].End)
}

func TestClosestLeapYear(t *testing.T) {
	assert.Equal(t, 2024, ClosestLeapYear(2024))
	assert.Equal(t, 2000, ClosestLeapYear(2001))
	assert.Equal(t, 2000, ClosestLeapYear(2003))
	// 1900 is divisible by 100 but not 400.
	assert.Equal(t, 1896, ClosestLeapYear(1900))
}

func TestPreviousWeekday(t *testing.T) {
	monday := day(2024, time.October, 7)

	// Same weekday steps a full week back.
	assert.Equal(t, day(2024, time.September, 30), PreviousWeekday(monday, time.Monday))

	// Otherwise the most recent strictly earlier occurrence.
	wednesday := day(2024, time.October, 9)
	assert.Equal(t, monday, PreviousWeekday(wednesday, time.Monday))
	assert.Equal(t, day(2024, time.October, 6), PreviousWeekday(wednesday, time.Sunday))
}
