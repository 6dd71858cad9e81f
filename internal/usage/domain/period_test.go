package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeriod(t *testing.T) {
	p, err := ParsePeriod(" monthly ")
	require.NoError(t, err)
	assert.Equal(t, PeriodMonthly, p)

	_, err = ParsePeriod("fortnightly")
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestDailyWindow(t *testing.T) {
	asOf := time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)
	w := PeriodDaily.Window(asOf, 0)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), w.End)

	prior := PeriodDaily.Window(asOf, 2)
	assert.Equal(t, time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC), prior.Start)
}

func TestWeeklyWindowStartsMonday(t *testing.T) {
	// 2026-03-10 is a Tuesday; the ISO week starts Monday 2026-03-09.
	asOf := time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)
	w := PeriodWeekly.Window(asOf, 0)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), w.End)

	// A Sunday belongs to the week that started the previous Monday.
	sunday := time.Date(2026, 3, 15, 23, 0, 0, 0, time.UTC)
	w = PeriodWeekly.Window(sunday, 0)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), w.Start)

	// A Monday starts its own week.
	monday := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	w = PeriodWeekly.Window(monday, 0)
	assert.Equal(t, monday, w.Start)
}

func TestMonthlyWindowAcrossYearBoundary(t *testing.T) {
	asOf := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	w := PeriodMonthly.Window(asOf, 1)
	assert.Equal(t, time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), w.End)
}

func TestYearlyWindow(t *testing.T) {
	asOf := time.Date(2026, 7, 4, 12, 0, 0, 0, time.UTC)
	w := PeriodYearly.Window(asOf, 0)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), w.End)
}

func TestWindowIsHalfOpen(t *testing.T) {
	w := PeriodDaily.Window(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), 0)
	assert.True(t, w.Contains(w.Start))
	assert.False(t, w.Contains(w.End))
	assert.True(t, w.Contains(w.End.Add(-time.Nanosecond)))
}

func TestWindowNegativePeriodsBackClamped(t *testing.T) {
	asOf := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, PeriodMonthly.Window(asOf, 0), PeriodMonthly.Window(asOf, -3))
}
