package domain

import (
	"errors"
	"strings"
	"time"
)

// Period identifies a calendar-aligned aggregation window, computed in UTC:
// daily windows follow the UTC day, weekly windows the ISO week (Monday
// start), monthly and yearly windows the calendar month and year.
type Period string

const (
	PeriodDaily   Period = "DAILY"
	PeriodWeekly  Period = "WEEKLY"
	PeriodMonthly Period = "MONTHLY"
	PeriodYearly  Period = "YEARLY"
)

var ErrInvalidPeriod = errors.New("invalid_period")

// ParsePeriod normalizes a period string.
func ParsePeriod(raw string) (Period, error) {
	switch Period(strings.ToUpper(strings.TrimSpace(raw))) {
	case PeriodDaily:
		return PeriodDaily, nil
	case PeriodWeekly:
		return PeriodWeekly, nil
	case PeriodMonthly:
		return PeriodMonthly, nil
	case PeriodYearly:
		return PeriodYearly, nil
	default:
		return "", ErrInvalidPeriod
	}
}

func (p Period) Valid() bool {
	_, err := ParsePeriod(string(p))
	return err == nil
}

// Window is a half-open interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Window computes the period window anchored at asOf, shifted back by
// periodsBack whole periods. periodsBack of zero is the active window.
func (p Period) Window(asOf time.Time, periodsBack int) Window {
	t := asOf.UTC()
	if periodsBack < 0 {
		periodsBack = 0
	}

	switch p {
	case PeriodDaily:
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		start = start.AddDate(0, 0, -periodsBack)
		return Window{Start: start, End: start.AddDate(0, 0, 1)}
	case PeriodWeekly:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		// ISO weeks start Monday; Go's Sunday is 0.
		offset := (int(day.Weekday()) + 6) % 7
		start := day.AddDate(0, 0, -offset-7*periodsBack)
		return Window{Start: start, End: start.AddDate(0, 0, 7)}
	case PeriodYearly:
		start := time.Date(t.Year()-periodsBack, time.January, 1, 0, 0, 0, 0, time.UTC)
		return Window{Start: start, End: start.AddDate(1, 0, 0)}
	default: // PeriodMonthly
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		start = start.AddDate(0, -periodsBack, 0)
		return Window{Start: start, End: start.AddDate(0, 1, 0)}
	}
}
