package shared

import (
	"errors"
	"fmt"
	"time"
)

// Period identifies one billing month. Boundaries are half-open UTC dates:
// [Start, End) where End is midnight on the first day of the following month.
type Period struct {
	Year  int
	Month time.Month
}

// ErrInvalidPeriod indicates an unparseable or out-of-range period.
var ErrInvalidPeriod = errors.New("invalid billing period")

// PeriodOf validates and builds a Period.
func PeriodOf(year, month int) (Period, error) {
	if year < 2000 || year > 2200 || month < 1 || month > 12 {
		return Period{}, ErrInvalidPeriod
	}
	return Period{Year: year, Month: time.Month(month)}, nil
}

// ParsePeriod parses the canonical "YYYY-MM" form.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, ErrInvalidPeriod
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

// PeriodContaining returns the period a date falls into.
func PeriodContaining(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Month: t.Month()}
}

// Start returns midnight UTC on the first day of the period.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns midnight UTC on the first day of the following month.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

// Days returns the number of calendar days in the period.
func (p Period) Days() int {
	return int(p.End().Sub(p.Start()).Hours() / 24)
}

// Contains reports whether the calendar date of t falls inside [Start, End).
// The comparison is date-only so a charge stamped at any time of day on the
// last day of the month still belongs to the month.
func (p Period) Contains(t time.Time) bool {
	d := DateOf(t)
	return !d.Before(p.Start()) && d.Before(p.End())
}

// Previous returns the preceding billing month.
func (p Period) Previous() Period {
	t := p.Start().AddDate(0, -1, 0)
	return Period{Year: t.Year(), Month: t.Month()}
}

// String renders the canonical "YYYY-MM" form.
func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// DateOf truncates a timestamp to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween counts whole days in the half-open range [from, to). Inputs are
// truncated to dates first; a negative span counts as zero.
func DaysBetween(from, to time.Time) int {
	d := int(DateOf(to).Sub(DateOf(from)).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}
