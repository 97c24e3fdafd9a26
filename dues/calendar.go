package dues

import (
	"fmt"
	"time"
)

// DueDay is the day of the month on which a period's due falls due.
const DueDay = 5

// =============================================================================
// CLOCK - Source of "now"
// =============================================================================

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant. Used by tests and replays.
type FixedClock struct{ At time.Time }

func (c FixedClock) Now() time.Time { return c.At }

// =============================================================================
// DATE - Calendar day without time of day
// =============================================================================

// Date truncates t to midnight UTC of its calendar day in t's own location.
func Date(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NewDate builds a UTC calendar date.
func NewDate(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses an ISO calendar date (YYYY-MM-DD).
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// =============================================================================
// PERIOD - One calendar month a due covers
// =============================================================================

// Period identifies the month a Due covers.
type Period struct {
	Year  int
	Month time.Month
}

// NewPeriod validates and builds a period.
func NewPeriod(year int, month int) (Period, error) {
	p := Period{Year: year, Month: time.Month(month)}
	if err := p.Validate(); err != nil {
		return Period{}, err
	}
	return p, nil
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

// Validate checks the year has four digits and the month is in [1,12].
func (p Period) Validate() error {
	if p.Year < 1900 || p.Year > 9999 {
		return validationf("period", "year %d out of range", p.Year)
	}
	if p.Month < time.January || p.Month > time.December {
		return validationf("period", "month %d out of range [1,12]", int(p.Month))
	}
	return nil
}

// FirstDay is the first calendar day of the period.
func (p Period) FirstDay() time.Time { return NewDate(p.Year, p.Month, 1) }

// DueDate is the day the period's due falls due.
func (p Period) DueDate() time.Time { return NewDate(p.Year, p.Month, DueDay) }

// AddMonths shifts the period by n months.
func (p Period) AddMonths(n int) Period {
	return PeriodOf(p.FirstDay().AddDate(0, n, 0))
}

func (p Period) Next() Period { return p.AddMonths(1) }

func (p Period) Before(other Period) bool {
	if p.Year != other.Year {
		return p.Year < other.Year
	}
	return p.Month < other.Month
}

func (p Period) After(other Period) bool { return other.Before(p) }

// MonthsUntil counts months from p to other (negative when other is earlier).
func (p Period) MonthsUntil(other Period) int {
	return (other.Year-p.Year)*12 + int(other.Month-p.Month)
}

func (p Period) String() string { return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month)) }

// ParsePeriod parses "YYYY-MM".
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, validationf("period", "invalid period %q (use YYYY-MM)", s)
	}
	return PeriodOf(t), nil
}

// Range returns n consecutive periods starting at p.
func (p Period) Range(n int) []Period {
	out := make([]Period, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, p.AddMonths(i))
	}
	return out
}

// =============================================================================
// CALENDAR - "today" in the association's time zone
// =============================================================================

// Calendar resolves "today" in a fixed location so that overdue boundaries do
// not move with the server's time zone.
type Calendar struct {
	Clock    Clock
	Location *time.Location
}

// NewCalendar returns a calendar over clock in loc. A nil loc means UTC.
func NewCalendar(clock Clock, loc *time.Location) Calendar {
	if clock == nil {
		clock = SystemClock{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{Clock: clock, Location: loc}
}

// Now is the current instant.
func (c Calendar) Now() time.Time { return c.Clock.Now() }

// Today is the current calendar date in the calendar's location.
func (c Calendar) Today() time.Time {
	return Date(c.Clock.Now().In(c.Location))
}
