package dues

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_OverdueBoundary(t *testing.T) {
	// GIVEN: An unpaid due for March 2025 (due date March 5)
	due := Due{Period: Period{Year: 2025, Month: time.March}}

	// THEN: Still pending on the due date, overdue the day after
	assert.Equal(t, StatusPending, Classify(due, NewDate(2025, 3, 1)))
	assert.Equal(t, StatusPending, Classify(due, NewDate(2025, 3, 5)))
	assert.Equal(t, StatusPending, Classify(due, time.Date(2025, 3, 5, 23, 59, 0, 0, time.UTC)))
	assert.Equal(t, StatusOverdue, Classify(due, NewDate(2025, 3, 6)))
	assert.Equal(t, StatusOverdue, Classify(due, NewDate(2026, 1, 1)))

	// AND: Paid regardless of date once paid
	at := NewDate(2025, 4, 20)
	due.Paid, due.PaidAt, due.Method = true, &at, MethodCash
	assert.Equal(t, StatusPaid, Classify(due, NewDate(2025, 3, 1)))
	assert.Equal(t, StatusPaid, Classify(due, NewDate(2030, 1, 1)))
}

func TestCalendar_TodayUsesLocation(t *testing.T) {
	santiago, err := time.LoadLocation("America/Santiago")
	require.NoError(t, err)

	// 02:00 UTC on March 6 is still March 5 in Santiago
	clock := FixedClock{At: time.Date(2025, 3, 6, 2, 0, 0, 0, time.UTC)}

	assert.Equal(t, NewDate(2025, 3, 6), NewCalendar(clock, time.UTC).Today())
	assert.Equal(t, NewDate(2025, 3, 5), NewCalendar(clock, santiago).Today())
}

func TestPeriod_Arithmetic(t *testing.T) {
	nov := Period{Year: 2025, Month: time.November}

	assert.Equal(t, Period{Year: 2026, Month: time.January}, nov.AddMonths(2))
	assert.Equal(t, Period{Year: 2025, Month: time.October}, nov.AddMonths(-1))
	assert.Equal(t, 14, nov.MonthsUntil(Period{Year: 2027, Month: time.January}))
	assert.True(t, nov.Before(nov.Next()))
	assert.True(t, nov.Next().After(nov))
	assert.Equal(t, "2025-11", nov.String())
	assert.Equal(t, NewDate(2025, 11, 5), nov.DueDate())
	assert.Len(t, nov.Range(12), 12)
	assert.Equal(t, Period{Year: 2026, Month: time.October}, nov.Range(12)[11])

	p, err := ParsePeriod("2025-03")
	require.NoError(t, err)
	assert.Equal(t, Period{Year: 2025, Month: time.March}, p)

	_, err = ParsePeriod("March 2025")
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestNormalizeFiscalID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"12.345.678-9", "12345678-9"},
		{"12345678-9", "12345678-9"},
		{"123456789", "12345678-9"},
		{" 7.654.321-k ", "7654321-K"},
		{"7654321K", "7654321-K"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeFiscalID(tt.in), "input %q", tt.in)
	}
}

func TestMember_EnrolledFor(t *testing.T) {
	m := Member{EnrolledOn: NewDate(2025, 2, 27)}

	assert.False(t, m.EnrolledFor(Period{Year: 2025, Month: time.January}))
	assert.True(t, m.EnrolledFor(Period{Year: 2025, Month: time.February}))
	assert.True(t, m.EnrolledFor(Period{Year: 2026, Month: time.January}))
	assert.True(t, Member{}.EnrolledFor(Period{Year: 1990, Month: time.January}))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNone, KindOf(nil))
	assert.Equal(t, KindConflict, KindOf(ErrDuplicateDue))
	assert.Equal(t, KindNotFound, KindOf(ErrMemberNotFound))
	assert.Equal(t, KindForbidden, KindOf(mapStoreErr("delete_due", ErrDuePaid)))
	assert.Equal(t, KindInternal, KindOf(assert.AnError))
	assert.True(t, IsClientError(validationf("x", "bad")))
	assert.False(t, IsClientError(assert.AnError))
}
