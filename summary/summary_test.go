package summary_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/dues/store"
	"github.com/warp/dues-engine/summary"
)

func setup(t *testing.T) (*dues.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	engine := dues.NewEngine(mem, mem)
	engine.Calendar = dues.NewCalendar(dues.FixedClock{At: dues.NewDate(2025, 4, 20)}, time.UTC)

	for _, m := range []dues.Member{
		{ID: "m-current", FiscalID: "33333333-3", MonthlyDue: decimal.NewFromInt(6500), Active: true},
		{ID: "m-late", FiscalID: "22222222-2", MonthlyDue: decimal.NewFromInt(6500), Active: true},
		{ID: "m-never", FiscalID: "11111111-1", MonthlyDue: decimal.NewFromInt(5000), Active: true},
		{ID: "m-empty", FiscalID: "44444444-4", MonthlyDue: decimal.NewFromInt(5000), Active: true},
		{ID: "m-gone", FiscalID: "55555555-5", MonthlyDue: decimal.NewFromInt(5000), Active: false},
	} {
		require.NoError(t, mem.SaveMember(context.Background(), m))
	}
	return engine, mem
}

func createDues(t *testing.T, engine *dues.Engine, id dues.MemberID, months []time.Month, paid map[time.Month]time.Time) {
	t.Helper()
	ctx := context.Background()
	for _, month := range months {
		d, err := engine.CreateDue(ctx, id, dues.Period{Year: 2025, Month: month}, dues.CreateOptions{})
		require.NoError(t, err)
		if at, ok := paid[month]; ok {
			_, err := engine.MarkPaid(ctx, d.ID, dues.PaymentInput{Method: dues.MethodCash, PaidAt: &at})
			require.NoError(t, err)
		}
	}
}

func TestSummarizeMember_Delinquent(t *testing.T) {
	engine, mem := setup(t)
	months := []time.Month{time.January, time.February, time.March, time.April}
	createDues(t, engine, "m-late", months, map[time.Month]time.Time{
		time.January:  dues.NewDate(2025, 1, 3),
		time.February: dues.NewDate(2025, 2, 4),
	})
	agg := summary.New(mem, mem)

	// WHEN: As of April 10, March and April are overdue
	s, err := agg.SummarizeMember(context.Background(), "m-late", dues.NewDate(2025, 4, 10))
	require.NoError(t, err)

	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.Paid)
	assert.Equal(t, 2, s.Overdue)
	assert.Equal(t, 0, s.Pending)
	assert.Equal(t, summary.StandingDelinquent, s.Status)
	assert.True(t, s.Delinquent)
	assert.True(t, s.OverdueAmount.Equal(decimal.NewFromInt(13000)))
	require.NotNil(t, s.LastPaidAt)
	assert.Equal(t, dues.NewDate(2025, 2, 4), *s.LastPaidAt)

	// WHEN: As of April 5, April is still pending
	s, err = agg.SummarizeMember(context.Background(), "m-late", dues.NewDate(2025, 4, 5))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Overdue)
	assert.Equal(t, 1, s.Pending)
	assert.True(t, s.PendingAmount.Equal(decimal.NewFromInt(6500)))
}

func TestSummarizeMember_NotFound(t *testing.T) {
	_, mem := setup(t)
	_, err := summary.New(mem, mem).SummarizeMember(context.Background(), "nobody", dues.NewDate(2025, 4, 10))
	assert.True(t, dues.IsNotFound(err))
}

func TestSummarizeAll_OrdersWorstFirst(t *testing.T) {
	engine, mem := setup(t)
	createDues(t, engine, "m-current", []time.Month{time.March, time.April}, map[time.Month]time.Time{
		time.March: dues.NewDate(2025, 3, 2),
		time.April: dues.NewDate(2025, 4, 2),
	})
	createDues(t, engine, "m-late", []time.Month{time.March, time.April}, map[time.Month]time.Time{
		time.March: dues.NewDate(2025, 3, 2),
	})
	createDues(t, engine, "m-never", []time.Month{time.March}, nil)

	all, err := summary.New(mem, mem).SummarizeAll(context.Background(), dues.NewDate(2025, 4, 20))
	require.NoError(t, err)

	// Inactive members are excluded
	require.Len(t, all, 4)
	assert.Equal(t, dues.MemberID("m-never"), all[0].MemberID)
	assert.Equal(t, summary.StandingNeverPaid, all[0].Status)
	assert.Equal(t, dues.MemberID("m-late"), all[1].MemberID)
	assert.Equal(t, summary.StandingDelinquent, all[1].Status)

	// CURRENT members follow, by fiscal id; a member with no dues is current
	assert.Equal(t, dues.MemberID("m-current"), all[2].MemberID)
	assert.Equal(t, dues.MemberID("m-empty"), all[3].MemberID)
	assert.Equal(t, summary.StandingCurrent, all[3].Status)
	assert.False(t, all[3].Delinquent)
	assert.Equal(t, 0, all[3].Total)
}

func TestSummarize_PendingOnlyIsCurrent(t *testing.T) {
	d := dues.Due{Period: dues.Period{Year: 2025, Month: time.May}, Amount: decimal.NewFromInt(100)}
	s := summary.Summarize(dues.Member{ID: "m"}, []dues.Due{d}, dues.NewDate(2025, 5, 5))

	assert.Equal(t, 1, s.Pending)
	assert.Equal(t, summary.StandingCurrent, s.Status)
	assert.Nil(t, s.LastPaidAt)
}
