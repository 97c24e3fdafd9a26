package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/dues/store"
	"github.com/warp/dues-engine/reconcile"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var march2025 = dues.Period{Year: 2025, Month: time.March}

type fixture struct {
	mem       *store.Memory
	lifecycle *dues.Engine
	engine    *reconcile.Engine
}

func newFixture(t *testing.T, today time.Time) *fixture {
	t.Helper()
	mem := store.NewMemory()
	lifecycle := dues.NewEngine(mem, mem)
	lifecycle.Calendar = dues.NewCalendar(dues.FixedClock{At: today}, time.UTC)
	return &fixture{mem: mem, lifecycle: lifecycle, engine: reconcile.New(lifecycle, mem)}
}

func (f *fixture) member(t *testing.T, id, rut string, monthly int64, enrolled time.Time) dues.Member {
	t.Helper()
	m := dues.Member{
		ID:         dues.MemberID(id),
		FiscalID:   rut,
		Name:       "Socio " + id,
		MonthlyDue: decimal.NewFromInt(monthly),
		EnrolledOn: enrolled,
		Active:     true,
	}
	require.NoError(t, f.mem.SaveMember(context.Background(), m))
	return m
}

func (f *fixture) due(t *testing.T, id string, p dues.Period) *dues.Due {
	t.Helper()
	d, err := f.mem.GetByPeriod(context.Background(), dues.MemberID(id), p)
	require.NoError(t, err)
	return d
}

type runLog struct {
	mu   sync.Mutex
	runs []reconcile.ImportRun
}

func (l *runLog) SaveImportRun(_ context.Context, run reconcile.ImportRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs = append(l.runs, run)
	return nil
}

// =============================================================================
// CREATED / UPDATED / SKIPPED
// =============================================================================

func TestReconcile_YesCreatesPaidDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dues.NewDate(2025, 4, 15))
	f.member(t, "m-1", "12345678-9", 6500, dues.NewDate(2024, 6, 1))

	// GIVEN: No due for March 2025
	rows := []reconcile.Row{{"rut": "12.345.678-9", "marzo_2025": "yes"}}

	// WHEN: Reconciling
	res, err := f.engine.Reconcile(ctx, "test", rows)
	require.NoError(t, err)

	// THEN: One due created, already paid on the first of the month
	assert.Equal(t, 1, res.TotalRows)
	assert.Equal(t, 1, res.SuccessfulRows)
	assert.Equal(t, 1, res.Created)
	assert.Empty(t, res.Errors)

	d := f.due(t, "m-1", march2025)
	assert.True(t, d.Paid)
	require.NotNil(t, d.PaidAt)
	assert.Equal(t, dues.NewDate(2025, 3, 1), *d.PaidAt)
	assert.True(t, d.Amount.Equal(decimal.NewFromInt(6500)))
	assert.Equal(t, dues.MethodBulkImport, d.Method)

	// WHEN: Submitting the same batch again
	res, err = f.engine.Reconcile(ctx, "test", rows)
	require.NoError(t, err)

	// THEN: Nothing changes
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 0, res.Updated)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.SuccessfulRows)
	assert.Equal(t, 1, f.mem.Len())
}

func TestReconcile_MarksExistingUnpaidDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dues.NewDate(2025, 4, 15))
	f.member(t, "m-1", "12345678-9", 6500, dues.NewDate(2024, 6, 1))

	created, err := f.lifecycle.CreateDue(ctx, "m-1", march2025, dues.CreateOptions{})
	require.NoError(t, err)

	res, err := f.engine.Reconcile(ctx, "test", []reconcile.Row{
		{"rut": "12345678-9", "marzo_2025": "2025-03-04"},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.SuccessfulRows)

	d := f.due(t, "m-1", march2025)
	assert.Equal(t, created.ID, d.ID)
	assert.True(t, d.Paid)
	assert.Equal(t, dues.NewDate(2025, 3, 4), *d.PaidAt)
}

func TestReconcile_NeverOverwritesConfirmedPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dues.NewDate(2025, 4, 15))
	f.member(t, "m-1", "12345678-9", 6500, dues.NewDate(2024, 6, 1))

	// GIVEN: March paid by transfer on the 20th
	created, err := f.lifecycle.CreateDue(ctx, "m-1", march2025, dues.CreateOptions{})
	require.NoError(t, err)
	paidAt := dues.NewDate(2025, 3, 20)
	_, err = f.lifecycle.MarkPaid(ctx, created.ID, dues.PaymentInput{Method: dues.MethodTransfer, PaidAt: &paidAt})
	require.NoError(t, err)

	// WHEN: A sheet claims a different date
	res, err := f.engine.Reconcile(ctx, "test", []reconcile.Row{
		{"rut": "12345678-9", "marzo_2025": "2025-03-02"},
	})
	require.NoError(t, err)

	// THEN: Skipped and the stored payment is untouched
	assert.Equal(t, 1, res.Skipped)
	d := f.due(t, "m-1", march2025)
	assert.Equal(t, paidAt, *d.PaidAt)
	assert.Equal(t, dues.MethodTransfer, d.Method)
}

func TestReconcile_FiscalIDHeader(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dues.NewDate(2025, 4, 15))
	f.member(t, "m-1", "12345678-9", 6500, dues.NewDate(2024, 6, 1))

	// GIVEN: The identifier column is headed "fiscalId"
	rows := []reconcile.Row{{"fiscalId": "12345678-9", "marzo_2025": "yes"}}

	// WHEN: Reconciling with the default columns
	res, err := f.engine.Reconcile(ctx, "test", rows)
	require.NoError(t, err)

	// THEN: The member is found and March is created paid
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 0, res.Updated)
	assert.Empty(t, res.Errors)
	assert.True(t, f.due(t, "m-1", march2025).Paid)

	res, err = f.engine.Reconcile(ctx, "test", rows)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 0, res.Updated)
	assert.Empty(t, res.Errors)
}

func TestReconcile_PaidDueIsNeverAnError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dues.NewDate(2025, 4, 15))
	f.member(t, "m-1", "12345678-9", 6500, dues.NewDate(2025, 4, 1))

	// GIVEN: March paid through an administrative override before enrollment,
	// and April paid on the 10th
	early, err := f.lifecycle.CreateDue(ctx, "m-1", march2025, dues.CreateOptions{AllowBeforeEnrollment: true})
	require.NoError(t, err)
	_, err = f.lifecycle.MarkPaid(ctx, early.ID, dues.PaymentInput{Method: dues.MethodCash})
	require.NoError(t, err)
	april := dues.Period{Year: 2025, Month: time.April}
	aprilDue, err := f.lifecycle.CreateDue(ctx, "m-1", april, dues.CreateOptions{})
	require.NoError(t, err)
	paidAt := dues.NewDate(2025, 4, 10)
	_, err = f.lifecycle.MarkPaid(ctx, aprilDue.ID, dues.PaymentInput{Method: dues.MethodTransfer, PaidAt: &paidAt})
	require.NoError(t, err)

	// WHEN: A sheet marks March "yes" and gives April a future date
	res, err := f.engine.Reconcile(ctx, "test", []reconcile.Row{
		{"rut": "12345678-9", "marzo_2025": "yes", "abril_2025": "2025-04-30"},
	})
	require.NoError(t, err)

	// THEN: Both cells are skipped without errors
	assert.Empty(t, res.Errors)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, dues.MethodCash, f.due(t, "m-1", march2025).Method)
	assert.Equal(t, paidAt, *f.due(t, "m-1", april).PaidAt)
}

// =============================================================================
// ERRORS
// =============================================================================

func TestReconcile_CollectsRowAndCellErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dues.NewDate(2025, 3, 10))
	f.member(t, "m-1", "12345678-9", 6500, dues.NewDate(2025, 2, 1))
	f.member(t, "m-2", "7654321-K", 5000, dues.NewDate(2024, 1, 1))

	rows := []reconcile.Row{
		{"rut": "11111111-1", "marzo_2025": "yes"},                               // 1: unknown member
		{"rut": "", "marzo_2025": "yes"},                                         // 2: no identifier
		{"rut": "12345678-9", "enero_2025": "yes", "febrero_2025": "maybe"},      // 3: pre-enrollment + bad value
		{"rut": "12345678-9", "marzo_2025": "2025-03-15"},                        // 4: future date
		{"rut": "7654321k", "febrero_2025": "si", "nombre": "Ana", "notas": "x"}, // 5: ok
	}

	res, err := f.engine.Reconcile(ctx, "test", rows)
	require.NoError(t, err)

	assert.Equal(t, 5, res.TotalRows)
	assert.Equal(t, 1, res.SuccessfulRows)
	assert.Equal(t, 1, res.Created)

	require.Len(t, res.Errors, 5)
	assert.Equal(t, 1, res.Errors[0].Row)
	assert.Contains(t, res.Errors[0].Message, "member not found")
	assert.Equal(t, 2, res.Errors[1].Row)
	assert.Equal(t, "rut", res.Errors[1].Column)

	var row3 []string
	for _, e := range res.Errors {
		if e.Row == 3 {
			row3 = append(row3, e.Column)
		}
	}
	assert.ElementsMatch(t, []string{"enero_2025", "febrero_2025"}, row3)

	assert.Equal(t, 4, res.Errors[4].Row)
	assert.Contains(t, res.Errors[4].Message, "future")

	// Nothing was written for the failed cells
	assert.Equal(t, 1, f.mem.Len())
}

// =============================================================================
// NEXT PAYMENT SCHEDULING
// =============================================================================

func TestReconcile_NextPaymentSchedulesUnpaidDues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dues.NewDate(2025, 3, 10))
	f.member(t, "m-1", "12345678-9", 6500, dues.NewDate(2024, 6, 1))

	rows := []reconcile.Row{{"rut": "12345678-9", "marzo_2025": "yes", "proximo_pago": "2025-06-01"}}

	res, err := f.engine.Reconcile(ctx, "test", rows)
	require.NoError(t, err)

	// April, May and June are pre-created unpaid
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 3, res.Scheduled)
	for _, month := range []time.Month{time.April, time.May, time.June} {
		d := f.due(t, "m-1", dues.Period{Year: 2025, Month: month})
		assert.False(t, d.Paid, month.String())
	}

	// Re-running schedules nothing new
	res, err = f.engine.Reconcile(ctx, "test", rows)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Scheduled)
	assert.Equal(t, 4, f.mem.Len())
}

func TestReconcile_NextPaymentBounds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dues.NewDate(2025, 3, 10))
	f.member(t, "m-1", "12345678-9", 6500, dues.NewDate(2024, 6, 1))

	// No period cells: starts at the current month, capped 12 months ahead
	res, err := f.engine.Reconcile(ctx, "test", []reconcile.Row{
		{"rut": "12345678-9", "next_payment": "2030-01-01"},
	})
	require.NoError(t, err)
	assert.Equal(t, 13, res.Scheduled) // 2025-03 .. 2026-03
	assert.Empty(t, res.Errors)

	// A past date does nothing, an invalid one is a cell error
	res, err = f.engine.Reconcile(ctx, "test", []reconcile.Row{
		{"rut": "12345678-9", "proximo_pago": "2025-01-01"},
		{"rut": "12345678-9", "proximo_pago": "pronto"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Scheduled)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 2, res.Errors[0].Row)
	assert.Equal(t, "proximo_pago", res.Errors[0].Column)
}

func TestReconcile_NextPaymentNeverBackfillsPastMonths(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dues.NewDate(2025, 3, 10))
	f.member(t, "m-1", "12345678-9", 6500, dues.NewDate(2024, 6, 1))

	// GIVEN: The last paid cell is October 2024 and the next payment is in May
	rows := []reconcile.Row{{"rut": "12345678-9", "octubre_2024": "yes", "proximo_pago": "2025-05-01"}}

	// WHEN: Reconciling
	res, err := f.engine.Reconcile(ctx, "test", rows)
	require.NoError(t, err)

	// THEN: Only March to May are scheduled; November to February stay absent
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 3, res.Scheduled)
	assert.Empty(t, res.Errors)
	for _, p := range []dues.Period{{Year: 2024, Month: time.November}, {Year: 2025, Month: time.February}} {
		_, err := f.mem.GetByPeriod(ctx, "m-1", p)
		assert.ErrorIs(t, err, dues.ErrDueNotFound, p.String())
	}
	assert.Equal(t, 4, f.mem.Len())
}

// =============================================================================
// BATCH BEHAVIOUR
// =============================================================================

func TestReconcile_ParallelWorkers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dues.NewDate(2025, 12, 31))
	f.engine.Config.Workers = 8

	var rows []reconcile.Row
	for i := 0; i < 50; i++ {
		rut := fmt.Sprintf("%08d-%d", 10000000+i, i%10)
		f.member(t, fmt.Sprintf("m-%02d", i), rut, 6500, dues.NewDate(2024, 1, 1))
		rows = append(rows, reconcile.Row{"rut": rut, "marzo_2025": "yes", "abril_2025": "2025-04-02"})
	}
	// Same member twice in one batch still yields one due per period
	rows = append(rows, rows[0])

	res, err := f.engine.Reconcile(ctx, "test", rows)
	require.NoError(t, err)

	assert.Equal(t, 51, res.TotalRows)
	assert.Equal(t, 51, res.ProcessedRows)
	assert.Equal(t, 100, res.Created+res.Updated)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 100, f.mem.Len())
}

func TestReconcile_CancelledContextRecordsPartialRun(t *testing.T) {
	f := newFixture(t, dues.NewDate(2025, 4, 15))
	f.member(t, "m-1", "12345678-9", 6500, dues.NewDate(2024, 6, 1))
	runs := &runLog{}
	f.engine.Runs = runs

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.engine.Reconcile(ctx, "payments.csv", []reconcile.Row{
		{"rut": "12345678-9", "marzo_2025": "yes"},
	})

	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, res.TotalRows)
	assert.LessOrEqual(t, res.ProcessedRows, 1)

	require.Len(t, runs.runs, 1)
	assert.Equal(t, "payments.csv", runs.runs[0].Source)
	assert.True(t, runs.runs[0].Cancelled)
	assert.NotEmpty(t, runs.runs[0].ID)
}

func TestReconcile_RecordsImportRun(t *testing.T) {
	f := newFixture(t, dues.NewDate(2025, 4, 15))
	f.member(t, "m-1", "12345678-9", 6500, dues.NewDate(2024, 6, 1))
	runs := &runLog{}
	f.engine.Runs = runs

	_, err := f.engine.Reconcile(context.Background(), "api", []reconcile.Row{
		{"RUT": "12345678-9", "Marzo 2025": "Sí"},
	})
	require.NoError(t, err)

	require.Len(t, runs.runs, 1)
	run := runs.runs[0]
	assert.False(t, run.Cancelled)
	assert.Equal(t, 1, run.Result.Created)
	assert.Equal(t, dues.NewDate(2025, 4, 15), run.StartedAt)
}
