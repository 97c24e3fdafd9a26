package postgres

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/reconcile"
)

func TestIsUniqueViolation(t *testing.T) {
	unique := &pgconn.PgError{Code: "23505", ConstraintName: "idx_unique_member_period"}
	assert.True(t, isUniqueViolation(unique))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", unique)))

	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23514"})) // check_violation
	assert.False(t, isUniqueViolation(errors.New("duplicate key")))
	assert.False(t, isUniqueViolation(nil))
}

func TestDueModel_RoundTrip(t *testing.T) {
	santiago := time.FixedZone("CLT", -3*3600)
	paidAt := time.Date(2025, 3, 4, 10, 30, 0, 0, santiago)
	d := dues.Due{
		ID:         "d-1",
		MemberID:   "m-1",
		Period:     dues.Period{Year: 2025, Month: time.March},
		Amount:     decimal.RequireFromString("6500.50"),
		Paid:       true,
		PaidAt:     &paidAt,
		Method:     dues.MethodTransfer,
		ReceiptURL: "https://receipts/1",
		Notes:      "ok",
		CreatedAt:  time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}

	m := toDueModel(d)
	assert.Equal(t, 2025, m.Year)
	assert.Equal(t, 3, m.Month)
	assert.Equal(t, time.UTC, m.PaidAt.Location())

	back := m.toDue()
	assert.True(t, paidAt.Equal(*back.PaidAt))
	back.PaidAt = d.PaidAt
	assert.Equal(t, d, back)

	unpaid := toDueModel(dues.Due{ID: "d-2", Period: d.Period, Amount: decimal.Zero})
	assert.Nil(t, unpaid.PaidAt)
	assert.Empty(t, unpaid.Method)
}

func TestMemberModel_NormalizesFiscalID(t *testing.T) {
	m := toMemberModel(dues.Member{
		ID:         "m-1",
		FiscalID:   "12.345.678-9",
		MonthlyDue: decimal.NewFromInt(6500),
		EnrolledOn: time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC),
		Active:     true,
	})
	assert.Equal(t, "12345678-9", m.FiscalID)
	require.NotNil(t, m.EnrolledOn)
	assert.Equal(t, dues.NewDate(2024, 6, 1), *m.EnrolledOn)

	mem := m.toMember()
	assert.Equal(t, dues.NewDate(2024, 6, 1), mem.EnrolledOn)
	assert.True(t, mem.Active)

	assert.Nil(t, toMemberModel(dues.Member{ID: "m-2"}).EnrolledOn)
}

func TestImportRunModel_RoundTrip(t *testing.T) {
	run := reconcile.ImportRun{
		ID:          "run-1",
		Source:      "marzo.csv",
		StartedAt:   time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		CompletedAt: time.Date(2025, 3, 10, 9, 0, 3, 0, time.UTC),
		Result: reconcile.Result{
			TotalRows: 3, ProcessedRows: 3, SuccessfulRows: 2, Created: 2, Skipped: 1,
			Errors: []reconcile.RowError{{Row: 3, Column: "marzo_2025", Message: "unrecognized value"}},
		},
	}

	m, err := toImportRunModel(run)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"row":3,"column":"marzo_2025","message":"unrecognized value"}]`, string(m.Errors))

	back, err := m.toImportRun()
	require.NoError(t, err)
	assert.Equal(t, run, back)

	// nil errors are stored as an empty array
	m, err = toImportRunModel(reconcile.ImportRun{ID: "run-2"})
	require.NoError(t, err)
	assert.Equal(t, "[]", string(m.Errors))
}
