package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/reconcile"
	"gorm.io/datatypes"
)

func toDueModel(d dues.Due) dueModel {
	m := dueModel{
		ID:         string(d.ID),
		MemberID:   string(d.MemberID),
		Year:       d.Period.Year,
		Month:      int(d.Period.Month),
		Amount:     d.Amount,
		Paid:       d.Paid,
		Method:     string(d.Method),
		ReceiptURL: d.ReceiptURL,
		Notes:      d.Notes,
		CreatedAt:  d.CreatedAt.UTC(),
	}
	if d.PaidAt != nil {
		at := d.PaidAt.UTC()
		m.PaidAt = &at
	}
	return m
}

func (m dueModel) toDue() dues.Due {
	d := dues.Due{
		ID:         dues.DueID(m.ID),
		MemberID:   dues.MemberID(m.MemberID),
		Period:     dues.Period{Year: m.Year, Month: time.Month(m.Month)},
		Amount:     m.Amount,
		Paid:       m.Paid,
		Method:     dues.PaymentMethod(m.Method),
		ReceiptURL: m.ReceiptURL,
		Notes:      m.Notes,
		CreatedAt:  m.CreatedAt.UTC(),
	}
	if m.PaidAt != nil {
		at := m.PaidAt.UTC()
		d.PaidAt = &at
	}
	return d
}

func toMemberModel(mem dues.Member) memberModel {
	m := memberModel{
		ID:         string(mem.ID),
		FiscalID:   dues.NormalizeFiscalID(mem.FiscalID),
		Name:       mem.Name,
		MonthlyDue: mem.MonthlyDue,
		Active:     mem.Active,
	}
	if !mem.EnrolledOn.IsZero() {
		on := dues.Date(mem.EnrolledOn)
		m.EnrolledOn = &on
	}
	return m
}

func (m memberModel) toMember() dues.Member {
	mem := dues.Member{
		ID:         dues.MemberID(m.ID),
		FiscalID:   m.FiscalID,
		Name:       m.Name,
		MonthlyDue: m.MonthlyDue,
		Active:     m.Active,
	}
	if m.EnrolledOn != nil {
		mem.EnrolledOn = dues.Date(*m.EnrolledOn)
	}
	return mem
}

func toImportRunModel(run reconcile.ImportRun) (importRunModel, error) {
	errs := run.Result.Errors
	if errs == nil {
		errs = []reconcile.RowError{}
	}
	raw, err := json.Marshal(errs)
	if err != nil {
		return importRunModel{}, fmt.Errorf("import run %s: %w", run.ID, err)
	}
	r := run.Result
	return importRunModel{
		ID:             run.ID,
		Source:         run.Source,
		StartedAt:      run.StartedAt.UTC(),
		CompletedAt:    run.CompletedAt.UTC(),
		Cancelled:      run.Cancelled,
		TotalRows:      r.TotalRows,
		ProcessedRows:  r.ProcessedRows,
		SuccessfulRows: r.SuccessfulRows,
		Created:        r.Created,
		Updated:        r.Updated,
		Skipped:        r.Skipped,
		Scheduled:      r.Scheduled,
		Errors:         datatypes.JSON(raw),
	}, nil
}

func (m importRunModel) toImportRun() (reconcile.ImportRun, error) {
	run := reconcile.ImportRun{
		ID:          m.ID,
		Source:      m.Source,
		StartedAt:   m.StartedAt.UTC(),
		CompletedAt: m.CompletedAt.UTC(),
		Cancelled:   m.Cancelled,
		Result: reconcile.Result{
			TotalRows:      m.TotalRows,
			ProcessedRows:  m.ProcessedRows,
			SuccessfulRows: m.SuccessfulRows,
			Created:        m.Created,
			Updated:        m.Updated,
			Skipped:        m.Skipped,
			Scheduled:      m.Scheduled,
			Errors:         []reconcile.RowError{},
		},
	}
	if len(m.Errors) > 0 {
		if err := json.Unmarshal(m.Errors, &run.Result.Errors); err != nil {
			return reconcile.ImportRun{}, fmt.Errorf("import run %s: %w", m.ID, err)
		}
	}
	return run, nil
}
