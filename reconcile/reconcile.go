/*
reconcile.go - Bulk payment reconciliation

PURPOSE:
  Merges tabular payment data (one row per member, one column per month) into
  the dues store through the lifecycle engine. Every cell is applied at most
  once: a due that is already paid is never modified, so submitting the same
  spreadsheet twice changes nothing the second time.

ROW SHAPE:
  rut          | marzo_2025 | abril_2025 | proximo_pago
  12345678-9   | yes        | 2025-04-12 | 2025-08-01

  - Identifier column resolves the member by normalized fiscal id.
  - Period columns "<month>_<year>" hold "yes"/"si" (paid, first day of the
    period) or an ISO payment date. Empty cells are ignored.
  - The optional next-payment column pre-creates unpaid dues up to that month.

ERRORS:
  Row and cell problems are collected in Result.Errors and never abort the
  batch. Rows are independent; a failure in one does not roll back others.

SEE ALSO:
  - csv.go: CSV adapter producing Rows
  - ../dues/engine.go: RecordPayment
*/
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/dues-engine/dues"
	"go.uber.org/zap"
)

// Row maps lower-cased column names to raw cell values.
type Row map[string]string

// RowError describes a problem with one row, or one cell when Column is set.
// Row is 1-based over data rows.
type RowError struct {
	Row     int    `json:"row"`
	Column  string `json:"column,omitempty"`
	Message string `json:"message"`
}

// Result aggregates a reconciliation batch.
type Result struct {
	TotalRows      int        `json:"total_rows"`
	ProcessedRows  int        `json:"processed_rows"`
	SuccessfulRows int        `json:"successful_rows"`
	Created        int        `json:"created"`
	Updated        int        `json:"updated"`
	Skipped        int        `json:"skipped"`   // already paid
	Scheduled      int        `json:"scheduled"` // unpaid dues pre-created from next payment
	Errors         []RowError `json:"errors"`
}

// =============================================================================
// IMPORT RUNS
// =============================================================================

// ImportRun is the persisted record of one reconciliation batch.
type ImportRun struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Cancelled   bool      `json:"cancelled"`
	Result      Result    `json:"result"`
}

// RunRecorder persists import runs.
type RunRecorder interface {
	SaveImportRun(ctx context.Context, run ImportRun) error
}

// =============================================================================
// ENGINE
// =============================================================================

// Config tunes column recognition and parallelism.
type Config struct {
	IDColumns          []string
	NextPaymentColumns []string
	Workers            int
}

// DefaultConfig returns the column names used by the association's sheets.
func DefaultConfig() Config {
	return Config{
		IDColumns:          []string{"rut", "fiscal_id", "fiscalid"},
		NextPaymentColumns: []string{"proximo_pago", "next_payment"},
		Workers:            1,
	}
}

type Engine struct {
	Lifecycle *dues.Engine
	Members   dues.MemberRegistry
	Config    Config
	Runs      RunRecorder // optional
	Logger    *zap.Logger
}

// New creates a reconciliation engine with DefaultConfig and a no-op logger.
func New(lifecycle *dues.Engine, members dues.MemberRegistry) *Engine {
	return &Engine{
		Lifecycle: lifecycle,
		Members:   members,
		Config:    DefaultConfig(),
		Logger:    zap.NewNop(),
	}
}

// Reconcile applies rows and returns the aggregated result. source labels the
// recorded ImportRun (a file name, "api", ...).
//
// If ctx is cancelled no further rows are started; the result covers the rows
// already processed and ctx.Err() is returned with it.
func (e *Engine) Reconcile(ctx context.Context, source string, rows []Row) (Result, error) {
	started := e.Lifecycle.Calendar.Now().UTC()
	outcomes := make([]rowOutcome, len(rows))
	done := make([]bool, len(rows))

	workers := e.Config.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(rows) {
		workers = len(rows)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				outcomes[i] = e.processRow(ctx, i+1, rows[i])
				done[i] = true
			}
		}()
	}

	var runErr error
feed:
	for i := range rows {
		if runErr = ctx.Err(); runErr != nil {
			break
		}
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	res := Result{TotalRows: len(rows), Errors: []RowError{}}
	for i, o := range outcomes {
		if !done[i] {
			continue
		}
		res.ProcessedRows++
		res.Created += o.created
		res.Updated += o.updated
		res.Skipped += o.skipped
		res.Scheduled += o.scheduled
		if o.created+o.updated > 0 {
			res.SuccessfulRows++
		}
		res.Errors = append(res.Errors, o.errors...)
	}
	sort.SliceStable(res.Errors, func(i, j int) bool { return res.Errors[i].Row < res.Errors[j].Row })

	e.logger().Info("reconciliation finished",
		zap.String("source", source),
		zap.Int("total_rows", res.TotalRows),
		zap.Int("processed_rows", res.ProcessedRows),
		zap.Int("successful_rows", res.SuccessfulRows),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("skipped", res.Skipped),
		zap.Int("scheduled", res.Scheduled),
		zap.Int("errors", len(res.Errors)),
		zap.Bool("cancelled", runErr != nil),
	)

	if e.Runs != nil {
		run := ImportRun{
			ID:          uuid.NewString(),
			Source:      source,
			StartedAt:   started,
			CompletedAt: e.Lifecycle.Calendar.Now().UTC(),
			Cancelled:   runErr != nil,
			Result:      res,
		}
		// A cancelled ctx must not prevent recording what was applied.
		if err := e.Runs.SaveImportRun(context.WithoutCancel(ctx), run); err != nil {
			e.logger().Error("failed to record import run", zap.String("source", source), zap.Error(err))
		}
	}
	return res, runErr
}

// =============================================================================
// ROW PROCESSING
// =============================================================================

type rowOutcome struct {
	created, updated, skipped, scheduled int
	errors                               []RowError
}

func (o *rowOutcome) fail(row int, column, format string, args ...any) {
	o.errors = append(o.errors, RowError{Row: row, Column: column, Message: fmt.Sprintf(format, args...)})
}

type periodCell struct {
	column string
	period dues.Period
	value  string
}

func (e *Engine) processRow(ctx context.Context, n int, row Row) rowOutcome {
	var out rowOutcome
	defer func() {
		for _, re := range out.errors {
			e.logger().Debug("reconciliation row error",
				zap.Int("row", re.Row), zap.String("column", re.Column), zap.String("message", re.Message))
		}
	}()

	row = normalizeRow(row)
	col, fiscalID := e.lookup(row, e.Config.IDColumns)
	if fiscalID == "" {
		out.fail(n, col, "missing member identifier")
		return out
	}
	m, err := e.Members.MemberByFiscalID(ctx, fiscalID)
	if err != nil {
		if errors.Is(err, dues.ErrMemberNotFound) {
			out.fail(n, col, "member not found: %s", fiscalID)
		} else {
			out.fail(n, col, "member lookup failed: %v", err)
		}
		return out
	}

	var cells []periodCell
	for name, value := range row {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if p, ok := PeriodColumn(name); ok {
			cells = append(cells, periodCell{column: name, period: p, value: value})
		}
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i].period.Before(cells[j].period) })

	var last *dues.Period
	for _, c := range cells {
		paidAt, err := ParseCell(c.period, c.value)
		if err != nil {
			out.fail(n, c.column, "%v", err)
			continue
		}
		outcome, _, err := e.Lifecycle.RecordPayment(ctx, *m, c.period, dues.PaymentInput{
			Method: dues.MethodBulkImport,
			PaidAt: &paidAt,
		})
		if err != nil {
			out.fail(n, c.column, "%v", err)
			continue
		}
		switch outcome {
		case dues.RecordCreated:
			out.created++
		case dues.RecordUpdated:
			out.updated++
		case dues.RecordSkipped:
			out.skipped++
		}
		p := c.period
		last = &p
	}

	e.schedule(ctx, n, row, *m, last, &out)
	return out
}

// schedule pre-creates unpaid dues through the month of a future next-payment
// date, starting after the last processed period but never before the current
// month.
func (e *Engine) schedule(ctx context.Context, n int, row Row, m dues.Member, last *dues.Period, out *rowOutcome) {
	col, raw := e.lookup(row, e.Config.NextPaymentColumns)
	if raw == "" {
		return
	}
	next, err := dues.ParseDate(strings.TrimSpace(raw))
	if err != nil {
		out.fail(n, col, "unrecognized next payment date %q", raw)
		return
	}
	today := e.Lifecycle.Today()
	if !next.After(today) {
		return
	}

	current := dues.PeriodOf(today)
	start := current
	if last != nil && last.Next().After(current) {
		start = last.Next()
	}
	end := dues.PeriodOf(next)
	if limit := current.AddMonths(dues.HorizonMonths); end.After(limit) {
		end = limit
	}
	for p := start; !p.After(end); p = p.Next() {
		if !m.EnrolledFor(p) {
			continue
		}
		_, err := e.Lifecycle.CreateDue(ctx, m.ID, p, dues.CreateOptions{})
		switch {
		case err == nil:
			out.scheduled++
		case dues.KindOf(err) == dues.KindConflict:
		default:
			out.fail(n, col, "%s: %v", p, err)
		}
	}
}

// lookup returns the first of names present in row with a non-empty value.
// When none has a value it returns the first name and "".
func (e *Engine) lookup(row Row, names []string) (string, string) {
	for _, name := range names {
		if v := strings.TrimSpace(row[NormalizeColumn(name)]); v != "" {
			return NormalizeColumn(name), v
		}
	}
	if len(names) > 0 {
		return NormalizeColumn(names[0]), ""
	}
	return "", ""
}

func normalizeRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[NormalizeColumn(k)] = v
	}
	return out
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}
