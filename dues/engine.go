/*
engine.go - Dues lifecycle engine

PURPOSE:
  The Engine is the only writer of the dues Store. Every path that creates or
  mutates a due (single creation, bulk generation, auto-extension, payment
  marking, reconciliation) goes through it so the invariants live in one place.

INVARIANTS ENFORCED HERE:
  1. UNIQUE:      one due per (member, year, month); duplicates are Conflict
  2. COHERENT:    paid <=> paid_at set <=> method set
  3. GUARDED:     a paid due cannot be deleted (Forbidden)
  4. NO FUTURE:   paid_at is never after today
  5. ENROLLMENT:  no due before the member's enrollment month unless the
                  caller explicitly overrides it

OUTCOMES:
  Operations return typed errors (see errors.go). Batch operations absorb
  Conflict and collect per-member failures in their result instead of
  returning them.

EXAMPLE:
  engine := dues.NewEngine(store, registry)
  due, err := engine.CreateDue(ctx, "m-1", dues.Period{Year: 2025, Month: 3}, dues.CreateOptions{})
  due, err = engine.MarkPaid(ctx, due.ID, dues.PaymentInput{Method: dues.MethodTransfer})

SEE ALSO:
  - generate.go: Period/year generation and auto-extension
  - store.go: Persistence boundary
*/
package dues

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Store    Store
	Members  MemberRegistry
	Calendar Calendar
	Events   EventSink

	// NewID assigns ids to new dues.
	NewID func() DueID
}

// NewEngine creates an engine over store and members using the system clock
// in UTC. Adjust Calendar and Events on the returned value as needed.
func NewEngine(store Store, members MemberRegistry) *Engine {
	return &Engine{
		Store:    store,
		Members:  members,
		Calendar: NewCalendar(SystemClock{}, time.UTC),
		Events:   NopSink{},
		NewID:    func() DueID { return DueID(uuid.NewString()) },
	}
}

// Today is the current calendar date in the engine's calendar.
func (e *Engine) Today() time.Time { return e.Calendar.Today() }

// Status classifies d against today.
func (e *Engine) Status(d Due) Status { return Classify(d, e.Today()) }

// =============================================================================
// READS
// =============================================================================

// Due returns a due by id.
func (e *Engine) Due(ctx context.Context, id DueID) (*Due, error) {
	d, err := e.Store.Get(ctx, id)
	if err != nil {
		return nil, mapStoreErr("get_due", err)
	}
	return d, nil
}

// Dues returns dues matching f.
func (e *Engine) Dues(ctx context.Context, f Filter) ([]Due, error) {
	ds, err := e.Store.Find(ctx, f)
	if err != nil {
		return nil, mapStoreErr("find_dues", err)
	}
	return ds, nil
}

// =============================================================================
// CREATE
// =============================================================================

// CreateOptions tunes CreateDue.
type CreateOptions struct {
	// Amount overrides the member's current monthly due.
	Amount *decimal.Decimal

	// AllowBeforeEnrollment permits a period before the enrollment month.
	// Only explicit administrative creation should set it.
	AllowBeforeEnrollment bool
}

// CreateDue creates an unpaid due for (memberID, p). If one already exists the
// returned error is a *ConflictError carrying the stored due.
func (e *Engine) CreateDue(ctx context.Context, memberID MemberID, p Period, opts CreateOptions) (Due, error) {
	if err := p.Validate(); err != nil {
		return Due{}, err
	}
	m, err := e.member(ctx, "create_due", memberID)
	if err != nil {
		return Due{}, err
	}
	return e.createFor(ctx, *m, p, opts)
}

func (e *Engine) createFor(ctx context.Context, m Member, p Period, opts CreateOptions) (Due, error) {
	if !opts.AllowBeforeEnrollment && !m.EnrolledFor(p) {
		return Due{}, validationf("create_due", "period %s is before member %s enrolled (%s)",
			p, m.ID, m.EnrollmentPeriod())
	}
	amount := m.MonthlyDue
	if opts.Amount != nil {
		amount = *opts.Amount
	}
	if amount.IsNegative() {
		return Due{}, validationf("create_due", "amount must not be negative")
	}

	d := Due{
		ID:        e.NewID(),
		MemberID:  m.ID,
		Period:    p,
		Amount:    amount,
		CreatedAt: e.Calendar.Now().UTC(),
	}
	if err := e.insert(ctx, "create_due", d); err != nil {
		return Due{}, err
	}
	e.publish(ctx, EventDueCreated, d)
	return d, nil
}

// insert writes d and turns a duplicate key into a *ConflictError.
func (e *Engine) insert(ctx context.Context, op string, d Due) error {
	err := e.Store.Insert(ctx, d)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDuplicateDue) {
		existing, gerr := e.Store.GetByPeriod(ctx, d.MemberID, d.Period)
		if gerr != nil {
			return newError(KindConflict, op, ErrDuplicateDue, "due already exists for %s %s", d.MemberID, d.Period)
		}
		return &ConflictError{Existing: *existing}
	}
	return mapStoreErr(op, err)
}

// =============================================================================
// PAYMENT
// =============================================================================

// PaymentInput is what a caller supplies when marking a due paid.
type PaymentInput struct {
	Method     PaymentMethod
	PaidAt     *time.Time // nil means now
	ReceiptURL string
	Notes      string
}

func (e *Engine) resolvePayment(op string, in PaymentInput) (Payment, error) {
	if !in.Method.Valid() {
		return Payment{}, validationf(op, "unknown payment method %q", in.Method)
	}
	at := e.Calendar.Now().UTC()
	if in.PaidAt != nil {
		if Date(*in.PaidAt).After(e.Today()) {
			return Payment{}, validationf(op, "payment date %s is in the future",
				in.PaidAt.Format(time.DateOnly))
		}
		at = in.PaidAt.UTC()
	}
	return Payment{PaidAt: at, Method: in.Method, ReceiptURL: in.ReceiptURL, Notes: in.Notes}, nil
}

// MarkPaid records a payment. Already-paid dues yield an error matching both
// ErrConflict and ErrAlreadyPaid; the stored payment is left untouched.
func (e *Engine) MarkPaid(ctx context.Context, id DueID, in PaymentInput) (Due, error) {
	pay, err := e.resolvePayment("mark_paid", in)
	if err != nil {
		return Due{}, err
	}
	if err := e.Store.SetPaid(ctx, id, pay); err != nil {
		return Due{}, mapStoreErr("mark_paid", err)
	}
	d, err := e.Store.Get(ctx, id)
	if err != nil {
		return Due{}, mapStoreErr("mark_paid", err)
	}
	e.publish(ctx, EventDuePaid, *d)
	return *d, nil
}

// UnmarkPaid reverts a due to unpaid. Receipt and notes are kept as history.
func (e *Engine) UnmarkPaid(ctx context.Context, id DueID) (Due, error) {
	if err := e.Store.ClearPaid(ctx, id); err != nil {
		return Due{}, mapStoreErr("unmark_paid", err)
	}
	d, err := e.Store.Get(ctx, id)
	if err != nil {
		return Due{}, mapStoreErr("unmark_paid", err)
	}
	e.publish(ctx, EventDueUnpaid, *d)
	return *d, nil
}

// =============================================================================
// DELETE
// =============================================================================

// DeleteDue removes an unpaid due. Paid dues are Forbidden.
func (e *Engine) DeleteDue(ctx context.Context, id DueID) error {
	d, err := e.Store.Get(ctx, id)
	if err != nil {
		return mapStoreErr("delete_due", err)
	}
	if err := e.Store.DeleteUnpaid(ctx, id); err != nil {
		return mapStoreErr("delete_due", err)
	}
	e.publish(ctx, EventDueDeleted, *d)
	return nil
}

// =============================================================================
// RECORD PAYMENT - Reconciliation path
// =============================================================================

type RecordOutcome string

const (
	RecordCreated RecordOutcome = "created" // due did not exist, stored as paid
	RecordUpdated RecordOutcome = "updated" // existing unpaid due marked paid
	RecordSkipped RecordOutcome = "skipped" // existing due already paid, untouched
)

// RecordPayment makes sure the due for (m, p) exists and is paid. A missing
// due is inserted already paid in a single write. An already-paid due is
// never modified and is reported as skipped before in is validated.
func (e *Engine) RecordPayment(ctx context.Context, m Member, p Period, in PaymentInput) (RecordOutcome, Due, error) {
	const op = "record_payment"
	if err := p.Validate(); err != nil {
		return "", Due{}, err
	}

	existing, err := e.Store.GetByPeriod(ctx, m.ID, p)
	switch {
	case errors.Is(err, ErrDueNotFound):
		existing = nil
	case err != nil:
		return "", Due{}, mapStoreErr(op, err)
	}
	if existing != nil && existing.Paid {
		return RecordSkipped, *existing, nil
	}

	if !m.EnrolledFor(p) {
		return "", Due{}, validationf(op, "period %s is before member enrolled (%s)", p, m.EnrollmentPeriod())
	}
	pay, err := e.resolvePayment(op, in)
	if err != nil {
		return "", Due{}, err
	}

	if existing == nil {
		d := Due{
			ID:        e.NewID(),
			MemberID:  m.ID,
			Period:    p,
			Amount:    m.MonthlyDue,
			CreatedAt: e.Calendar.Now().UTC(),
		}
		pay.apply(&d)
		ierr := e.insert(ctx, op, d)
		if ierr == nil {
			e.publish(ctx, EventDueCreated, d)
			e.publish(ctx, EventDuePaid, d)
			return RecordCreated, d, nil
		}
		var conflict *ConflictError
		if !errors.As(ierr, &conflict) {
			return "", Due{}, ierr
		}
		// Lost a race with a concurrent creator; continue with the stored due.
		existing = &conflict.Existing
		if existing.Paid {
			return RecordSkipped, *existing, nil
		}
	}

	if err := e.Store.SetPaid(ctx, existing.ID, pay); err != nil {
		if errors.Is(err, ErrAlreadyPaid) {
			return RecordSkipped, *existing, nil
		}
		return "", Due{}, mapStoreErr(op, err)
	}
	pay.apply(existing)
	e.publish(ctx, EventDuePaid, *existing)
	return RecordUpdated, *existing, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) member(ctx context.Context, op string, id MemberID) (*Member, error) {
	m, err := e.Members.Member(ctx, id)
	if err != nil {
		return nil, mapStoreErr(op, err)
	}
	return m, nil
}

func (e *Engine) publish(ctx context.Context, t EventType, d Due) {
	if e.Events == nil {
		return
	}
	e.Events.Publish(ctx, Event{
		Type:       t,
		DueID:      d.ID,
		MemberID:   d.MemberID,
		Period:     d.Period.String(),
		Amount:     d.Amount,
		Method:     d.Method,
		PaidAt:     d.PaidAt,
		OccurredAt: e.Calendar.Now().UTC(),
	})
}

// mapStoreErr tags store sentinels with their outcome kind.
func mapStoreErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAlreadyPaid):
		return newError(KindConflict, op, ErrAlreadyPaid, "due already paid")
	case errors.Is(err, ErrDuplicateDue):
		return newError(KindConflict, op, ErrDuplicateDue, "due already exists")
	case errors.Is(err, ErrDueNotFound):
		return newError(KindNotFound, op, ErrDueNotFound, "due not found")
	case errors.Is(err, ErrMemberNotFound):
		return newError(KindNotFound, op, ErrMemberNotFound, "member not found")
	case errors.Is(err, ErrDuePaid):
		return newError(KindForbidden, op, ErrDuePaid, "cannot delete a paid due")
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return err
	}
	return newError(KindInternal, op, err, "%v", err)
}
