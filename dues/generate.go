package dues

import (
	"context"
	"errors"
	"time"
)

// HorizonMonths is how many months AutoExtend keeps materialized.
const HorizonMonths = 12

// =============================================================================
// GENERATION RESULT
// =============================================================================

// GenerationFailure records one member/period that could not be generated.
type GenerationFailure struct {
	MemberID MemberID `json:"member_id,omitempty"`
	Period   string   `json:"period"`
	Error    string   `json:"error"`
}

// GenerationResult aggregates a bulk generation.
type GenerationResult struct {
	Created     int                 `json:"created"`
	Updated     int                 `json:"updated"`      // repriced with overwrite
	Skipped     int                 `json:"skipped"`      // already existed
	NotEnrolled int                 `json:"not_enrolled"` // period before enrollment
	Failures    []GenerationFailure `json:"failures"`
}

func (r *GenerationResult) merge(o GenerationResult) {
	r.Created += o.Created
	r.Updated += o.Updated
	r.Skipped += o.Skipped
	r.NotEnrolled += o.NotEnrolled
	r.Failures = append(r.Failures, o.Failures...)
}

// =============================================================================
// PERIOD / YEAR GENERATION
// =============================================================================

// GenerateForPeriod creates the due for p for every active member.
//
// With overwrite=false existing dues are left untouched, so calling it twice
// leaves the store as after the first call. With overwrite=true an existing
// unpaid due is repriced to the member's current monthly due; paid dues are
// never touched.
//
// The returned error is non-nil only when the run could not start (invalid
// period, registry unavailable). Per-member problems are in Failures.
func (e *Engine) GenerateForPeriod(ctx context.Context, p Period, overwrite bool) (GenerationResult, error) {
	res := GenerationResult{Failures: []GenerationFailure{}}
	if err := p.Validate(); err != nil {
		return res, err
	}
	members, err := e.Members.ActiveMembers(ctx)
	if err != nil {
		return res, mapStoreErr("generate", err)
	}
	for _, m := range members {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		e.generateOne(ctx, m, p, overwrite, &res)
	}
	return res, nil
}

func (e *Engine) generateOne(ctx context.Context, m Member, p Period, overwrite bool, res *GenerationResult) {
	if !m.EnrolledFor(p) {
		res.NotEnrolled++
		return
	}
	_, err := e.createFor(ctx, m, p, CreateOptions{})
	if err == nil {
		res.Created++
		return
	}

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		res.Failures = append(res.Failures, GenerationFailure{MemberID: m.ID, Period: p.String(), Error: err.Error()})
		return
	}
	existing := conflict.Existing
	if !overwrite || existing.Paid || existing.Amount.Equal(m.MonthlyDue) {
		res.Skipped++
		return
	}
	if err := e.Store.UpdateAmount(ctx, existing.ID, m.MonthlyDue); err != nil {
		if errors.Is(err, ErrAlreadyPaid) {
			res.Skipped++
			return
		}
		res.Failures = append(res.Failures, GenerationFailure{MemberID: m.ID, Period: p.String(), Error: err.Error()})
		return
	}
	existing.Amount = m.MonthlyDue
	e.publish(ctx, EventDueRepriced, existing)
	res.Updated++
}

// GenerateForYear runs GenerateForPeriod for every month of year. A month that
// cannot run is recorded as a failure and the remaining months still run.
func (e *Engine) GenerateForYear(ctx context.Context, year int, overwrite bool) (GenerationResult, error) {
	total := GenerationResult{Failures: []GenerationFailure{}}
	if _, err := NewPeriod(year, 1); err != nil {
		return total, err
	}
	for month := time.January; month <= time.December; month++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		p := Period{Year: year, Month: month}
		res, err := e.GenerateForPeriod(ctx, p, overwrite)
		if err != nil {
			total.Failures = append(total.Failures, GenerationFailure{Period: p.String(), Error: err.Error()})
		}
		total.merge(res)
	}
	return total, nil
}

// =============================================================================
// AUTO-EXTENSION - Rolling horizon per member
// =============================================================================

// AutoExtend makes sure the member has a due for each of the HorizonMonths
// months starting at ref's month. Only missing dues are created.
func (e *Engine) AutoExtend(ctx context.Context, memberID MemberID, ref time.Time) (GenerationResult, error) {
	res := GenerationResult{Failures: []GenerationFailure{}}
	m, err := e.member(ctx, "auto_extend", memberID)
	if err != nil {
		return res, err
	}
	for _, p := range PeriodOf(ref).Range(HorizonMonths) {
		e.generateOne(ctx, *m, p, false, &res)
	}
	return res, nil
}

// AutoExtendAll runs AutoExtend for every active member.
func (e *Engine) AutoExtendAll(ctx context.Context, ref time.Time) (GenerationResult, error) {
	total := GenerationResult{Failures: []GenerationFailure{}}
	members, err := e.Members.ActiveMembers(ctx)
	if err != nil {
		return total, mapStoreErr("auto_extend", err)
	}
	for _, m := range members {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		for _, p := range PeriodOf(ref).Range(HorizonMonths) {
			e.generateOne(ctx, m, p, false, &total)
		}
	}
	return total, nil
}
