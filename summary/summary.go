/*
summary.go - Per-member standing

PURPOSE:
  Read-only aggregation of a member's dues into counts, amounts and a
  standing tag. Nothing here writes to the store; overdue is derived from the
  as-of date exactly like dues.Classify does for a single due.

STANDING:
  NEVER_PAID   no paid dues and at least one overdue
  DELINQUENT   at least one overdue and at least one paid
  CURRENT      otherwise (including members with no dues at all)

EXAMPLE:
  Dues for Jan..Apr 2025, Jan and Feb paid, as of 2025-04-10:
    Total=4 Paid=2 Overdue=2 (Mar, Apr) Pending=0 -> DELINQUENT
  Same dues as of 2025-04-05:
    Overdue=1 (Mar) Pending=1 (Apr)               -> DELINQUENT

SEE ALSO:
  - ../dues/types.go: Classify
*/
package summary

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/dues-engine/dues"
)

// Standing tags a member's overall payment situation.
type Standing string

const (
	StandingCurrent    Standing = "CURRENT"
	StandingDelinquent Standing = "DELINQUENT"
	StandingNeverPaid  Standing = "NEVER_PAID"
)

// rank orders standings worst first.
func (s Standing) rank() int {
	switch s {
	case StandingNeverPaid:
		return 0
	case StandingDelinquent:
		return 1
	default:
		return 2
	}
}

type Summary struct {
	MemberID      dues.MemberID   `json:"member_id"`
	FiscalID      string          `json:"fiscal_id"`
	Name          string          `json:"name"`
	Total         int             `json:"total"`
	Paid          int             `json:"paid"`
	Overdue       int             `json:"overdue"`
	Pending       int             `json:"pending"`
	LastPaidAt    *time.Time      `json:"last_paid_at,omitempty"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	OverdueAmount decimal.Decimal `json:"overdue_amount"`
	PendingAmount decimal.Decimal `json:"pending_amount"`
	Status        Standing        `json:"status"`
	Delinquent    bool            `json:"delinquent"`
}

// =============================================================================
// AGGREGATOR
// =============================================================================

type Aggregator struct {
	Store   dues.Store
	Members dues.MemberRegistry
}

func New(store dues.Store, members dues.MemberRegistry) *Aggregator {
	return &Aggregator{Store: store, Members: members}
}

// SummarizeMember aggregates every due of one member as of asOf.
func (a *Aggregator) SummarizeMember(ctx context.Context, memberID dues.MemberID, asOf time.Time) (Summary, error) {
	m, err := a.Members.Member(ctx, memberID)
	if err != nil {
		return Summary{}, err
	}
	ds, err := a.Store.Find(ctx, dues.Filter{MemberID: memberID})
	if err != nil {
		return Summary{}, err
	}
	return Summarize(*m, ds, asOf), nil
}

// SummarizeAll summarizes every active member, worst standing first and then
// by fiscal id.
func (a *Aggregator) SummarizeAll(ctx context.Context, asOf time.Time) ([]Summary, error) {
	members, err := a.Members.ActiveMembers(ctx)
	if err != nil {
		return nil, err
	}
	all, err := a.Store.Find(ctx, dues.Filter{})
	if err != nil {
		return nil, err
	}
	byMember := make(map[dues.MemberID][]dues.Due, len(members))
	for _, d := range all {
		byMember[d.MemberID] = append(byMember[d.MemberID], d)
	}

	out := make([]Summary, 0, len(members))
	for _, m := range members {
		out = append(out, Summarize(m, byMember[m.ID], asOf))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if ri, rj := out[i].Status.rank(), out[j].Status.rank(); ri != rj {
			return ri < rj
		}
		return out[i].FiscalID < out[j].FiscalID
	})
	return out, nil
}

// Summarize is the pure aggregation over one member's dues.
func Summarize(m dues.Member, ds []dues.Due, asOf time.Time) Summary {
	s := Summary{
		MemberID:      m.ID,
		FiscalID:      m.FiscalID,
		Name:          m.Name,
		Total:         len(ds),
		PaidAmount:    decimal.Zero,
		OverdueAmount: decimal.Zero,
		PendingAmount: decimal.Zero,
	}
	for _, d := range ds {
		switch dues.Classify(d, asOf) {
		case dues.StatusPaid:
			s.Paid++
			s.PaidAmount = s.PaidAmount.Add(d.Amount)
			if d.PaidAt != nil && (s.LastPaidAt == nil || d.PaidAt.After(*s.LastPaidAt)) {
				at := *d.PaidAt
				s.LastPaidAt = &at
			}
		case dues.StatusOverdue:
			s.Overdue++
			s.OverdueAmount = s.OverdueAmount.Add(d.Amount)
		default:
			s.Pending++
			s.PendingAmount = s.PendingAmount.Add(d.Amount)
		}
	}

	switch {
	case s.Overdue > 0 && s.Paid == 0:
		s.Status = StandingNeverPaid
	case s.Overdue > 0:
		s.Status = StandingDelinquent
	default:
		s.Status = StandingCurrent
	}
	s.Delinquent = s.Status != StandingCurrent
	return s
}
