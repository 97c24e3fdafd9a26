/*
Package dues provides the membership dues lifecycle engine.

PURPOSE:
  Tracks the monthly dues ("cuotas") owed by association members: creating a
  due per member and period, marking it paid or unpaid, guarding deletion of
  confirmed payments and deriving overdue status from the calendar.

KEY CONCEPTS IN THIS FILE (types.go):
  - Member: registry record the engine reads but never writes
  - Due: one month's fee obligation for one member
  - PaymentMethod: how a due was settled
  - Status: PAID / OVERDUE / PENDING, always derived, never stored

DESIGN PRINCIPLES:
  1. Single writer: only Engine mutates the Store
  2. Precision: amounts are decimal.Decimal
  3. Derived state: overdue is a function of (period, today)
  4. Outcomes as values: see errors.go

SEE ALSO:
  - engine.go: Lifecycle operations
  - store.go: Persistence boundary
  - calendar.go: Periods and due dates
*/
package dues

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MemberID string
type DueID string

// =============================================================================
// MEMBER - External registry record
// =============================================================================

type Member struct {
	ID         MemberID
	FiscalID   string // RUT, normalized with NormalizeFiscalID
	Name       string
	MonthlyDue decimal.Decimal
	EnrolledOn time.Time
	Active     bool
}

// EnrollmentPeriod is the first period the member owes a due for.
func (m Member) EnrollmentPeriod() Period {
	return PeriodOf(m.EnrolledOn)
}

// EnrolledFor reports whether p is on or after the enrollment month.
func (m Member) EnrolledFor(p Period) bool {
	if m.EnrolledOn.IsZero() {
		return true
	}
	return !p.Before(m.EnrollmentPeriod())
}

// NormalizeFiscalID canonicalizes a RUT as typed by humans: dots and spaces
// removed, check digit upper-cased, hyphen before the check digit.
//
//	"12.345.678-9" -> "12345678-9"
//	"12345678k"    -> "12345678-K"
func NormalizeFiscalID(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch r {
		case '.', ' ', '\t', '-':
			continue
		}
		b.WriteRune(r)
	}
	s := strings.ToUpper(b.String())
	if len(s) < 2 {
		return s
	}
	return s[:len(s)-1] + "-" + s[len(s)-1:]
}

// =============================================================================
// PAYMENT METHOD
// =============================================================================

type PaymentMethod string

const (
	MethodTransfer   PaymentMethod = "transfer"
	MethodCash       PaymentMethod = "cash"
	MethodCard       PaymentMethod = "card"
	MethodBulkImport PaymentMethod = "bulk-import"
)

// Valid reports whether m is one of the known payment methods.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodTransfer, MethodCash, MethodCard, MethodBulkImport:
		return true
	}
	return false
}

// =============================================================================
// DUE - One member, one month
// =============================================================================

type Due struct {
	ID         DueID
	MemberID   MemberID
	Period     Period
	Amount     decimal.Decimal
	Paid       bool
	PaidAt     *time.Time
	Method     PaymentMethod
	ReceiptURL string
	Notes      string
	CreatedAt  time.Time
}

// Payment holds the fields written when a due is marked paid.
type Payment struct {
	PaidAt     time.Time
	Method     PaymentMethod
	ReceiptURL string
	Notes      string
}

// apply sets the payment fields on d.
func (p Payment) apply(d *Due) {
	at := p.PaidAt
	d.Paid = true
	d.PaidAt = &at
	d.Method = p.Method
	if p.ReceiptURL != "" {
		d.ReceiptURL = p.ReceiptURL
	}
	if p.Notes != "" {
		d.Notes = p.Notes
	}
}

// =============================================================================
// STATUS - Derived classification
// =============================================================================

type Status string

const (
	StatusPaid    Status = "PAID"
	StatusOverdue Status = "OVERDUE"
	StatusPending Status = "PENDING"
)

// Classify derives the status of d on the calendar date today. Pure.
//
// A due is OVERDUE from the day after its due date (day 5 of its month).
func Classify(d Due, today time.Time) Status {
	if d.Paid {
		return StatusPaid
	}
	if Date(today).After(d.Period.DueDate()) {
		return StatusOverdue
	}
	return StatusPending
}

// =============================================================================
// FILTER - Read queries
// =============================================================================

// Filter selects dues. Zero fields match everything.
type Filter struct {
	MemberID MemberID
	Year     int
	Paid     *bool
}

// Match reports whether d satisfies the filter.
func (f Filter) Match(d Due) bool {
	if f.MemberID != "" && d.MemberID != f.MemberID {
		return false
	}
	if f.Year != 0 && d.Period.Year != f.Year {
		return false
	}
	if f.Paid != nil && d.Paid != *f.Paid {
		return false
	}
	return true
}
