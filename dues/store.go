/*
store.go - Persistence boundary for dues and the member registry

PURPOSE:
  Defines the interface between the lifecycle engine and the database.
  Different implementations can use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  Store:          Dues persistence with guarded writes
  MemberRegistry: Read-only view of association members
  EventSink:      Receives a notification for every mutation

GUARDED WRITES:
  Every write that the lifecycle rules constrain is a single conditional
  statement so that the check and the write cannot be split by a concurrent
  caller:
  - Insert():       fails with ErrDuplicateDue on (member, year, month)
  - SetPaid():      only when paid = false, else ErrAlreadyPaid
  - DeleteUnpaid(): only when paid = false, else ErrDuePaid
  Missing ids always yield ErrDueNotFound.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go:     SQLite (UNIQUE index on member_id, year, month)
  - store/postgres/postgres.go: PostgreSQL through gorm
  - dues/store/memory.go:       In-memory for testing

SEE ALSO:
  - engine.go: The only caller of the write methods
*/
package dues

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Dues persistence
// =============================================================================

// Store persists dues. Only Engine should call the write methods.
type Store interface {
	// Insert stores a new due. Returns ErrDuplicateDue if the key exists.
	Insert(ctx context.Context, d Due) error

	// Get returns a due by id or ErrDueNotFound.
	Get(ctx context.Context, id DueID) (*Due, error)

	// GetByPeriod returns the due for (member, period) or ErrDueNotFound.
	GetByPeriod(ctx context.Context, memberID MemberID, p Period) (*Due, error)

	// Find returns dues matching f ordered by member, year, month.
	Find(ctx context.Context, f Filter) ([]Due, error)

	// SetPaid writes payment fields if the due is unpaid.
	SetPaid(ctx context.Context, id DueID, p Payment) error

	// ClearPaid clears paid, paid_at and method. Receipt and notes remain.
	ClearPaid(ctx context.Context, id DueID) error

	// UpdateAmount changes the amount of an unpaid due. Returns ErrAlreadyPaid
	// when the due is paid.
	UpdateAmount(ctx context.Context, id DueID, amount decimal.Decimal) error

	// DeleteUnpaid removes a due unless it is paid (ErrDuePaid).
	DeleteUnpaid(ctx context.Context, id DueID) error
}

// =============================================================================
// MEMBER REGISTRY - External collaborator, read-only
// =============================================================================

// MemberRegistry exposes association members. The engine never mutates it.
type MemberRegistry interface {
	// Member returns a member by id or ErrMemberNotFound.
	Member(ctx context.Context, id MemberID) (*Member, error)

	// MemberByFiscalID looks up by normalized fiscal id or ErrMemberNotFound.
	MemberByFiscalID(ctx context.Context, fiscalID string) (*Member, error)

	// ActiveMembers returns all members with Active = true.
	ActiveMembers(ctx context.Context) ([]Member, error)
}

// =============================================================================
// EVENTS - Mutation notifications
// =============================================================================

type EventType string

const (
	EventDueCreated  EventType = "due.created"
	EventDuePaid     EventType = "due.paid"
	EventDueUnpaid   EventType = "due.unpaid"
	EventDueDeleted  EventType = "due.deleted"
	EventDueRepriced EventType = "due.repriced"
)

// Event describes one successful mutation.
type Event struct {
	Type       EventType       `json:"type"`
	DueID      DueID           `json:"due_id"`
	MemberID   MemberID        `json:"member_id"`
	Period     string          `json:"period"`
	Amount     decimal.Decimal `json:"amount"`
	Method     PaymentMethod   `json:"method,omitempty"`
	PaidAt     *time.Time      `json:"paid_at,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// EventSink receives events after the store write succeeded. Delivery
// failures are the sink's concern; they never fail the operation.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Publish(context.Context, Event) {}
