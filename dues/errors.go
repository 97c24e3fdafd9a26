/*
errors.go - Centralized error types for the dues engine

PURPOSE:
  Every mutating operation reports its outcome through a typed error rather
  than a panic or a bare string. Batch callers (bulk generation,
  reconciliation) branch on the error Kind without aborting the batch.

KINDS:
  Conflict    duplicate (member, year, month) or already-paid due
  NotFound    unknown due or member
  Forbidden   deleting a paid due
  Validation  malformed year/month/date/method, pre-enrollment period

USAGE:
  due, err := engine.CreateDue(ctx, memberID, period, dues.CreateOptions{})
  switch dues.KindOf(err) {
  case dues.KindNone:
      // created
  case dues.KindConflict:
      var c *dues.ConflictError
      errors.As(err, &c) // c.Existing is the stored due
  }

  if errors.Is(err, dues.ErrAlreadyPaid) { ... }

SEE ALSO:
  - engine.go: Produces these errors
  - api/handlers.go: Maps kinds to HTTP status codes
*/
package dues

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConflict matches every Conflict outcome.
	ErrConflict = errors.New("conflict")

	// ErrNotFound matches every NotFound outcome.
	ErrNotFound = errors.New("not found")

	// ErrForbidden matches every Forbidden outcome.
	ErrForbidden = errors.New("forbidden")

	// ErrValidation matches every Validation outcome.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateDue is returned by stores when (member, year, month) exists.
	ErrDuplicateDue = errors.New("due already exists for member and period")

	// ErrAlreadyPaid is returned when marking a due that is already paid.
	ErrAlreadyPaid = errors.New("due already paid")

	// ErrDueNotFound is returned when a due id does not exist.
	ErrDueNotFound = errors.New("due not found")

	// ErrMemberNotFound is returned when a member id or fiscal id does not resolve.
	ErrMemberNotFound = errors.New("member not found")

	// ErrDuePaid is returned by stores when a guarded delete hits a paid due.
	ErrDuePaid = errors.New("due is paid")
)

// =============================================================================
// KIND - The tag of an outcome
// =============================================================================

type Kind int

const (
	KindNone Kind = iota
	KindConflict
	KindNotFound
	KindForbidden
	KindValidation
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindValidation:
		return "validation"
	default:
		return "internal"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindConflict:
		return ErrConflict
	case KindNotFound:
		return ErrNotFound
	case KindForbidden:
		return ErrForbidden
	case KindValidation:
		return ErrValidation
	}
	return nil
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Error is a tagged outcome of an engine operation.
type Error struct {
	Kind    Kind
	Op      string // operation, e.g. "mark_paid"
	Message string
	Err     error // underlying cause, often a store sentinel
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrConflict) and friends match on Kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// ConflictError reports that a due already exists for the requested key.
type ConflictError struct {
	Existing Due
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("due already exists for member %s period %s (id %s)",
		e.Existing.MemberID, e.Existing.Period, e.Existing.ID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict || target == ErrDuplicateDue
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func newError(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Message: fmt.Sprintf(format, args...)}
}

func validationf(op, format string, args ...any) error {
	return newError(KindValidation, op, nil, format, args...)
}

// KindOf returns the outcome tag of err. nil is KindNone; errors that carry
// no tag are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var c *ConflictError
	if errors.As(err, &c) {
		return KindConflict
	}
	switch {
	case errors.Is(err, ErrDuplicateDue), errors.Is(err, ErrAlreadyPaid), errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrDueNotFound), errors.Is(err, ErrMemberNotFound), errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrDuePaid), errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrValidation):
		return KindValidation
	}
	return KindInternal
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindForbidden, KindValidation, KindNotFound:
		return true
	}
	return false
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
