/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model (dues.Due, dues.Member) from the external API contract:
  - Periods are rendered as "YYYY-MM" plus explicit year/month
  - Status is derived at response time, never stored
  - Amounts travel as decimal strings

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Members:    MemberDTO, CreateMemberRequest
  Dues:       DueDTO, CreateDueRequest, PayRequest
  Admin:      GenerateRequest, GenerateResponse
  Scenarios:  ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done in handlers and the engine, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - dues/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/dues-engine/dues"
)

// =============================================================================
// MEMBERS
// =============================================================================

// MemberDTO represents a member in API responses.
type MemberDTO struct {
	ID         string          `json:"id"`
	FiscalID   string          `json:"fiscal_id"`
	Name       string          `json:"name"`
	MonthlyDue decimal.Decimal `json:"monthly_due"`
	EnrolledOn string          `json:"enrolled_on,omitempty"`
	Active     bool            `json:"active"`
}

// CreateMemberRequest is the request to register or update a member.
type CreateMemberRequest struct {
	ID         string           `json:"id"` // generated when empty
	FiscalID   string           `json:"fiscal_id"`
	Name       string           `json:"name"`
	MonthlyDue *decimal.Decimal `json:"monthly_due"`
	EnrolledOn string           `json:"enrolled_on"` // YYYY-MM-DD
	Active     *bool            `json:"active"`      // defaults to true
}

// =============================================================================
// DUES
// =============================================================================

// DueDTO represents a due in API responses.
type DueDTO struct {
	ID         string          `json:"id"`
	MemberID   string          `json:"member_id"`
	Period     string          `json:"period"`
	Year       int             `json:"year"`
	Month      int             `json:"month"`
	DueDate    string          `json:"due_date"`
	Amount     decimal.Decimal `json:"amount"`
	Paid       bool            `json:"paid"`
	PaidAt     *string         `json:"paid_at,omitempty"`
	Method     string          `json:"method,omitempty"`
	ReceiptURL string          `json:"receipt_url,omitempty"`
	Notes      string          `json:"notes,omitempty"`
	Status     dues.Status     `json:"status"`
	CreatedAt  string          `json:"created_at,omitempty"`
}

// CreateDueRequest is the request to create a single due.
type CreateDueRequest struct {
	Year                  int              `json:"year"`
	Month                 int              `json:"month"`
	Amount                *decimal.Decimal `json:"amount,omitempty"`
	AllowBeforeEnrollment bool             `json:"allow_before_enrollment"`
}

// PayRequest is the request to mark a due paid.
type PayRequest struct {
	Method     string `json:"method"`
	PaidAt     string `json:"paid_at,omitempty"` // YYYY-MM-DD; empty means now
	ReceiptURL string `json:"receipt_url,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// =============================================================================
// ADMIN
// =============================================================================

// GenerateRequest is the request to generate dues for a month or a year.
type GenerateRequest struct {
	Year      int  `json:"year"`
	Month     *int `json:"month,omitempty"` // nil = whole year
	Overwrite bool `json:"overwrite"`
}

// GenerateResponse wraps a generation result with the scope it covered.
type GenerateResponse struct {
	Scope string `json:"scope"` // "2025" or "2025-03"
	dues.GenerationResult
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toMemberDTO(m dues.Member) MemberDTO {
	dto := MemberDTO{
		ID:         string(m.ID),
		FiscalID:   m.FiscalID,
		Name:       m.Name,
		MonthlyDue: m.MonthlyDue,
		Active:     m.Active,
	}
	if !m.EnrolledOn.IsZero() {
		dto.EnrolledOn = m.EnrolledOn.Format(time.DateOnly)
	}
	return dto
}

func toMemberDTOs(ms []dues.Member) []MemberDTO {
	dtos := make([]MemberDTO, len(ms))
	for i, m := range ms {
		dtos[i] = toMemberDTO(m)
	}
	return dtos
}

func toDueDTO(d dues.Due, today time.Time) DueDTO {
	dto := DueDTO{
		ID:         string(d.ID),
		MemberID:   string(d.MemberID),
		Period:     d.Period.String(),
		Year:       d.Period.Year,
		Month:      int(d.Period.Month),
		DueDate:    d.Period.DueDate().Format(time.DateOnly),
		Amount:     d.Amount,
		Paid:       d.Paid,
		Method:     string(d.Method),
		ReceiptURL: d.ReceiptURL,
		Notes:      d.Notes,
		Status:     dues.Classify(d, today),
	}
	if d.PaidAt != nil {
		s := d.PaidAt.Format(time.RFC3339)
		dto.PaidAt = &s
	}
	if !d.CreatedAt.IsZero() {
		dto.CreatedAt = d.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

func toDueDTOs(ds []dues.Due, today time.Time) []DueDTO {
	dtos := make([]DueDTO, len(ds))
	for i, d := range ds {
		dtos[i] = toDueDTO(d, today)
	}
	return dtos
}
