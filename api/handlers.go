/*
handlers.go - HTTP API handlers for the dues engine

PURPOSE:
  Exposes the dues lifecycle, reconciliation and summary components via REST.
  Handles HTTP request/response and JSON serialization, and delegates every
  rule to the domain packages.

ENDPOINTS:
  Members:
    GET    /api/members                  List members
    POST   /api/members                  Register or update a member
    GET    /api/members/{id}             Member details
    GET    /api/members/{id}/dues        Dues (?year=2025&paid=false)
    GET    /api/members/{id}/summary     Standing (?as_of=YYYY-MM-DD)
    POST   /api/members/{id}/dues        Create one due
    POST   /api/members/{id}/extend      Fill the rolling horizon

  Dues:
    GET    /api/dues/{id}                Due details with derived status
    POST   /api/dues/{id}/pay            Mark paid
    POST   /api/dues/{id}/unpay          Revert to unpaid
    DELETE /api/dues/{id}                Delete an unpaid due

  Admin:
    POST   /api/admin/generate           Generate a month or a whole year
    POST   /api/admin/imports            Reconcile an uploaded CSV
    GET    /api/admin/imports            Import run history

  Reports:
    GET    /api/reports/standing         Every active member, worst first

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Backend: Store + member registry + import history
  - Engine: Lifecycle operations (the only writer of dues)
  - Reconciler: Spreadsheet reconciliation
  - Summaries: Per-member aggregation

ERROR HANDLING:
  Domain errors are mapped from their Kind:
  - 400: Validation
  - 403: Forbidden (deleting a paid due)
  - 404: NotFound
  - 409: Conflict (duplicate due, already paid)
  - 500: Anything untagged, logged with the request id

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo association loader
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/reconcile"
	"github.com/warp/dues-engine/summary"
	"go.uber.org/zap"
)

// DefaultMaxUploadBytes bounds an import body when the handler has no limit.
const DefaultMaxUploadBytes = 5 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is the persistence the API needs. The memory, SQLite and Postgres
// stores all satisfy it.
type Backend interface {
	dues.Store
	dues.MemberRegistry
	reconcile.RunRecorder

	SaveMember(ctx context.Context, m dues.Member) error
	ListMembers(ctx context.Context) ([]dues.Member, error)
	ListImportRuns(ctx context.Context, limit int) ([]reconcile.ImportRun, error)
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Backend    Backend
	Engine     *dues.Engine
	Reconciler *reconcile.Engine
	Summaries  *summary.Aggregator
	Logger     *zap.Logger

	MaxUploadBytes int64

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires a handler around engine. The reconciler records its runs
// in backend.
func NewHandler(backend Backend, engine *dues.Engine, reconciler *reconcile.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reconciler == nil {
		reconciler = reconcile.New(engine, backend)
		reconciler.Logger = logger
	}
	if reconciler.Runs == nil {
		reconciler.Runs = backend
	}
	return &Handler{
		Backend:        backend,
		Engine:         engine,
		Reconciler:     reconciler,
		Summaries:      summary.New(backend, backend),
		Logger:         logger,
		MaxUploadBytes: DefaultMaxUploadBytes,
	}
}

// =============================================================================
// HEALTH
// =============================================================================

type pinger interface {
	Ping(ctx context.Context) error
}

// Health reports liveness and, when the backend supports it, store reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Backend.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// ListMembers returns every member.
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.Backend.ListMembers(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Failed to list members", err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTOs(members))
}

// GetMember returns a single member.
func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	m, err := h.Backend.Member(r.Context(), dues.MemberID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, "Member not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(*m))
}

// CreateMember registers a member, or replaces it when the id exists.
func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	var req CreateMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.FiscalID == "" {
		writeError(w, http.StatusBadRequest, "fiscal_id is required", nil)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	if req.MonthlyDue == nil || req.MonthlyDue.IsNegative() {
		writeError(w, http.StatusBadRequest, "monthly_due is required and must not be negative", nil)
		return
	}

	m := dues.Member{
		ID:         dues.MemberID(req.ID),
		FiscalID:   dues.NormalizeFiscalID(req.FiscalID),
		Name:       req.Name,
		MonthlyDue: *req.MonthlyDue,
		Active:     true,
	}
	if m.ID == "" {
		m.ID = dues.MemberID(uuid.NewString())
	}
	if req.Active != nil {
		m.Active = *req.Active
	}
	if req.EnrolledOn != "" {
		enrolled, err := dues.ParseDate(req.EnrolledOn)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid enrolled_on format (use YYYY-MM-DD)", err)
			return
		}
		m.EnrolledOn = enrolled
	}

	if err := h.Backend.SaveMember(r.Context(), m); err != nil {
		h.writeDomainError(w, r, "Failed to save member", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMemberDTO(m))
}

// ListMemberDues returns a member's dues, optionally filtered by year and
// paid state.
func (h *Handler) ListMemberDues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := dues.MemberID(chi.URLParam(r, "id"))
	if _, err := h.Backend.Member(ctx, id); err != nil {
		h.writeDomainError(w, r, "Member not found", err)
		return
	}

	f := dues.Filter{MemberID: id}
	if v := r.URL.Query().Get("year"); v != "" {
		year, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid year", err)
			return
		}
		f.Year = year
	}
	if v := r.URL.Query().Get("paid"); v != "" {
		paid, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid paid filter", err)
			return
		}
		f.Paid = &paid
	}

	ds, err := h.Engine.Dues(ctx, f)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list dues", err)
		return
	}
	writeJSON(w, http.StatusOK, toDueDTOs(ds, h.Engine.Today()))
}

// GetMemberSummary returns the member's aggregated standing.
func (h *Handler) GetMemberSummary(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.asOf(w, r)
	if !ok {
		return
	}
	s, err := h.Summaries.SummarizeMember(r.Context(), dues.MemberID(chi.URLParam(r, "id")), asOf)
	if err != nil {
		h.writeDomainError(w, r, "Failed to summarize member", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// CreateDue creates one due. An existing due for the period is a 409 whose
// details carry the stored due.
func (h *Handler) CreateDue(w http.ResponseWriter, r *http.Request) {
	var req CreateDueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	p, err := dues.NewPeriod(req.Year, req.Month)
	if err != nil {
		h.writeDomainError(w, r, "Invalid period", err)
		return
	}

	d, err := h.Engine.CreateDue(r.Context(), dues.MemberID(chi.URLParam(r, "id")), p, dues.CreateOptions{
		Amount:                req.Amount,
		AllowBeforeEnrollment: req.AllowBeforeEnrollment,
	})
	var conflict *dues.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "Due already exists for this period",
			Code:    dues.KindConflict.String(),
			Details: toDueDTO(conflict.Existing, h.Engine.Today()),
		})
		return
	}
	if err != nil {
		h.writeDomainError(w, r, "Failed to create due", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDueDTO(d, h.Engine.Today()))
}

// ExtendMember makes sure the member has dues for the next HorizonMonths.
func (h *Handler) ExtendMember(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.AutoExtend(r.Context(), dues.MemberID(chi.URLParam(r, "id")), h.Engine.Today())
	if err != nil {
		h.writeDomainError(w, r, "Failed to extend dues", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// DUE HANDLERS
// =============================================================================

// GetDue returns a due with its derived status.
func (h *Handler) GetDue(w http.ResponseWriter, r *http.Request) {
	d, err := h.Engine.Due(r.Context(), dues.DueID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, "Due not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toDueDTO(*d, h.Engine.Today()))
}

// PayDue marks a due paid.
func (h *Handler) PayDue(w http.ResponseWriter, r *http.Request) {
	var req PayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	in := dues.PaymentInput{
		Method:     dues.PaymentMethod(req.Method),
		ReceiptURL: req.ReceiptURL,
		Notes:      req.Notes,
	}
	if req.PaidAt != "" {
		at, err := dues.ParseDate(req.PaidAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid paid_at format (use YYYY-MM-DD)", err)
			return
		}
		in.PaidAt = &at
	}

	d, err := h.Engine.MarkPaid(r.Context(), dues.DueID(chi.URLParam(r, "id")), in)
	if err != nil {
		h.writeDomainError(w, r, "Failed to mark due paid", err)
		return
	}
	writeJSON(w, http.StatusOK, toDueDTO(d, h.Engine.Today()))
}

// UnpayDue reverts a due to unpaid.
func (h *Handler) UnpayDue(w http.ResponseWriter, r *http.Request) {
	d, err := h.Engine.UnmarkPaid(r.Context(), dues.DueID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, "Failed to unmark due", err)
		return
	}
	writeJSON(w, http.StatusOK, toDueDTO(d, h.Engine.Today()))
}

// DeleteDue removes an unpaid due.
func (h *Handler) DeleteDue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Engine.DeleteDue(r.Context(), dues.DueID(id)); err != nil {
		h.writeDomainError(w, r, "Failed to delete due", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// GenerateDues generates one month, or every month of a year when month is
// omitted.
func (h *Handler) GenerateDues(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var (
		resp GenerateResponse
		err  error
	)
	if req.Month != nil {
		p, perr := dues.NewPeriod(req.Year, *req.Month)
		if perr != nil {
			h.writeDomainError(w, r, "Invalid period", perr)
			return
		}
		resp.Scope = p.String()
		resp.GenerationResult, err = h.Engine.GenerateForPeriod(r.Context(), p, req.Overwrite)
	} else {
		resp.Scope = strconv.Itoa(req.Year)
		resp.GenerationResult, err = h.Engine.GenerateForYear(r.Context(), req.Year, req.Overwrite)
	}
	if err != nil {
		h.writeDomainError(w, r, "Failed to generate dues", err)
		return
	}

	h.Logger.Info("Dues generated",
		zap.String("scope", resp.Scope),
		zap.Bool("overwrite", req.Overwrite),
		zap.Int("created", resp.Created),
		zap.Int("updated", resp.Updated),
		zap.Int("skipped", resp.Skipped),
		zap.Int("failures", len(resp.Failures)),
	)
	writeJSON(w, http.StatusOK, resp)
}

// ImportPayments reconciles a payments spreadsheet exported as CSV. The file
// is either the "file" field of a multipart form or the raw request body.
func (h *Handler) ImportPayments(w http.ResponseWriter, r *http.Request) {
	limit := h.MaxUploadBytes
	if limit <= 0 {
		limit = DefaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	source := r.URL.Query().Get("source")
	if source == "" {
		source = "api"
	}

	var rows []reconcile.Row
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(limit); err != nil {
			h.writeUploadError(w, err)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "Missing file field", err)
			return
		}
		defer file.Close()
		source = header.Filename
		rows, err = reconcile.ReadCSV(file)
		if err != nil {
			h.writeUploadError(w, err)
			return
		}
	} else {
		var err error
		rows, err = reconcile.ReadCSV(r.Body)
		if err != nil {
			h.writeUploadError(w, err)
			return
		}
	}

	res, err := h.Reconciler.Reconcile(r.Context(), source, rows)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:   "Import interrupted",
			Details: res,
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) writeUploadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "Upload too large", err)
	case errors.Is(err, reconcile.ErrEmptyInput):
		writeError(w, http.StatusBadRequest, "Empty spreadsheet", err)
	default:
		writeError(w, http.StatusBadRequest, "Invalid spreadsheet", err)
	}
}

// ListImports returns the most recent import runs (?limit=20).
func (h *Handler) ListImports(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	runs, err := h.Backend.ListImportRuns(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list import runs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// GetStanding summarizes every active member, worst standing first.
func (h *Handler) GetStanding(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.asOf(w, r)
	if !ok {
		return
	}
	all, err := h.Summaries.SummarizeAll(r.Context(), asOf)
	if err != nil {
		h.writeDomainError(w, r, "Failed to build standing report", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"as_of":   asOf.Format(time.DateOnly),
		"members": all,
	})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Backend.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.setCurrentScenario("")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// asOf reads ?as_of=YYYY-MM-DD, defaulting to today. On a malformed value it
// writes a 400 and returns false.
func (h *Handler) asOf(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	v := r.URL.Query().Get("as_of")
	if v == "" {
		return h.Engine.Today(), true
	}
	t, err := dues.ParseDate(v)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of format (use YYYY-MM-DD)", err)
		return time.Time{}, false
	}
	return t, true
}

func statusForKind(k dues.Kind) int {
	switch k {
	case dues.KindValidation:
		return http.StatusBadRequest
	case dues.KindForbidden:
		return http.StatusForbidden
	case dues.KindNotFound:
		return http.StatusNotFound
	case dues.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError maps err's Kind to a status. Untagged errors are logged.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	kind := dues.KindOf(err)
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		h.Logger.Error(message,
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: kind.String(), Details: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func (h *Handler) setCurrentScenario(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentScenario = id
}

func (h *Handler) scenario() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentScenario
}
