/*
scenarios.go - Demo association loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with a realistic
	small association: members, generated dues, payments and an imported
	payments spreadsheet. Periods are relative to the engine's today so the
	derived statuses (PENDING / OVERDUE) always look the same.

AVAILABLE SCENARIOS:

	small-association:   Four members covering every standing
	spreadsheet-import:  Same members, payments loaded through reconciliation
	new-member:          One member enrolled this month, horizon extended

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Register members
 3. Create dues through the engine (generation / auto-extension)
 4. Record payments (MarkPaid or a reconciliation batch)

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "small-association"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase handler
  - reconcile/reconcile.go: Batch path used by spreadsheet-import
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/reconcile"
	"go.uber.org/zap"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "small-association",
		Name:        "Small Association",
		Description: "Four members: up to date, delinquent, never paid and just enrolled",
	},
	{
		ID:          "spreadsheet-import",
		Name:        "Spreadsheet Import",
		Description: "Payments loaded from the treasurer's spreadsheet, with one unknown RUT",
	},
	{
		ID:          "new-member",
		Name:        "New Member",
		Description: "One member enrolled this month with twelve months of dues ahead",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	current := h.scenario()
	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if !knownScenario(req.ScenarioID) {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err := h.LoadScenarioByID(r.Context(), req.ScenarioID); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// LoadScenarioByID resets the store and loads id. Used by the handler and by
// the server's -demo startup flag.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	if err := h.Backend.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	h.setCurrentScenario("")

	var err error
	switch id {
	case "small-association":
		err = h.loadSmallAssociationScenario(ctx)
	case "spreadsheet-import":
		err = h.loadSpreadsheetImportScenario(ctx)
	case "new-member":
		err = h.loadNewMemberScenario(ctx)
	default:
		return fmt.Errorf("unknown scenario %q", id)
	}
	if err != nil {
		return err
	}

	h.setCurrentScenario(id)
	h.Logger.Info("Scenario loaded", zap.String("scenario", id))
	return nil
}

func knownScenario(id string) bool {
	for _, s := range scenarios {
		if s.ID == id {
			return true
		}
	}
	return false
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// demoMembers returns the association used by the first two scenarios.
// Ana and Bruno joined six months ago, Carla three, Diego this month.
func demoMembers(cur dues.Period) []dues.Member {
	return []dues.Member{
		{ID: "m-ana", FiscalID: "12.345.678-5", Name: "Ana Rojas", MonthlyDue: decimal.NewFromInt(6500),
			EnrolledOn: cur.AddMonths(-6).FirstDay(), Active: true},
		{ID: "m-bruno", FiscalID: "9.876.543-2", Name: "Bruno Díaz", MonthlyDue: decimal.NewFromInt(6500),
			EnrolledOn: cur.AddMonths(-6).FirstDay(), Active: true},
		{ID: "m-carla", FiscalID: "15.111.222-k", Name: "Carla Soto", MonthlyDue: decimal.NewFromInt(8000),
			EnrolledOn: cur.AddMonths(-3).FirstDay(), Active: true},
		{ID: "m-diego", FiscalID: "20.333.444-1", Name: "Diego Fuentes", MonthlyDue: decimal.NewFromInt(6500),
			EnrolledOn: cur.FirstDay(), Active: true},
	}
}

func (h *Handler) saveMembers(ctx context.Context, members []dues.Member) error {
	for _, m := range members {
		if err := h.Backend.SaveMember(ctx, m); err != nil {
			return fmt.Errorf("save member %s: %w", m.ID, err)
		}
	}
	return nil
}

func (h *Handler) loadSmallAssociationScenario(ctx context.Context) error {
	today := h.Engine.Today()
	cur := dues.PeriodOf(today)
	if err := h.saveMembers(ctx, demoMembers(cur)); err != nil {
		return err
	}

	// Dues for the last six months, then the rolling horizon
	for _, p := range cur.AddMonths(-6).Range(6) {
		if _, err := h.Engine.GenerateForPeriod(ctx, p, false); err != nil {
			return err
		}
	}
	if _, err := h.Engine.AutoExtendAll(ctx, today); err != nil {
		return err
	}

	// Ana is up to date including the current month
	for _, p := range cur.AddMonths(-6).Range(7) {
		at := minDate(p.DueDate().AddDate(0, 0, -2), today)
		if err := h.pay(ctx, "m-ana", p, dues.MethodTransfer, at); err != nil {
			return err
		}
	}
	// Bruno stopped paying two months ago
	for _, p := range cur.AddMonths(-6).Range(4) {
		if err := h.pay(ctx, "m-bruno", p, dues.MethodCash, p.DueDate()); err != nil {
			return err
		}
	}
	// Carla never paid; Diego's first due is still open
	return nil
}

func (h *Handler) loadSpreadsheetImportScenario(ctx context.Context) error {
	today := h.Engine.Today()
	cur := dues.PeriodOf(today)
	if err := h.saveMembers(ctx, demoMembers(cur)); err != nil {
		return err
	}

	older, last := cur.AddMonths(-2), cur.AddMonths(-1)
	olderCol, lastCol := periodColumn(older), periodColumn(last)
	rows := []reconcile.Row{
		{"rut": "12.345.678-5", olderCol: "si", lastCol: "yes",
			"proximo_pago": cur.AddMonths(2).FirstDay().Format(time.DateOnly)},
		{"rut": "9876543-2", olderCol: older.FirstDay().AddDate(0, 0, 9).Format(time.DateOnly), lastCol: ""},
		{"rut": "15111222-K", olderCol: "", lastCol: ""},
		{"rut": "11.111.111-1", olderCol: "yes"},
	}

	if _, err := h.Reconciler.Reconcile(ctx, "demo-planilla.csv", rows); err != nil {
		return err
	}
	return nil
}

func (h *Handler) loadNewMemberScenario(ctx context.Context) error {
	today := h.Engine.Today()
	cur := dues.PeriodOf(today)
	m := dues.Member{
		ID:         "m-elena",
		FiscalID:   "18.765.432-7",
		Name:       "Elena Morales",
		MonthlyDue: decimal.NewFromInt(7000),
		EnrolledOn: today,
		Active:     true,
	}
	if err := h.saveMembers(ctx, []dues.Member{m}); err != nil {
		return err
	}
	if _, err := h.Engine.AutoExtend(ctx, m.ID, today); err != nil {
		return err
	}
	return h.pay(ctx, m.ID, cur, dues.MethodCard, today)
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) pay(ctx context.Context, memberID dues.MemberID, p dues.Period, method dues.PaymentMethod, at time.Time) error {
	d, err := h.Backend.GetByPeriod(ctx, memberID, p)
	if err != nil {
		return fmt.Errorf("due %s/%s: %w", memberID, p, err)
	}
	if _, err := h.Engine.MarkPaid(ctx, d.ID, dues.PaymentInput{Method: method, PaidAt: &at}); err != nil {
		return fmt.Errorf("pay %s/%s: %w", memberID, p, err)
	}
	return nil
}

// periodColumn renders p the way the treasurer's sheet names its columns.
func periodColumn(p dues.Period) string {
	return fmt.Sprintf("%s_%d", strings.ToLower(p.Month.String()), p.Year)
}

func minDate(a, b time.Time) time.Time {
	if a.After(b) {
		return b
	}
	return a
}
