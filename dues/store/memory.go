// Package store provides in-memory dues.Store and dues.MemberRegistry
// implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/reconcile"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	dues     map[dues.DueID]dues.Due
	byPeriod map[key]dues.DueID
	members  map[dues.MemberID]dues.Member
	byFiscal map[string]dues.MemberID
	runs     []reconcile.ImportRun
}

type key struct {
	MemberID dues.MemberID
	Period   dues.Period
}

func NewMemory() *Memory {
	return &Memory{
		dues:     make(map[dues.DueID]dues.Due),
		byPeriod: make(map[key]dues.DueID),
		members:  make(map[dues.MemberID]dues.Member),
		byFiscal: make(map[string]dues.MemberID),
	}
}

// Insert adds a due. The (member, period) check and the write share one lock.
func (m *Memory) Insert(_ context.Context, d dues.Due) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{MemberID: d.MemberID, Period: d.Period}
	if _, ok := m.byPeriod[k]; ok {
		return dues.ErrDuplicateDue
	}
	m.dues[d.ID] = cloneDue(d)
	m.byPeriod[k] = d.ID
	return nil
}

func (m *Memory) Get(_ context.Context, id dues.DueID) (*dues.Due, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.dues[id]
	if !ok {
		return nil, dues.ErrDueNotFound
	}
	out := cloneDue(d)
	return &out, nil
}

func (m *Memory) GetByPeriod(_ context.Context, memberID dues.MemberID, p dues.Period) (*dues.Due, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byPeriod[key{MemberID: memberID, Period: p}]
	if !ok {
		return nil, dues.ErrDueNotFound
	}
	out := cloneDue(m.dues[id])
	return &out, nil
}

func (m *Memory) Find(_ context.Context, f dues.Filter) ([]dues.Due, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []dues.Due{}
	for _, d := range m.dues {
		if f.Match(d) {
			result = append(result, cloneDue(d))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].MemberID != result[j].MemberID {
			return result[i].MemberID < result[j].MemberID
		}
		return result[i].Period.Before(result[j].Period)
	})
	return result, nil
}

func (m *Memory) SetPaid(_ context.Context, id dues.DueID, p dues.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.dues[id]
	if !ok {
		return dues.ErrDueNotFound
	}
	if d.Paid {
		return dues.ErrAlreadyPaid
	}
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
	m.dues[id] = d
	return nil
}

func (m *Memory) ClearPaid(_ context.Context, id dues.DueID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.dues[id]
	if !ok {
		return dues.ErrDueNotFound
	}
	d.Paid = false
	d.PaidAt = nil
	d.Method = ""
	m.dues[id] = d
	return nil
}

func (m *Memory) UpdateAmount(_ context.Context, id dues.DueID, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.dues[id]
	if !ok {
		return dues.ErrDueNotFound
	}
	if d.Paid {
		return dues.ErrAlreadyPaid
	}
	d.Amount = amount
	m.dues[id] = d
	return nil
}

func (m *Memory) DeleteUnpaid(_ context.Context, id dues.DueID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.dues[id]
	if !ok {
		return dues.ErrDueNotFound
	}
	if d.Paid {
		return dues.ErrDuePaid
	}
	delete(m.dues, id)
	delete(m.byPeriod, key{MemberID: d.MemberID, Period: d.Period})
	return nil
}

// Len returns the number of stored dues.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.dues)
}

// =============================================================================
// MEMBER REGISTRY
// =============================================================================

// SaveMember inserts or replaces a member. The fiscal id is normalized and
// must not belong to another member.
func (m *Memory) SaveMember(_ context.Context, mem dues.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem.FiscalID = dues.NormalizeFiscalID(mem.FiscalID)
	if owner, ok := m.byFiscal[mem.FiscalID]; ok && owner != mem.ID {
		return fmt.Errorf("%w: fiscal id %s already registered", dues.ErrConflict, mem.FiscalID)
	}
	if prev, ok := m.members[mem.ID]; ok {
		delete(m.byFiscal, prev.FiscalID)
	}
	m.members[mem.ID] = mem
	m.byFiscal[mem.FiscalID] = mem.ID
	return nil
}

func (m *Memory) Member(_ context.Context, id dues.MemberID) (*dues.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mem, ok := m.members[id]
	if !ok {
		return nil, dues.ErrMemberNotFound
	}
	return &mem, nil
}

func (m *Memory) MemberByFiscalID(_ context.Context, fiscalID string) (*dues.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byFiscal[dues.NormalizeFiscalID(fiscalID)]
	if !ok {
		return nil, dues.ErrMemberNotFound
	}
	mem := m.members[id]
	return &mem, nil
}

func (m *Memory) ActiveMembers(_ context.Context) ([]dues.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []dues.Member
	for _, mem := range m.members {
		if mem.Active {
			result = append(result, mem)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ListMembers returns every member, active or not, ordered by name.
func (m *Memory) ListMembers(_ context.Context) ([]dues.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]dues.Member, 0, len(m.members))
	for _, mem := range m.members {
		result = append(result, mem)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// =============================================================================
// IMPORT RUNS
// =============================================================================

func (m *Memory) SaveImportRun(_ context.Context, run reconcile.ImportRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

// ListImportRuns returns the most recent runs first. limit <= 0 means all.
func (m *Memory) ListImportRuns(_ context.Context, limit int) ([]reconcile.ImportRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]reconcile.ImportRun, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		result = append(result, m.runs[i])
	}
	return result, nil
}

// Reset clears all data (for testing/demo).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dues = make(map[dues.DueID]dues.Due)
	m.byPeriod = make(map[key]dues.DueID)
	m.members = make(map[dues.MemberID]dues.Member)
	m.byFiscal = make(map[string]dues.MemberID)
	m.runs = nil
	return nil
}

func cloneDue(d dues.Due) dues.Due {
	if d.PaidAt != nil {
		at := *d.PaidAt
		d.PaidAt = &at
	}
	return d
}
