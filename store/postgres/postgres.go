/*
Package postgres provides a PostgreSQL implementation of the storage
interfaces through gorm.

PURPOSE:
  Same contract as store/sqlite (dues.Store, dues.MemberRegistry and
  reconcile.RunRecorder) for deployments that share one database between
  several server instances. There is no process lock here; every rule is
  carried by the database:

  - uniqueIndex idx_unique_member_period on (member_id, year, month)
  - check constraint chk_dues_payment_coherence on paid/paid_at/method
  - conditional UPDATE/DELETE ... WHERE paid = false for guarded writes

ERRORS:
  Unique violations (SQLSTATE 23505) are mapped to dues.ErrDuplicateDue for
  dues and to dues.ErrConflict for members. gorm.ErrRecordNotFound becomes
  the matching NotFound sentinel.

SEE ALSO:
  - store/sqlite/sqlite.go: Embedded equivalent
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/reconcile"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// =============================================================================
// MODELS
// =============================================================================

type memberModel struct {
	ID         string          `gorm:"primaryKey;size:64"`
	FiscalID   string          `gorm:"size:32;not null;uniqueIndex"`
	Name       string          `gorm:"size:255;not null"`
	MonthlyDue decimal.Decimal `gorm:"type:numeric;not null"`
	EnrolledOn *time.Time      `gorm:"type:date"`
	Active     bool            `gorm:"not null;index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (memberModel) TableName() string { return "members" }

type dueModel struct {
	ID         string          `gorm:"primaryKey;size:64"`
	MemberID   string          `gorm:"size:64;not null;uniqueIndex:idx_unique_member_period,priority:1"`
	Year       int             `gorm:"not null;uniqueIndex:idx_unique_member_period,priority:2;index:idx_dues_period,priority:1"`
	Month      int             `gorm:"not null;uniqueIndex:idx_unique_member_period,priority:3;index:idx_dues_period,priority:2"`
	Amount     decimal.Decimal `gorm:"type:numeric;not null"`
	Paid       bool            `gorm:"not null;check:chk_dues_payment_coherence,(paid AND paid_at IS NOT NULL AND method <> '') OR (NOT paid AND paid_at IS NULL AND method = '')"`
	PaidAt     *time.Time
	Method     string `gorm:"size:32;not null"`
	ReceiptURL string `gorm:"size:1024;not null"`
	Notes      string `gorm:"type:text;not null"`
	CreatedAt  time.Time
}

func (dueModel) TableName() string { return "dues" }

type importRunModel struct {
	ID             string         `gorm:"primaryKey;size:64"`
	Source         string         `gorm:"size:255;not null"`
	StartedAt      time.Time      `gorm:"not null;index:idx_import_runs_started,sort:desc"`
	CompletedAt    time.Time      `gorm:"not null"`
	Cancelled      bool           `gorm:"not null"`
	TotalRows      int            `gorm:"not null"`
	ProcessedRows  int            `gorm:"not null"`
	SuccessfulRows int            `gorm:"not null"`
	Created        int            `gorm:"not null"`
	Updated        int            `gorm:"not null"`
	Skipped        int            `gorm:"not null"`
	Scheduled      int            `gorm:"not null"`
	Errors         datatypes.JSON `gorm:"type:jsonb;not null"`
}

func (importRunModel) TableName() string { return "import_runs" }

// =============================================================================
// STORE
// =============================================================================

type Store struct {
	db *gorm.DB
}

// Open connects to dsn and migrates the schema. gorm's own logging goes to
// log at warn level, with queries slower than 200ms reported.
func Open(dsn string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	gormLogger := logger.New(
		zap.NewStdLog(log.Named("gorm")),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return New(db)
}

// New wraps an open connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&memberModel{}, &dueModel{}, &importRunModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the connection (for health checks).
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// =============================================================================
// DUES STORE (dues.Store interface)
// =============================================================================

func (s *Store) Insert(ctx context.Context, d dues.Due) error {
	m := toDueModel(d)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isUniqueViolation(err) {
			return dues.ErrDuplicateDue
		}
		return fmt.Errorf("failed to insert due: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id dues.DueID) (*dues.Due, error) {
	var m dueModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", string(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, dues.ErrDueNotFound
	}
	if err != nil {
		return nil, err
	}
	d := m.toDue()
	return &d, nil
}

func (s *Store) GetByPeriod(ctx context.Context, memberID dues.MemberID, p dues.Period) (*dues.Due, error) {
	var m dueModel
	err := s.db.WithContext(ctx).
		Where("member_id = ? AND year = ? AND month = ?", string(memberID), p.Year, int(p.Month)).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, dues.ErrDueNotFound
	}
	if err != nil {
		return nil, err
	}
	d := m.toDue()
	return &d, nil
}

func (s *Store) Find(ctx context.Context, f dues.Filter) ([]dues.Due, error) {
	q := s.db.WithContext(ctx).Model(&dueModel{})
	if f.MemberID != "" {
		q = q.Where("member_id = ?", string(f.MemberID))
	}
	if f.Year != 0 {
		q = q.Where("year = ?", f.Year)
	}
	if f.Paid != nil {
		q = q.Where("paid = ?", *f.Paid)
	}

	var models []dueModel
	if err := q.Order("member_id, year, month").Find(&models).Error; err != nil {
		return nil, err
	}
	result := make([]dues.Due, 0, len(models))
	for _, m := range models {
		result = append(result, m.toDue())
	}
	return result, nil
}

func (s *Store) SetPaid(ctx context.Context, id dues.DueID, p dues.Payment) error {
	updates := map[string]any{
		"paid":    true,
		"paid_at": p.PaidAt.UTC(),
		"method":  string(p.Method),
	}
	if p.ReceiptURL != "" {
		updates["receipt_url"] = p.ReceiptURL
	}
	if p.Notes != "" {
		updates["notes"] = p.Notes
	}
	res := s.db.WithContext(ctx).Model(&dueModel{}).
		Where("id = ? AND paid = ?", string(id), false).
		Updates(updates)
	return s.guardResult(ctx, res, id, dues.ErrAlreadyPaid)
}

func (s *Store) ClearPaid(ctx context.Context, id dues.DueID) error {
	res := s.db.WithContext(ctx).Model(&dueModel{}).
		Where("id = ?", string(id)).
		Updates(map[string]any{"paid": false, "paid_at": nil, "method": ""})
	if res.Error != nil {
		return fmt.Errorf("failed to unmark due: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return dues.ErrDueNotFound
	}
	return nil
}

func (s *Store) UpdateAmount(ctx context.Context, id dues.DueID, amount decimal.Decimal) error {
	res := s.db.WithContext(ctx).Model(&dueModel{}).
		Where("id = ? AND paid = ?", string(id), false).
		Update("amount", amount)
	return s.guardResult(ctx, res, id, dues.ErrAlreadyPaid)
}

func (s *Store) DeleteUnpaid(ctx context.Context, id dues.DueID) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND paid = ?", string(id), false).
		Delete(&dueModel{})
	return s.guardResult(ctx, res, id, dues.ErrDuePaid)
}

// guardResult resolves a conditional write that touched no row.
func (s *Store) guardResult(ctx context.Context, res *gorm.DB, id dues.DueID, paidErr error) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&dueModel{}).Where("id = ?", string(id)).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return dues.ErrDueNotFound
	}
	return paidErr
}

// =============================================================================
// MEMBER REGISTRY (dues.MemberRegistry interface)
// =============================================================================

// SaveMember inserts or updates a member by id.
func (s *Store) SaveMember(ctx context.Context, mem dues.Member) error {
	m := toMemberModel(mem)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"fiscal_id", "name", "monthly_due", "enrolled_on", "active", "updated_at"}),
		}).
		Create(&m).Error
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: fiscal id %s already registered", dues.ErrConflict, m.FiscalID)
		}
		return fmt.Errorf("failed to save member: %w", err)
	}
	return nil
}

func (s *Store) Member(ctx context.Context, id dues.MemberID) (*dues.Member, error) {
	return s.firstMember(ctx, "id = ?", string(id))
}

func (s *Store) MemberByFiscalID(ctx context.Context, fiscalID string) (*dues.Member, error) {
	return s.firstMember(ctx, "fiscal_id = ?", dues.NormalizeFiscalID(fiscalID))
}

func (s *Store) ActiveMembers(ctx context.Context) ([]dues.Member, error) {
	return s.findMembers(s.db.WithContext(ctx).Where("active = ?", true).Order("id"))
}

// ListMembers returns every member, active or not, ordered by name.
func (s *Store) ListMembers(ctx context.Context) ([]dues.Member, error) {
	return s.findMembers(s.db.WithContext(ctx).Order("name, id"))
}

func (s *Store) firstMember(ctx context.Context, query string, args ...any) (*dues.Member, error) {
	var m memberModel
	err := s.db.WithContext(ctx).Where(query, args...).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, dues.ErrMemberNotFound
	}
	if err != nil {
		return nil, err
	}
	mem := m.toMember()
	return &mem, nil
}

func (s *Store) findMembers(q *gorm.DB) ([]dues.Member, error) {
	var models []memberModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	result := make([]dues.Member, 0, len(models))
	for _, m := range models {
		result = append(result, m.toMember())
	}
	return result, nil
}

// =============================================================================
// IMPORT RUNS (reconcile.RunRecorder interface)
// =============================================================================

func (s *Store) SaveImportRun(ctx context.Context, run reconcile.ImportRun) error {
	m, err := toImportRunModel(run)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

// ListImportRuns returns the most recent runs first. limit <= 0 means all.
func (s *Store) ListImportRuns(ctx context.Context, limit int) ([]reconcile.ImportRun, error) {
	q := s.db.WithContext(ctx).Order("started_at DESC, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []importRunModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	runs := make([]reconcile.ImportRun, 0, len(models))
	for _, m := range models {
		run, err := m.toImportRun()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&dueModel{}, &importRunModel{}, &memberModel{}} {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(model).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// isUniqueViolation reports a Postgres unique_violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
