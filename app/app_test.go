package app

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/config"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/dues/store"
	"github.com/warp/dues-engine/events"
	"github.com/warp/dues-engine/store/sqlite"
	"go.uber.org/zap"
)

func testConfig(t *testing.T, driver string) *config.Config {
	t.Helper()
	testChdir(t, t.TempDir())
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	cfg.Store.Driver = driver
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "nested", "dues.db")
	cfg.Reconcile.Workers = 3
	return cfg
}

func TestNew_MemoryStore(t *testing.T) {
	// GIVEN: The memory driver
	cfg := testConfig(t, "memory")

	// WHEN: Wiring the application
	a, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	// THEN: Engines share the store and the configured calendar
	assert.IsType(t, &store.Memory{}, a.Backend)
	assert.Equal(t, "America/Santiago", a.Engine.Calendar.Location.String())
	assert.Equal(t, 3, a.Reconciler.Config.Workers)
	assert.Equal(t, []string{"rut", "fiscal_id", "fiscalid"}, a.Reconciler.Config.IDColumns)
	assert.Same(t, a.Engine, a.Reconciler.Lifecycle)
	assert.IsType(t, events.LogSink{}, a.Engine.Events)
}

func TestNew_SQLiteCreatesDirectory(t *testing.T) {
	// GIVEN: A sqlite path inside a directory that does not exist yet
	cfg := testConfig(t, "sqlite")

	// WHEN: Wiring and using the application
	a, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, a.Backend.SaveMember(testContext(t), dues.Member{
		ID:         "m-1",
		FiscalID:   "12345678-5",
		Name:       "Ana",
		MonthlyDue: decimal.NewFromInt(6500),
		EnrolledOn: dues.NewDate(2024, 1, 1),
		Active:     true,
	}))

	// THEN: The file is created and data survives a reopen
	assert.IsType(t, &sqlite.Store{}, a.Backend)
	assert.FileExists(t, cfg.Store.SQLitePath)
	require.NoError(t, a.Close())

	b, err := New(cfg, nil)
	require.NoError(t, err)
	defer b.Close()
	m, err := b.Backend.Member(testContext(t), "m-1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", m.Name)
}

func TestOpenBackend_UnknownDriver(t *testing.T) {
	_, _, err := OpenBackend(config.StoreConfig{Driver: "mysql"}, zap.NewNop())
	assert.ErrorContains(t, err, "mysql")
}

func TestNewEventSink(t *testing.T) {
	sink, closeFn, err := NewEventSink(config.KafkaConfig{}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, events.LogSink{}, sink)
	assert.NoError(t, closeFn())

	// Brokers without a topic fail before any connection is attempted
	_, _, err = NewEventSink(config.KafkaConfig{Brokers: []string{"localhost:9092"}}, zap.NewNop())
	assert.ErrorContains(t, err, "topic")
}
