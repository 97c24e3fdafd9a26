/*
app.go - Component wiring shared by the server and the import CLI

PURPOSE:
  Turns a loaded config.Config into ready-to-use components: the selected
  store, the lifecycle engine with its calendar and event sinks, and the
  reconciliation engine recording its runs in the store.

STORES (store.driver):
  memory    In-process, lost on exit (demos, tests)
  sqlite    Embedded file database (default)
  postgres  Shared server database via gorm

EVENTS:
  Every lifecycle event is logged. When kafka.brokers is set the events are
  also published to kafka.topic.

SEE ALSO:
  - cmd/server/main.go, cmd/import/main.go: Callers
  - config/config.go: Settings
*/
package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/warp/dues-engine/api"
	"github.com/warp/dues-engine/config"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/dues/store"
	"github.com/warp/dues-engine/events"
	"github.com/warp/dues-engine/reconcile"
	"github.com/warp/dues-engine/store/postgres"
	"github.com/warp/dues-engine/store/sqlite"
	"go.uber.org/zap"
)

// App holds the wired components.
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Backend    api.Backend
	Engine     *dues.Engine
	Reconciler *reconcile.Engine

	closers []func() error
}

// New opens the configured store and event sinks and builds the engines.
// Call Close when done.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	backend, closeStore, err := OpenBackend(cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	a.Backend = backend
	a.closers = append(a.closers, closeStore)

	sink, closeSink, err := NewEventSink(cfg.Kafka, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeSink)

	a.Engine = dues.NewEngine(backend, backend)
	a.Engine.Calendar = dues.NewCalendar(dues.SystemClock{}, cfg.Location())
	a.Engine.Events = sink

	a.Reconciler = reconcile.New(a.Engine, backend)
	a.Reconciler.Config = reconcile.Config{
		IDColumns:          cfg.Reconcile.IDColumns,
		NextPaymentColumns: cfg.Reconcile.NextPaymentColumns,
		Workers:            cfg.Reconcile.Workers,
	}
	a.Reconciler.Runs = backend
	a.Reconciler.Logger = logger.Named("reconcile")

	return a, nil
}

// Close releases the event sinks and the store, in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// OpenBackend opens the store selected by cfg.Driver.
func OpenBackend(cfg config.StoreConfig, logger *zap.Logger) (api.Backend, func() error, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), func() error { return nil }, nil
	case "sqlite":
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using SQLite store", zap.String("path", cfg.SQLitePath))
		return s, s.Close, nil
	case "postgres":
		s, err := postgres.Open(cfg.PostgresDSN, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using Postgres store")
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// NewEventSink returns a logging sink, fanned out to Kafka when brokers are
// configured.
func NewEventSink(cfg config.KafkaConfig, logger *zap.Logger) (dues.EventSink, func() error, error) {
	logSink := events.LogSink{Logger: logger.Named("events")}
	if len(cfg.Brokers) == 0 {
		return logSink, func() error { return nil }, nil
	}
	kafka, err := events.NewKafkaSink(events.KafkaConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		ClientID:     cfg.ClientID,
		RequiredAcks: cfg.RequiredAcks,
		RetryMax:     cfg.RetryMax,
	}, logger.Named("kafka"))
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Publishing dues events to Kafka",
		zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))
	return events.Multi{logSink, kafka}, kafka.Close, nil
}
