/*
scheduler.go - Automated dues auto-extension

PURPOSE:
  Periodically makes sure every active member has dues materialized for the
  rolling horizon (dues.HorizonMonths from the current month), so members
  never run out of future dues to pay in advance.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each pass is one Engine.AutoExtendAll call; it is idempotent, existing
    dues are skipped
  - Failures are logged and retried on the next tick
  - The last result is kept for inspection

CONFIGURATION:
  - scheduler.interval: How often to run (default: 24h)
  - scheduler.enabled:  Whether the scheduler starts at all (default: false)

USAGE:
  scheduler := NewExtensionScheduler(engine, logger)
  scheduler.CheckInterval = cfg.Scheduler.Interval
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ExtendMember endpoint (manual, single member)
  - dues/generate.go: AutoExtendAll
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/dues-engine/dues"
	"go.uber.org/zap"
)

// ExtensionScheduler runs auto-extension on a ticker.
type ExtensionScheduler struct {
	Engine        *dues.Engine
	Logger        *zap.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu     sync.Mutex
	lastRun    time.Time
	lastResult dues.GenerationResult
}

// NewExtensionScheduler creates an enabled scheduler with a daily interval.
func NewExtensionScheduler(engine *dues.Engine, logger *zap.Logger) *ExtensionScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExtensionScheduler{
		Engine:        engine,
		Logger:        logger,
		CheckInterval: 24 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler. Calling Start on a running scheduler is a no-op.
func (s *ExtensionScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("Extension scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.Logger.Info("Extension scheduler started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for a pass in progress to finish.
func (s *ExtensionScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.Logger.Info("Extension scheduler stopped")
}

func (s *ExtensionScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	s.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow performs one extension pass synchronously.
func (s *ExtensionScheduler) RunNow(ctx context.Context) (dues.GenerationResult, error) {
	today := s.Engine.Today()
	res, err := s.Engine.AutoExtendAll(ctx, today)
	if err != nil {
		s.Logger.Error("Auto-extension failed", zap.Error(err))
		return res, err
	}

	s.lastMu.Lock()
	s.lastRun = s.Engine.Calendar.Now()
	s.lastResult = res
	s.lastMu.Unlock()

	s.Logger.Info("Auto-extension completed",
		zap.String("from", dues.PeriodOf(today).String()),
		zap.Int("created", res.Created),
		zap.Int("skipped", res.Skipped),
		zap.Int("failures", len(res.Failures)),
	)
	for _, f := range res.Failures {
		s.Logger.Warn("Auto-extension failure",
			zap.String("member_id", string(f.MemberID)),
			zap.String("period", f.Period),
			zap.String("error", f.Error),
		)
	}
	return res, nil
}

// LastRun returns when the last successful pass ran and what it did.
func (s *ExtensionScheduler) LastRun() (time.Time, dues.GenerationResult) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.lastRun, s.lastResult
}
