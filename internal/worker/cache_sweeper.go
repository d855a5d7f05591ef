package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/perp-pool-portfolio/internal/logging"
)

// Sweeper removes expired cache records. storage.CacheRepository implements it.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// CacheSweeper runs Sweeper on a cron schedule. Runs never overlap; a run
// still in progress when the next one is due causes that one to be skipped.
type CacheSweeper struct {
	sweeper  Sweeper
	schedule string
	cron     *cron.Cron
	logger   *logging.Logger

	mu          sync.Mutex
	baseCtx     context.Context
	running     bool
	lastRun     time.Time
	lastRemoved int
	lastErr     error
}

// NewCacheSweeper validates schedule and registers the sweep job. Schedules
// accept an optional seconds field and descriptors such as "@every 1m".
func NewCacheSweeper(sweeper Sweeper, schedule string, logger *logging.Logger) (*CacheSweeper, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("sweeper cannot be nil")
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	logger = logger.WithComponent("cache_sweeper")

	cl := cronLogger{logger: logger}
	s := &CacheSweeper{
		sweeper:  sweeper,
		schedule: schedule,
		logger:   logger,
		baseCtx:  context.Background(),
		cron: cron.New(
			cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the schedule. ctx bounds every sweep; cancelling it does not
// stop the schedule, use Stop for that.
func (s *CacheSweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.baseCtx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.WithField("schedule", s.schedule).Info("Cache sweeper started")
}

// Stop halts the schedule and waits for a running sweep to finish
func (s *CacheSweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("Cache sweeper stopped")
}

// IsRunning reports whether the schedule is active
func (s *CacheSweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *CacheSweeper) tick() {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	_, _ = s.RunOnce(ctx)
}

// RunOnce sweeps immediately
func (s *CacheSweeper) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	removed, err := s.sweeper.SweepExpired(ctx)

	s.mu.Lock()
	s.lastRun = start
	s.lastRemoved = removed
	s.lastErr = err
	s.mu.Unlock()

	log := s.logger.WithFields(logging.Fields{"removed": removed, "duration": time.Since(start).String()})
	if err != nil {
		log.WithError(err).Warn("Cache sweep failed")
		return removed, err
	}
	if removed > 0 {
		log.Info("Expired cache records removed")
	}
	return removed, nil
}

// LastRun returns the time, result and error of the most recent sweep
func (s *CacheSweeper) LastRun() (time.Time, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastRemoved, s.lastErr
}

// cronLogger routes cron's own logging through the service logger
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) fields(keysAndValues []interface{}) logging.Fields {
	f := logging.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if k, ok := keysAndValues[i].(string); ok {
			f[k] = keysAndValues[i+1]
		}
	}
	return f
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(l.fields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(l.fields(keysAndValues)).WithError(err).Error("cron: " + msg)
}
