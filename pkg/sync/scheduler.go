package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jscharber/coursemirror/pkg/settings"
)

// Puller runs a pull across all providers
type Puller interface {
	PullAll(ctx context.Context) []*PullResult
}

// SchedulerStatus describes the recurring pull
type SchedulerStatus struct {
	Armed    bool          `json:"armed"`
	Interval time.Duration `json:"interval"`
	NextRun  *time.Time    `json:"next_run,omitempty"`
	LastRun  *time.Time    `json:"last_run,omitempty"`
}

// Scheduler runs PullAll on a fixed cadence. There is at most one entry at a time
// and at most one run in flight, even across re-arms.
type Scheduler struct {
	cron    *cron.Cron
	puller  Puller
	logger  *zap.Logger
	timeout time.Duration
	running atomic.Bool

	mu       sync.Mutex
	entryID  cron.EntryID
	armed    bool
	interval time.Duration
	lastRun  time.Time
}

// NewScheduler creates a scheduler. timeout bounds each run.
func NewScheduler(puller Puller, logger *zap.Logger, timeout time.Duration) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	cronLogger := &cronLogger{logger: logger.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		puller:  puller,
		logger:  logger,
		timeout: timeout,
	}
}

// Start starts the cron runner
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the runner and waits for a running pull to finish or ctx to end
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Apply re-arms the scheduler from general settings, replacing any previous entry
func (s *Scheduler) Apply(general settings.General) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.armed {
		s.cron.Remove(s.entryID)
		s.armed = false
		s.entryID = 0
		s.interval = 0
	}

	interval, ok := general.Armed()
	if !ok {
		s.logger.Info("scheduled sync disarmed", zap.Bool("auto_sync", general.AutoSync), zap.String("interval", string(general.Interval)))
		return nil
	}

	id, err := s.cron.AddJob("@every "+interval.String(), cron.FuncJob(s.run))
	if err != nil {
		return fmt.Errorf("failed to schedule sync: %w", err)
	}

	s.entryID = id
	s.armed = true
	s.interval = interval
	s.logger.Info("scheduled sync armed", zap.Duration("interval", interval))
	return nil
}

// Status returns the current schedule
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := SchedulerStatus{Armed: s.armed, Interval: s.interval}
	if s.armed {
		if next := s.cron.Entry(s.entryID).Next; !next.IsZero() {
			status.NextRun = &next
		}
	}
	if !s.lastRun.IsZero() {
		last := s.lastRun
		status.LastRun = &last
	}
	return status
}

// Entries returns how many cron entries are registered
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Helper methods

func (s *Scheduler) run() {
	// SkipIfStillRunning is per entry, so a re-armed entry needs this guard too
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info("scheduled sync skipped, previous run still in progress")
		return
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	s.mu.Lock()
	s.lastRun = start
	s.mu.Unlock()

	results := s.puller.PullAll(ctx)

	failed := 0
	for _, r := range results {
		if r != nil && r.Failed {
			failed++
		}
	}
	s.logger.Info("scheduled sync finished",
		zap.Int("providers", len(results)),
		zap.Int("failed", failed),
		zap.Duration("duration", time.Since(start)),
	)
}

// cronLogger adapts zap to the cron.Logger interface
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw("cron: "+msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
