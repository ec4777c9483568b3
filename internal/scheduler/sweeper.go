package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ErlanBelekov/pro-entitlements/internal/metrics"
	"github.com/robfig/cron/v3"
)

const DefaultSweepSchedule = "@every 1m"

// CodePurger deletes one-time codes that expired before now.
type CodePurger interface {
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Sweeper purges expired login codes on a cron schedule. Stores that expire
// keys on their own (redis) return zero and the sweep is a no-op.
type Sweeper struct {
	codes    CodePurger
	schedule cron.Schedule
	spec     string
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

func NewSweeper(codes CodePurger, spec string, timeout time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Sweeper{
		codes:    codes,
		schedule: sched,
		spec:     spec,
		timeout:  timeout,
		now:      time.Now,
		logger:   logger.With("component", "sweeper"),
	}, nil
}

// WithClock overrides the time source, for tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Start runs sweeps until ctx is cancelled. Overlapping runs are skipped.
func (s *Sweeper) Start(ctx context.Context) {
	logger := cronLogger{s.logger}
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	c.Schedule(s.schedule, cron.FuncJob(func() { s.Sweep(ctx) }))
	c.Start()

	s.logger.Info("sweeper started", "schedule", s.spec)
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("sweeper shut down")
}

// Sweep runs one purge cycle and returns how many codes were removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	start := time.Now()
	defer func() {
		metrics.SweeperCycleDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	purged, err := s.codes.DeleteExpired(ctx, s.now())
	if err != nil {
		s.logger.ErrorContext(ctx, "sweep expired codes", "error", err)
		return 0
	}
	if purged > 0 {
		metrics.SweeperPurgedTotal.Add(float64(purged))
		s.logger.InfoContext(ctx, "purged expired codes", "count", purged)
	}
	return purged
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}
