// Package sweeper purges expired cache rows on a cron schedule.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"mozarex-cache/pkg/logging/logging"
)

// Cleaner is satisfied by cache.Service.
type Cleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

type Sweeper struct {
	cron    *cron.Cron
	cleaner Cleaner
	logger  *zap.Logger
	timeout time.Duration
}

type Option func(*Sweeper)

// WithTimeout bounds a single sweep run. Default 10m.
func WithTimeout(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New registers the sweep job. schedule takes a leading seconds field
// ("0 0 3 * * *") or a descriptor ("@every 1h"), evaluated in UTC.
func New(cleaner Cleaner, schedule string, logger *zap.Logger, opts ...Option) (*Sweeper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("sweeper")

	cl := cronLogger{logger: logger}
	s := &Sweeper{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
		cleaner: cleaner,
		logger:  logger,
		timeout: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("sweeper started", zap.Time("next_run", s.Next()))
}

// Stop waits for a running sweep to finish or ctx to end.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next is the next scheduled run, zero before Start.
func (s *Sweeper) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.RunOnce(logging.WithLogger(ctx, s.logger)); err != nil {
		s.logger.Error("sweep failed", zap.Error(err))
	}
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	start := time.Now()
	n, err := s.cleaner.CleanupExpired(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.Info("sweep completed",
		zap.Int64("purged", n),
		zap.Duration("duration", time.Since(start)),
	)
	return n, nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
