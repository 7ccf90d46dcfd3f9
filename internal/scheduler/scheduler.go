// Package scheduler refreshes every known user on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github-star-miner/internal/common"
	"github-star-miner/internal/domain"
)

// Runner runs jobs to completion for one user.
type Runner interface {
	Users(ctx context.Context) ([]domain.User, error)
	RunSync(ctx context.Context, userID uint) error
	RunGenerate(ctx context.Context, userID uint) error
}

// Scheduler runs sync then generate for every user, one user at a time.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	pause  time.Duration
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	active atomic.Bool
}

// New parses spec (standard five-field cron or a descriptor like @weekly)
// and registers the refresh. pause is the delay between two users.
func New(runner Runner, spec string, pause time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		runner: runner,
		pause:  pause,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	cl := cronLogger{logger.Sugar()}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins firing on schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.logger.Info("⏰ weekly refresh scheduled", zap.Time("next", e.Next))
	}
}

// Stop cancels a refresh in progress and waits for it to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active reports whether a refresh is running.
func (s *Scheduler) Active() bool {
	return s.active.Load()
}

func (s *Scheduler) tick() {
	if err := s.RefreshAll(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("❌ scheduled refresh failed", zap.Error(err))
	}
}

// RefreshAll syncs and regenerates every user in turn. A failure for one
// user is logged and does not stop the others; a user whose job is
// already running is skipped.
func (s *Scheduler) RefreshAll(ctx context.Context) error {
	s.active.Store(true)
	defer s.active.Store(false)

	users, err := s.runner.Users(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	s.logger.Info("🔄 scheduled refresh started", zap.Int("users", len(users)))

	var refreshed, failed int
	for i, u := range users {
		if i > 0 && s.pause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.pause):
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if s.refreshUser(ctx, u) {
			refreshed++
		} else {
			failed++
		}
	}

	s.logger.Info("✅ scheduled refresh finished",
		zap.Int("refreshed", refreshed), zap.Int("skipped_or_failed", failed))
	return nil
}

func (s *Scheduler) refreshUser(ctx context.Context, u domain.User) bool {
	logger := s.logger.With(zap.Uint("user_id", u.ID), zap.String("login", u.Login))

	if err := s.runner.RunSync(ctx, u.ID); err != nil {
		s.logSkip(logger, domain.JobSync, err)
		return false
	}
	if err := s.runner.RunGenerate(ctx, u.ID); err != nil {
		s.logSkip(logger, domain.JobGenerate, err)
		return false
	}
	return true
}

func (s *Scheduler) logSkip(logger *zap.Logger, kind domain.JobKind, err error) {
	if errors.Is(err, common.ErrAlreadyRunning) {
		logger.Info("⏭️ job already running, skipping user", zap.String("kind", string(kind)))
		return
	}
	logger.Warn("⚠️ scheduled job failed", zap.String("kind", string(kind)), zap.Error(err))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
