package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	defaultReplayBatch = 50
	cleanupSchedule    = "@every 1h"
	jobTimeout         = 2 * time.Minute
	backupTimeout      = 10 * time.Minute
)

type Replayer interface {
	Replay(ctx context.Context, limit, maxAttempts int) (int, error)
}

type Cleaner interface {
	Cleanup() int
}

type Backuper interface {
	Run(ctx context.Context) (string, error)
	Prune(ctx context.Context) (int, error)
}

type Config struct {
	ReplaySchedule    string
	ReplayMaxAttempts int
	ReplayBatch       int
}

// Scheduler runs the periodic maintenance jobs: dead-letter replay, limiter
// cleanup and, when configured, database backups.
type Scheduler struct {
	cron     *cron.Cron
	cfg      Config
	replayer Replayer
	cleaner  Cleaner
	backuper Backuper
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New registers the jobs. cleaner may be nil when the limiter expires keys on
// its own.
func New(cfg Config, replayer Replayer, cleaner Cleaner, logger *slog.Logger) (*Scheduler, error) {
	if cfg.ReplayBatch <= 0 {
		cfg.ReplayBatch = defaultReplayBatch
	}
	if cfg.ReplayMaxAttempts <= 0 {
		cfg.ReplayMaxAttempts = 5
	}

	cl := cronLogger{logger: logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cron:     c,
		cfg:      cfg,
		replayer: replayer,
		cleaner:  cleaner,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	if _, err := c.AddFunc(cfg.ReplaySchedule, s.replayJob); err != nil {
		cancel()
		return nil, fmt.Errorf("schedule replay %q: %w", cfg.ReplaySchedule, err)
	}
	if cleaner != nil {
		if _, err := c.AddFunc(cleanupSchedule, s.CleanupLimiter); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule cleanup: %w", err)
		}
	}
	return s, nil
}

// AddBackup schedules b. Call before Start.
func (s *Scheduler) AddBackup(schedule string, b Backuper) error {
	s.backuper = b
	if _, err := s.cron.AddFunc(schedule, s.backupJob); err != nil {
		return fmt.Errorf("schedule backup %q: %w", schedule, err)
	}
	s.logger.Info("database backups enabled", "schedule", schedule)
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "replay_schedule", s.cfg.ReplaySchedule)
}

// Stop cancels running jobs and waits for them to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

func (s *Scheduler) replayJob() {
	ctx, cancel := context.WithTimeout(s.ctx, jobTimeout)
	defer cancel()
	s.ReplayDeadLetters(ctx)
}

// ReplayDeadLetters runs one replay pass.
func (s *Scheduler) ReplayDeadLetters(ctx context.Context) int {
	n, err := s.replayer.Replay(ctx, s.cfg.ReplayBatch, s.cfg.ReplayMaxAttempts)
	if err != nil {
		s.logger.Error("dead letter replay", "error", err)
	} else if n > 0 {
		s.logger.Info("replayed dead letters", "count", n)
	}
	return n
}

func (s *Scheduler) backupJob() {
	ctx, cancel := context.WithTimeout(s.ctx, backupTimeout)
	defer cancel()
	s.RunBackup(ctx)
}

// RunBackup uploads one backup and prunes expired ones. Pruning is skipped
// when the upload fails.
func (s *Scheduler) RunBackup(ctx context.Context) error {
	if _, err := s.backuper.Run(ctx); err != nil {
		s.logger.Error("database backup", "error", err)
		return err
	}
	n, err := s.backuper.Prune(ctx)
	if err != nil {
		s.logger.Error("prune backups", "error", err)
		return err
	}
	if n > 0 {
		s.logger.Info("pruned old backups", "count", n)
	}
	return nil
}

func (s *Scheduler) CleanupLimiter() {
	if n := s.cleaner.Cleanup(); n > 0 {
		s.logger.Debug("cleaned up rate limit entries", "count", n)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
