package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/go-task-tracker/internal/domain"
	"github.com/ramiqadoumi/go-task-tracker/internal/store"
	"github.com/ramiqadoumi/go-task-tracker/pkg/telemetry"
)

const (
	DefaultInterval      = time.Minute
	DefaultRetention     = 7 * 24 * time.Hour
	DefaultPurgeSchedule = "@hourly"
)

// TaskStore is the part of the registry the sweeper needs.
type TaskStore interface {
	Snapshot() []store.Summary
	ExpireStale(ctx context.Context, id string, cutoff time.Time) (store.Result, error)
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

// Leader reports whether this instance may sweep. With several replicas
// sharing one backing store only the leader sweeps.
type Leader interface {
	Acquire(ctx context.Context) bool
}

// Config controls the sweep policy.
type Config struct {
	// Interval between expiry passes.
	Interval time.Duration
	// Retention is how long a task may go without an update before it is expired.
	Retention time.Duration
	// PurgeAfter is how long a deleted or expired task is kept before it is
	// removed for good. Zero disables purging.
	PurgeAfter time.Duration
	// PurgeSchedule is a standard cron expression for purge passes.
	PurgeSchedule string
}

// Sweeper expires stale tasks on a fixed interval and purges old frozen ones
// on a cron schedule.
type Sweeper struct {
	store     TaskStore
	cfg       Config
	schedule  cron.Schedule
	nextPurge time.Time
	leader    Leader
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Sweeper.
type Option func(*Sweeper)

func WithLogger(l *slog.Logger) Option      { return func(s *Sweeper) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }
func WithLeader(l Leader) Option            { return func(s *Sweeper) { s.leader = l } }

// New validates cfg and returns a Sweeper. Zero fields take defaults.
func New(st TaskStore, cfg Config, opts ...Option) (*Sweeper, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.PurgeSchedule == "" {
		cfg.PurgeSchedule = DefaultPurgeSchedule
	}
	schedule, err := cron.ParseStandard(cfg.PurgeSchedule)
	if err != nil {
		return nil, fmt.Errorf("parse purge schedule %q: %w", cfg.PurgeSchedule, err)
	}

	s := &Sweeper{
		store:    st,
		cfg:      cfg,
		schedule: schedule,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.nextPurge = schedule.Next(s.now())
	return s, nil
}

// Run sweeps once immediately and then on every tick. Blocks until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if s.leader != nil && !s.leader.Acquire(ctx) {
		return
	}
	if _, err := s.SweepOnce(ctx); err != nil {
		s.logger.Error("sweep failed", slog.String("error", err.Error()))
	}

	now := s.now()
	if s.cfg.PurgeAfter > 0 && !now.Before(s.nextPurge) {
		if _, err := s.PurgeOnce(ctx); err != nil {
			s.logger.Error("purge failed", slog.String("error", err.Error()))
		}
		s.nextPurge = s.schedule.Next(now)
	}
}

// SweepOnce expires every task that is not yet deleted or expired and has
// not been updated within the retention window. It returns how many tasks
// it expired.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		telemetry.SweepDurationSeconds.Observe(time.Since(start).Seconds())
		telemetry.SweeperRuns.Inc()
	}()

	cutoff := s.now().Add(-s.cfg.Retention)
	expired := 0
	var errs []error
	for _, sum := range s.store.Snapshot() {
		if sum.Status.IsFrozen() || !sum.UpdatedAt.Before(cutoff) {
			continue
		}
		res, err := s.store.ExpireStale(ctx, sum.ID, cutoff)
		if err != nil {
			var notFound *domain.TaskNotFoundError
			if errors.As(err, &notFound) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		if res.Applied {
			expired++
			s.logger.Info("task expired",
				slog.String("task_id", sum.ID),
				slog.String("previous_status", sum.Status.Name()),
				slog.Bool("mid_transfer", sum.Status.IsTransfer()),
			)
		}
	}
	telemetry.SweeperExpired.Add(float64(expired))
	return expired, errors.Join(errs...)
}

// PurgeOnce removes deleted and expired tasks older than PurgeAfter.
func (s *Sweeper) PurgeOnce(ctx context.Context) (int, error) {
	if s.cfg.PurgeAfter <= 0 {
		return 0, nil
	}
	n, err := s.store.Purge(ctx, s.now().Add(-s.cfg.PurgeAfter))
	telemetry.SweeperPurged.Add(float64(n))
	if n > 0 {
		s.logger.Info("purged tasks", slog.Int("count", n))
	}
	return n, err
}
