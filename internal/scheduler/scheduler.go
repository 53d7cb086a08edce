// Package scheduler runs the periodic jobs of the dispatcher: the
// advance-notice tick and the recovery sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/shaharia-lab/outagewatch/internal/dispatch"
	"github.com/shaharia-lab/outagewatch/internal/recipients"
	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// Job names, also used as distributed lock keys.
const (
	JobAdvanceTick   = "advance-tick"
	JobRecoverySweep = "recovery-sweep"
)

// OutageSource lists outages that are about to start.
type OutageSource interface {
	ListUpcomingOutages(ctx context.Context, from, to time.Time) ([]*storage.Outage, error)
}

// RecipientResolver maps an outage to affected users.
type RecipientResolver interface {
	Resolve(ctx context.Context, outage *storage.Outage) ([]recipients.Recipient, error)
}

// Submitter hands work to the dispatch engine.
type Submitter interface {
	SubmitAdvance(ctx context.Context, o *storage.Outage, candidates []dispatch.Candidate) error
	Recover(ctx context.Context, stale []storage.Notification) error
}

// StaleSource lists PENDING records whose lease lapsed.
type StaleSource interface {
	Stale(ctx context.Context, limit int) ([]storage.Notification, error)
}

// Config holds the scheduler configuration.
type Config struct {
	Outages  OutageSource
	Resolver RecipientResolver
	Filter   *recipients.Filter
	Engine   Submitter
	Stale    StaleSource
	Clock    clockwork.Clock
	Logger   *slog.Logger

	// Interval between advance-notice ticks. Defaults to 5 minutes.
	Interval time.Duration
	// Horizon bounds how far ahead a tick looks for outages. It should cover
	// the largest advance-notice lead users may pick. Defaults to 48 hours.
	Horizon time.Duration
	// RecoveryInterval between recovery sweeps. Zero disables the sweep.
	RecoveryInterval time.Duration
	// RecoveryBatch caps records re-queued per sweep. Defaults to 100.
	RecoveryBatch int
	// Locker is optional. When set, only the replica holding the lock runs a job.
	Locker gocron.Locker
}

// TickResult summarises one advance-notice tick.
type TickResult struct {
	Outages    int
	Candidates int
	Submitted  int
}

// Scheduler runs the periodic jobs using gocron.
type Scheduler struct {
	cron   gocron.Scheduler
	cfg    Config
	jobs   map[string]uuid.UUID
	logger *slog.Logger
}

// New creates a new Scheduler. Jobs are registered but do not run until Start.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Outages == nil || cfg.Resolver == nil || cfg.Engine == nil {
		return nil, errors.New("scheduler: outages, resolver and engine are required")
	}
	if cfg.Filter == nil {
		cfg.Filter = recipients.NewFilter()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = 48 * time.Hour
	}
	if cfg.RecoveryBatch <= 0 {
		cfg.RecoveryBatch = 100
	}

	opts := []gocron.SchedulerOption{
		gocron.WithClock(cfg.Clock),
		gocron.WithLogger(cfg.Logger.With("component", "gocron")),
	}
	if cfg.Locker != nil {
		opts = append(opts, gocron.WithDistributedLocker(cfg.Locker))
	}
	cron, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gocron scheduler: %w", err)
	}

	s := &Scheduler{
		cron:   cron,
		cfg:    cfg,
		jobs:   make(map[string]uuid.UUID),
		logger: cfg.Logger,
	}

	if err := s.addJob(JobAdvanceTick, cfg.Interval, func(ctx context.Context) error {
		_, err := s.Tick(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	if cfg.RecoveryInterval > 0 && cfg.Stale != nil {
		if err := s.addJob(JobRecoverySweep, cfg.RecoveryInterval, func(ctx context.Context) error {
			_, err := s.sweep(ctx)
			return err
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) addJob(name string, every time.Duration, fn func(ctx context.Context) error) error {
	job, err := s.cron.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(fn),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithEventListeners(
			gocron.AfterJobRunsWithError(func(_ uuid.UUID, jobName string, err error) {
				s.logger.Error("scheduled job failed", "job", jobName, "error", err)
			}),
		),
	)
	if err != nil {
		return fmt.Errorf("scheduling job %q: %w", name, err)
	}
	s.jobs[name] = job.ID()
	return nil
}

// Start starts the gocron scheduler. Every job runs once right away and then
// on its interval.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started",
		"jobs", len(s.jobs),
		"interval", s.cfg.Interval.String(),
		"horizon", s.cfg.Horizon.String(),
		"recovery_interval", s.cfg.RecoveryInterval.String(),
		"distributed", s.cfg.Locker != nil,
	)
}

// Stop shuts down the gocron scheduler, waiting for running jobs.
func (s *Scheduler) Stop() error {
	return s.cron.Shutdown()
}

// Tick finds every (user, channel) pair whose advance-notice window is open
// now and submits it to the engine. Pairs already notified are dropped by the
// engine's admission, so repeated ticks inside one window send once.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	now := s.cfg.Clock.Now()

	outages, err := s.cfg.Outages.ListUpcomingOutages(ctx, now, now.Add(s.cfg.Horizon))
	if err != nil {
		return res, fmt.Errorf("listing upcoming outages: %w", err)
	}
	res.Outages = len(outages)

	var errs []error
	for _, o := range outages {
		candidates, err := s.candidates(ctx, o, now)
		if err != nil {
			var rerr *recipients.ResolutionError
			if errors.As(err, &rerr) {
				s.logger.Warn("skipping outage on tick", "outage_id", o.ID, "error", err)
				continue
			}
			errs = append(errs, err)
			continue
		}
		if len(candidates) == 0 {
			continue
		}
		res.Candidates += len(candidates)

		if err := s.cfg.Engine.SubmitAdvance(ctx, o, candidates); err != nil {
			// The window stays open, so the next tick tries again.
			s.logger.Warn("advance notices not submitted", "outage_id", o.ID,
				"candidates", len(candidates), "error", err)
			errs = append(errs, fmt.Errorf("submitting advance notices for outage %q: %w", o.ID, err))
			continue
		}
		res.Submitted += len(candidates)
	}

	s.logger.Debug("advance tick finished", "outages", res.Outages,
		"candidates", res.Candidates, "submitted", res.Submitted)
	return res, errors.Join(errs...)
}

func (s *Scheduler) candidates(ctx context.Context, o *storage.Outage, now time.Time) ([]dispatch.Candidate, error) {
	if !now.Before(o.StartTime) {
		return nil, nil
	}
	recips, err := s.cfg.Resolver.Resolve(ctx, o)
	if err != nil {
		return nil, err
	}
	var out []dispatch.Candidate
	for _, r := range recips {
		for _, ch := range s.cfg.Filter.Dispatchable(r.User, o, storage.KindAdvance) {
			minutes := s.cfg.Filter.AdvanceMinutes(r.User, o.Type, ch)
			if !recipients.InAdvanceWindow(o.StartTime, now, minutes) {
				continue
			}
			out = append(out, dispatch.Candidate{User: r.User, Channel: ch})
		}
	}
	return out, nil
}

// sweep re-queues records stranded in PENDING, typically by a crash.
func (s *Scheduler) sweep(ctx context.Context) (int, error) {
	if s.cfg.Stale == nil {
		return 0, nil
	}
	stale, err := s.cfg.Stale.Stale(ctx, s.cfg.RecoveryBatch)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.cfg.Engine.Recover(ctx, stale); err != nil {
		return 0, fmt.Errorf("re-queueing %d stale notifications: %w", len(stale), err)
	}
	s.logger.Info("recovery sweep re-queued notifications", "count", len(stale))
	return len(stale), nil
}
