// Package scheduler triggers the periodic run.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "ddlbot/pkg/logx"
)

const (
	DefaultSchedule   = "*/30 * * * *"
	DefaultRunTimeout = 5 * time.Minute
)

type Config struct {
	Enabled    bool
	Schedule   string
	Timezone   string
	RunTimeout time.Duration
	// RunOnStart fires one run right after Start.
	RunOnStart bool
}

func (c Config) runTimeout() time.Duration {
	if c.RunTimeout <= 0 {
		return DefaultRunTimeout
	}
	return c.RunTimeout
}

func (c Config) schedule() string {
	if strings.TrimSpace(c.Schedule) == "" {
		return DefaultSchedule
	}
	return c.Schedule
}

// Job is one scheduled run. startup is true only for the RunOnStart run.
type Job func(ctx context.Context, startup bool) error

// Service owns one cron instance with a single entry. Overlapping ticks are
// skipped while a run is still in flight.
type Service struct {
	job Job
	log logx.Logger

	mu    sync.Mutex
	cfg   Config
	ctx   context.Context
	c     *cron.Cron
	entry cron.EntryID
	sched cron.Schedule
	loc   *time.Location
}

func New(cfg Config, job Job, log logx.Logger) *Service {
	return &Service{
		cfg: cfg,
		job: job,
		log: log.With(logx.String("comp", "scheduler")),
	}
}

// Start registers the schedule. Runs inherit ctx; cancelling it aborts an
// in-flight run but Stop is still needed to stop the ticker.
func (s *Service) Start(ctx context.Context) error {
	if s.job == nil {
		return errors.New("scheduler: job is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	if err := s.startLocked(); err != nil {
		return err
	}
	if s.cfg.RunOnStart {
		go s.run(ctx, s.cfg.runTimeout(), true)
	}
	return nil
}

func (s *Service) startLocked() error {
	ps, err := ParseSchedule(s.cfg.schedule())
	if err != nil {
		return err
	}
	sched, err := ps.Schedule()
	if err != nil {
		return err
	}
	s.loc = s.loadLocationLocked()

	cl := logx.CronLogger{L: s.log}
	s.c = cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	parent, timeout := s.ctx, s.cfg.runTimeout()
	s.entry = s.c.Schedule(sched, cron.FuncJob(func() { s.run(parent, timeout, false) }))
	s.sched = sched
	s.c.Start()

	s.log.Info("scheduler started",
		logx.String("schedule", ps.String()),
		logx.String("kind", ps.Kind.String()),
		logx.String("tz", s.loc.String()),
		logx.Time("next", s.nextLocked()),
	)
	return nil
}

// run must not take s.mu: Stop holds it while waiting for in-flight jobs.
func (s *Service) run(parent context.Context, timeout time.Duration, startup bool) {
	if parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	if err := s.job(ctx, startup); err != nil {
		s.log.Warn("scheduled run failed", logx.Bool("startup", startup), logx.Err(err))
	}
}

// Next returns the next planned run, zero if the scheduler is not running.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLocked()
}

// nextLocked falls back to the schedule itself until the cron loop has
// planned the entry.
func (s *Service) nextLocked() time.Time {
	if s.c == nil {
		return time.Time{}
	}
	if next := s.c.Entry(s.entry).Next; !next.IsZero() {
		return next
	}
	return s.sched.Next(time.Now().In(s.loc))
}

// Apply swaps in a new config, restarting the cron instance when the
// schedule, timezone, run timeout or enabled flag changed.
func (s *Service) Apply(cfg Config) error {
	if cfg.Enabled {
		if _, err := ParseSchedule(cfg.schedule()); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.ctx == nil {
		return nil
	}
	if old.Enabled == cfg.Enabled &&
		old.schedule() == cfg.schedule() &&
		old.runTimeout() == cfg.runTimeout() &&
		strings.TrimSpace(old.Timezone) == strings.TrimSpace(cfg.Timezone) {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.stopLocked(stopCtx)
	if !cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	return s.startLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Service) stopLocked(ctx context.Context) {
	if s.c == nil {
		return
	}
	start := time.Now()
	// Stop waits for a running job, which is bounded by its run timeout.
	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
	}
	s.c = nil
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
