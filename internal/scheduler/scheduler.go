package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"call-orchestrator/pkg/logger"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"
)

// Job is one periodic pass.
type Job struct {
	Name string
	// Spec is a standard 5-field cron expression or a descriptor such as "@every 30s".
	Spec string
	Run  func(ctx context.Context) error
}

// Locker hands out expiring, exclusive leases. Only the holder of a job's
// lease runs it, so replicas never execute the same pass concurrently.
type Locker interface {
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, holder string) error
}

var ErrLeaseHeld = errors.New("scheduler: lease held by another replica")

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(spec string) (cronlib.Schedule, error) {
	return cronParser.Parse(spec)
}

// Scheduler runs Jobs on their cron schedules.
//
// IMPORTANT:
//   - A job never overlaps itself within a process (SkipIfStillRunning) and,
//     with a Locker, never overlaps itself across replicas.
//   - A panicking job is recovered and logged; the schedule keeps going.
type Scheduler struct {
	locker   Locker
	holder   string
	leaseTTL time.Duration
	log      *slog.Logger
	timeout  time.Duration

	mu   sync.Mutex
	cron *cronlib.Cron
	jobs map[string]Job
	// base is the Start context; scheduled runs derive from it so shutdown
	// cancels them.
	base context.Context
}

type Option func(*Scheduler)

// WithLocker guards every run with a lease from l.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(s *Scheduler) {
		s.locker = l
		if ttl > 0 {
			s.leaseTTL = ttl
		}
	}
}

// WithHolder overrides the lease holder id (defaults to a random uuid).
func WithHolder(id string) Option {
	return func(s *Scheduler) { s.holder = id }
}

// WithRunTimeout bounds a single run. Defaults to the lease TTL.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

func New(log *slog.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		holder:   uuid.NewString(),
		leaseTTL: 10 * time.Minute,
		log:      log.With("component", "scheduler"),
		jobs:     map[string]Job{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.timeout <= 0 {
		s.timeout = s.leaseTTL
	}
	cl := cronLogger{l: s.log}
	s.cron = cronlib.New(
		cronlib.WithParser(cronParser),
		cronlib.WithLogger(cl),
		cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl)),
	)
	return s
}

// Add registers j. It must be called before Start.
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" || j.Run == nil {
		return errors.New("scheduler: job name and func are required")
	}
	sched, err := ParseSchedule(j.Spec)
	if err != nil {
		return fmt.Errorf("scheduler: job %s: invalid schedule %q: %w", j.Name, j.Spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[j.Name]; dup {
		return fmt.Errorf("scheduler: duplicate job %s", j.Name)
	}
	s.jobs[j.Name] = j
	s.cron.Schedule(sched, cronlib.FuncJob(func() {
		_ = s.RunOnce(s.baseContext(), j)
	}))
	return nil
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	return out
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base == nil {
		return context.Background()
	}
	return s.base
}

// Start runs the schedule until ctx is done, then waits for running jobs.
// Running jobs see ctx cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()
	s.log.Info("scheduler started", "holder", s.holder, "jobs", len(s.jobs))
	s.cron.Start()
	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	s.log.Info("scheduler stopped")
	return nil
}

// RunOnce runs j now under its lease. It returns ErrLeaseHeld when another
// holder owns the lease.
func (s *Scheduler) RunOnce(ctx context.Context, j Job) error {
	log := s.log.With("job", j.Name)
	key := leaseKey(j.Name)

	if s.locker != nil {
		ok, err := s.locker.Acquire(ctx, key, s.holder, s.leaseTTL)
		if err != nil {
			log.Error("lease acquire failed", "err", err)
			return fmt.Errorf("acquire lease %s: %w", key, err)
		}
		if !ok {
			log.Debug("lease held elsewhere; skipping run")
			return ErrLeaseHeld
		}
		defer func() {
			// The run context may be done; release on a fresh one.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.locker.Release(rctx, key, s.holder); err != nil {
				log.Warn("lease release failed", "err", err)
			}
		}()
	}

	runCtx, cancel := context.WithTimeout(logger.With(ctx, log), s.timeout)
	defer cancel()

	start := time.Now()
	err := j.Run(runCtx)
	if err != nil {
		log.Error("job failed", "duration_ms", time.Since(start).Milliseconds(), "err", err)
		return err
	}
	log.Debug("job done", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func leaseKey(job string) string {
	return "orchestrator:lease:" + job
}

// cronLogger adapts slog to the robfig/cron logger interface.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
