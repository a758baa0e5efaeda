// Package scheduler enqueues standalone job runs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/variant-pipeline/internal/config"
	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/internal/jobs"
	"github.com/robfig/cron/v3"
)

// Enqueuer creates and publishes standalone job runs
type Enqueuer interface {
	EnqueueStandalone(ctx context.Context, kind jobs.Kind, params map[string]any) (*domain.JobRun, error)
}

// KindChecker reports whether a job kind has a registered runner
type KindChecker interface {
	Has(kind string) bool
}

// Scheduler runs the recurring job table
type Scheduler struct {
	logger   *slog.Logger
	enqueuer Enqueuer
	kinds    KindChecker
	cron     *cron.Cron
	timeout  time.Duration

	mu      sync.Mutex
	entries map[string]registered
}

type registered struct {
	id    cron.EntryID
	entry config.ScheduledEntry
}

// New creates a scheduler in the given location (UTC when nil)
func New(enqueuer Enqueuer, kinds KindChecker, loc *time.Location, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		logger:   logger,
		enqueuer: enqueuer,
		kinds:    kinds,
		cron:     cron.New(cron.WithLocation(loc)),
		timeout:  30 * time.Second,
		entries:  make(map[string]registered),
	}
}

// FromConfig builds a scheduler and registers every configured entry
func FromConfig(cfg config.SchedulerConfig, enqueuer Enqueuer, kinds KindChecker, logger *slog.Logger) (*Scheduler, error) {
	loc := time.UTC
	if cfg.Location != "" {
		var err error
		if loc, err = time.LoadLocation(cfg.Location); err != nil {
			return nil, fmt.Errorf("invalid scheduler location %q: %w", cfg.Location, err)
		}
	}

	s := New(enqueuer, kinds, loc, logger)
	for _, entry := range cfg.Entries {
		if err := s.Register(entry); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Register adds a recurring entry. Unknown kinds and invalid cron expressions are rejected.
func (s *Scheduler) Register(entry config.ScheduledEntry) error {
	if entry.Name == "" {
		return fmt.Errorf("%w: scheduler entry name is required", domain.ErrInvalidPayload)
	}
	if s.kinds != nil && !s.kinds.Has(entry.Kind) {
		return &domain.UnknownJobKindError{Kind: entry.Kind}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.Name]; exists {
		return fmt.Errorf("%w: duplicate scheduler entry %s", domain.ErrInvalidPayload, entry.Name)
	}

	id, err := s.cron.AddFunc(entry.Schedule, func() { s.fire(entry) })
	if err != nil {
		return fmt.Errorf("invalid schedule for %s: %w", entry.Name, err)
	}
	s.entries[entry.Name] = registered{id: id, entry: entry}

	s.logger.Info("Scheduled job registered",
		slog.String("name", entry.Name),
		slog.String("job_kind", entry.Kind),
		slog.String("schedule", entry.Schedule),
	)
	return nil
}

// Trigger runs a registered entry immediately
func (s *Scheduler) Trigger(ctx context.Context, name string) (*domain.JobRun, error) {
	s.mu.Lock()
	reg, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("scheduler entry %s: %w", name, domain.ErrNotFound)
	}
	return s.enqueue(ctx, reg.entry)
}

// Names returns the registered entry names, sorted
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Next returns the next activation time of a registered entry
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	reg, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(reg.id).Next, true
}

// Start runs the cron loop until ctx is done, then waits for running entries
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("Scheduler started", slog.Int("entries", len(s.Names())))

	<-ctx.Done()

	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
	return nil
}

func (s *Scheduler) fire(entry config.ScheduledEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.enqueue(ctx, entry); err != nil {
		s.logger.Error("Scheduled job failed to enqueue",
			slog.String("name", entry.Name),
			slog.String("job_kind", entry.Kind),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) enqueue(ctx context.Context, entry config.ScheduledEntry) (*domain.JobRun, error) {
	run, err := s.enqueuer.EnqueueStandalone(ctx, jobs.Kind(entry.Kind), entry.Params)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Scheduled job enqueued",
		slog.String("name", entry.Name),
		slog.String("job_kind", entry.Kind),
		slog.String("job_run_id", run.ID),
	)
	return run, nil
}
