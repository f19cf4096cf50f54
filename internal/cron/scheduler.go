// Package cron starts configured chains on cron expressions.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-conductor/internal/config"
	"github.com/basket/go-conductor/internal/coordinator"
	"github.com/basket/go-conductor/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ChainStarter is implemented by *coordinator.Executor.
type ChainStarter interface {
	Start(ctx context.Context, spec coordinator.ChainSpec) (string, error)
	Status(ctx context.Context, chainID string) (*coordinator.ChainResult, error)
}

// Schedule binds a cron expression to a chain.
type Schedule struct {
	Name  string
	Expr  string
	Chain coordinator.ChainSpec
}

// Entry is the observable state of one schedule.
type Entry struct {
	Name        string     `json:"name"`
	Cron        string     `json:"cron"`
	Chain       string     `json:"chain"`
	NextRunAt   time.Time  `json:"next_run_at"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	LastChainID string     `json:"last_chain_id,omitempty"`
	Skipped     int        `json:"skipped,omitempty"`
}

// SchedulesFromConfig resolves configured schedules against the loaded
// chains. Disabled schedules are left out.
func SchedulesFromConfig(cfgs []config.ScheduleConfig, chains map[string]coordinator.ChainSpec) ([]Schedule, error) {
	var out []Schedule
	for _, sc := range cfgs {
		if sc.Disabled {
			continue
		}
		spec, ok := chains[sc.Chain]
		if !ok {
			return nil, fmt.Errorf("schedule %s: unknown chain %q", sc.Name, sc.Chain)
		}
		out = append(out, Schedule{Name: sc.Name, Expr: sc.Cron, Chain: spec})
	}
	return out, nil
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Starter   ChainStarter
	Schedules []Schedule
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 1 minute if zero

	// Now is the clock; tests replace it.
	Now func() time.Time
}

type entry struct {
	Schedule
	parsed cronlib.Schedule

	next        time.Time
	lastRun     *time.Time
	lastChainID string
	skipped     int
}

// Scheduler periodically starts due schedules.
type Scheduler struct {
	starter  ChainStarter
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler parses every schedule. An invalid expression is an error.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		starter:  cfg.Starter,
		logger:   logger,
		interval: interval,
		now:      now,
	}
	start := now()
	for _, sc := range cfg.Schedules {
		parsed, err := cronParser.Parse(sc.Expr)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: parse %q: %w", sc.Name, sc.Expr, err)
		}
		s.entries = append(s.entries, &entry{Schedule: sc, parsed: parsed, next: parsed.Next(start)})
	}
	return s, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "schedules", len(s.entries))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// Run blocks until ctx is done. It suits an errgroup.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every schedule that is due at the current time.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.next.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(ctx, e, now)
	}
}

// fire starts the schedule's chain unless its previous run is still going,
// then advances the next run time.
func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) {
	s.mu.Lock()
	lastID := e.lastChainID
	e.next = e.parsed.Next(now)
	next := e.next
	s.mu.Unlock()

	if lastID != "" && s.stillRunning(ctx, lastID) {
		s.mu.Lock()
		e.skipped++
		s.mu.Unlock()
		s.logger.Warn("cron: previous run still active, skipping",
			"schedule", e.Name,
			"chain_id", lastID,
			"next_run_at", next,
		)
		return
	}

	chainID, err := s.starter.Start(ctx, e.Chain)
	if err != nil {
		s.logger.Error("cron: failed to start chain for schedule",
			"schedule", e.Name,
			"chain", e.Chain.Name,
			"error", err,
		)
		return
	}

	s.mu.Lock()
	ran := now
	e.lastRun = &ran
	e.lastChainID = chainID
	s.mu.Unlock()

	s.logger.Info("cron: schedule fired",
		"schedule", e.Name,
		"chain", e.Chain.Name,
		"chain_id", chainID,
		"next_run_at", next,
	)
}

func (s *Scheduler) stillRunning(ctx context.Context, chainID string) bool {
	res, err := s.starter.Status(ctx, chainID)
	if err != nil {
		s.logger.Warn("cron: status lookup failed", "chain_id", chainID, "error", err)
		return false
	}
	return res.Status == persistence.ChainStatusRunning
}

// List returns the state of every schedule sorted by name.
func (s *Scheduler) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Entry{
			Name:        e.Name,
			Cron:        e.Expr,
			Chain:       e.Chain.Name,
			NextRunAt:   e.next,
			LastRunAt:   e.lastRun,
			LastChainID: e.lastChainID,
			Skipped:     e.skipped,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
