// Package scheduler runs named maintenance tasks on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kronklabs/kronk/internal/bus"
)

// DefaultTick is the due-task polling interval.
const DefaultTick = time.Second

// Default maintenance task ids and schedules.
const (
	TaskMemoryDecay         = "memory-decay"
	TaskMemoryCleanup       = "memory-cleanup"
	TaskMemoryConsolidation = "memory-consolidation"

	DefaultDecaySchedule         = "0 * * * *"
	DefaultCleanupSchedule       = "0 * * * *"
	DefaultConsolidationSchedule = "0 0 * * *"
)

// TaskFunc is one maintenance task body. Handlers must be idempotent; the
// scheduler does not prevent overlap across ticks.
type TaskFunc func(ctx context.Context) error

// TaskInfo is the externally visible state of a scheduled task.
type TaskInfo struct {
	ID         string     `json:"id"`
	Expression string     `json:"expression"`
	Enabled    bool       `json:"enabled"`
	LastRun    *time.Time `json:"lastRun,omitempty"`
	NextRun    time.Time  `json:"nextRun"`
	RunCount   int        `json:"runCount"`
}

type task struct {
	id         string
	expression string
	schedule   cron.Schedule
	handler    TaskFunc
	enabled    bool
	lastRun    *time.Time
	nextRun    time.Time
	runCount   int
}

// Scheduler is a cron-expression driven registry of named tasks.
type Scheduler struct {
	events *bus.Bus
	logger *slog.Logger
	now    func() time.Time
	tick   time.Duration
	parser cron.Parser

	mu    sync.Mutex
	tasks map[string]*task

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTick overrides the polling interval.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates an empty scheduler.
func New(events *bus.Bus, opts ...Option) *Scheduler {
	s := &Scheduler{
		events: events,
		logger: slog.Default().With("component", "scheduler"),
		now:    func() time.Time { return time.Now().UTC() },
		tick:   DefaultTick,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		tasks:  map[string]*task{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a task under the given id. The expression must be a valid
// standard 5-field cron expression.
func (s *Scheduler) Register(id, expression string, handler TaskFunc) error {
	if id == "" {
		return fmt.Errorf("task id is required")
	}
	if handler == nil {
		return fmt.Errorf("task %s: handler is required", id)
	}
	schedule, err := s.parser.Parse(expression)
	if err != nil {
		return fmt.Errorf("task %s: invalid cron expression %q: %w", id, expression, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[id] = &task{
		id:         id,
		expression: expression,
		schedule:   schedule,
		handler:    handler,
		enabled:    true,
		nextRun:    schedule.Next(s.now()),
	}
	return nil
}

// UpdateSchedule changes a task's cron expression and recomputes its next
// run. Invalid expressions leave the task untouched.
func (s *Scheduler) UpdateSchedule(id, expression string) error {
	schedule, err := s.parser.Parse(expression)
	if err != nil {
		return fmt.Errorf("task %s: invalid cron expression %q: %w", id, expression, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %q", id)
	}
	t.expression = expression
	t.schedule = schedule
	t.nextRun = schedule.Next(s.now())
	return nil
}

// SetEnabled toggles a task.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %q", id)
	}
	t.enabled = enabled
	if enabled {
		t.nextRun = t.schedule.Next(s.now())
	}
	return nil
}

// List returns all tasks sorted by id.
func (s *Scheduler) List() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, TaskInfo{
			ID:         t.id,
			Expression: t.expression,
			Enabled:    t.enabled,
			LastRun:    t.lastRun,
			NextRun:    t.nextRun,
			RunCount:   t.runCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunTask executes a task immediately regardless of its schedule.
func (s *Scheduler) RunTask(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown task %q", id)
	}
	return s.execute(ctx, t)
}

// Start launches the tick loop.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop halts the tick loop and waits for a running task to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// runDue executes every enabled task whose next run has arrived. Tasks run
// sequentially within a tick.
func (s *Scheduler) runDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*task
	for _, t := range s.tasks {
		if t.enabled && !t.nextRun.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].id < due[j].id })
	s.mu.Unlock()

	for _, t := range due {
		if err := s.execute(ctx, t); err != nil {
			s.logger.Warn("scheduled task failed", "taskId", t.id, "error", err)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, t *task) error {
	if s.events != nil {
		s.events.Publish("task:start", map[string]any{"taskId": t.id})
	}

	started := s.now()
	err := t.handler(ctx)
	finished := s.now()

	s.mu.Lock()
	t.lastRun = &finished
	t.runCount++
	t.nextRun = t.schedule.Next(finished)
	s.mu.Unlock()

	if err != nil {
		if s.events != nil {
			s.events.Publish("task:error", map[string]any{
				"taskId": t.id,
				"error":  err.Error(),
			})
		}
		return err
	}
	if s.events != nil {
		s.events.Publish("task:complete", map[string]any{
			"taskId":     t.id,
			"durationMs": finished.Sub(started).Milliseconds(),
		})
	}
	return nil
}
