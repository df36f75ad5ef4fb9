// Package queue runs a storage-backed priority task queue with bounded
// concurrency and exponential retry backoff.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kronklabs/kronk/internal/bus"
	"github.com/kronklabs/kronk/internal/store"
	"github.com/kronklabs/kronk/pkg/models"
)

// Defaults for the pump and retry policy.
const (
	DefaultMaxConcurrent = 3
	DefaultTick          = time.Second
	DefaultRetryBase     = time.Second
	DefaultRetryMax      = 60 * time.Second
)

// Handler executes one task and returns its result. A returned error marks
// the attempt failed; the queue decides retry vs. permanent failure.
type Handler func(ctx context.Context, task *models.QueueTask) (any, error)

// Manager pumps tasks from the store to registered handlers.
type Manager struct {
	store  *store.Store
	events *bus.Bus
	logger *slog.Logger
	now    func() time.Time

	maxConcurrent int
	tick          time.Duration
	retryBase     time.Duration
	retryMax      time.Duration

	mu       sync.Mutex
	handlers map[string]Handler

	slots  chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxConcurrent bounds the number of simultaneously running tasks.
func WithMaxConcurrent(c int) Option {
	return func(m *Manager) {
		if c > 0 {
			m.maxConcurrent = c
		}
	}
}

// WithTick overrides the pump interval.
func WithTick(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.tick = d
		}
	}
}

// WithRetryPolicy overrides the backoff base and cap.
func WithRetryPolicy(base, max time.Duration) Option {
	return func(m *Manager) {
		if base > 0 {
			m.retryBase = base
		}
		if max > 0 {
			m.retryMax = max
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a queue manager.
func New(s *store.Store, events *bus.Bus, opts ...Option) *Manager {
	m := &Manager{
		store:         s,
		events:        events,
		logger:        slog.Default().With("component", "queue"),
		now:           func() time.Time { return time.Now().UTC() },
		maxConcurrent: DefaultMaxConcurrent,
		tick:          DefaultTick,
		retryBase:     DefaultRetryBase,
		retryMax:      DefaultRetryMax,
		handlers:      map[string]Handler{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.slots = make(chan struct{}, m.maxConcurrent)
	return m
}

// RegisterHandler binds a task type to its handler. Tasks of unregistered
// types stay pending until a handler appears.
func (m *Manager) RegisterHandler(taskType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[taskType] = h
}

func (m *Manager) handlerTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, 0, len(m.handlers))
	for t := range m.handlers {
		types = append(types, t)
	}
	return types
}

func (m *Manager) handlerFor(taskType string) Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[taskType]
}

// AddInput describes a task to enqueue.
type AddInput struct {
	Type       string
	Payload    map[string]any
	Priority   int
	MaxRetries int
}

// Add enqueues a new pending task and returns it.
func (m *Manager) Add(ctx context.Context, in AddInput) (*models.QueueTask, error) {
	if in.Type == "" {
		return nil, fmt.Errorf("task type is required")
	}
	if in.MaxRetries < 0 {
		in.MaxRetries = 0
	}
	task := &models.QueueTask{
		ID:         models.NewID(),
		Type:       in.Type,
		Payload:    in.Payload,
		Priority:   in.Priority,
		Status:     models.TaskPending,
		MaxRetries: in.MaxRetries,
		CreatedAt:  m.now(),
	}
	if err := m.store.EnqueueTask(ctx, task); err != nil {
		return nil, err
	}
	m.publish("task:added", task, nil)
	return task, nil
}

// Cancel cancels a pending task and reports whether it did. Cancelling is
// advisory: a running task keeps executing and reports false, as do terminal
// tasks. An unknown id returns ErrNotFound.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	cancelled, err := m.store.CancelTask(ctx, id, m.now())
	if err != nil {
		return false, err
	}
	if cancelled && m.events != nil {
		m.events.Publish("task:cancelled", map[string]any{"taskId": id})
	}
	return cancelled, nil
}

// Get fetches one task.
func (m *Manager) Get(ctx context.Context, id string) (*models.QueueTask, error) {
	return m.store.GetTask(ctx, id)
}

// List returns tasks, optionally filtered by status.
func (m *Manager) List(ctx context.Context, status models.TaskStatus, limit int) ([]*models.QueueTask, error) {
	return m.store.ListTasks(ctx, status, limit)
}

// Stats summarizes the queue by status.
func (m *Manager) Stats(ctx context.Context) (*models.QueueStats, error) {
	return m.store.QueueStats(ctx)
}

// Cleanup deletes terminal tasks older than the given age.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	return m.store.CleanupTasks(ctx, m.now().Add(-olderThan))
}

// Start recovers stranded tasks and launches the pump. Stop cancels it.
func (m *Manager) Start(ctx context.Context) error {
	reset, err := m.store.ResetRunningTasks(ctx)
	if err != nil {
		return fmt.Errorf("reset running tasks: %w", err)
	}
	if reset > 0 {
		m.logger.Info("recovered stranded tasks", "count", reset)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.pump(pumpCtx)
	return nil
}

// Stop halts the pump and waits for in-flight tasks to finish.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) pump(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.drain(ctx)
		}
	}
}

// drain claims eligible tasks until the concurrency bound is hit or the
// queue is empty.
func (m *Manager) drain(ctx context.Context) {
	types := m.handlerTypes()
	if len(types) == 0 {
		return
	}
	for {
		select {
		case m.slots <- struct{}{}:
		default:
			return
		}

		task, err := m.store.ClaimNextTask(ctx, m.now(), types)
		if err != nil {
			<-m.slots
			if err != store.ErrNotFound && ctx.Err() == nil {
				m.logger.Error("claiming task failed", "error", err)
			}
			return
		}

		m.publish("task:started", task, nil)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer func() { <-m.slots }()
			m.execute(ctx, task)
		}()
	}
}

func (m *Manager) execute(ctx context.Context, task *models.QueueTask) {
	handler := m.handlerFor(task.Type)
	if handler == nil {
		// Handler unregistered between claim and dispatch.
		m.settleFailure(ctx, task, fmt.Errorf("no handler for type %q", task.Type))
		return
	}

	result, err := func() (result any, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("handler panic: %v", p)
			}
		}()
		return handler(ctx, task)
	}()

	if err != nil {
		m.settleFailure(ctx, task, err)
		return
	}

	if err := m.store.CompleteTask(ctx, task.ID, result, m.now()); err != nil {
		m.logger.Error("completing task failed", "taskId", task.ID, "error", err)
		return
	}
	m.publish("task:completed", task, map[string]any{"result": result})
}

func (m *Manager) settleFailure(ctx context.Context, task *models.QueueTask, cause error) {
	if task.RetryCount < task.MaxRetries {
		next := m.now().Add(m.backoff(task.RetryCount))
		if err := m.store.RetryTask(ctx, task.ID, cause.Error(), next); err != nil {
			m.logger.Error("retrying task failed", "taskId", task.ID, "error", err)
			return
		}
		m.publish("task:retry", task, map[string]any{
			"error":      cause.Error(),
			"retryCount": task.RetryCount + 1,
		})
		return
	}

	if err := m.store.FailTask(ctx, task.ID, cause.Error(), m.now()); err != nil {
		m.logger.Error("failing task failed", "taskId", task.ID, "error", err)
		return
	}
	m.publish("task:failed", task, map[string]any{"error": cause.Error()})
}

// backoff is min(retryMax, retryBase * 2^retryCount).
func (m *Manager) backoff(retryCount int) time.Duration {
	d := m.retryBase
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= m.retryMax {
			return m.retryMax
		}
	}
	if d > m.retryMax {
		return m.retryMax
	}
	return d
}

func (m *Manager) publish(name string, task *models.QueueTask, extra map[string]any) {
	if m.events == nil {
		return
	}
	payload := map[string]any{
		"taskId":   task.ID,
		"type":     task.Type,
		"priority": task.Priority,
	}
	for k, v := range extra {
		payload[k] = v
	}
	m.events.Publish(name, payload)
}
