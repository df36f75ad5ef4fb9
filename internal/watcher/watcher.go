// Package watcher monitors path patterns and fires debounced actions.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kronklabs/kronk/internal/bus"
	"github.com/kronklabs/kronk/internal/store"
	"github.com/kronklabs/kronk/pkg/models"
)

// DefaultDebounce applies when a watcher is created without one.
const DefaultDebounce = 500 * time.Millisecond

// Filesystem event names as they appear in templates and payloads.
const (
	EventAdd    = "add"
	EventChange = "change"
	EventUnlink = "unlink"
)

// Actions are the capabilities a firing watcher dispatches to. The manager
// deliberately takes narrow functions instead of whole components.
type Actions struct {
	// Run sends a message through the agent.
	Run func(ctx context.Context, message string) error

	// Remember stores a memory with the given tier, importance, and tags.
	Remember func(ctx context.Context, content, tier string, importance *float64, tags []string) error

	// Enqueue adds a task to the queue.
	Enqueue func(ctx context.Context, taskType string, payload map[string]any, priority int) error
}

type timerKey struct {
	watcherID string
	path      string
}

type activeWatcher struct {
	watcher *models.Watcher
	fs      *fsnotify.Watcher
	cancel  context.CancelFunc
}

// Manager owns the persistent watcher set and their filesystem subscribers.
type Manager struct {
	store   *store.Store
	events  *bus.Bus
	actions Actions
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]*activeWatcher
	timers map[timerKey]*time.Timer

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a watcher manager.
func New(s *store.Store, events *bus.Bus, actions Actions) *Manager {
	return &Manager{
		store:   s,
		events:  events,
		actions: actions,
		logger:  slog.Default().With("component", "watcher"),
		active:  map[string]*activeWatcher{},
		timers:  map[timerKey]*time.Timer{},
	}
}

// CreateInput describes a new watcher.
type CreateInput struct {
	Pattern      string
	Action       models.WatcherAction
	ActionConfig map[string]any
	DebounceMs   int
	Enabled      bool
}

// Create persists a watcher and starts it when enabled.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*models.Watcher, error) {
	if strings.TrimSpace(in.Pattern) == "" {
		return nil, fmt.Errorf("pattern is required")
	}
	if !models.ValidWatcherAction(in.Action) {
		return nil, fmt.Errorf("unknown action %q", in.Action)
	}
	if _, err := filepath.Match(in.Pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", in.Pattern, err)
	}
	if in.DebounceMs <= 0 {
		in.DebounceMs = int(DefaultDebounce / time.Millisecond)
	}

	now := time.Now().UTC()
	w := &models.Watcher{
		ID:           models.NewID(),
		Pattern:      in.Pattern,
		Action:       in.Action,
		ActionConfig: in.ActionConfig,
		Enabled:      in.Enabled,
		DebounceMs:   in.DebounceMs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.SaveWatcher(ctx, w); err != nil {
		return nil, err
	}
	if w.Enabled && m.baseCtx != nil {
		if err := m.startOne(w); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// List returns all persisted watchers.
func (m *Manager) List(ctx context.Context) ([]*models.Watcher, error) {
	return m.store.ListWatchers(ctx, false)
}

// Delete stops and removes a watcher.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.stopOne(id)
	return m.store.DeleteWatcher(ctx, id)
}

// SetEnabled toggles a watcher, starting or stopping its subscriber.
func (m *Manager) SetEnabled(ctx context.Context, id string, enabled bool) error {
	w, err := m.store.GetWatcher(ctx, id)
	if err != nil {
		return err
	}
	w.Enabled = enabled
	w.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveWatcher(ctx, w); err != nil {
		return err
	}

	if enabled {
		if m.baseCtx == nil {
			return nil
		}
		return m.startOne(w)
	}
	m.stopOne(id)
	return nil
}

// Start restores every enabled watcher from the store.
func (m *Manager) Start(ctx context.Context) error {
	m.baseCtx, m.cancel = context.WithCancel(context.Background())

	watchers, err := m.store.ListWatchers(ctx, true)
	if err != nil {
		return err
	}
	for _, w := range watchers {
		if err := m.startOne(w); err != nil {
			m.logger.Warn("starting watcher failed", "watcherId", w.ID, "pattern", w.Pattern, "error", err)
		}
	}
	return nil
}

// Stop halts all subscribers and pending debounce timers.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	for id := range m.active {
		m.closeLocked(id)
	}
	for key, timer := range m.timers {
		timer.Stop()
		delete(m.timers, key)
	}
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Manager) startOne(w *models.Watcher) error {
	m.mu.Lock()
	if _, ok := m.active[w.ID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	// Watch the pattern's directory; the glob filters individual events.
	dir := filepath.Dir(w.Pattern)
	if err := fs.Add(dir); err != nil {
		fs.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	aw := &activeWatcher{watcher: w, fs: fs, cancel: cancel}

	m.mu.Lock()
	m.active[w.ID] = aw
	m.mu.Unlock()

	m.wg.Add(1)
	go m.watchLoop(ctx, aw)
	return nil
}

func (m *Manager) stopOne(id string) {
	m.mu.Lock()
	m.closeLocked(id)
	m.mu.Unlock()
}

func (m *Manager) closeLocked(id string) {
	aw, ok := m.active[id]
	if !ok {
		return
	}
	aw.cancel()
	aw.fs.Close()
	delete(m.active, id)
	for key, timer := range m.timers {
		if key.watcherID == id {
			timer.Stop()
			delete(m.timers, key)
		}
	}
}

func (m *Manager) watchLoop(ctx context.Context, aw *activeWatcher) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-aw.fs.Events:
			if !ok {
				return
			}
			kind := eventKind(event.Op)
			if kind == "" {
				continue
			}
			if matched, _ := filepath.Match(aw.watcher.Pattern, event.Name); !matched {
				continue
			}
			m.bounce(ctx, aw.watcher, event.Name, kind)
		case err, ok := <-aw.fs.Errors:
			if !ok {
				return
			}
			m.logger.Warn("watcher error", "watcherId", aw.watcher.ID, "error", err)
		}
	}
}

func eventKind(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return EventAdd
	case op&fsnotify.Write != 0:
		return EventChange
	case op&(fsnotify.Remove|fsnotify.Rename) != 0:
		return EventUnlink
	}
	return ""
}

// bounce restarts the debounce timer for (watcher, path). The action fires
// once the key stays quiet for the full window.
func (m *Manager) bounce(ctx context.Context, w *models.Watcher, path, kind string) {
	key := timerKey{watcherID: w.ID, path: path}
	window := time.Duration(w.DebounceMs) * time.Millisecond

	m.mu.Lock()
	defer m.mu.Unlock()

	if timer, ok := m.timers[key]; ok {
		timer.Reset(window)
		return
	}
	m.timers[key] = time.AfterFunc(window, func() {
		m.mu.Lock()
		delete(m.timers, key)
		m.mu.Unlock()
		m.fire(ctx, w, path, kind)
	})
}

func (m *Manager) fire(ctx context.Context, w *models.Watcher, path, kind string) {
	if ctx.Err() != nil {
		return
	}
	if m.events != nil {
		m.events.Publish("watcher:triggered", map[string]any{
			"watcherId": w.ID,
			"path":      path,
			"event":     kind,
			"action":    string(w.Action),
		})
	}

	var err error
	switch w.Action {
	case models.WatcherRun:
		err = m.fireRun(ctx, w, path, kind)
	case models.WatcherMemory:
		err = m.fireMemory(ctx, w, path, kind)
	case models.WatcherQueue:
		err = m.fireQueue(ctx, w, path, kind)
	}
	if err != nil {
		m.logger.Warn("watcher action failed", "watcherId", w.ID, "action", string(w.Action), "error", err)
	}
}

func (m *Manager) fireRun(ctx context.Context, w *models.Watcher, path, kind string) error {
	if m.actions.Run == nil {
		return fmt.Errorf("run action not wired")
	}
	message, _ := w.ActionConfig["message"].(string)
	if message == "" {
		message = "File {event}: {path}"
	}
	return m.actions.Run(ctx, substitute(message, path, kind))
}

func (m *Manager) fireMemory(ctx context.Context, w *models.Watcher, path, kind string) error {
	if m.actions.Remember == nil {
		return fmt.Errorf("memory action not wired")
	}
	content, _ := w.ActionConfig["content"].(string)
	if content == "" {
		content = "File {event}: {path}"
	}
	tier, _ := w.ActionConfig["tier"].(string)

	var importance *float64
	if v, ok := w.ActionConfig["importance"].(float64); ok {
		importance = &v
	}
	var tags []string
	if raw, ok := w.ActionConfig["tags"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				tags = append(tags, s)
			}
		}
	}
	return m.actions.Remember(ctx, substitute(content, path, kind), tier, importance, tags)
}

func (m *Manager) fireQueue(ctx context.Context, w *models.Watcher, path, kind string) error {
	if m.actions.Enqueue == nil {
		return fmt.Errorf("queue action not wired")
	}
	taskType, _ := w.ActionConfig["taskType"].(string)
	if taskType == "" {
		return fmt.Errorf("queue watcher %s has no taskType", w.ID)
	}
	priority := 0
	if v, ok := w.ActionConfig["priority"].(float64); ok {
		priority = int(v)
	}
	return m.actions.Enqueue(ctx, taskType, map[string]any{
		"path":      path,
		"event":     kind,
		"watcherId": w.ID,
	}, priority)
}

// substitute renders {path}, {event}, and {basename} placeholders.
func substitute(template, path, kind string) string {
	out := strings.ReplaceAll(template, "{path}", path)
	out = strings.ReplaceAll(out, "{event}", kind)
	return strings.ReplaceAll(out, "{basename}", filepath.Base(path))
}
