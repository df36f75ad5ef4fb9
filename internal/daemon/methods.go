package daemon

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kronklabs/kronk/internal/ipc"
	"github.com/kronklabs/kronk/internal/memory"
	"github.com/kronklabs/kronk/internal/queue"
	"github.com/kronklabs/kronk/internal/watcher"
	"github.com/kronklabs/kronk/pkg/models"
)

// registerMethods binds the daemon's JSON-RPC surface. Built-in methods
// (ping, subscribe, unsubscribe, shutdown) live in the ipc server itself.
func (d *Daemon) registerMethods() {
	methods := map[string]ipc.Method{
		"agent.run":      d.agentRun,
		"agent.status":   d.agentStatus,
		"agent.remember": d.agentRemember,
		"agent.recall":   d.agentRecall,
		"agent.reflect":  d.agentReflect,
		"agent.decay":    d.agentDecay,

		"memory.list":  d.memoryList,
		"memory.stats": d.memoryStats,

		"journal.recent": d.journalRecent,
		"journal.search": d.journalSearch,

		"queue.add":    d.queueAdd,
		"queue.list":   d.queueList,
		"queue.cancel": d.queueCancel,
		"queue.stats":  d.queueStats,

		"scheduler.tasks": d.schedulerTasks,
		"scheduler.run":   d.schedulerRun,

		"tools.list":    d.toolsList,
		"tools.enable":  d.toolsEnable,
		"tools.disable": d.toolsDisable,

		"watcher.create": d.watcherCreate,
		"watcher.list":   d.watcherList,
		"watcher.delete": d.watcherDelete,
		"watcher.enable": d.watcherEnable,

		"confirm.resolve": d.confirmResolve,
	}
	for name, m := range methods {
		d.server.Register(name, m)
	}
}

func (d *Daemon) agentRun(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		Message string `json:"message"`
	}
	if err := ipc.DecodeParams(params, &in); err != nil {
		return nil, err
	}
	if in.Message == "" {
		return nil, fmt.Errorf("%w: message is required", ipc.ErrInvalidParams)
	}
	return d.agent.Run(ctx, in.Message)
}

func (d *Daemon) agentStatus(ctx context.Context, _ json.RawMessage) (any, error) {
	return d.status(ctx)
}

func (d *Daemon) agentRemember(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		Content    string   `json:"content"`
		Tier       string   `json:"tier"`
		Importance *float64 `json:"importance"`
		Tags       []string `json:"tags"`
	}
	if err := ipc.DecodeParams(params, &in); err != nil {
		return nil, err
	}
	if in.Content == "" {
		return nil, fmt.Errorf("%w: content is required", ipc.ErrInvalidParams)
	}
	return d.memory.Store(ctx, memory.StoreInput{
		Content:    in.Content,
		Tier:       models.Tier(in.Tier),
		Importance: in.Importance,
		Source:     models.SourceUser,
		Tags:       in.Tags,
	})
}

func (d *Daemon) agentRecall(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		Query         string  `json:"query"`
		Limit         int     `json:"limit"`
		Tier          string  `json:"tier"`
		MinSimilarity float64 `json:"minSimilarity"`
	}
	if err := ipc.DecodeParams(params, &in); err != nil {
		return nil, err
	}
	if in.Query == "" {
		return nil, fmt.Errorf("%w: query is required", ipc.ErrInvalidParams)
	}
	return d.memory.Search(ctx, in.Query, memory.SearchOptions{
		Limit:         in.Limit,
		Tier:          models.Tier(in.Tier),
		MinSimilarity: in.MinSimilarity,
	})
}

func (d *Daemon) agentReflect(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		Window int `json:"window"`
	}
	if err := ipc.DecodeParams(params, &in); err != nil {
		return nil, err
	}
	return d.journal.Reflect(ctx, d.memory, d.summarizer, in.Window)
}

func (d *Daemon) agentDecay(ctx context.Context, _ json.RawMessage) (any, error) {
	decayed, err := d.memory.ApplyDecay(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"decayed": decayed}, nil
}

func (d *Daemon) memoryList(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		Tier  string `json:"tier"`
		Limit int    `json:"limit"`
	}
	if err := ipc.DecodeParams(params, &in); err != nil {
		return nil, err
	}
	if in.Tier != "" && !models.ValidTier(models.Tier(in.Tier)) {
		return nil, fmt.Errorf("%w: unknown tier %q", ipc.ErrInvalidParams, in.Tier)
	}
	memories, err := d.store.ListMemories(ctx, models.Tier(in.Tier), in.Limit)
	if err != nil {
		return nil, err
	}
	if memories == nil {
		memories = []*models.Memory{}
	}
	return memories, nil
}

func (d *Daemon) memoryStats(ctx context.Context, _ json.RawMessage) (any, error) {
	return d.memory.GetStats(ctx)
}

func (d *Daemon) journalRecent(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		N int `json:"n"`
	}
	if err := ipc.DecodeParams(params, &in); err != nil {
		return nil, err
	}
	entries, err := d.journal.GetRecent(ctx, in.N)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*models.JournalEntry{}
	}
	return entries, nil
}

func (d *Daemon) journalSearch(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := ipc.DecodeParams(params, &in); err != nil {
		return nil, err
	}
	if in.Query == "" {
		return nil, fmt.Errorf("%w: query is required", ipc.ErrInvalidParams)
	}
	return d.journal.Search(ctx, in.Query, in.Limit)
}

func (d *Daemon) queueAdd(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		Type       string         `json:"type"`
		Payload    map[string]any `json:"payload"`
		Priority   int            `json:"priority"`
		MaxRetries *int           `json:"maxRetries"`
	}
	if err := ipc.DecodeParams(params, &in); err != nil {
		return nil, err
	}
	if in.Type == "" {
		return nil, fmt.Errorf("%w: type is required", ipc.ErrInvalidParams)
	}
	maxRetries := d.cfg.Queue.DefaultRetries
	if in.MaxRetries != nil {
		maxRetries = *in.MaxRetries
	}
	return d.queue.Add(ctx, queue.AddInput{
		Type:       in.Type,
		Payload:    in.Payload,
		Priority:   in.Priority,
		MaxRetries: maxRetries,
	})
}

func (d *Daemon) queueList(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		Status string `json:"status"`
		Limit  int    `json:"limit"`
	}
	if err := ipc.DecodeParams(params, &in); err != nil {
		return nil, err
	}
	tasks, err := d.queue.List(ctx, models.TaskStatus(in.Status), in.Limit)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []*models.QueueTask{}
	}
	return tasks, nil
}

func (d *Daemon) queueCancel(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		TaskID string `json:"taskId"`
	}
	if err := ipc.DecodeParams(params, &in); err != nil {
		return nil, err
	}
	if in.TaskID == "" {
		return nil, fmt.Errorf("%w: taskId is required", ipc.ErrInvalidParams)
	}
	cancelled, err := d.queue.Cancel(ctx, in.TaskID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"cancelled": cancelled}, nil
}

func (d *Daemon) queueStats(ctx context.Context, _ json.RawMessage) (any, error) {
	return d.queue.Stats(ctx)
}

func (d *Daemon) schedulerTasks(_ context.Context, _ json.RawMessage) (any, error) {
	return d.scheduler.List(), nil
}

func (d *Daemon) schedulerRun(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		TaskID string `json:"taskId"`
	}
	if err := ipc.DecodeParams(params, &in); err != nil {
		return nil, err
	}
	if in.TaskID == "" {
		return nil, fmt.Errorf("%w: taskId is required", ipc.ErrInvalidParams)
	}
	if err := d.scheduler.RunTask(ctx, in.TaskID); err != nil {
		return nil, err
	}
	return map[string]any{"ran": in.TaskID}, nil
}

func (d *Daemon) toolsList(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		EnabledOnly bool `json:"enabledOnly"`
	}
	if err := ipc.DecodeParams(params, &in); err != nil {
		return nil, err
	}
	var (
		list []*models.Tool
		err  error
	)
	if in.EnabledOnly {
		list, err = d.registry.ListEnabled(ctx)
	} else {
		list, err = d.registry.ListAll(ctx)
	}
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*models.Tool{}
	}
	return list, nil
}

func (d *Daemon) toolsEnable(ctx context.Context, params json.RawMessage) (any, error) {
	return d.setToolEnabled(ctx, params, true)
}

func (d *Daemon) toolsDisable(ctx context.Context, params json.RawMessage) (any, error) {
	return d.setToolEnabled(ctx, params, false)
}

func (d *Daemon) setToolEnabled(ctx context.Context, params json.RawMessage, enabled bool) (any, error) {
	var in struct {
		Name string `json:"name"`
	}
	if err := ipc.DecodeParams(params, &in); err != nil {
		return nil, err
	}
	if in.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ipc.ErrInvalidParams)
	}
	var err error
	if enabled {
		err = d.registry.Enable(ctx, in.Name)
	} else {
		err = d.registry.Disable(ctx, in.Name)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"name": in.Name, "enabled": enabled}, nil
}

func (d *Daemon) watcherCreate(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		Pattern      string         `json:"pattern"`
		Action       string         `json:"action"`
		ActionConfig map[string]any `json:"actionConfig"`
		DebounceMs   int            `json:"debounceMs"`
		Enabled      *bool          `json:"enabled"`
	}
	if err := ipc.DecodeParams(params, &in); err != nil {
		return nil, err
	}
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	w, err := d.watchers.Create(ctx, watcher.CreateInput{
		Pattern:      in.Pattern,
		Action:       models.WatcherAction(in.Action),
		ActionConfig: in.ActionConfig,
		DebounceMs:   in.DebounceMs,
		Enabled:      enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ipc.ErrInvalidParams, err)
	}
	return w, nil
}

func (d *Daemon) watcherList(ctx context.Context, _ json.RawMessage) (any, error) {
	watchers, err := d.watchers.List(ctx)
	if err != nil {
		return nil, err
	}
	if watchers == nil {
		watchers = []*models.Watcher{}
	}
	return watchers, nil
}

func (d *Daemon) watcherDelete(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		WatcherID string `json:"watcherId"`
	}
	if err := ipc.DecodeParams(params, &in); err != nil {
		return nil, err
	}
	if in.WatcherID == "" {
		return nil, fmt.Errorf("%w: watcherId is required", ipc.ErrInvalidParams)
	}
	if err := d.watchers.Delete(ctx, in.WatcherID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true}, nil
}

func (d *Daemon) watcherEnable(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		WatcherID string `json:"watcherId"`
		Enabled   bool   `json:"enabled"`
	}
	if err := ipc.DecodeParams(params, &in); err != nil {
		return nil, err
	}
	if in.WatcherID == "" {
		return nil, fmt.Errorf("%w: watcherId is required", ipc.ErrInvalidParams)
	}
	if err := d.watchers.SetEnabled(ctx, in.WatcherID, in.Enabled); err != nil {
		return nil, err
	}
	return map[string]any{"enabled": in.Enabled}, nil
}

func (d *Daemon) confirmResolve(_ context.Context, params json.RawMessage) (any, error) {
	var in struct {
		ConfirmID string `json:"confirmId"`
		Approved  bool   `json:"approved"`
	}
	if err := ipc.DecodeParams(params, &in); err != nil {
		return nil, err
	}
	if in.ConfirmID == "" {
		return nil, fmt.Errorf("%w: confirmId is required", ipc.ErrInvalidParams)
	}
	return map[string]any{"resolved": d.confirmer.Resolve(in.ConfirmID, in.Approved)}, nil
}
