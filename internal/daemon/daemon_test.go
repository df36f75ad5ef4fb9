package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kronklabs/kronk/internal/config"
	"github.com/kronklabs/kronk/internal/ipc"
	"github.com/kronklabs/kronk/pkg/models"
)

func testConfig(name string) *config.Config {
	cfg := config.Default()
	cfg.Name = name
	cfg.Provider = config.ProviderOllama
	cfg.Model = "llama3.1"
	cfg.APIBaseURL = "http://localhost:11434"
	cfg.UseVectorSearch = false
	cfg.Queue.MaxConcurrent = 2
	cfg.Scheduler.MemoryDecay = "0 * * * *"
	cfg.Scheduler.MemoryCleanup = "0 * * * *"
	cfg.Scheduler.Consolidation = "0 0 * * *"
	return cfg
}

func initProject(t *testing.T, name string) (*config.Project, *config.Config) {
	t.Helper()
	project := config.ProjectAt(t.TempDir())
	cfg := testConfig(name)
	// Keep the socket path short; some systems cap it around 100 bytes.
	cfg.Daemon.SocketPath = filepath.Join(os.TempDir(), "krnk-"+models.NewID()[:8]+".sock")
	require.NoError(t, Init(context.Background(), project, cfg))
	return project, cfg
}

func TestInitSeedsProject(t *testing.T) {
	project, cfg := initProject(t, "alpha")

	assert.True(t, project.Exists())
	assert.FileExists(t, project.ConstitutionPath())
	assert.FileExists(t, project.ConfigPath())

	st, err := ProjectStatus(context.Background(), project, cfg)
	require.NoError(t, err)

	assert.True(t, st.Initialized)
	assert.False(t, st.Running)
	assert.Equal(t, "alpha", st.Config.Name)
	assert.Equal(t, map[string]int{"system2": 2, "working": 0, "system1": 0}, st.MemoryCount)
	assert.Equal(t, 0, st.JournalCount)
	assert.Equal(t, 0, st.ToolCount)
}

func TestInitTwiceFails(t *testing.T) {
	project, cfg := initProject(t, "alpha")
	err := Init(context.Background(), project, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already initialized")
}

func TestStatusBeforeInit(t *testing.T) {
	project := config.ProjectAt(t.TempDir())
	st, err := ProjectStatus(context.Background(), project, config.Default())
	require.NoError(t, err)
	assert.False(t, st.Initialized)
}

func TestNewRequiresInit(t *testing.T) {
	project := config.ProjectAt(t.TempDir())
	_, err := New(project, config.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not initialized")
}

func startDaemon(t *testing.T, project *config.Project, cfg *config.Config) *Daemon {
	t.Helper()
	d, err := New(project, cfg)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)
	t.Cleanup(func() { os.Remove(cfg.Daemon.SocketPath) })
	return d
}

func TestDaemonServesStatus(t *testing.T) {
	project, cfg := initProject(t, "beta")
	startDaemon(t, project, cfg)

	c, err := ipc.Dial(cfg.Daemon.SocketPath)
	require.NoError(t, err)
	defer c.Close()

	var st Status
	require.NoError(t, c.Call(context.Background(), "agent.status", nil, &st))

	assert.True(t, st.Initialized)
	assert.True(t, st.Running)
	assert.Equal(t, os.Getpid(), st.PID)
	assert.Equal(t, "idle", st.State)
	assert.Equal(t, "beta", st.Config.Name)
	assert.Equal(t, 2, st.MemoryCount["system2"])
	// Built-in tools register at startup.
	assert.GreaterOrEqual(t, st.ToolCount, 7)
}

func TestDaemonWritesAndRemovesPidfile(t *testing.T) {
	project, cfg := initProject(t, "gamma")
	d := startDaemon(t, project, cfg)

	assert.Equal(t, os.Getpid(), ReadPid(project, cfg))
	d.Stop()

	assert.Equal(t, 0, ReadPid(project, cfg))
	_, err := os.Stat(cfg.Daemon.SocketPath)
	assert.True(t, os.IsNotExist(err))
}

func TestMemoryAndQueueMethods(t *testing.T) {
	project, cfg := initProject(t, "delta")
	startDaemon(t, project, cfg)

	c, err := ipc.Dial(cfg.Daemon.SocketPath)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	var mem models.Memory
	require.NoError(t, c.Call(ctx, "agent.remember", map[string]any{
		"content": "prefers dark roast coffee",
		"tier":    "working",
		"tags":    []string{"preference"},
	}, &mem))
	assert.Equal(t, models.TierWorking, mem.Tier)
	assert.NotEmpty(t, mem.ID)

	var results []*models.MemorySearchResult
	require.NoError(t, c.Call(ctx, "agent.recall", map[string]any{"query": "dark roast"}, &results))
	require.NotEmpty(t, results)
	assert.Equal(t, mem.ID, results[0].Memory.ID)

	var listed []*models.Memory
	require.NoError(t, c.Call(ctx, "memory.list", map[string]any{"tier": "working"}, &listed))
	require.Len(t, listed, 1)

	var task models.QueueTask
	require.NoError(t, c.Call(ctx, "queue.add", map[string]any{
		"type":     "reindex",
		"payload":  map[string]any{"path": "/tmp/x"},
		"priority": 5,
	}, &task))
	assert.Equal(t, models.TaskPending, task.Status)

	var stats models.QueueStats
	require.NoError(t, c.Call(ctx, "queue.stats", nil, &stats))
	assert.Equal(t, 1, stats.Pending)

	var cancelled map[string]any
	require.NoError(t, c.Call(ctx, "queue.cancel", map[string]any{"taskId": task.ID}, &cancelled))
	assert.Equal(t, true, cancelled["cancelled"])
}

func TestSchedulerMethods(t *testing.T) {
	project, cfg := initProject(t, "epsilon")
	startDaemon(t, project, cfg)

	c, err := ipc.Dial(cfg.Daemon.SocketPath)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	var tasks []map[string]any
	require.NoError(t, c.Call(ctx, "scheduler.tasks", nil, &tasks))
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task["id"].(string))
	}
	assert.ElementsMatch(t, []string{"memory-cleanup", "memory-consolidation", "memory-decay"}, ids)

	// Cleanup needs no LLM, so manual execution succeeds offline.
	var ran map[string]any
	require.NoError(t, c.Call(ctx, "scheduler.run", map[string]any{"taskId": "memory-cleanup"}, &ran))
	assert.Equal(t, "memory-cleanup", ran["ran"])
}

func TestMethodValidation(t *testing.T) {
	project, cfg := initProject(t, "zeta")
	startDaemon(t, project, cfg)

	c, err := ipc.Dial(cfg.Daemon.SocketPath)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	var rpcErr *ipc.RPCError
	for method, params := range map[string]map[string]any{
		"agent.run":      {},
		"agent.remember": {},
		"agent.recall":   {},
		"memory.list":    {"tier": "bogus"},
		"journal.search": {},
		"queue.add":      {},
		"queue.cancel":   {},
		"watcher.create": {"pattern": "", "action": "run"},
	} {
		err := c.Call(ctx, method, params, nil)
		require.ErrorAs(t, err, &rpcErr, "method %s", method)
		assert.Equal(t, ipc.CodeInvalidParams, rpcErr.Code, "method %s", method)
	}
}

func TestShutdownMethodStopsDaemon(t *testing.T) {
	project, cfg := initProject(t, "eta")
	d := startDaemon(t, project, cfg)

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-d.stopCh
	}()

	c, err := ipc.Dial(cfg.Daemon.SocketPath)
	require.NoError(t, err)
	defer c.Close()

	var out map[string]any
	require.NoError(t, c.Call(context.Background(), "shutdown", nil, &out))
	assert.Equal(t, true, out["stopping"])

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown was not signalled")
	}
}

func TestDynamicToolSurvivesRestart(t *testing.T) {
	project, cfg := initProject(t, "theta")

	d := startDaemon(t, project, cfg)
	res := d.registry.Invoke(context.Background(), "create_tool", map[string]any{
		"name":        "add_numbers",
		"description": "Add two numbers.",
		"handlerType": "javascript",
		"handlerSpec": "return { sum: params.a + params.b };",
		"schema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			"required": []string{"a", "b"},
		},
	})
	require.True(t, res.Success, "create_tool failed: %s", res.Error)
	d.Stop()

	restarted, err := New(project, cfg)
	require.NoError(t, err)
	require.NoError(t, restarted.Start(context.Background()))
	defer restarted.Stop()

	res = restarted.registry.Invoke(context.Background(), "add_numbers", map[string]any{"a": 5.0, "b": 3.0})
	require.True(t, res.Success, "add_numbers failed: %s", res.Error)
	out, ok := res.Result.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 8, out["sum"])
}
