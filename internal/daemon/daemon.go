// Package daemon wires the runtime components together and supervises
// their lifecycle: pidfile, socket, signals, and shutdown ordering.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kronklabs/kronk/internal/agent"
	"github.com/kronklabs/kronk/internal/agent/providers"
	"github.com/kronklabs/kronk/internal/bus"
	"github.com/kronklabs/kronk/internal/config"
	"github.com/kronklabs/kronk/internal/ipc"
	"github.com/kronklabs/kronk/internal/journal"
	"github.com/kronklabs/kronk/internal/memory"
	"github.com/kronklabs/kronk/internal/memory/embeddings"
	embedollama "github.com/kronklabs/kronk/internal/memory/embeddings/ollama"
	embedopenai "github.com/kronklabs/kronk/internal/memory/embeddings/openai"
	"github.com/kronklabs/kronk/internal/queue"
	"github.com/kronklabs/kronk/internal/scheduler"
	"github.com/kronklabs/kronk/internal/store"
	"github.com/kronklabs/kronk/internal/tools"
	"github.com/kronklabs/kronk/internal/tools/builtin"
	"github.com/kronklabs/kronk/internal/watcher"
	"github.com/kronklabs/kronk/pkg/models"
)

// Daemon owns every long-lived component and coordinates startup and
// shutdown.
type Daemon struct {
	project *config.Project
	cfg     *config.Config
	logger  *slog.Logger

	store      *store.Store
	events     *bus.Bus
	confirmer  *bus.Confirmer
	memory     *memory.Manager
	journal    *journal.Journal
	registry   *tools.Registry
	provider   agent.Provider
	agent      *agent.Agent
	queue      *queue.Manager
	scheduler  *scheduler.Scheduler
	watchers   *watcher.Manager
	server     *ipc.Server
	summarizer memory.Summarizer

	stopCh    chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
}

// New builds a daemon for an initialized project. Nothing starts running
// until Start.
func New(project *config.Project, cfg *config.Config) (*Daemon, error) {
	if !project.Exists() {
		return nil, fmt.Errorf("project not initialized at %s (run init first)", project.Dir)
	}

	var embedder embeddings.Provider
	if cfg.UseVectorSearch {
		embedder = newEmbedder(cfg)
	}

	storeOpts := store.Options{
		Path:         project.DatabasePath(),
		VectorSearch: cfg.UseVectorSearch,
	}
	if embedder != nil {
		storeOpts.Dimension = embedder.Dimension()
	}
	s, err := store.Open(storeOpts)
	if err != nil {
		return nil, err
	}

	provider, err := providers.FromConfig(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	d := &Daemon{
		project:  project,
		cfg:      cfg,
		logger:   slog.Default().With("component", "daemon"),
		store:    s,
		events:   bus.New(),
		provider: provider,
		stopCh:   make(chan struct{}),
	}
	d.confirmer = bus.NewConfirmer(d.events)
	d.summarizer = newSummarizer(provider)

	memOpts := []memory.Option{
		memory.WithEvents(d.events),
		memory.WithSummarizer(d.summarizer),
		memory.WithTierBudgets(map[models.Tier]int{
			models.TierSystem2: cfg.MemoryLimits.System2,
			models.TierWorking: cfg.MemoryLimits.Working,
			models.TierSystem1: cfg.MemoryLimits.System1,
		}),
	}
	jrnlOpts := []journal.Option{journal.WithEvents(d.events)}
	if embedder != nil {
		memOpts = append(memOpts, memory.WithEmbedder(embedder))
		jrnlOpts = append(jrnlOpts, journal.WithEmbedder(embedder))
	}
	d.memory = memory.NewManager(s, memOpts...)
	d.journal = journal.New(s, jrnlOpts...)

	d.registry = tools.NewRegistry(s)
	d.agent = agent.New(provider, d.registry, d.memory, d.journal, s, d.events, project.Constitution)
	d.queue = queue.New(s, d.events, queue.WithMaxConcurrent(cfg.Queue.MaxConcurrent))
	d.scheduler = scheduler.New(d.events)
	d.watchers = watcher.New(s, d.events, watcher.Actions{
		Run: func(ctx context.Context, message string) error {
			_, err := d.agent.Run(ctx, message)
			return err
		},
		Remember: func(ctx context.Context, content, tier string, importance *float64, tags []string) error {
			_, err := d.memory.Store(ctx, memory.StoreInput{
				Content:    content,
				Tier:       models.Tier(tier),
				Importance: importance,
				Tags:       tags,
			})
			return err
		},
		Enqueue: func(ctx context.Context, taskType string, payload map[string]any, priority int) error {
			_, err := d.queue.Add(ctx, queue.AddInput{
				Type:       taskType,
				Payload:    payload,
				Priority:   priority,
				MaxRetries: cfg.Queue.DefaultRetries,
			})
			return err
		},
	})

	d.server = ipc.NewServer(project.SocketPath(cfg), d.events, ipc.WithShutdown(d.TriggerShutdown))
	d.registerMethods()
	return d, nil
}

func newEmbedder(cfg *config.Config) embeddings.Provider {
	if cfg.Provider == config.ProviderOpenAI {
		return embedopenai.New(cfg.APIKey, "", cfg.EmbeddingModel)
	}
	host := cfg.APIBaseURL
	if cfg.Provider != config.ProviderOllama {
		// Anthropic has no embeddings endpoint; fall back to local Ollama.
		host = ""
	}
	return embedollama.New(host, embedollama.WithModel(cfg.EmbeddingModel))
}

func newSummarizer(p agent.Provider) memory.Summarizer {
	return func(ctx context.Context, text string) (string, error) {
		completion, err := agent.Collect(ctx, p, agent.CompletionRequest{
			Messages: []models.Message{
				{
					Role:      models.RoleSystem,
					Content:   "Condense the following into a short summary. Keep concrete facts, decisions, and open items.",
					Timestamp: time.Now().UTC(),
				},
				{Role: models.RoleUser, Content: text, Timestamp: time.Now().UTC()},
			},
		})
		if err != nil {
			return "", err
		}
		summary := strings.TrimSpace(completion.Content)
		if summary == "" {
			return "", fmt.Errorf("summarizer returned empty text")
		}
		return summary, nil
	}
}

// Start registers tools and maintenance tasks, writes the pidfile, and
// launches every worker.
func (d *Daemon) Start(ctx context.Context) error {
	deps := &builtin.Deps{
		Registry:  d.registry,
		Journal:   d.journal,
		Confirmer: d.confirmer,
		Enqueue: func(ctx context.Context, taskType string, payload map[string]any, priority, maxRetries int) (*models.QueueTask, error) {
			return d.queue.Add(ctx, queue.AddInput{
				Type:       taskType,
				Payload:    payload,
				Priority:   priority,
				MaxRetries: maxRetries,
			})
		},
		SkillsDir: d.project.SkillsDir(),
		WorkDir:   d.project.Base,
	}
	if err := builtin.RegisterAll(ctx, deps); err != nil {
		return err
	}
	if err := builtin.RebindDynamicTools(ctx, deps); err != nil {
		return err
	}

	d.queue.RegisterHandler("agent.run", func(ctx context.Context, task *models.QueueTask) (any, error) {
		message, _ := task.Payload["message"].(string)
		if message == "" {
			return nil, fmt.Errorf("agent.run task %s has no message", task.ID)
		}
		result, err := d.agent.Run(ctx, message)
		if err != nil {
			return nil, err
		}
		if !result.Success {
			return nil, fmt.Errorf("%s", result.Error)
		}
		return result.Response, nil
	})

	if err := d.registerMaintenance(); err != nil {
		return err
	}

	if err := d.writePidFile(); err != nil {
		return err
	}
	if err := d.queue.Start(ctx); err != nil {
		return err
	}
	d.scheduler.Start()
	if err := d.watchers.Start(ctx); err != nil {
		return err
	}
	if err := d.server.Start(); err != nil {
		return err
	}

	d.logger.Info("daemon started",
		"socket", d.project.SocketPath(d.cfg),
		"provider", d.cfg.Provider,
		"model", d.cfg.Model)
	return nil
}

func (d *Daemon) registerMaintenance() error {
	tasks := []struct {
		id         string
		expression string
		handler    scheduler.TaskFunc
	}{
		{scheduler.TaskMemoryDecay, d.cfg.Scheduler.MemoryDecay, func(ctx context.Context) error {
			_, err := d.memory.ApplyDecay(ctx)
			return err
		}},
		{scheduler.TaskMemoryCleanup, d.cfg.Scheduler.MemoryCleanup, func(ctx context.Context) error {
			_, err := d.memory.Cleanup(ctx)
			return err
		}},
		{scheduler.TaskMemoryConsolidation, d.cfg.Scheduler.Consolidation, func(ctx context.Context) error {
			for _, tier := range []models.Tier{models.TierSystem1, models.TierWorking} {
				if _, err := d.memory.Consolidate(ctx, tier, d.summarizer); err != nil {
					return err
				}
			}
			return nil
		}},
	}
	for _, t := range tasks {
		if err := d.scheduler.Register(t.id, t.expression, t.handler); err != nil {
			return fmt.Errorf("register %s: %w", t.id, err)
		}
	}
	return nil
}

// Run starts the daemon and blocks until a signal or a shutdown request,
// then stops everything.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		d.Stop()
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	select {
	case sig := <-signals:
		d.logger.Info("received signal", "signal", sig.String())
	case <-d.stopCh:
		d.logger.Info("shutdown requested")
	case <-ctx.Done():
	}

	d.Stop()
	return nil
}

// TriggerShutdown asks a running daemon to stop. Safe to call more than once.
func (d *Daemon) TriggerShutdown() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Stop halts every worker, removes the socket and pidfile, and closes the
// store last. Safe to call more than once.
func (d *Daemon) Stop() {
	d.closeOnce.Do(func() {
		d.watchers.Stop()
		d.scheduler.Stop()
		d.queue.Stop()
		d.server.Stop()
		os.Remove(d.project.PidPath(d.cfg))
		if err := d.store.Close(); err != nil {
			d.logger.Warn("closing store failed", "error", err)
		}
		d.logger.Info("daemon stopped")
	})
}

func (d *Daemon) writePidFile() error {
	path := d.project.PidPath(d.cfg)
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(path, []byte(pid+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	return nil
}

// ReadPid returns the pid recorded for the project's daemon, or 0 when no
// pidfile exists.
func ReadPid(project *config.Project, cfg *config.Config) int {
	data, err := os.ReadFile(project.PidPath(cfg))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
