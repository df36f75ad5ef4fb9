package daemon

import (
	"context"
	"fmt"
	"os"

	"github.com/kronklabs/kronk/internal/config"
	"github.com/kronklabs/kronk/internal/memory"
	"github.com/kronklabs/kronk/internal/store"
	"github.com/kronklabs/kronk/pkg/models"
)

const defaultConstitution = `# Constitution

You are %s, a persistent local agent.

## Principles

- Be concise and direct. Prefer doing over explaining.
- Remember what matters: store durable facts, not transcripts.
- Ask for confirmation before destructive shell commands.
- When a task recurs, build a tool or skill for it.
`

const metaCapabilityNote = "I can extend my own capabilities at runtime: " +
	"create_tool registers new shell, HTTP, or JavaScript tools, and " +
	"create_task defers work to the background queue."

// Init creates the project directory, writes the default constitution and
// config, initializes the database schema, and seeds the core memories.
func Init(ctx context.Context, project *config.Project, cfg *config.Config) error {
	if project.Exists() {
		return fmt.Errorf("project already initialized at %s", project.Dir)
	}
	if err := project.EnsureDirs(); err != nil {
		return err
	}

	if _, err := os.Stat(project.ConstitutionPath()); os.IsNotExist(err) {
		text := fmt.Sprintf(defaultConstitution, cfg.Name)
		if err := os.WriteFile(project.ConstitutionPath(), []byte(text), 0o644); err != nil {
			return fmt.Errorf("write constitution: %w", err)
		}
	}
	if err := config.Save(project, cfg); err != nil {
		return err
	}

	s, err := store.Open(store.Options{
		Path:         project.DatabasePath(),
		VectorSearch: cfg.UseVectorSearch,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	// Seeding runs without an embedder so init never needs a model server.
	mem := memory.NewManager(s)
	high := 1.0
	seeds := []memory.StoreInput{
		{
			Content:    "My constitution:\n" + project.Constitution(),
			Tier:       models.TierSystem2,
			Importance: &high,
			Source:     models.SourceUser,
			Tags:       []string{"constitution"},
		},
		{
			Content:    metaCapabilityNote,
			Tier:       models.TierSystem2,
			Importance: &high,
			Source:     models.SourceInference,
			Tags:       []string{"capabilities"},
		},
	}
	for _, seed := range seeds {
		if _, err := mem.Store(ctx, seed); err != nil {
			return fmt.Errorf("seed memory: %w", err)
		}
	}
	return nil
}

// StatusConfig is the config excerpt reported by status.
type StatusConfig struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Status describes a project and, when the daemon is running, its live
// state.
type Status struct {
	Initialized  bool           `json:"initialized"`
	Running      bool           `json:"running"`
	PID          int            `json:"pid,omitempty"`
	State        string         `json:"state,omitempty"`
	Config       StatusConfig   `json:"config"`
	MemoryCount  map[string]int `json:"memoryCount"`
	JournalCount int            `json:"journalCount"`
	ToolCount    int            `json:"toolCount"`
}

func statusFromStore(ctx context.Context, s *store.Store, cfg *config.Config) (*Status, error) {
	memStats, err := s.MemoryStats(ctx)
	if err != nil {
		return nil, err
	}
	journalCount, err := s.CountJournalEntries(ctx)
	if err != nil {
		return nil, err
	}
	allTools, err := s.ListTools(ctx, false)
	if err != nil {
		return nil, err
	}

	counts := map[string]int{}
	for _, tier := range []models.Tier{models.TierSystem2, models.TierWorking, models.TierSystem1} {
		counts[string(tier)] = memStats[tier].Count
	}
	return &Status{
		Initialized: true,
		Config: StatusConfig{
			Name:     cfg.Name,
			Provider: cfg.Provider,
			Model:    cfg.Model,
		},
		MemoryCount:  counts,
		JournalCount: journalCount,
		ToolCount:    len(allTools),
	}, nil
}

// ProjectStatus inspects an offline project directly through its database.
// The daemon must not be running; the store is opened read-and-closed.
func ProjectStatus(ctx context.Context, project *config.Project, cfg *config.Config) (*Status, error) {
	if !project.Exists() {
		return &Status{Initialized: false, MemoryCount: map[string]int{}}, nil
	}
	s, err := store.Open(store.Options{
		Path:         project.DatabasePath(),
		VectorSearch: cfg.UseVectorSearch,
	})
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return statusFromStore(ctx, s, cfg)
}

// status is the live snapshot served over RPC.
func (d *Daemon) status(ctx context.Context) (*Status, error) {
	st, err := statusFromStore(ctx, d.store, d.cfg)
	if err != nil {
		return nil, err
	}
	st.Running = true
	st.PID = os.Getpid()
	st.State = string(d.agent.Status())
	return st, nil
}
