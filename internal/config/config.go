// Package config loads the per-project configuration and resolves the
// on-disk project layout.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

// Provider names accepted by the "provider" config key.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// MemoryLimits overrides per-tier token budgets.
type MemoryLimits struct {
	System2 int `json:"system2,omitempty"`
	Working int `json:"working,omitempty"`
	System1 int `json:"system1,omitempty"`
}

// DaemonConfig overrides daemon file locations.
type DaemonConfig struct {
	SocketPath string `json:"socketPath,omitempty"`
	PidFile    string `json:"pidFile,omitempty"`
}

// SchedulerConfig overrides the cron expressions for maintenance tasks.
type SchedulerConfig struct {
	MemoryDecay   string `json:"memoryDecay,omitempty"`
	MemoryCleanup string `json:"memoryCleanup,omitempty"`
	Consolidation string `json:"consolidation,omitempty"`
}

// QueueConfig overrides task queue behavior.
type QueueConfig struct {
	MaxConcurrent  int `json:"maxConcurrent,omitempty"`
	DefaultRetries int `json:"defaultRetries,omitempty"`
}

// Config is the parsed config.json. Unknown keys are ignored.
type Config struct {
	Name            string          `json:"name"`
	Provider        string          `json:"provider"`
	Model           string          `json:"model"`
	APIBaseURL      string          `json:"apiBaseUrl"`
	EmbeddingModel  string          `json:"embeddingModel"`
	UseVectorSearch bool            `json:"useVectorSearch"`
	Debug           bool            `json:"debug"`
	MemoryLimits    MemoryLimits    `json:"memoryLimits"`
	Daemon          DaemonConfig    `json:"daemon"`
	Scheduler       SchedulerConfig `json:"scheduler"`
	Queue           QueueConfig     `json:"queue"`

	// Resolved at load time, never serialized.
	APIKey string `json:"-"`
}

// Default returns a config with daemon defaults applied.
func Default() *Config {
	return &Config{
		Name:     "kronk",
		Provider: ProviderOllama,
	}
}

// Load reads config.json from the project directory, applies environment
// overrides, and fills defaults. A missing file yields the default config.
func Load(project *Project) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(project.ConfigPath())
	switch {
	case err == nil:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", project.ConfigPath(), err)
		}
	case os.IsNotExist(err):
		// First run: defaults only.
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the config back to config.json as plain JSON.
func Save(project *Project, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(project.ConfigPath(), append(data, '\n'), 0o644)
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("LLM_PROVIDER")); v != "" {
		c.Provider = v
	}
	if v := strings.TrimSpace(os.Getenv("OLLAMA_MODEL")); v != "" && c.Provider == ProviderOllama {
		c.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("OLLAMA_HOST")); v != "" && c.Provider == ProviderOllama {
		c.APIBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("OLLAMA_EMBED_MODEL")); v != "" {
		c.EmbeddingModel = v
	}
	switch c.Provider {
	case ProviderOpenAI:
		c.APIKey = os.Getenv("OPENAI_API_KEY")
	case ProviderAnthropic:
		c.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "kronk"
	}
	if c.Provider == "" {
		c.Provider = ProviderOllama
	}
	if c.Model == "" {
		switch c.Provider {
		case ProviderOpenAI:
			c.Model = "gpt-4o"
		case ProviderAnthropic:
			c.Model = "claude-sonnet-4-20250514"
		default:
			c.Model = "llama3.1"
		}
	}
	if c.APIBaseURL == "" && c.Provider == ProviderOllama {
		c.APIBaseURL = "http://localhost:11434"
	}
	if c.EmbeddingModel == "" {
		switch c.Provider {
		case ProviderOpenAI:
			c.EmbeddingModel = "text-embedding-3-small"
		default:
			c.EmbeddingModel = "nomic-embed-text"
		}
	}
	if c.Queue.MaxConcurrent <= 0 {
		c.Queue.MaxConcurrent = 3
	}
	if c.Queue.DefaultRetries < 0 {
		c.Queue.DefaultRetries = 0
	}
	if c.Scheduler.MemoryDecay == "" {
		c.Scheduler.MemoryDecay = "0 * * * *"
	}
	if c.Scheduler.MemoryCleanup == "" {
		c.Scheduler.MemoryCleanup = "0 * * * *"
	}
	if c.Scheduler.Consolidation == "" {
		c.Scheduler.Consolidation = "0 0 * * *"
	}
}

// Project describes the on-disk layout of a kronk project: a dot-directory
// under the chosen base containing the database, socket, pidfile, config,
// constitution, and skills.
type Project struct {
	// Base is the directory the project dot-dir lives under.
	Base string
	// Dir is the project directory itself (Base/.kronk).
	Dir string
}

// ResolveProject locates the project directory. KRONK_PATH overrides the
// base; otherwise the current working directory is used.
func ResolveProject() (*Project, error) {
	base := strings.TrimSpace(os.Getenv("KRONK_PATH"))
	if base == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		base = wd
	}
	return ProjectAt(base), nil
}

// ProjectAt returns the project layout rooted at the given base directory.
func ProjectAt(base string) *Project {
	return &Project{
		Base: base,
		Dir:  filepath.Join(base, ".kronk"),
	}
}

// Exists reports whether the project directory has been initialized.
func (p *Project) Exists() bool {
	info, err := os.Stat(p.Dir)
	return err == nil && info.IsDir()
}

// EnsureDirs creates the project directory tree.
func (p *Project) EnsureDirs() error {
	for _, dir := range []string{p.Dir, p.SkillsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func (p *Project) DatabasePath() string     { return filepath.Join(p.Dir, "kronk.db") }
func (p *Project) ConfigPath() string       { return filepath.Join(p.Dir, "config.json") }
func (p *Project) ConstitutionPath() string { return filepath.Join(p.Dir, "constitution.md") }
func (p *Project) SkillsDir() string        { return filepath.Join(p.Dir, "skills") }
func (p *Project) LogPath() string          { return filepath.Join(p.Dir, "kronk.log") }

// SocketPath honors the daemon.socketPath override.
func (p *Project) SocketPath(cfg *Config) string {
	if cfg != nil && cfg.Daemon.SocketPath != "" {
		return cfg.Daemon.SocketPath
	}
	return filepath.Join(p.Dir, "kronk.sock")
}

// PidPath honors the daemon.pidFile override.
func (p *Project) PidPath(cfg *Config) string {
	if cfg != nil && cfg.Daemon.PidFile != "" {
		return cfg.Daemon.PidFile
	}
	return filepath.Join(p.Dir, "kronk.pid")
}

// Constitution loads constitution.md, returning the documented placeholder
// when the file is missing.
func (p *Project) Constitution() string {
	data, err := os.ReadFile(p.ConstitutionPath())
	if err != nil {
		return "No constitution found."
	}
	return string(data)
}
