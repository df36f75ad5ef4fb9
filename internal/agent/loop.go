// Package agent drives the reason/act loop: context assembly, LLM
// completion, tool dispatch, and run lifecycle.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/kronklabs/kronk/internal/bus"
	"github.com/kronklabs/kronk/internal/journal"
	"github.com/kronklabs/kronk/internal/memory"
	"github.com/kronklabs/kronk/internal/store"
	"github.com/kronklabs/kronk/internal/tools"
	"github.com/kronklabs/kronk/pkg/models"
)

// DefaultMaxIterations bounds one run's reason/act cycles.
const DefaultMaxIterations = 10

// State is the loop's externally visible phase.
type State string

const (
	StateIdle      State = "idle"
	StateThinking  State = "thinking"
	StateActing    State = "acting"
	StateObserving State = "observing"
)

// RunResult is the outcome of one agent run.
type RunResult struct {
	Success    bool   `json:"success"`
	Response   string `json:"response,omitempty"`
	Error      string `json:"error,omitempty"`
	Iterations int    `json:"iterations"`
	SessionID  string `json:"sessionId,omitempty"`
}

// Agent owns the conversation buffer and executes runs serially.
type Agent struct {
	provider      Provider
	registry      *tools.Registry
	memory        *memory.Manager
	journal       *journal.Journal
	store         *store.Store
	events        *bus.Bus
	constitution  func() string
	maxIterations int
	logger        *slog.Logger
	now           func() time.Time

	mu      sync.Mutex
	state   State
	running bool
}

// Option configures an Agent.
type Option func(*Agent)

// WithMaxIterations overrides the iteration bound.
func WithMaxIterations(k int) Option {
	return func(a *Agent) {
		if k > 0 {
			a.maxIterations = k
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// New wires an agent.
func New(provider Provider, registry *tools.Registry, mem *memory.Manager, jrnl *journal.Journal, s *store.Store, events *bus.Bus, constitution func() string, opts ...Option) *Agent {
	a := &Agent{
		provider:      provider,
		registry:      registry,
		memory:        mem,
		journal:       jrnl,
		store:         s,
		events:        events,
		constitution:  constitution,
		maxIterations: DefaultMaxIterations,
		logger:        slog.Default().With("component", "agent"),
		now:           func() time.Time { return time.Now().UTC() },
		state:         StateIdle,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Status returns the current loop state.
func (a *Agent) Status() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
	if a.events != nil {
		a.events.Publish("agent:state", map[string]any{"state": string(s)})
	}
}

// Run executes the reason/act loop for one user message. Only one run may
// be active at a time.
func (a *Agent) Run(ctx context.Context, message string) (*RunResult, error) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil, fmt.Errorf("a run is already in progress")
	}
	a.running = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	result := a.run(ctx, message)

	status := models.SessionCompleted
	if !result.Success {
		status = models.SessionFailed
	}
	if err := a.journal.EndSession(ctx, status); err != nil {
		a.logger.Warn("ending session failed", "error", err)
	}

	a.setState(StateIdle)
	if a.events != nil {
		a.events.Publish("run:complete", map[string]any{
			"success":    result.Success,
			"response":   result.Response,
			"error":      result.Error,
			"iterations": result.Iterations,
			"sessionId":  result.SessionID,
		})
	}
	return result, nil
}

func (a *Agent) run(ctx context.Context, message string) (result *RunResult) {
	result = &RunResult{}
	defer func() {
		if p := recover(); p != nil {
			result.Success = false
			result.Error = fmt.Sprintf("agent panic: %v", p)
		}
	}()

	if a.journal.CurrentSessionID() == "" {
		goal := truncateGoal(message, 200)
		if _, err := a.journal.StartSession(ctx, goal); err != nil {
			result.Error = fmt.Sprintf("start session: %v", err)
			return result
		}
	}
	result.SessionID = a.journal.CurrentSessionID()

	systemPrompt, err := a.buildSystemPrompt(ctx)
	if err != nil {
		result.Error = fmt.Sprintf("build system prompt: %v", err)
		return result
	}
	enabled, err := a.registry.ListEnabled(ctx)
	if err != nil {
		result.Error = fmt.Sprintf("list tools: %v", err)
		return result
	}

	log := []models.Message{
		{Role: models.RoleSystem, Content: systemPrompt, Timestamp: a.now()},
		{Role: models.RoleUser, Content: message, Timestamp: a.now()},
	}
	defer func() {
		if result.SessionID != "" {
			if err := a.store.SaveSessionMessageLog(ctx, result.SessionID, log); err != nil {
				a.logger.Warn("persisting message log failed", "error", err)
			}
		}
	}()

	for i := 1; i <= a.maxIterations; i++ {
		result.Iterations = i
		a.setState(StateThinking)

		completion, err := a.complete(ctx, CompletionRequest{Messages: log, Tools: enabled})
		if err != nil {
			result.Error = fmt.Sprintf("llm completion: %v", err)
			a.journalError(ctx, result.Error)
			return result
		}

		if len(completion.ToolCalls) > 0 {
			a.setState(StateActing)
			calls := a.ensureCallIDs(completion.ToolCalls)
			log = append(log, models.Message{
				Role:      models.RoleAssistant,
				Content:   completion.Content,
				ToolCalls: calls,
				Timestamp: a.now(),
			})
			for _, call := range calls {
				log = append(log, a.invokeTool(ctx, call))
			}
			continue
		}

		a.setState(StateObserving)
		if _, err := a.memory.Store(ctx, memory.StoreInput{
			Content: "User: " + message + "\nAssistant: " + completion.Content,
			Tier:    models.TierSystem1,
			Source:  models.SourceAgent,
			Tags:    []string{"conversation"},
		}); err != nil {
			a.logger.Warn("storing conversation memory failed", "error", err)
		}
		if err := a.memory.Autosummarize(ctx, models.TierSystem1); err != nil {
			a.logger.Warn("autosummarize failed", "error", err)
		}

		log = append(log, models.Message{
			Role:      models.RoleAssistant,
			Content:   completion.Content,
			Timestamp: a.now(),
		})
		result.Success = true
		result.Response = completion.Content
		return result
	}

	result.Error = fmt.Sprintf("Reached maximum iterations (%d)", a.maxIterations)
	a.journalError(ctx, result.Error)
	return result
}

func (a *Agent) complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	chunks, err := a.provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	completion, err := aggregate(ctx, chunks, func(delta, accumulated string) {
		if a.events != nil {
			a.events.Publish("thinking:chunk", map[string]any{
				"delta":       delta,
				"accumulated": accumulated,
			})
		}
	})
	if err != nil {
		return nil, err
	}
	if a.events != nil {
		a.events.Publish("thinking:complete", map[string]any{
			"fullText":   completion.Content,
			"tokensUsed": completion.TokensUsed,
		})
	}
	return completion, nil
}

// ensureCallIDs synthesizes stable ids for providers that do not supply
// them, so tool results thread correctly in the next request.
func (a *Agent) ensureCallIDs(calls []models.ToolCall) []models.ToolCall {
	out := make([]models.ToolCall, len(calls))
	copy(out, calls)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = fmt.Sprintf("tool_call_%d_%d", a.now().UnixMilli(), i)
		}
	}
	return out
}

func (a *Agent) invokeTool(ctx context.Context, call models.ToolCall) models.Message {
	var args map[string]any
	if len(call.Args) > 0 {
		if err := json.Unmarshal(call.Args, &args); err != nil {
			args = nil
		}
	}

	if a.events != nil {
		a.events.Publish("tool:invoke:start", map[string]any{
			"tool": call.Name, "callId": call.ID,
		})
	}
	started := a.now()
	res := a.registry.Invoke(ctx, call.Name, args)
	duration := a.now().Sub(started).Milliseconds()
	if a.events != nil {
		a.events.Publish("tool:invoke:end", map[string]any{
			"tool": call.Name, "callId": call.ID,
			"success": res.Success, "durationMs": duration,
		})
	}

	if _, err := a.journal.Action(ctx, fmt.Sprintf("invoked tool %s", call.Name), &journal.EntryInput{
		ToolID:     call.Name,
		Input:      args,
		DurationMs: duration,
	}); err != nil {
		a.logger.Warn("journaling tool action failed", "error", err)
	}

	var content []byte
	if res.Success {
		content, _ = json.Marshal(res.Result)
	} else {
		content, _ = json.Marshal(map[string]any{"error": res.Error})
	}
	return models.Message{
		Role:       models.RoleTool,
		ToolCallID: call.ID,
		Content:    string(content),
		Timestamp:  a.now(),
	}
}

func (a *Agent) journalError(ctx context.Context, msg string) {
	if _, err := a.journal.Error(ctx, msg); err != nil {
		a.logger.Warn("journaling error failed", "error", err)
	}
}

// truncateGoal caps the session goal at max bytes without splitting a rune.
func truncateGoal(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func (a *Agent) buildSystemPrompt(ctx context.Context) (string, error) {
	window, err := a.memory.BuildContextWindow(ctx)
	if err != nil {
		return "", err
	}
	toolPrompt, err := a.registry.GenerateToolPrompt(ctx)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if a.constitution != nil {
		sb.WriteString(a.constitution())
		sb.WriteString("\n\n")
	}
	if rendered := a.memory.FormatContextForPrompt(window); rendered != "" {
		sb.WriteString("# Memory\n")
		sb.WriteString(rendered)
		sb.WriteString("\n\n")
	}
	sb.WriteString(toolPrompt)
	return strings.TrimRight(sb.String(), "\n"), nil
}
