// Package tools holds the persistent tool catalog, the process-local
// handler table, and invocation dispatch.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kronklabs/kronk/internal/store"
	"github.com/kronklabs/kronk/pkg/models"
)

// Handler executes a tool invocation.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Result is what Invoke returns. The registry never propagates handler
// errors as Go errors; failures are encoded here.
type Result struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RegisterInput describes a tool to register.
type RegisterInput struct {
	Name        string
	Description string
	Schema      json.RawMessage
	HandlerRef  string
	Priority    int
	Metadata    map[string]any
	Handler     Handler
}

// Registry is the tool catalog facade.
type Registry struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
	schemas  map[string]*jsonschema.Schema
}

// NewRegistry returns a registry over the given store.
func NewRegistry(s *store.Store) *Registry {
	return &Registry{
		store:    s,
		logger:   slog.Default().With("component", "tools"),
		now:      func() time.Time { return time.Now().UTC() },
		handlers: make(map[string]Handler),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Register validates the name, upserts the catalog row, and binds the
// handler if one is given. Re-registering an existing name updates the row
// in place.
func (r *Registry) Register(ctx context.Context, input RegisterInput) (*models.Tool, error) {
	if !models.ValidToolName(input.Name) {
		return nil, fmt.Errorf("invalid tool name %q: must start with a letter and contain only letters, digits, and underscores", input.Name)
	}

	var compiled *jsonschema.Schema
	if len(input.Schema) > 0 {
		var err error
		compiled, err = compileSchema(input.Name, input.Schema)
		if err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", input.Name, err)
		}
	}

	now := r.now().Truncate(time.Second)
	tool := &models.Tool{
		ID:          models.NewID(),
		Name:        input.Name,
		Description: input.Description,
		Schema:      input.Schema,
		HandlerRef:  input.HandlerRef,
		Enabled:     true,
		Priority:    input.Priority,
		Metadata:    input.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.SaveTool(ctx, tool); err != nil {
		return nil, err
	}
	// The upsert keeps the original id on re-register.
	saved, err := r.store.GetToolByName(ctx, input.Name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if input.Handler != nil {
		r.handlers[input.Name] = input.Handler
	}
	if compiled != nil {
		r.schemas[input.Name] = compiled
	} else {
		delete(r.schemas, input.Name)
	}
	r.mu.Unlock()

	return saved, nil
}

// RegisterHandler binds a handler for an already-registered tool in this
// process only.
func (r *Registry) RegisterHandler(name string, fn Handler) {
	r.mu.Lock()
	r.handlers[name] = fn
	r.mu.Unlock()
}

// Invoke resolves and calls the named tool. It never returns a Go error;
// all failures are reported in the Result.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) Result {
	tool, err := r.store.GetToolByName(ctx, name)
	if err == store.ErrNotFound {
		return Result{Success: false, Error: fmt.Sprintf("unknown tool: %s", name)}
	}
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	if !tool.Enabled {
		return Result{Success: false, Error: fmt.Sprintf("tool is disabled: %s", name)}
	}

	r.mu.RLock()
	handler := r.handlers[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if handler == nil {
		return Result{Success: false, Error: fmt.Sprintf("no handler bound for tool: %s", name)}
	}
	if schema == nil && len(tool.Schema) > 0 {
		schema, err = compileSchema(name, tool.Schema)
		if err != nil {
			return Result{Success: false, Error: fmt.Sprintf("tool %s schema: %v", name, err)}
		}
		r.mu.Lock()
		r.schemas[name] = schema
		r.mu.Unlock()
	}
	if schema != nil {
		if err := schema.Validate(normalizeArgs(args)); err != nil {
			return Result{Success: false, Error: fmt.Sprintf("invalid arguments: %v", err)}
		}
	}

	result, err := callHandler(ctx, handler, args)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	return Result{Success: true, Result: result}
}

func callHandler(ctx context.Context, handler Handler, args map[string]any) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool handler panic: %v", p)
		}
	}()
	return handler(ctx, args)
}

// normalizeArgs round-trips args through JSON so schema validation sees the
// same value shapes a decoded request would have.
func normalizeArgs(args map[string]any) any {
	if args == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return args
	}
	return v
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + "/schema.json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// ListEnabled returns enabled tools, priority first.
func (r *Registry) ListEnabled(ctx context.Context) ([]*models.Tool, error) {
	return r.store.ListTools(ctx, true)
}

// ListAll returns every tool.
func (r *Registry) ListAll(ctx context.Context) ([]*models.Tool, error) {
	return r.store.ListTools(ctx, false)
}

// Get fetches one tool by name, returning nil when absent.
func (r *Registry) Get(ctx context.Context, name string) (*models.Tool, error) {
	tool, err := r.store.GetToolByName(ctx, name)
	if err == store.ErrNotFound {
		return nil, nil
	}
	return tool, err
}

// SearchOptions narrows Search.
type SearchOptions struct {
	Category        string
	IncludeDisabled bool
}

// Search matches tools by substring over name and description.
func (r *Registry) Search(ctx context.Context, query string, opts SearchOptions) ([]*models.Tool, error) {
	all, err := r.store.ListTools(ctx, !opts.IncludeDisabled)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var out []*models.Tool
	for _, tool := range all {
		if opts.Category != "" && toolCategory(tool) != opts.Category {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(tool.Name), q) &&
			!strings.Contains(strings.ToLower(tool.Description), q) {
			continue
		}
		out = append(out, tool)
	}
	return out, nil
}

// ListByCategory returns enabled tools of one metadata category.
func (r *Registry) ListByCategory(ctx context.Context, category string) ([]*models.Tool, error) {
	return r.Search(ctx, "", SearchOptions{Category: category})
}

func toolCategory(t *models.Tool) string {
	c, _ := t.Metadata["category"].(string)
	return c
}

// Enable turns a tool on.
func (r *Registry) Enable(ctx context.Context, name string) error {
	return r.store.SetToolEnabled(ctx, name, true)
}

// Disable turns a tool off. Its handler binding is kept.
func (r *Registry) Disable(ctx context.Context, name string) error {
	return r.store.SetToolEnabled(ctx, name, false)
}

// Delete removes a tool and its process-local bindings.
func (r *Registry) Delete(ctx context.Context, name string) error {
	if err := r.store.DeleteTool(ctx, name); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.handlers, name)
	delete(r.schemas, name)
	r.mu.Unlock()
	return nil
}

// GenerateToolPrompt renders the enabled catalog for the system prompt.
func (r *Registry) GenerateToolPrompt(ctx context.Context) (string, error) {
	enabled, err := r.ListEnabled(ctx)
	if err != nil {
		return "", err
	}
	if len(enabled) == 0 {
		return "No tools are available.", nil
	}

	sort.SliceStable(enabled, func(i, j int) bool {
		if enabled[i].Priority != enabled[j].Priority {
			return enabled[i].Priority > enabled[j].Priority
		}
		return enabled[i].Name < enabled[j].Name
	})

	var sb strings.Builder
	sb.WriteString("Available tools:\n")
	for _, tool := range enabled {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", tool.Name, tool.Description))
		if len(tool.Schema) > 0 {
			sb.WriteString(fmt.Sprintf("  parameters: %s\n", compactJSON(tool.Schema)))
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
