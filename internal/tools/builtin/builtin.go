// Package builtin provides the daemon's built-in tool handlers and the
// rebuild path for persisted dynamic tools.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kronklabs/kronk/internal/bus"
	"github.com/kronklabs/kronk/internal/journal"
	"github.com/kronklabs/kronk/internal/skills"
	"github.com/kronklabs/kronk/internal/tools"
	"github.com/kronklabs/kronk/pkg/models"
)

// Enqueuer inserts a task into the queue. Wired to the queue manager so
// events fire consistently.
type Enqueuer func(ctx context.Context, taskType string, payload map[string]any, priority, maxRetries int) (*models.QueueTask, error)

// Deps carries what the built-in handlers need.
type Deps struct {
	Registry  *tools.Registry
	Journal   *journal.Journal
	Confirmer *bus.Confirmer
	Enqueue   Enqueuer
	SkillsDir string
	WorkDir   string
	Logger    *slog.Logger
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default().With("component", "tools")
}

// RegisterAll registers the built-in tools and binds their handlers.
func RegisterAll(ctx context.Context, d *Deps) error {
	specs := []tools.RegisterInput{
		{
			Name:        "shell",
			Description: "Run a shell command. Requires interactive user confirmation.",
			Schema: schema(`{
				"type": "object",
				"properties": {
					"command": {"type": "string"},
					"cwd": {"type": "string"},
					"timeout": {"type": "number"}
				},
				"required": ["command"]
			}`),
			HandlerRef: "core:shell",
			Priority:   10,
			Handler:    d.shellHandler,
		},
		{
			Name:        "create_tool",
			Description: "Create a new dynamic tool backed by a shell command, an HTTP template, or a JavaScript function body.",
			Schema: schema(`{
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"description": {"type": "string"},
					"schema": {"type": "object"},
					"handlerType": {"type": "string", "enum": ["shell", "http", "javascript"]},
					"handlerSpec": {"type": "string"},
					"priority": {"type": "integer"}
				},
				"required": ["name", "handlerType", "handlerSpec"]
			}`),
			HandlerRef: "core:create_tool",
			Handler:    d.createToolHandler,
		},
		{
			Name:        "create_task",
			Description: "Add a task to the background queue.",
			Schema: schema(`{
				"type": "object",
				"properties": {
					"type": {"type": "string"},
					"payload": {"type": "object"},
					"priority": {"type": "integer"},
					"maxRetries": {"type": "integer"}
				},
				"required": ["type"]
			}`),
			HandlerRef: "core:create_task",
			Handler:    d.createTaskHandler,
		},
		{
			Name:        "discover_tools",
			Description: "List the currently enabled tools.",
			HandlerRef:  "core:discover_tools",
			Handler:     d.discoverToolsHandler,
		},
		{
			Name:        "discover_skills",
			Description: "List the available skill documents.",
			HandlerRef:  "core:discover_skills",
			Handler:     d.discoverSkillsHandler,
		},
		{
			Name:        "read_skill",
			Description: "Read one skill document by name.",
			Schema: schema(`{
				"type": "object",
				"properties": {"name": {"type": "string"}},
				"required": ["name"]
			}`),
			HandlerRef: "core:read_skill",
			Handler:    d.readSkillHandler,
		},
		{
			Name:        "journal",
			Description: "Append a typed entry to the agent journal.",
			Schema: schema(`{
				"type": "object",
				"properties": {
					"entryType": {"type": "string", "enum": ["thought", "action", "observation", "reflection", "decision", "error", "milestone"]},
					"content": {"type": "string"}
				},
				"required": ["entryType", "content"]
			}`),
			HandlerRef: "core:journal",
			Handler:    d.journalHandler,
		},
	}

	for _, spec := range specs {
		if _, err := d.Registry.Register(ctx, spec); err != nil {
			return fmt.Errorf("register builtin %s: %w", spec.Name, err)
		}
	}
	return nil
}

func schema(s string) json.RawMessage { return json.RawMessage(s) }

// BuildDynamicHandler constructs a handler from persisted dynamic-tool
// provenance.
func BuildDynamicHandler(d *Deps, name, kind, spec string) (tools.Handler, error) {
	switch kind {
	case models.DynamicShell:
		return shellSpecHandler(d, spec), nil
	case models.DynamicHTTP:
		return httpSpecHandler(spec)
	case models.DynamicJavaScript:
		return scriptSpecHandler(name, spec)
	default:
		return nil, fmt.Errorf("unknown dynamic handler type %q", kind)
	}
}

// RebindDynamicTools rebuilds handlers for every persisted dynamic tool at
// startup. Individual rebuild failures are logged and skipped.
func RebindDynamicTools(ctx context.Context, d *Deps) error {
	all, err := d.Registry.ListAll(ctx)
	if err != nil {
		return err
	}
	for _, tool := range all {
		if !tool.IsDynamic() {
			continue
		}
		kind, spec, err := tool.DynamicSpec()
		if err != nil {
			d.logger().Warn("skipping dynamic tool", "tool", tool.Name, "error", err)
			continue
		}
		handler, err := BuildDynamicHandler(d, tool.Name, kind, spec)
		if err != nil {
			d.logger().Warn("rebinding dynamic tool failed", "tool", tool.Name, "error", err)
			continue
		}
		d.Registry.RegisterHandler(tool.Name, handler)
	}
	return nil
}

func (d *Deps) createToolHandler(ctx context.Context, args map[string]any) (any, error) {
	name, _ := args["name"].(string)
	kind, _ := args["handlerType"].(string)
	spec, _ := args["handlerSpec"].(string)
	description, _ := args["description"].(string)

	handler, err := BuildDynamicHandler(d, name, kind, spec)
	if err != nil {
		return nil, err
	}

	var schemaRaw json.RawMessage
	if s, ok := args["schema"]; ok && s != nil {
		data, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("encode tool schema: %w", err)
		}
		schemaRaw = data
	}

	priority := 0
	if p, ok := args["priority"]; ok {
		priority = int(toFloat(p))
	}

	tool, err := d.Registry.Register(ctx, tools.RegisterInput{
		Name:        name,
		Description: description,
		Schema:      schemaRaw,
		HandlerRef:  fmt.Sprintf("dynamic:%s:%s", kind, name),
		Priority:    priority,
		Metadata: map[string]any{
			"dynamicTool": true,
			"handlerType": kind,
			"handlerSpec": spec,
		},
		Handler: handler,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"toolId": tool.ID, "name": tool.Name}, nil
}

func (d *Deps) createTaskHandler(ctx context.Context, args map[string]any) (any, error) {
	if d.Enqueue == nil {
		return nil, fmt.Errorf("queue is not available")
	}
	taskType, _ := args["type"].(string)
	payload, _ := args["payload"].(map[string]any)
	priority := int(toFloat(args["priority"]))
	maxRetries := int(toFloat(args["maxRetries"]))

	task, err := d.Enqueue(ctx, taskType, payload, priority, maxRetries)
	if err != nil {
		return nil, err
	}
	return map[string]any{"taskId": task.ID, "status": string(task.Status)}, nil
}

func (d *Deps) discoverToolsHandler(ctx context.Context, _ map[string]any) (any, error) {
	enabled, err := d.Registry.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(enabled))
	for _, tool := range enabled {
		out = append(out, map[string]any{
			"name":        tool.Name,
			"description": tool.Description,
		})
	}
	return out, nil
}

func (d *Deps) discoverSkillsHandler(_ context.Context, _ map[string]any) (any, error) {
	found, err := skills.Discover(d.SkillsDir)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(found))
	for _, s := range found {
		out = append(out, map[string]any{
			"name":        s.Name,
			"description": s.Description,
		})
	}
	return out, nil
}

func (d *Deps) readSkillHandler(_ context.Context, args map[string]any) (any, error) {
	name, _ := args["name"].(string)
	skill, err := skills.Read(d.SkillsDir, name)
	if err != nil {
		return nil, err
	}
	if skill == nil {
		return nil, fmt.Errorf("skill not found: %s", name)
	}
	return map[string]any{
		"name":        skill.Name,
		"description": skill.Description,
		"content":     skill.Content,
	}, nil
}

func (d *Deps) journalHandler(ctx context.Context, args map[string]any) (any, error) {
	if d.Journal == nil {
		return nil, fmt.Errorf("journal is not available")
	}
	entryType, _ := args["entryType"].(string)
	content, _ := args["content"].(string)
	entry, err := d.Journal.Log(ctx, models.EntryType(entryType), content, nil)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entryId": entry.ID}, nil
}
