package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// HandlerRef kinds. A handler reference is one of:
//
//	core:<name>            built-in handler compiled into the daemon
//	runtime:<name>         handler bound by the hosting process at startup
//	dynamic:<kind>:<spec>  handler reconstructable from persisted data
const (
	HandlerCore    = "core"
	HandlerRuntime = "runtime"
	HandlerDynamic = "dynamic"
)

// Dynamic handler kinds persisted in tool metadata.
const (
	DynamicShell      = "shell"
	DynamicHTTP       = "http"
	DynamicJavaScript = "javascript"
)

// Tool is a row in the persistent tool catalog.
type Tool struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	HandlerRef  string          `json:"handlerRef"`
	Enabled     bool            `json:"enabled"`
	Priority    int             `json:"priority"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// IsDynamic reports whether the tool was created at runtime and persists
// enough state to rebuild its handler.
func (t *Tool) IsDynamic() bool {
	v, ok := t.Metadata["dynamicTool"]
	b, isBool := v.(bool)
	return ok && isBool && b
}

// DynamicSpec extracts the persisted handler kind and spec of a dynamic tool.
func (t *Tool) DynamicSpec() (kind, spec string, err error) {
	kind, _ = t.Metadata["handlerType"].(string)
	spec, _ = t.Metadata["handlerSpec"].(string)
	switch kind {
	case DynamicShell, DynamicHTTP, DynamicJavaScript:
	default:
		return "", "", fmt.Errorf("unknown dynamic handler type %q for tool %s", kind, t.Name)
	}
	if spec == "" {
		return "", "", fmt.Errorf("dynamic tool %s has empty handler spec", t.Name)
	}
	return kind, spec, nil
}

// ValidToolName reports whether a name is ASCII, starts with a letter, and
// contains only letters, digits, and underscores.
func ValidToolName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r == '_', r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
