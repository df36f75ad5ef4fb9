package models

import "time"

// WatcherAction is what a watcher does when its debounce window closes.
type WatcherAction string

const (
	WatcherRun    WatcherAction = "run"
	WatcherMemory WatcherAction = "memory"
	WatcherQueue  WatcherAction = "queue"
)

// ValidWatcherAction reports whether a is a known action.
func ValidWatcherAction(a WatcherAction) bool {
	switch a {
	case WatcherRun, WatcherMemory, WatcherQueue:
		return true
	}
	return false
}

// Watcher is a persistent path-pattern monitor.
type Watcher struct {
	ID           string         `json:"id"`
	Pattern      string         `json:"pattern"`
	Action       WatcherAction  `json:"action"`
	ActionConfig map[string]any `json:"actionConfig,omitempty"`
	Enabled      bool           `json:"enabled"`
	DebounceMs   int            `json:"debounceMs"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}
