package store

import (
	"context"
	"database/sql"

	"github.com/kronklabs/kronk/pkg/models"
)

const watcherColumns = `id, pattern, action, action_config, enabled, debounce_ms,
	created_at, updated_at`

// SaveWatcher inserts or replaces a watcher row.
func (s *Store) SaveWatcher(ctx context.Context, w *models.Watcher) error {
	actionConfig, err := marshalJSON(w.ActionConfig)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO watchers
			(id, pattern, action, action_config, enabled, debounce_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Pattern, string(w.Action), actionConfig, boolInt(w.Enabled),
		w.DebounceMs, fmtTime(w.CreatedAt), fmtTime(w.UpdatedAt))
	return mapSQLError(err)
}

// GetWatcher fetches one watcher by id.
func (s *Store) GetWatcher(ctx context.Context, id string) (*models.Watcher, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+watcherColumns+` FROM watchers WHERE id = ?`, id)
	return scanWatcher(row)
}

// ListWatchers returns all watchers, oldest first. Pass enabledOnly to skip
// disabled rows.
func (s *Store) ListWatchers(ctx context.Context, enabledOnly bool) ([]*models.Watcher, error) {
	q := `SELECT ` + watcherColumns + ` FROM watchers`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var out []*models.Watcher
	for rows.Next() {
		w, err := scanWatcher(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWatcher removes a watcher row.
func (s *Store) DeleteWatcher(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM watchers WHERE id = ?`, id)
	if err != nil {
		return mapSQLError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanWatcher(row rowScanner) (*models.Watcher, error) {
	var w models.Watcher
	var action, createdAt, updatedAt string
	var actionConfig sql.NullString
	var enabled int

	err := row.Scan(&w.ID, &w.Pattern, &action, &actionConfig, &enabled,
		&w.DebounceMs, &createdAt, &updatedAt)
	if err != nil {
		return nil, mapSQLError(err)
	}

	w.Action = models.WatcherAction(action)
	w.ActionConfig = unmarshalMap(actionConfig)
	w.Enabled = enabled != 0
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return &w, nil
}
