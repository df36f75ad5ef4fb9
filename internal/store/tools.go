package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/kronklabs/kronk/pkg/models"
)

const toolColumns = `id, name, description, schema, handler_ref, enabled, priority,
	metadata, created_at, updated_at`

// SaveTool inserts or updates a tool row, keyed by name. Re-registering an
// existing name keeps the original id and created_at.
func (s *Store) SaveTool(ctx context.Context, t *models.Tool) error {
	metadata, err := marshalJSON(t.Metadata)
	if err != nil {
		return err
	}
	schema := ""
	if len(t.Schema) > 0 {
		schema = string(t.Schema)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tools (id, name, description, schema, handler_ref, enabled, priority,
			metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			schema = excluded.schema,
			handler_ref = excluded.handler_ref,
			enabled = excluded.enabled,
			priority = excluded.priority,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		t.ID, t.Name, t.Description, nullStr(schema), t.HandlerRef,
		boolInt(t.Enabled), t.Priority, metadata,
		fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt))
	return mapSQLError(err)
}

// GetToolByName fetches one tool by its unique name.
func (s *Store) GetToolByName(ctx context.Context, name string) (*models.Tool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE name = ?`, name)
	return scanTool(row)
}

// ListTools returns all tools ordered by priority descending then name.
// Pass enabledOnly to filter disabled rows.
func (s *Store) ListTools(ctx context.Context, enabledOnly bool) ([]*models.Tool, error) {
	q := `SELECT ` + toolColumns + ` FROM tools`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY priority DESC, name ASC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var out []*models.Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetToolEnabled toggles a tool's enabled flag.
func (s *Store) SetToolEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tools SET enabled = ? WHERE name = ?`, boolInt(enabled), name)
	if err != nil {
		return mapSQLError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTool removes a tool row by name.
func (s *Store) DeleteTool(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tools WHERE name = ?`, name)
	if err != nil {
		return mapSQLError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTool(row rowScanner) (*models.Tool, error) {
	var t models.Tool
	var schema, metadata sql.NullString
	var enabled int
	var createdAt, updatedAt string

	err := row.Scan(&t.ID, &t.Name, &t.Description, &schema, &t.HandlerRef,
		&enabled, &t.Priority, &metadata, &createdAt, &updatedAt)
	if err != nil {
		return nil, mapSQLError(err)
	}

	if schema.Valid && schema.String != "" {
		t.Schema = json.RawMessage(schema.String)
	}
	t.Enabled = enabled != 0
	t.Metadata = unmarshalMap(metadata)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
