package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kronklabs/kronk/pkg/models"
)

// SaveSession inserts or replaces a session row, preserving any stored
// message log.
func (s *Store) SaveSession(ctx context.Context, sess *models.Session) error {
	contextJSON, err := marshalJSON(sess.Context)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, status, goal, context, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			goal = excluded.goal,
			context = excluded.context,
			ended_at = excluded.ended_at`,
		sess.ID, nullStr(sess.Name), string(sess.Status), sess.Goal, contextJSON,
		fmtTime(sess.StartedAt), fmtTimePtr(sess.EndedAt))
	return mapSQLError(err)
}

// GetSession fetches one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, goal, context, started_at, ended_at
		FROM sessions WHERE id = ?`, id)

	var sess models.Session
	var name, contextJSON, endedAt sql.NullString
	var status, startedAt string
	err := row.Scan(&sess.ID, &name, &status, &sess.Goal, &contextJSON, &startedAt, &endedAt)
	if err != nil {
		return nil, mapSQLError(err)
	}
	sess.Name = name.String
	sess.Status = models.SessionStatus(status)
	sess.Context = unmarshalMap(contextJSON)
	sess.StartedAt = parseTime(startedAt)
	sess.EndedAt = parseTimePtr(endedAt)
	return &sess, nil
}

// ListSessions returns sessions newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, goal, context, started_at, ended_at
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var sess models.Session
		var name, contextJSON, endedAt sql.NullString
		var status, startedAt string
		if err := rows.Scan(&sess.ID, &name, &status, &sess.Goal, &contextJSON, &startedAt, &endedAt); err != nil {
			return nil, err
		}
		sess.Name = name.String
		sess.Status = models.SessionStatus(status)
		sess.Context = unmarshalMap(contextJSON)
		sess.StartedAt = parseTime(startedAt)
		sess.EndedAt = parseTimePtr(endedAt)
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// SaveSessionMessageLog persists a run's full conversation buffer.
func (s *Store) SaveSessionMessageLog(ctx context.Context, sessionID string, messages []models.Message) error {
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode message log: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET message_log = ? WHERE id = ?`, string(data), sessionID)
	if err != nil {
		return mapSQLError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSessionMessageLog loads a run's stored conversation buffer. A session
// with no stored log yields an empty slice.
func (s *Store) GetSessionMessageLog(ctx context.Context, sessionID string) ([]models.Message, error) {
	var data sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT message_log FROM sessions WHERE id = ?`, sessionID).Scan(&data)
	if err != nil {
		return nil, mapSQLError(err)
	}
	if !data.Valid || data.String == "" {
		return nil, nil
	}
	var messages []models.Message
	if err := json.Unmarshal([]byte(data.String), &messages); err != nil {
		return nil, fmt.Errorf("decode message log: %w", err)
	}
	return messages, nil
}
