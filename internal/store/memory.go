package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kronklabs/kronk/pkg/models"
)

const memoryColumns = `id, tier, content, summary, importance, access_count, decay_rate,
	source, tags, related_ids, created_at, updated_at, last_accessed_at, expires_at`

// SaveMemory inserts or replaces a memory row.
func (s *Store) SaveMemory(ctx context.Context, m *models.Memory) error {
	tags, err := marshalJSON(m.Tags)
	if err != nil {
		return err
	}
	related, err := marshalJSON(m.RelatedIDs)
	if err != nil {
		return err
	}

	if s.vector {
		_, err = s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO memory
				(id, tier, content, summary, embedding, importance, access_count, decay_rate,
				 source, tags, related_ids, created_at, updated_at, last_accessed_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, string(m.Tier), m.Content, m.Summary, EncodeEmbedding(m.Embedding),
			m.Importance, m.AccessCount, m.DecayRate, string(m.Source), tags, related,
			fmtTime(m.CreatedAt), fmtTime(m.UpdatedAt), fmtTime(m.LastAccessedAt),
			fmtTimePtr(m.ExpiresAt))
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO memory
				(id, tier, content, summary, importance, access_count, decay_rate,
				 source, tags, related_ids, created_at, updated_at, last_accessed_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, string(m.Tier), m.Content, m.Summary,
			m.Importance, m.AccessCount, m.DecayRate, string(m.Source), tags, related,
			fmtTime(m.CreatedAt), fmtTime(m.UpdatedAt), fmtTime(m.LastAccessedAt),
			fmtTimePtr(m.ExpiresAt))
	}
	return mapSQLError(err)
}

// GetMemory fetches one memory by id. Returns ErrNotFound when absent.
func (s *Store) GetMemory(ctx context.Context, id string) (*models.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memory WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err != nil {
		return nil, err
	}
	if s.vector {
		var blob []byte
		if err := s.db.QueryRowContext(ctx,
			`SELECT embedding FROM memory WHERE id = ?`, id).Scan(&blob); err == nil {
			m.Embedding = DecodeEmbedding(blob)
		}
	}
	return m, nil
}

// ListMemories returns memories, optionally filtered by tier, ordered by
// importance descending with newest first on ties.
func (s *Store) ListMemories(ctx context.Context, tier models.Tier, limit int) ([]*models.Memory, error) {
	q := `SELECT ` + memoryColumns + ` FROM memory`
	var args []any
	if tier != "" {
		q += ` WHERE tier = ?`
		args = append(args, string(tier))
	}
	q += ` ORDER BY importance DESC, created_at DESC, rowid DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryMemories(ctx, q, args...)
}

// SearchMemoriesByContent performs a case-insensitive substring match over
// content and summary.
func (s *Store) SearchMemoriesByContent(ctx context.Context, query string, tier models.Tier, limit int) ([]*models.Memory, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + strings.ToLower(query) + "%"
	q := `SELECT ` + memoryColumns + ` FROM memory
		WHERE (LOWER(content) LIKE ? OR LOWER(summary) LIKE ?)`
	args := []any{pattern, pattern}
	if tier != "" {
		q += ` AND tier = ?`
		args = append(args, string(tier))
	}
	q += ` ORDER BY importance DESC LIMIT ?`
	args = append(args, limit)
	return s.queryMemories(ctx, q, args...)
}

// SearchMemoriesByVector ranks memories by cosine similarity to the query
// embedding, filtering below minSimilarity.
func (s *Store) SearchMemoriesByVector(ctx context.Context, query []float32, minSimilarity float64, tier models.Tier, limit int) ([]*models.MemorySearchResult, error) {
	where := ""
	var args []any
	if tier != "" {
		where = "tier = ?"
		args = append(args, string(tier))
	}
	hits, err := s.VectorSearch(ctx, "memory", query, minSimilarity, where, args, limit)
	if err != nil {
		return nil, err
	}
	results := make([]*models.MemorySearchResult, 0, len(hits))
	for _, h := range hits {
		m, err := s.GetMemory(ctx, h.ID)
		if err != nil {
			return nil, err
		}
		results = append(results, &models.MemorySearchResult{Memory: m, Similarity: h.Similarity})
	}
	return results, nil
}

// TouchMemory bumps access count and last-access time for the given ids.
func (s *Store) TouchMemory(ctx context.Context, now time.Time, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]any, 0, len(ids)+1)
	args = append(args, fmtTime(now))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE memory SET access_count = access_count + 1, last_accessed_at = ?
		 WHERE id IN (%s)`, placeholders), args...)
	return mapSQLError(err)
}

// DeleteMemory removes a memory row. Missing rows are not an error.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory WHERE id = ?`, id)
	return mapSQLError(err)
}

// DeleteExpiredMemories removes rows whose expiry is in the past and returns
// how many were removed.
func (s *Store) DeleteExpiredMemories(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory WHERE expires_at IS NOT NULL AND expires_at < ?`, fmtTime(now))
	if err != nil {
		return 0, mapSQLError(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteLowImportanceMemories removes rows whose importance fell below the
// floor and returns how many were removed.
func (s *Store) DeleteLowImportanceMemories(ctx context.Context, floor float64) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory WHERE importance < ?`, floor)
	if err != nil {
		return 0, mapSQLError(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// UpdateMemoryImportance writes a recomputed importance and touch time.
func (s *Store) UpdateMemoryImportance(ctx context.Context, id string, importance float64, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE memory SET importance = ?, updated_at = ? WHERE id = ?`,
		importance, fmtTime(now), id)
	return mapSQLError(err)
}

// MemoryTierStats holds per-tier aggregates.
type MemoryTierStats struct {
	Count          int     `json:"count"`
	TotalChars     int     `json:"totalChars"`
	AvgImportance  float64 `json:"avgImportance"`
	TotalAccessCnt int     `json:"totalAccessCount"`
}

// MemoryStats aggregates counts and sizes per tier.
func (s *Store) MemoryStats(ctx context.Context) (map[models.Tier]MemoryTierStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tier, COUNT(*), COALESCE(SUM(LENGTH(content)), 0),
		       COALESCE(AVG(importance), 0), COALESCE(SUM(access_count), 0)
		FROM memory GROUP BY tier`)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	stats := make(map[models.Tier]MemoryTierStats)
	for rows.Next() {
		var tier string
		var st MemoryTierStats
		if err := rows.Scan(&tier, &st.Count, &st.TotalChars, &st.AvgImportance, &st.TotalAccessCnt); err != nil {
			return nil, err
		}
		stats[models.Tier(tier)] = st
	}
	return stats, rows.Err()
}

func (s *Store) queryMemories(ctx context.Context, q string, args ...any) ([]*models.Memory, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var out []*models.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*models.Memory, error) {
	var m models.Memory
	var tier, source, createdAt, updatedAt, lastAccessedAt string
	var summary, tags, related, expiresAt sql.NullString

	err := row.Scan(&m.ID, &tier, &m.Content, &summary, &m.Importance,
		&m.AccessCount, &m.DecayRate, &source, &tags, &related,
		&createdAt, &updatedAt, &lastAccessedAt, &expiresAt)
	if err != nil {
		return nil, mapSQLError(err)
	}

	m.Tier = models.Tier(tier)
	m.Source = models.MemorySource(source)
	m.Summary = summary.String
	m.Tags = unmarshalStrings(tags)
	m.RelatedIDs = unmarshalStrings(related)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	m.LastAccessedAt = parseTime(lastAccessedAt)
	m.ExpiresAt = parseTimePtr(expiresAt)
	return &m, nil
}
