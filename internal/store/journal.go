package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/kronklabs/kronk/pkg/models"
)

const journalColumns = `id, entry_type, content, session_id, parent_id, tool_id,
	memory_ids, input, output, duration_ms, tokens_used, confidence, metadata, created_at`

// AppendJournalEntry inserts an entry. The journal is append-only; there is
// no update or delete path.
func (s *Store) AppendJournalEntry(ctx context.Context, e *models.JournalEntry) error {
	memoryIDs, err := marshalJSON(e.MemoryIDs)
	if err != nil {
		return err
	}
	input, err := marshalJSON(e.Input)
	if err != nil {
		return err
	}
	output, err := marshalJSON(e.Output)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(e.Metadata)
	if err != nil {
		return err
	}

	if s.vector {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO journal
				(id, entry_type, content, embedding, session_id, parent_id, tool_id,
				 memory_ids, input, output, duration_ms, tokens_used, confidence, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, string(e.EntryType), e.Content, EncodeEmbedding(e.Embedding),
			nullStr(e.SessionID), nullStr(e.ParentID), nullStr(e.ToolID),
			memoryIDs, input, output, e.DurationMs, e.TokensUsed, e.Confidence,
			metadata, fmtTime(e.CreatedAt))
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO journal
				(id, entry_type, content, session_id, parent_id, tool_id,
				 memory_ids, input, output, duration_ms, tokens_used, confidence, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, string(e.EntryType), e.Content,
			nullStr(e.SessionID), nullStr(e.ParentID), nullStr(e.ToolID),
			memoryIDs, input, output, e.DurationMs, e.TokensUsed, e.Confidence,
			metadata, fmtTime(e.CreatedAt))
	}
	return mapSQLError(err)
}

// GetJournalEntry fetches one entry by id.
func (s *Store) GetJournalEntry(ctx context.Context, id string) (*models.JournalEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+journalColumns+` FROM journal WHERE id = ?`, id)
	return scanJournalEntry(row)
}

// RecentJournalEntries returns the newest entries first. Insertion order
// breaks timestamp ties via rowid.
func (s *Store) RecentJournalEntries(ctx context.Context, limit int) ([]*models.JournalEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryJournal(ctx,
		`SELECT `+journalColumns+` FROM journal
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
}

// JournalEntriesByType returns the newest entries of one type first.
func (s *Store) JournalEntriesByType(ctx context.Context, entryType models.EntryType, limit int) ([]*models.JournalEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryJournal(ctx,
		`SELECT `+journalColumns+` FROM journal WHERE entry_type = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, string(entryType), limit)
}

// JournalEntriesBySession returns a session's entries in insertion order.
func (s *Store) JournalEntriesBySession(ctx context.Context, sessionID string) ([]*models.JournalEntry, error) {
	return s.queryJournal(ctx,
		`SELECT `+journalColumns+` FROM journal WHERE session_id = ?
		 ORDER BY created_at ASC, rowid ASC`, sessionID)
}

// CountJournalEntries returns the total number of entries.
func (s *Store) CountJournalEntries(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM journal`).Scan(&n); err != nil {
		return 0, mapSQLError(err)
	}
	return n, nil
}

// SearchJournalByContent performs a case-insensitive substring match.
func (s *Store) SearchJournalByContent(ctx context.Context, query string, limit int) ([]*models.JournalEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + strings.ToLower(query) + "%"
	return s.queryJournal(ctx,
		`SELECT `+journalColumns+` FROM journal WHERE LOWER(content) LIKE ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, pattern, limit)
}

// SearchJournalByVector ranks entries by cosine similarity to the query
// embedding.
func (s *Store) SearchJournalByVector(ctx context.Context, query []float32, minSimilarity float64, limit int) ([]*models.JournalEntry, error) {
	hits, err := s.VectorSearch(ctx, "journal", query, minSimilarity, "", nil, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*models.JournalEntry, 0, len(hits))
	for _, h := range hits {
		e, err := s.GetJournalEntry(ctx, h.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) queryJournal(ctx context.Context, q string, args ...any) ([]*models.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var out []*models.JournalEntry
	for rows.Next() {
		e, err := scanJournalEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanJournalEntry(row rowScanner) (*models.JournalEntry, error) {
	var e models.JournalEntry
	var entryType, createdAt string
	var sessionID, parentID, toolID, memoryIDs, input, output, metadata sql.NullString
	var durationMs sql.NullInt64
	var tokensUsed sql.NullInt64
	var confidence sql.NullFloat64

	err := row.Scan(&e.ID, &entryType, &e.Content, &sessionID, &parentID, &toolID,
		&memoryIDs, &input, &output, &durationMs, &tokensUsed, &confidence,
		&metadata, &createdAt)
	if err != nil {
		return nil, mapSQLError(err)
	}

	e.EntryType = models.EntryType(entryType)
	e.SessionID = sessionID.String
	e.ParentID = parentID.String
	e.ToolID = toolID.String
	e.MemoryIDs = unmarshalStrings(memoryIDs)
	e.Input = unmarshalMap(input)
	e.Output = unmarshalMap(output)
	e.DurationMs = durationMs.Int64
	e.TokensUsed = int(tokensUsed.Int64)
	e.Confidence = confidence.Float64
	e.Metadata = unmarshalMap(metadata)
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
