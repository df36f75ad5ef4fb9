package store

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// VectorHit is one row returned by VectorSearch.
type VectorHit struct {
	ID         string
	Similarity float64
}

// VectorSearch scans rows of the given table (memory or journal), computes
// cosine similarity against the query vector, and returns ids ordered by
// descending similarity where similarity >= minSimilarity. The optional
// where clause narrows the candidate rows.
//
// The embedding column is a little-endian float32 blob; similarity is
// computed in process, which is adequate at single-user scale.
func (s *Store) VectorSearch(ctx context.Context, table string, query []float32, minSimilarity float64, where string, args []any, limit int) ([]VectorHit, error) {
	if !s.vector {
		return nil, ErrVectorDisabled
	}
	switch table {
	case "memory", "journal":
	default:
		return nil, fmt.Errorf("vector search: unsupported table %q", table)
	}
	if len(query) != s.dim {
		return nil, fmt.Errorf("vector search: query dimension %d, want %d", len(query), s.dim)
	}
	if limit <= 0 {
		limit = 10
	}

	q := fmt.Sprintf(`SELECT id, embedding FROM %s WHERE embedding IS NOT NULL`, table)
	if where != "" {
		q += " AND " + where
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var hits []VectorHit
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scan embedding row: %w", err)
		}
		emb := DecodeEmbedding(blob)
		sim := cosineSimilarity(query, emb)
		if sim >= minSimilarity {
			hits = append(hits, VectorHit{ID: id, Similarity: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// EncodeEmbedding packs a float32 vector into a little-endian blob.
func EncodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	data := make([]byte, len(embedding)*4)
	for i, f := range embedding {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

// DecodeEmbedding unpacks a little-endian blob into a float32 vector.
func DecodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		bits := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24
		embedding[i] = math.Float32frombits(bits)
	}
	return embedding
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
