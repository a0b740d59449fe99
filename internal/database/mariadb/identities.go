package mariadb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kozaktomas/attendance/internal/bank"
	"github.com/kozaktomas/attendance/internal/database"
)

// SaveIdentityEmbedding stores one enrolled vector as a JSON list.
func (s *Store) SaveIdentityEmbedding(ctx context.Context, emb database.IdentityEmbedding) (int64, error) {
	if len(emb.Embedding) == 0 {
		return 0, fmt.Errorf("empty embedding for %s", emb.IdentityID)
	}
	data, err := json.Marshal(emb.Embedding)
	if err != nil {
		return 0, fmt.Errorf("marshal embedding: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO identity_embeddings (identity_id, embedding_json, model, dim, source) VALUES (?, ?, ?, ?, ?)`,
		emb.IdentityID, data, emb.Model, len(emb.Embedding), emb.Source)
	if err != nil {
		return 0, fmt.Errorf("insert identity embedding: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted id: %w", err)
	}
	return id, nil
}

// LoadRosterEmbeddings returns every vector of the roster identities ordered
// by identity, then insertion.
func (s *Store) LoadRosterEmbeddings(ctx context.Context, roster []string) ([]database.IdentityEmbedding, error) {
	if len(roster) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(roster)), ",")
	args := make([]any, len(roster))
	for i, id := range roster {
		args[i] = id
	}

	query := `SELECT id, identity_id, embedding_json, model, dim, source, created_at
		FROM identity_embeddings WHERE identity_id IN (` + placeholders + `) ORDER BY identity_id, id`
	return s.queryEmbeddings(ctx, query, args...)
}

func (s *Store) queryEmbeddings(ctx context.Context, query string, args ...any) ([]database.IdentityEmbedding, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	var out []database.IdentityEmbedding
	for rows.Next() {
		var e database.IdentityEmbedding
		var raw []byte
		if err := rows.Scan(&e.ID, &e.IdentityID, &raw, &e.Model, &e.Dim, &e.Source, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		if err := json.Unmarshal(raw, &e.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding %d: %w", e.ID, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embeddings: %w", err)
	}
	return out, nil
}

// NearestIdentities scans every stored vector and ranks identities by their
// closest one.
func (s *Store) NearestIdentities(ctx context.Context, embedding []float32, limit int) ([]database.NearestIdentity, error) {
	if limit <= 0 {
		return nil, nil
	}
	all, err := s.queryEmbeddings(ctx,
		`SELECT id, identity_id, embedding_json, model, dim, source, created_at FROM identity_embeddings ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return rankNearest(all, embedding, limit), nil
}

// rankNearest keeps the smallest cosine distance per identity and returns the
// closest limit identities.
func rankNearest(all []database.IdentityEmbedding, query []float32, limit int) []database.NearestIdentity {
	best := make(map[string]float64)
	for _, e := range all {
		d := 1 - bank.CosineSimilarity(query, e.Embedding)
		if cur, ok := best[e.IdentityID]; !ok || d < cur {
			best[e.IdentityID] = d
		}
	}

	out := make([]database.NearestIdentity, 0, len(best))
	for id, d := range best {
		out = append(out, database.NearestIdentity{IdentityID: id, Distance: d})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].IdentityID < out[j].IdentityID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CountIdentityEmbeddings returns the number of stored vectors.
func (s *Store) CountIdentityEmbeddings(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM identity_embeddings").Scan(&n); err != nil {
		return 0, fmt.Errorf("count identity embeddings: %w", err)
	}
	return n, nil
}

// ListIdentities returns the distinct enrolled identity IDs.
func (s *Store) ListIdentities(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT identity_id FROM identity_embeddings ORDER BY identity_id")
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return ids, nil
}
