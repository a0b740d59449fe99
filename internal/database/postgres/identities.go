package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/attendance/internal/database"
)

// EmbeddingDim is the fixed column dimension of identity_embeddings.
const EmbeddingDim = 512

// SaveIdentityEmbedding stores one enrolled vector and returns its row ID.
func (s *Store) SaveIdentityEmbedding(ctx context.Context, emb database.IdentityEmbedding) (int64, error) {
	if len(emb.Embedding) != EmbeddingDim {
		return 0, fmt.Errorf("embedding has %d dimensions, column expects %d", len(emb.Embedding), EmbeddingDim)
	}

	query := `
		INSERT INTO identity_embeddings (identity_id, embedding, model, dim, source)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	var id int64
	err := s.pool.QueryRow(ctx, query,
		emb.IdentityID, pgvector.NewVector(emb.Embedding), emb.Model, len(emb.Embedding), emb.Source,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert identity embedding: %w", err)
	}
	return id, nil
}

// LoadRosterEmbeddings returns every vector of the roster identities in a
// stable order (identity, then insertion).
func (s *Store) LoadRosterEmbeddings(ctx context.Context, roster []string) ([]database.IdentityEmbedding, error) {
	if len(roster) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, identity_id, embedding, model, dim, source, created_at
		FROM identity_embeddings
		WHERE identity_id = ANY($1)
		ORDER BY identity_id, id
	`

	rows, err := s.pool.Query(ctx, query, pq.Array(roster))
	if err != nil {
		return nil, fmt.Errorf("query roster embeddings: %w", err)
	}
	defer rows.Close()

	var out []database.IdentityEmbedding
	for rows.Next() {
		var e database.IdentityEmbedding
		var vec pgvector.Vector
		if err := rows.Scan(&e.ID, &e.IdentityID, &vec, &e.Model, &e.Dim, &e.Source, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan roster embedding: %w", err)
		}
		e.Embedding = vec.Slice()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roster embeddings: %w", err)
	}
	return out, nil
}

// NearestIdentities ranks identities by their closest stored vector.
func (s *Store) NearestIdentities(ctx context.Context, embedding []float32, limit int) ([]database.NearestIdentity, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		SELECT identity_id, MIN(embedding <=> $1) AS distance
		FROM identity_embeddings
		GROUP BY identity_id
		ORDER BY distance
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("query nearest identities: %w", err)
	}
	defer rows.Close()

	var out []database.NearestIdentity
	for rows.Next() {
		var n database.NearestIdentity
		if err := rows.Scan(&n.IdentityID, &n.Distance); err != nil {
			return nil, fmt.Errorf("scan nearest identity: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nearest identities: %w", err)
	}
	return out, nil
}

// CountIdentityEmbeddings returns the number of stored vectors.
func (s *Store) CountIdentityEmbeddings(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM identity_embeddings").Scan(&count); err != nil {
		return 0, fmt.Errorf("count identity embeddings: %w", err)
	}
	return count, nil
}

// ListIdentities returns the distinct enrolled identity IDs.
func (s *Store) ListIdentities(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT DISTINCT identity_id FROM identity_embeddings ORDER BY identity_id")
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
