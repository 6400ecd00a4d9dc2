package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alignetic/engine/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PgvectorStore implements contracts.VectorStoreDriver using PostgreSQL
// with the pgvector extension. Selected by ALIGN_VECTORSTORE=pgvector (and
// by default whenever the store backend is postgres); the embedded store
// remains the in-memory default.
type PgvectorStore struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewPgvectorStore creates a pgvector-backed vector store and ensures the
// backing table/index exist.
func NewPgvectorStore(ctx context.Context, connURL string, dimensions int) (*PgvectorStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector ping: %w", err)
	}

	s := &PgvectorStore{pool: pool, dimensions: dimensions}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector migrate: %w", err)
	}

	log.Info().Int("dims", dimensions).Msg("pgvector store initialized")
	return s, nil
}

func (s *PgvectorStore) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS alignment_vectors (
			id         TEXT NOT NULL,
			tenant_id  TEXT NOT NULL,
			text       TEXT NOT NULL DEFAULT '',
			metadata   JSONB NOT NULL DEFAULT '{}',
			vector     vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, id)
		);

		CREATE INDEX IF NOT EXISTS idx_alignment_vectors_tenant ON alignment_vectors (tenant_id);
	`, s.dimensions)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PgvectorStore) Kind() string { return "pgvector" }

func (s *PgvectorStore) Upsert(ctx context.Context, tenantID string, docs []models.VectorDoc) error {
	if len(docs) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO alignment_vectors (id, tenant_id, text, metadata, vector, created_at)
		VALUES `)

	args := make([]interface{}, 0, len(docs)*6)
	for i, d := range docs {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i*6 + 1
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d)", base, base+1, base+2, base+3, base+4, base+5))
		id := d.ID
		if id == "" {
			id = uuid.NewString()
		}
		metadata, err := json.Marshal(d.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		args = append(args, id, tenantID, d.Text, metadata, pgvectorArray(d.Vector), time.Now())
	}

	sb.WriteString(` ON CONFLICT (tenant_id, id) DO UPDATE SET
		text = EXCLUDED.text,
		metadata = EXCLUDED.metadata,
		vector = EXCLUDED.vector`)

	_, err := s.pool.Exec(ctx, sb.String(), args...)
	return err
}

func (s *PgvectorStore) Search(ctx context.Context, tenantID string, vector []float64, topK int, filter map[string]string) ([]models.SearchResult, error) {
	query := `SELECT id, text, metadata, 1 - (vector <=> $1) AS score
		FROM alignment_vectors
		WHERE tenant_id = $2`

	args := []interface{}{pgvectorArray(vector), tenantID}
	argIdx := 3

	for fk, fv := range filter {
		query += fmt.Sprintf(" AND metadata ->> %s = $%d", pgQuoteKey(fk), argIdx)
		args = append(args, fv)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY vector <=> $1 LIMIT $%d", argIdx)
	args = append(args, topK)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		var doc models.VectorDoc
		var metadata []byte
		var score float64
		if err := rows.Scan(&doc.ID, &doc.Text, &metadata, &score); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		if err := json.Unmarshal(metadata, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		results = append(results, models.SearchResult{Doc: doc, Score: score})
	}
	return results, rows.Err()
}

func (s *PgvectorStore) Delete(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, "DELETE FROM alignment_vectors WHERE tenant_id = $1 AND id = ANY($2)", tenantID, ids)
	return err
}

func (s *PgvectorStore) Count(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM alignment_vectors WHERE tenant_id = $1", tenantID).Scan(&count)
	return count, err
}

func (s *PgvectorStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PgvectorStore) Close() {
	s.pool.Close()
}

// pgvectorArray converts a float64 slice to pgvector's text form:
// [v1,v2,...] (spec §6 "Vectors ... in storage they use the pgvector text
// form").
func pgvectorArray(v []float64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(fmt.Sprintf("%g", f))
	}
	sb.WriteByte(']')
	return sb.String()
}

// pgQuoteKey defends against metadata filter keys containing quotes; filter
// keys are expected from Go callers rather than raw user input, but this
// keeps the query builder honest.
func pgQuoteKey(k string) string {
	return "'" + strings.ReplaceAll(k, "'", "''") + "'"
}
