package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"lectureindex/config"
	"lectureindex/core"
)

// PgVectorBackend stores transcript segments in Postgres with the pgvector
// extension, searching by cosine distance over an ivfflat index.
type PgVectorBackend struct {
	conn     *pgx.Conn
	embedder *Embedder
	dim      int
	logger   *zap.Logger
}

func newPgVectorBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*PgVectorBackend, error) {
	embedder, err := NewEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := pgx.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	b := &PgVectorBackend{conn: conn, embedder: embedder, dim: cfg.Dimension, logger: logger}
	if err := b.ensureSchema(ctx); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}
	return b, nil
}

func (b *PgVectorBackend) ensureSchema(ctx context.Context) error {
	if _, err := b.conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector;"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS lecture_segments (
			id SERIAL PRIMARY KEY,
			lecture_id VARCHAR(255) NOT NULL,
			segment_id VARCHAR(255) NOT NULL,
			start_time FLOAT NOT NULL,
			end_time FLOAT NOT NULL,
			text TEXT NOT NULL,
			embedding vector(%d),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(lecture_id, segment_id)
		);`, b.dim)
	if _, err := b.conn.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create lecture_segments table: %w", err)
	}
	if _, err := b.conn.Exec(ctx,
		"CREATE INDEX IF NOT EXISTS idx_lecture_segments_lecture ON lecture_segments(lecture_id);"); err != nil {
		return fmt.Errorf("create lecture index: %w", err)
	}
	if err := b.ensureVectorIndex(ctx); err != nil {
		// The scalar path still works without the ann index; log and go on.
		b.logger.Warn("vector index creation failed", zap.Error(err))
	}
	return nil
}

// ensureVectorIndex sizes the ivfflat list count from the current row count,
// as recommended for ivfflat: roughly one list per hundred vectors, capped.
func (b *PgVectorBackend) ensureVectorIndex(ctx context.Context) error {
	var count int
	if err := b.conn.QueryRow(ctx,
		"SELECT COUNT(*) FROM lecture_segments WHERE embedding IS NOT NULL").Scan(&count); err != nil {
		return fmt.Errorf("count segments: %w", err)
	}
	if count == 0 {
		return nil
	}
	lists := 10
	if count > 1000 {
		lists = count / 100
		if lists > 1000 {
			lists = 1000
		}
	}
	if _, err := b.conn.Exec(ctx, "DROP INDEX IF EXISTS idx_lecture_segments_embedding;"); err != nil {
		return fmt.Errorf("drop vector index: %w", err)
	}
	stmt := fmt.Sprintf(`
		CREATE INDEX idx_lecture_segments_embedding
		ON lecture_segments
		USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = %d);`, lists)
	if _, err := b.conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create vector index: %w", err)
	}
	b.logger.Info("created ivfflat index", zap.Int("lists", lists), zap.Int("rows", count))
	return nil
}

// Upsert embeds and stores segments; entries whose embedding call fails are
// skipped.
func (b *PgVectorBackend) Upsert(ctx context.Context, lectureID string, segments []core.Segment) (int, error) {
	if len(segments) == 0 {
		return 0, nil
	}
	stored := 0
	for _, seg := range segments {
		vec, err := b.embedder.EmbedText(ctx, seg.Text)
		if err != nil {
			b.logger.Warn("skipping segment, embedding failed",
				zap.String("segment_id", seg.ID), zap.Error(err))
			continue
		}
		_, err = b.conn.Exec(ctx, `
			INSERT INTO lecture_segments (lecture_id, segment_id, start_time, end_time, text, embedding)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (lecture_id, segment_id)
			DO UPDATE SET
				start_time = EXCLUDED.start_time,
				end_time = EXCLUDED.end_time,
				text = EXCLUDED.text,
				embedding = EXCLUDED.embedding
		`, lectureID, seg.ID, seg.Start, seg.End, seg.Text, pgvector.NewVector(vec))
		if err != nil {
			return stored, fmt.Errorf("upsert segment %s: %w", seg.ID, err)
		}
		stored++
	}
	return stored, nil
}

// Search embeds the query and ranks the lecture's segments by cosine
// similarity.
func (b *PgVectorBackend) Search(ctx context.Context, lectureID string, query string, topK int) ([]core.Hit, error) {
	if topK <= 0 {
		topK = 5
	}
	vec, err := b.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, err
	}
	rows, err := b.conn.Query(ctx, `
		SELECT segment_id, start_time, end_time, text,
		       1 - (embedding <=> $1) AS similarity
		FROM lecture_segments
		WHERE lecture_id = $2
		ORDER BY embedding <=> $1
		LIMIT $3
	`, pgvector.NewVector(vec), lectureID, topK)
	if err != nil {
		return nil, fmt.Errorf("search segments: %w", err)
	}
	defer rows.Close()

	var hits []core.Hit
	for rows.Next() {
		hit := core.Hit{LectureID: lectureID}
		if err := rows.Scan(&hit.SegmentID, &hit.Start, &hit.End, &hit.Text, &hit.Score); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// Close closes the Postgres connection.
func (b *PgVectorBackend) Close(ctx context.Context) error {
	return b.conn.Close(ctx)
}
