package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"lectureindex/config"
	"lectureindex/core"
)

// Backend is a remote vector store for transcript segments. It complements
// the in-process index: the local index serves single-lecture sessions,
// a backend makes the same segments searchable across process restarts and
// across lectures.
type Backend interface {
	// Upsert pushes segments for a lecture, embedding their text, and
	// returns how many were stored. Segments whose embedding fails are
	// skipped, not fatal.
	Upsert(ctx context.Context, lectureID string, segments []core.Segment) (int, error)

	// Search embeds the query text and returns the topK most similar
	// segments of the lecture.
	Search(ctx context.Context, lectureID string, query string, topK int) ([]core.Hit, error)

	// Close releases the backend's connection.
	Close(ctx context.Context) error
}

// NewBackend builds the backend selected by cfg.Store. An empty selection
// returns (nil, nil): remote storage is optional and the engine runs fully
// without it. A selected backend that fails to connect is an error the
// caller may downgrade to a warning.
func NewBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Store {
	case "":
		return nil, nil
	case "pgvector":
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return newPgVectorBackend(ctx, cfg, logger)
	case "milvus":
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return newMilvusBackend(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown store %q (supported: pgvector, milvus)", cfg.Store)
	}
}
