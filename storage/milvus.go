package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"lectureindex/config"
	"lectureindex/core"
)

// MilvusBackend stores transcript segments in a Milvus collection with an
// HNSW cosine index.
type MilvusBackend struct {
	mc         client.Client
	collection string
	dim        int
	embedder   *Embedder
	logger     *zap.Logger
}

func newMilvusBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*MilvusBackend, error) {
	embedder, err := NewEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	addr := cfg.MilvusAddr
	if addr == "" {
		addr = "localhost:19530"
	}
	mc, err := client.NewClient(ctx, client.Config{
		Address:  addr,
		Username: cfg.MilvusUsername,
		Password: cfg.MilvusPassword,
		APIKey:   cfg.MilvusAPIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}
	b := &MilvusBackend{
		mc:         mc,
		collection: cfg.MilvusCollection,
		dim:        cfg.Dimension,
		embedder:   embedder,
		logger:     logger,
	}
	if err := b.ensureCollection(ctx); err != nil {
		_ = mc.Close()
		return nil, err
	}
	return b, nil
}

func (b *MilvusBackend) ensureCollection(ctx context.Context) error {
	has, err := b.mc.HasCollection(ctx, b.collection)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if !has {
		schema := entity.NewSchema()
		schema.WithField(entity.NewField().WithName("id").WithIsAutoID(true).WithIsPrimaryKey(true).WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("lecture_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(128))
		schema.WithField(entity.NewField().WithName("segment_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(128))
		schema.WithField(entity.NewField().WithName("start_time").WithDataType(entity.FieldTypeDouble))
		schema.WithField(entity.NewField().WithName("end_time").WithDataType(entity.FieldTypeDouble))
		schema.WithField(entity.NewField().WithName("text").WithDataType(entity.FieldTypeVarChar).WithMaxLength(4096))
		schema.WithField(entity.NewField().WithName("vector").WithDataType(entity.FieldTypeFloatVector).WithDim(int64(b.dim)))
		if err := b.mc.CreateCollection(ctx, schema, int32(2)); err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
	}
	idx, err := entity.NewIndexHNSW(entity.COSINE, 8, 200)
	if err != nil {
		return fmt.Errorf("new hnsw index: %w", err)
	}
	if err := b.mc.CreateIndex(ctx, b.collection, "vector", idx, false, client.WithIndexName("idx_vector")); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	if err := b.mc.LoadCollection(ctx, b.collection, false); err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	return nil
}

// Upsert embeds and inserts segments as one columnar batch; entries whose
// embedding call fails are skipped.
func (b *MilvusBackend) Upsert(ctx context.Context, lectureID string, segments []core.Segment) (int, error) {
	if len(segments) == 0 {
		return 0, nil
	}
	lectureIDs := make([]string, 0, len(segments))
	segmentIDs := make([]string, 0, len(segments))
	starts := make([]float64, 0, len(segments))
	ends := make([]float64, 0, len(segments))
	texts := make([]string, 0, len(segments))
	vectors := make([][]float32, 0, len(segments))

	for _, seg := range segments {
		vec, err := b.embedder.EmbedText(ctx, seg.Text)
		if err != nil {
			b.logger.Warn("skipping segment, embedding failed",
				zap.String("segment_id", seg.ID), zap.Error(err))
			continue
		}
		lectureIDs = append(lectureIDs, lectureID)
		segmentIDs = append(segmentIDs, seg.ID)
		starts = append(starts, seg.Start)
		ends = append(ends, seg.End)
		texts = append(texts, seg.Text)
		vectors = append(vectors, vec)
	}
	if len(vectors) == 0 {
		return 0, nil
	}
	_, err := b.mc.Insert(ctx, b.collection, "",
		entity.NewColumnVarChar("lecture_id", lectureIDs),
		entity.NewColumnVarChar("segment_id", segmentIDs),
		entity.NewColumnDouble("start_time", starts),
		entity.NewColumnDouble("end_time", ends),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnFloatVector("vector", b.dim, vectors),
	)
	if err != nil {
		return 0, fmt.Errorf("insert segments: %w", err)
	}
	return len(vectors), nil
}

// Search embeds the query and runs a filtered ANN search over the lecture's
// segments.
func (b *MilvusBackend) Search(ctx context.Context, lectureID string, query string, topK int) ([]core.Hit, error) {
	if topK <= 0 {
		topK = 5
	}
	vec, err := b.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, err
	}
	sp, err := entity.NewIndexHNSWSearchParam(74)
	if err != nil {
		return nil, fmt.Errorf("search params: %w", err)
	}
	filter := fmt.Sprintf("lecture_id == %q", strings.ReplaceAll(lectureID, `"`, `\"`))
	res, err := b.mc.Search(ctx, b.collection, nil, filter,
		[]string{"segment_id", "start_time", "end_time", "text"},
		[]entity.Vector{entity.FloatVector(vec)}, "vector", entity.COSINE, topK, sp)
	if err != nil {
		return nil, fmt.Errorf("search collection: %w", err)
	}

	var hits []core.Hit
	for _, r := range res {
		cols := map[string]entity.Column{}
		for _, c := range r.Fields {
			cols[c.Name()] = c
		}
		for i := 0; i < r.ResultCount; i++ {
			hit := core.Hit{LectureID: lectureID, Score: float64(r.Scores[i])}
			if c, ok := cols["segment_id"].(*entity.ColumnVarChar); ok && i < len(c.Data()) {
				hit.SegmentID = c.Data()[i]
			}
			if c, ok := cols["start_time"].(*entity.ColumnDouble); ok && i < len(c.Data()) {
				hit.Start = c.Data()[i]
			}
			if c, ok := cols["end_time"].(*entity.ColumnDouble); ok && i < len(c.Data()) {
				hit.End = c.Data()[i]
			}
			if c, ok := cols["text"].(*entity.ColumnVarChar); ok && i < len(c.Data()) {
				hit.Text = c.Data()[i]
			}
			hits = append(hits, hit)
		}
	}
	return hits, nil
}

// Close closes the Milvus client.
func (b *MilvusBackend) Close(context.Context) error {
	return b.mc.Close()
}
