// Package index implements the embedding index and retrieval engine: an
// exact cosine-similarity store that transparently escalates to an
// inverted-file structure once enough vectors accumulate, plus the
// multimodal composition layer over it.
//
// An index follows a build-then-read discipline: one writer populates it,
// after which any number of goroutines may call Search concurrently. The
// index itself takes no locks; callers that interleave writes with reads
// must serialize access externally.
package index

import (
	"fmt"

	"go.uber.org/zap"

	"lectureindex/core"
	"lectureindex/storage"
)

// DefaultIVFThreshold is the vector count at which the index attempts to
// swap the brute-force scan for the inverted-file strategy.
const DefaultIVFThreshold = 1000

// Options tunes index construction. The zero value gives a 768-dim index
// with the default escalation threshold.
type Options struct {
	Dimension    int
	IVFThreshold int
	// DisableIVF pins the index to the exact scan regardless of size.
	DisableIVF bool
	Logger     *zap.Logger
}

// EmbeddingIndex stores fixed-dimension embeddings keyed by caller-assigned
// ids and answers k-nearest-neighbor queries by cosine similarity. Vectors
// are expected to be L2-normalized by the caller so similarity reduces to a
// dot product; un-normalized vectors still rank consistently, just on inner
// product rather than true cosine.
//
// Re-adding an existing id overwrites the stored vector and metadata in
// place; Size is unchanged.
type EmbeddingIndex struct {
	dim       int
	threshold int
	ivfOff    bool
	logger    *zap.Logger

	vectors  [][]float32       // slot order = insertion order
	slotIDs  []int64           // slot -> external id
	slots    map[int64]int     // external id -> slot
	metadata map[int64]*core.Metadata

	strategy  searchStrategy
	ivfFailed bool // build attempted and failed; exact scan is permanent
}

// New returns an empty index for dim-wide embeddings.
func New(dim int) *EmbeddingIndex {
	return NewWithOptions(Options{Dimension: dim})
}

// NewWithOptions returns an empty index configured by opts.
func NewWithOptions(opts Options) *EmbeddingIndex {
	dim := opts.Dimension
	if dim <= 0 {
		dim = core.DefaultDimension
	}
	threshold := opts.IVFThreshold
	if threshold <= 0 {
		threshold = DefaultIVFThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmbeddingIndex{
		dim:       dim,
		threshold: threshold,
		ivfOff:    opts.DisableIVF,
		logger:    logger,
		slots:     make(map[int64]int),
		metadata:  make(map[int64]*core.Metadata),
		strategy:  exactScan{},
	}
}

// Dimension returns the embedding width the index was created with.
func (idx *EmbeddingIndex) Dimension() int { return idx.dim }

// Size returns the number of stored vectors.
func (idx *EmbeddingIndex) Size() int { return len(idx.vectors) }

// Accelerated reports whether the inverted-file strategy is active.
func (idx *EmbeddingIndex) Accelerated() bool { return idx.strategy.accelerated() }

// Add appends one embedding under id. A dimension mismatch leaves the index
// untouched.
func (idx *EmbeddingIndex) Add(embedding []float32, id int64, meta *core.Metadata) error {
	if err := idx.checkDim(embedding); err != nil {
		return err
	}
	idx.insert(embedding, id, meta)
	idx.maybeEscalate()
	return nil
}

// AddBatch appends embeddings under the positionally aligned ids. metas may
// be nil, or a slice of the same length as ids whose nil entries are
// skipped. All inputs are validated before any mutation, so a failed call
// never partially changes the index.
func (idx *EmbeddingIndex) AddBatch(embeddings [][]float32, ids []int64, metas []*core.Metadata) error {
	if len(embeddings) != len(ids) {
		return fmt.Errorf("%w: %d embeddings, %d ids", core.ErrLengthMismatch, len(embeddings), len(ids))
	}
	if metas != nil && len(metas) != len(ids) {
		return fmt.Errorf("%w: %d metadata entries, %d ids", core.ErrLengthMismatch, len(metas), len(ids))
	}
	for i, emb := range embeddings {
		if err := idx.checkDim(emb); err != nil {
			return fmt.Errorf("batch entry %d: %w", i, err)
		}
	}
	for i, emb := range embeddings {
		var meta *core.Metadata
		if metas != nil {
			meta = metas[i]
		}
		idx.insert(emb, ids[i], meta)
	}
	idx.maybeEscalate()
	return nil
}

// AddBatchByID is AddBatch with metadata keyed by id instead of position.
// Ids absent from metas simply get no metadata.
func (idx *EmbeddingIndex) AddBatchByID(embeddings [][]float32, ids []int64, metas map[int64]*core.Metadata) error {
	if len(embeddings) != len(ids) {
		return fmt.Errorf("%w: %d embeddings, %d ids", core.ErrLengthMismatch, len(embeddings), len(ids))
	}
	for i, emb := range embeddings {
		if err := idx.checkDim(emb); err != nil {
			return fmt.Errorf("batch entry %d: %w", i, err)
		}
	}
	for i, emb := range embeddings {
		idx.insert(emb, ids[i], metas[ids[i]])
	}
	idx.maybeEscalate()
	return nil
}

// Search returns up to k results ordered by descending cosine similarity.
// Equal scores resolve to the earlier-inserted id; the ordering is
// deterministic for identical inputs. An empty index yields an empty slice.
func (idx *EmbeddingIndex) Search(query []float32, k int) ([]core.SearchResult, error) {
	if err := idx.checkDim(query); err != nil {
		return nil, err
	}
	if k <= 0 || len(idx.vectors) == 0 {
		return []core.SearchResult{}, nil
	}
	top := idx.strategy.topK(idx.vectors, query, k)
	results := make([]core.SearchResult, len(top))
	for i, s := range top {
		id := idx.slotIDs[s.slot]
		results[i] = core.SearchResult{ID: id, Score: s.score, Metadata: idx.metadata[id]}
	}
	return results, nil
}

// Metadata returns the stored metadata for id, or nil.
func (idx *EmbeddingIndex) Metadata(id int64) *core.Metadata { return idx.metadata[id] }

// IDs returns the external ids in insertion order.
func (idx *EmbeddingIndex) IDs() []int64 {
	out := make([]int64, len(idx.slotIDs))
	copy(out, idx.slotIDs)
	return out
}

func (idx *EmbeddingIndex) checkDim(vec []float32) error {
	if len(vec) != idx.dim {
		return fmt.Errorf("%w: got %d, want %d", core.ErrDimensionMismatch, len(vec), idx.dim)
	}
	return nil
}

func (idx *EmbeddingIndex) insert(embedding []float32, id int64, meta *core.Metadata) {
	vec := make([]float32, idx.dim)
	copy(vec, embedding)
	if slot, ok := idx.slots[id]; ok {
		idx.vectors[slot] = vec
		if meta != nil {
			idx.metadata[id] = meta
		}
		return
	}
	slot := len(idx.vectors)
	idx.vectors = append(idx.vectors, vec)
	idx.slotIDs = append(idx.slotIDs, id)
	idx.slots[id] = slot
	if meta != nil {
		idx.metadata[id] = meta
	}
	idx.strategy.add(slot, vec)
}

// maybeEscalate swaps in the inverted-file strategy once the store crosses
// the threshold. The transition is best-effort: a failed build is logged,
// the exact scan stays active for the life of the instance, and stored data
// is never touched. Calling it again after success or failure is a no-op.
func (idx *EmbeddingIndex) maybeEscalate() {
	if idx.ivfOff || idx.ivfFailed || idx.strategy.accelerated() || len(idx.vectors) < idx.threshold {
		return
	}
	ivf, err := buildIVF(idx.vectors, idx.dim)
	if err != nil {
		idx.ivfFailed = true
		idx.logger.Warn("ivf transition failed, staying on exact scan",
			zap.Int("size", len(idx.vectors)), zap.Error(err))
		return
	}
	idx.strategy = ivf
	idx.logger.Info("index escalated to ivf",
		zap.Int("size", len(idx.vectors)), zap.Int("nlist", len(ivf.lists)), zap.Int("nprobe", ivf.nprobe))
}

// Save persists the index under the path prefix: <prefix>.npy for the
// embedding matrix, <prefix>_ids.json for the slot->id mapping and
// <prefix>_meta.json for the metadata, all written atomically through the
// storage layer. JSON object keys are strings, so metadata ids round-trip
// through their decimal form.
func (idx *EmbeddingIndex) Save(prefix string) error {
	store, err := storage.OpenArrayStore(prefix, idx.logger)
	if err != nil {
		return fmt.Errorf("save index: %w", err)
	}
	if err := store.SaveMatrix(idx.vectors); err != nil {
		return fmt.Errorf("save embeddings: %w", err)
	}
	if err := store.SaveIDs(idx.slotIDs); err != nil {
		return fmt.Errorf("save id map: %w", err)
	}
	if err := store.SaveMetadata(idx.metadata); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	return nil
}

// Load restores an index saved under prefix. The loaded index re-evaluates
// the escalation policy against its size, so a store above threshold
// rebuilds its inverted-file structure on load.
func Load(prefix string, opts Options) (*EmbeddingIndex, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := storage.OpenArrayStore(prefix, logger)
	if err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}
	mat, err := store.LoadMatrix()
	if err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}
	ids, err := store.LoadIDs()
	if err != nil {
		return nil, fmt.Errorf("load id map: %w", err)
	}
	if len(ids) != len(mat) {
		return nil, fmt.Errorf("load index: %d ids for %d vectors", len(ids), len(mat))
	}
	metas, err := store.LoadMetadata()
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	if opts.Dimension <= 0 && len(mat) > 0 {
		opts.Dimension = len(mat[0])
	}
	opts.Logger = logger
	idx := NewWithOptions(opts)
	for i, vec := range mat {
		idx.insert(vec, ids[i], metas[ids[i]])
	}
	idx.maybeEscalate()
	return idx, nil
}
