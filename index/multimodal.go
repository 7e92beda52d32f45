package index

import (
	"fmt"

	"go.uber.org/zap"

	"lectureindex/core"
)

// MultimodalIndex composes one EmbeddingIndex per modality behind a single
// query surface. Visual entries are keyed by frame index; transcript entries
// get sequential ids in insertion order.
type MultimodalIndex struct {
	visual     *EmbeddingIndex
	transcript *EmbeddingIndex
	nextSegID  int64
}

// NewMultimodal returns an empty multimodal index for dim-wide embeddings.
func NewMultimodal(dim int, logger *zap.Logger) *MultimodalIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := Options{Dimension: dim, Logger: logger}
	return &MultimodalIndex{
		visual:     NewWithOptions(opts),
		transcript: NewWithOptions(opts),
	}
}

// AddVisual indexes a frame embedding under the frame's index, tagged with
// its capture timestamp.
func (m *MultimodalIndex) AddVisual(embedding []float32, timestamp float64, frameIndex int) error {
	meta := &core.Metadata{
		Modality:   core.ModalityVisual,
		Timestamp:  timestamp,
		FrameIndex: frameIndex,
	}
	if err := m.visual.Add(embedding, int64(frameIndex), meta); err != nil {
		return fmt.Errorf("add visual frame %d: %w", frameIndex, err)
	}
	return nil
}

// AddTranscript indexes a transcript segment embedding with its time range
// and text.
func (m *MultimodalIndex) AddTranscript(embedding []float32, start, end float64, text, segmentID string) error {
	meta := &core.Metadata{
		Modality:  core.ModalityTranscript,
		Timestamp: start,
		StartTime: start,
		EndTime:   end,
		Text:      text,
		SegmentID: segmentID,
	}
	id := m.nextSegID
	if err := m.transcript.Add(embedding, id, meta); err != nil {
		return fmt.Errorf("add transcript segment %q: %w", segmentID, err)
	}
	m.nextSegID++
	return nil
}

// Search queries one modality when modality is non-nil, otherwise both
// stores, merging by descending score. Cross-modality ties resolve visual
// before transcript, then lower id first. Dimension errors from the
// underlying stores propagate unchanged; two empty stores yield an empty
// slice.
func (m *MultimodalIndex) Search(query []float32, k int, modality *core.Modality) ([]core.SearchResult, error) {
	if modality != nil {
		switch *modality {
		case core.ModalityVisual:
			return m.visual.Search(query, k)
		case core.ModalityTranscript:
			return m.transcript.Search(query, k)
		default:
			return nil, fmt.Errorf("unknown modality %q", *modality)
		}
	}

	visual, err := m.visual.Search(query, k)
	if err != nil {
		return nil, err
	}
	transcript, err := m.transcript.Search(query, k)
	if err != nil {
		return nil, err
	}
	merged := mergeByScore(visual, transcript, k)
	return merged, nil
}

// mergeByScore merges two score-descending result lists into one, keeping at
// most k entries. On equal scores the visual result (list a) wins, matching
// the documented modality-then-id tie order.
func mergeByScore(a, b []core.SearchResult, k int) []core.SearchResult {
	merged := make([]core.SearchResult, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].Score >= b[j].Score {
			merged = append(merged, a[i])
			i++
		} else {
			merged = append(merged, b[j])
			j++
		}
	}
	merged = append(merged, a[i:]...)
	merged = append(merged, b[j:]...)
	if k < len(merged) {
		merged = merged[:k]
	}
	return merged
}

// Size returns the combined count across both stores.
func (m *MultimodalIndex) Size() int {
	return m.visual.Size() + m.transcript.Size()
}

// Visual exposes the underlying visual store, used by the persistence path.
func (m *MultimodalIndex) Visual() *EmbeddingIndex { return m.visual }

// Transcript exposes the underlying transcript store.
func (m *MultimodalIndex) Transcript() *EmbeddingIndex { return m.transcript }

// Save persists both stores under prefix, as <prefix>_visual.* and
// <prefix>_transcript.*.
func (m *MultimodalIndex) Save(prefix string) error {
	if err := m.visual.Save(prefix + "_visual"); err != nil {
		return err
	}
	return m.transcript.Save(prefix + "_transcript")
}

// LoadMultimodal restores a multimodal index saved under prefix.
func LoadMultimodal(prefix string, opts Options) (*MultimodalIndex, error) {
	visual, err := Load(prefix+"_visual", opts)
	if err != nil {
		return nil, err
	}
	transcript, err := Load(prefix+"_transcript", opts)
	if err != nil {
		return nil, err
	}
	m := &MultimodalIndex{visual: visual, transcript: transcript}
	for _, id := range transcript.IDs() {
		if id >= m.nextSegID {
			m.nextSegID = id + 1
		}
	}
	return m, nil
}
