package index

import (
	"errors"
	"path/filepath"
	"testing"

	"lectureindex/core"
)

func buildMultimodal(t *testing.T) (*MultimodalIndex, [][]float32, [][]float32) {
	t.Helper()
	m := NewMultimodal(32, nil)
	frames := randomUnitVectors(t, 5, 32, 40)
	segs := randomUnitVectors(t, 3, 32, 41)
	for i, vec := range frames {
		if err := m.AddVisual(vec, float64(i*10), i); err != nil {
			t.Fatalf("AddVisual %d: %v", i, err)
		}
	}
	for i, vec := range segs {
		if err := m.AddTranscript(vec, float64(i*60), float64(i*60+55), "segment text", "seg-"+string(rune('a'+i))); err != nil {
			t.Fatalf("AddTranscript %d: %v", i, err)
		}
	}
	return m, frames, segs
}

func TestMultimodalSize(t *testing.T) {
	m, _, _ := buildMultimodal(t)
	if m.Size() != 8 {
		t.Errorf("Size = %d, want 8", m.Size())
	}
	if m.Visual().Size() != 5 || m.Transcript().Size() != 3 {
		t.Errorf("store sizes = %d/%d, want 5/3", m.Visual().Size(), m.Transcript().Size())
	}
}

func TestMultimodalSearchSingleModality(t *testing.T) {
	m, frames, segs := buildMultimodal(t)

	visual := core.ModalityVisual
	results, err := m.Search(frames[2], 3, &visual)
	if err != nil {
		t.Fatalf("Search visual: %v", err)
	}
	if len(results) != 3 || results[0].ID != 2 {
		t.Fatalf("visual results = %+v, want top id 2", results)
	}
	for _, r := range results {
		if r.Metadata.Modality != core.ModalityVisual {
			t.Errorf("result %d tagged %q, want visual", r.ID, r.Metadata.Modality)
		}
	}

	transcript := core.ModalityTranscript
	results, err = m.Search(segs[1], 3, &transcript)
	if err != nil {
		t.Fatalf("Search transcript: %v", err)
	}
	if len(results) != 3 || results[0].ID != 1 {
		t.Fatalf("transcript results = %+v, want top id 1", results)
	}
	if results[0].Metadata.StartTime != 60 || results[0].Metadata.EndTime != 115 {
		t.Errorf("segment time range = [%f, %f], want [60, 115]",
			results[0].Metadata.StartTime, results[0].Metadata.EndTime)
	}
}

func TestMultimodalSearchMerged(t *testing.T) {
	m, frames, _ := buildMultimodal(t)

	results, err := m.Search(frames[0], 8, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 8 {
		t.Fatalf("got %d merged results, want 8", len(results))
	}
	if results[0].ID != 0 || results[0].Metadata.Modality != core.ModalityVisual {
		t.Errorf("top merged result = %+v, want visual frame 0", results[0])
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("merged scores not descending at %d", i)
		}
	}

	// k caps the merged list.
	results, err = m.Search(frames[0], 4, nil)
	if err != nil {
		t.Fatalf("Search k=4: %v", err)
	}
	if len(results) != 4 {
		t.Errorf("got %d results, want 4", len(results))
	}
}

func TestMultimodalMergeTieFavorsVisual(t *testing.T) {
	m := NewMultimodal(4, nil)
	same := []float32{0, 1, 0, 0}
	if err := m.AddTranscript(same, 0, 5, "tie", "seg-a"); err != nil {
		t.Fatalf("AddTranscript: %v", err)
	}
	if err := m.AddVisual(same, 0, 0); err != nil {
		t.Fatalf("AddVisual: %v", err)
	}
	results, err := m.Search(same, 2, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results[0].Metadata.Modality != core.ModalityVisual {
		t.Errorf("tie went to %q, want visual", results[0].Metadata.Modality)
	}
}

func TestMultimodalUnknownModality(t *testing.T) {
	m, frames, _ := buildMultimodal(t)
	bogus := core.Modality("audio")
	if _, err := m.Search(frames[0], 3, &bogus); err == nil {
		t.Fatal("expected error for unknown modality")
	}
}

func TestMultimodalDimensionError(t *testing.T) {
	m, _, _ := buildMultimodal(t)
	if _, err := m.Search(make([]float32, 16), 3, nil); !errors.Is(err, core.ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}
}

func TestMultimodalEmpty(t *testing.T) {
	m := NewMultimodal(16, nil)
	results, err := m.Search(make([]float32, 16), 5, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results from empty index, want 0", len(results))
	}
}

func TestMultimodalSaveLoad(t *testing.T) {
	m, frames, segs := buildMultimodal(t)
	prefix := filepath.Join(t.TempDir(), "lec", "index")
	if err := m.Save(prefix); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadMultimodal(prefix, Options{})
	if err != nil {
		t.Fatalf("LoadMultimodal: %v", err)
	}
	if loaded.Size() != m.Size() {
		t.Fatalf("loaded Size = %d, want %d", loaded.Size(), m.Size())
	}

	transcript := core.ModalityTranscript
	results, err := loaded.Search(segs[2], 1, &transcript)
	if err != nil {
		t.Fatalf("Search after load: %v", err)
	}
	if results[0].Metadata.SegmentID != "seg-c" {
		t.Errorf("segment id = %q, want seg-c", results[0].Metadata.SegmentID)
	}

	// New transcript ids continue past the loaded range.
	extra := randomUnitVectors(t, 1, 32, 42)[0]
	if err := loaded.AddTranscript(extra, 200, 260, "added after load", "seg-d"); err != nil {
		t.Fatalf("AddTranscript after load: %v", err)
	}
	results, err = loaded.Search(extra, 1, &transcript)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results[0].ID != 3 {
		t.Errorf("new segment id = %d, want 3", results[0].ID)
	}

	visual := core.ModalityVisual
	results, err = loaded.Search(frames[4], 1, &visual)
	if err != nil {
		t.Fatalf("Search visual after load: %v", err)
	}
	if results[0].ID != 4 || results[0].Metadata.Timestamp != 40 {
		t.Errorf("visual result = %+v, want frame 4 at t=40", results[0])
	}
}
