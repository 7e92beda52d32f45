package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"lectureindex/core"
)

func testMatrix(rows, cols int, base float32) [][]float32 {
	mat := make([][]float32, rows)
	for i := range mat {
		row := make([]float32, cols)
		for j := range row {
			row[j] = base + float32(i*cols+j)
		}
		mat[i] = row
	}
	return mat
}

func writeMatrixFile(t *testing.T, path string, mat [][]float32) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	if err := WriteNPY(f, mat); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close %s: %v", path, err)
	}
}

func matricesEqual(a, b [][]float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				return false
			}
		}
	}
	return true
}

func TestArrayStoreSaveLoad(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "embeddings")
	store, err := OpenArrayStore(prefix, nil)
	if err != nil {
		t.Fatalf("OpenArrayStore: %v", err)
	}

	// Fresh store loads empty.
	mat, err := store.LoadMatrix()
	if err != nil {
		t.Fatalf("LoadMatrix on fresh store: %v", err)
	}
	if len(mat) != 0 {
		t.Fatalf("fresh store has %d rows", len(mat))
	}

	want := testMatrix(5, 8, 0.5)
	if err := store.SaveMatrix(want); err != nil {
		t.Fatalf("SaveMatrix: %v", err)
	}
	got, err := store.LoadMatrix()
	if err != nil {
		t.Fatalf("LoadMatrix: %v", err)
	}
	if !matricesEqual(got, want) {
		t.Error("matrix did not round-trip")
	}
	// Atomic write leaves no in-progress artifact behind.
	if _, err := os.Stat(prefix + "_temp.npy"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("temp file left after save: %v", err)
	}
}

func TestArrayStoreBackupRotation(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "embeddings")
	store, err := OpenArrayStore(prefix, nil)
	if err != nil {
		t.Fatalf("OpenArrayStore: %v", err)
	}
	backup := prefix + ".npy.bak"

	if err := store.SaveMatrix(testMatrix(50, 4, 0)); err != nil {
		t.Fatalf("SaveMatrix: %v", err)
	}
	if _, err := os.Stat(backup); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("backup created below growth threshold: %v", err)
	}

	// Growth past the threshold rotates the previous generation into .bak.
	if err := store.SaveMatrix(testMatrix(200, 4, 0)); err != nil {
		t.Fatalf("SaveMatrix: %v", err)
	}
	f, err := os.Open(backup)
	if err != nil {
		t.Fatalf("backup missing after threshold growth: %v", err)
	}
	bak, err := ReadNPY(f)
	f.Close()
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if len(bak) != 50 {
		t.Errorf("backup holds %d rows, want the pre-rotation 50", len(bak))
	}

	// Small growth after rotation keeps the same backup generation.
	if err := store.SaveMatrix(testMatrix(250, 4, 0)); err != nil {
		t.Fatalf("SaveMatrix: %v", err)
	}
	f, err = os.Open(backup)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	bak, err = ReadNPY(f)
	f.Close()
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if len(bak) != 50 {
		t.Errorf("backup rotated on sub-threshold growth: %d rows", len(bak))
	}
}

func TestRecoveryPromotesOrphanedTemp(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "embeddings")
	want := testMatrix(3, 4, 1)
	writeMatrixFile(t, prefix+"_temp.npy", want)

	store, err := OpenArrayStore(prefix, nil)
	if err != nil {
		t.Fatalf("OpenArrayStore: %v", err)
	}
	got, err := store.LoadMatrix()
	if err != nil {
		t.Fatalf("LoadMatrix: %v", err)
	}
	if !matricesEqual(got, want) {
		t.Error("temp file content not promoted to canonical")
	}
	if _, err := os.Stat(prefix + "_temp.npy"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("temp file still present after promotion: %v", err)
	}

	// Recovery is idempotent.
	if _, err := OpenArrayStore(prefix, nil); err != nil {
		t.Fatalf("second open: %v", err)
	}
	got, err = store.LoadMatrix()
	if err != nil || !matricesEqual(got, want) {
		t.Errorf("canonical changed on re-open: %v", err)
	}
}

func TestRecoveryRestoresFromBackup(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "embeddings")
	want := testMatrix(4, 4, 2)
	writeMatrixFile(t, prefix+".npy.bak", want)
	if err := os.WriteFile(prefix+".npy", []byte("garbage, not npy"), 0o644); err != nil {
		t.Fatalf("write corrupt canonical: %v", err)
	}

	store, err := OpenArrayStore(prefix, nil)
	if err != nil {
		t.Fatalf("OpenArrayStore: %v", err)
	}
	got, err := store.LoadMatrix()
	if err != nil {
		t.Fatalf("LoadMatrix: %v", err)
	}
	if !matricesEqual(got, want) {
		t.Error("canonical not restored from backup")
	}
}

func TestRecoveryDiscardsPartialTemp(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "embeddings")
	if err := os.WriteFile(prefix+"_temp.npy", []byte("half-written"), 0o644); err != nil {
		t.Fatalf("write partial temp: %v", err)
	}

	store, err := OpenArrayStore(prefix, nil)
	if err != nil {
		t.Fatalf("OpenArrayStore: %v", err)
	}
	if _, err := os.Stat(prefix + "_temp.npy"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("partial temp not removed: %v", err)
	}
	mat, err := store.LoadMatrix()
	if err != nil {
		t.Fatalf("LoadMatrix: %v", err)
	}
	if len(mat) != 0 {
		t.Errorf("store not empty after discarding partial temp: %d rows", len(mat))
	}
}

func TestRecoveryRemovesStaleTemp(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "embeddings")
	want := testMatrix(2, 4, 3)
	writeMatrixFile(t, prefix+".npy", want)
	writeMatrixFile(t, prefix+"_temp.npy", testMatrix(9, 4, 9))

	store, err := OpenArrayStore(prefix, nil)
	if err != nil {
		t.Fatalf("OpenArrayStore: %v", err)
	}
	got, err := store.LoadMatrix()
	if err != nil || !matricesEqual(got, want) {
		t.Errorf("canonical replaced by stale temp: %v", err)
	}
	if _, err := os.Stat(prefix + "_temp.npy"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("stale temp not removed: %v", err)
	}
}

func TestRecoveryCorruptBeyondRepair(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "embeddings")
	if err := os.WriteFile(prefix+".npy", []byte("garbage, not npy"), 0o644); err != nil {
		t.Fatalf("write corrupt canonical: %v", err)
	}
	_, err := OpenArrayStore(prefix, nil)
	if !errors.Is(err, core.ErrCorruptStorage) {
		t.Fatalf("err = %v, want ErrCorruptStorage", err)
	}
}

func TestArrayStoreIDsAndMetadata(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "embeddings")
	store, err := OpenArrayStore(prefix, nil)
	if err != nil {
		t.Fatalf("OpenArrayStore: %v", err)
	}

	// Missing sidecars load empty.
	ids, err := store.LoadIDs()
	if err != nil || len(ids) != 0 {
		t.Fatalf("LoadIDs fresh = %v, %v", ids, err)
	}
	metas, err := store.LoadMetadata()
	if err != nil || len(metas) != 0 {
		t.Fatalf("LoadMetadata fresh = %v, %v", metas, err)
	}

	wantIDs := []int64{10, 3, 27}
	if err := store.SaveIDs(wantIDs); err != nil {
		t.Fatalf("SaveIDs: %v", err)
	}
	wantMetas := map[int64]*core.Metadata{
		10: {Modality: core.ModalityVisual, Timestamp: 1.5, FrameIndex: 10},
		27: {Modality: core.ModalityTranscript, StartTime: 5, EndTime: 12, Text: "hello", SegmentID: "seg-a"},
	}
	if err := store.SaveMetadata(wantMetas); err != nil {
		t.Fatalf("SaveMetadata: %v", err)
	}

	ids, err = store.LoadIDs()
	if err != nil {
		t.Fatalf("LoadIDs: %v", err)
	}
	for i, id := range wantIDs {
		if ids[i] != id {
			t.Errorf("ids[%d] = %d, want %d", i, ids[i], id)
		}
	}
	metas, err = store.LoadMetadata()
	if err != nil {
		t.Fatalf("LoadMetadata: %v", err)
	}
	if got := metas[10]; got == nil || got.Modality != core.ModalityVisual || got.FrameIndex != 10 {
		t.Errorf("metas[10] = %+v", got)
	}
	if got := metas[27]; got == nil || got.Text != "hello" || got.SegmentID != "seg-a" {
		t.Errorf("metas[27] = %+v", got)
	}
}

func TestLoadMetadataDropsNonIntegerKeys(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "embeddings")
	store, err := OpenArrayStore(prefix, nil)
	if err != nil {
		t.Fatalf("OpenArrayStore: %v", err)
	}
	raw := `{"5": {"timestamp": 1}, "not-a-number": {"timestamp": 2}}`
	if err := os.WriteFile(prefix+"_meta.json", []byte(raw), 0o644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	metas, err := store.LoadMetadata()
	if err != nil {
		t.Fatalf("LoadMetadata: %v", err)
	}
	if len(metas) != 1 || metas[5] == nil {
		t.Errorf("metas = %+v, want only id 5", metas)
	}
}
