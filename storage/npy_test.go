package storage

import (
	"bytes"
	"strings"
	"testing"
)

func TestNPYRoundTrip(t *testing.T) {
	mat := [][]float32{
		{1.5, -2.25, 0},
		{0.000123, 1e10, -7},
	}
	var buf bytes.Buffer
	if err := WriteNPY(&buf, mat); err != nil {
		t.Fatalf("WriteNPY: %v", err)
	}
	got, err := ReadNPY(&buf)
	if err != nil {
		t.Fatalf("ReadNPY: %v", err)
	}
	if len(got) != len(mat) {
		t.Fatalf("got %d rows, want %d", len(got), len(mat))
	}
	for i, row := range mat {
		for j, v := range row {
			if got[i][j] != v {
				t.Errorf("[%d][%d] = %v, want %v", i, j, got[i][j], v)
			}
		}
	}
}

func TestNPYEmptyMatrix(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteNPY(&buf, nil); err != nil {
		t.Fatalf("WriteNPY: %v", err)
	}
	got, err := ReadNPY(&buf)
	if err != nil {
		t.Fatalf("ReadNPY: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d rows, want 0", len(got))
	}
}

// The total header (magic through trailing newline) must be 64-byte aligned
// so the data section starts on an alignment boundary, matching numpy.save.
func TestNPYHeaderAlignment(t *testing.T) {
	for _, cols := range []int{1, 3, 768} {
		var buf bytes.Buffer
		if err := WriteNPY(&buf, [][]float32{make([]float32, cols)}); err != nil {
			t.Fatalf("WriteNPY cols=%d: %v", cols, err)
		}
		raw := buf.Bytes()
		headerEnd := bytes.IndexByte(raw, '\n') + 1
		if headerEnd == 0 {
			t.Fatalf("cols=%d: no header terminator", cols)
		}
		if headerEnd%64 != 0 {
			t.Errorf("cols=%d: header length %d not a multiple of 64", cols, headerEnd)
		}
	}
}

func TestNPYRejectsRaggedMatrix(t *testing.T) {
	var buf bytes.Buffer
	err := WriteNPY(&buf, [][]float32{{1, 2}, {3}})
	if err == nil {
		t.Fatal("expected error for ragged rows")
	}
}

func TestNPYRejectsBadMagic(t *testing.T) {
	if _, err := ReadNPY(strings.NewReader("not an npy file at all")); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestNPYRejectsTruncatedData(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteNPY(&buf, [][]float32{{1, 2, 3}, {4, 5, 6}}); err != nil {
		t.Fatalf("WriteNPY: %v", err)
	}
	raw := buf.Bytes()
	if _, err := ReadNPY(bytes.NewReader(raw[:len(raw)-5])); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestNPYOneDimensionalLoadsAsRow(t *testing.T) {
	// Hand-built 1-D header the way numpy.save writes a vector.
	var buf bytes.Buffer
	if err := WriteNPY(&buf, [][]float32{{9, 8, 7}}); err != nil {
		t.Fatalf("WriteNPY: %v", err)
	}
	raw := bytes.Replace(buf.Bytes(), []byte("(1, 3)"), []byte("(3,)  "), 1)
	got, err := ReadNPY(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadNPY: %v", err)
	}
	if len(got) != 1 || len(got[0]) != 3 || got[0][2] != 7 {
		t.Errorf("got %+v, want one row [9 8 7]", got)
	}
}
