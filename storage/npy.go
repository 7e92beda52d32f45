package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Dense float32 matrices are persisted in NumPy .npy v1.0 format so the
// files interoperate with the Python tooling around the pipeline. Only the
// subset the engine writes is supported on read: little-endian float32
// ('<f4'), C order, one- or two-dimensional shape.

var npyMagic = []byte("\x93NUMPY")

var shapeRe = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)

// WriteNPY writes mat as a .npy v1.0 array of shape (len(mat), cols). All
// rows must share the same length; an empty matrix writes shape (0, 0).
func WriteNPY(w io.Writer, mat [][]float32) error {
	rows := len(mat)
	cols := 0
	if rows > 0 {
		cols = len(mat[0])
	}
	for i, row := range mat {
		if len(row) != cols {
			return fmt.Errorf("npy write: row %d has %d columns, want %d", i, len(row), cols)
		}
	}

	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%d, %d), }", rows, cols)
	// Total header size (magic + version + length field + dict + newline)
	// must be a multiple of 64; pad the dict with spaces.
	base := len(npyMagic) + 2 + 2
	pad := 64 - (base+len(header)+1)%64
	if pad == 64 {
		pad = 0
	}
	header = header + strings.Repeat(" ", pad) + "\n"

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(npyMagic); err != nil {
		return err
	}
	if _, err := bw.Write([]byte{1, 0}); err != nil { // format version 1.0
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint16(len(header))); err != nil {
		return err
	}
	if _, err := bw.WriteString(header); err != nil {
		return err
	}
	buf := make([]byte, 4)
	for _, row := range mat {
		for _, v := range row {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			if _, err := bw.Write(buf); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// ReadNPY reads a float32 matrix written by WriteNPY (or by numpy.save with
// a float32 C-order array). One-dimensional arrays load as a single row.
func ReadNPY(r io.Reader) ([][]float32, error) {
	br := bufio.NewReader(r)
	magic := make([]byte, len(npyMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("npy read: %w", err)
	}
	if string(magic) != string(npyMagic) {
		return nil, fmt.Errorf("npy read: bad magic %q", magic)
	}
	version := make([]byte, 2)
	if _, err := io.ReadFull(br, version); err != nil {
		return nil, fmt.Errorf("npy read: %w", err)
	}
	if version[0] != 1 {
		return nil, fmt.Errorf("npy read: unsupported format version %d.%d", version[0], version[1])
	}
	var headerLen uint16
	if err := binary.Read(br, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("npy read: %w", err)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(br, headerBytes); err != nil {
		return nil, fmt.Errorf("npy read: %w", err)
	}
	header := string(headerBytes)

	if !strings.Contains(header, "'<f4'") {
		return nil, fmt.Errorf("npy read: unsupported dtype in header %q", strings.TrimSpace(header))
	}
	if strings.Contains(header, "'fortran_order': True") {
		return nil, fmt.Errorf("npy read: fortran order not supported")
	}
	rows, cols, err := parseShape(header)
	if err != nil {
		return nil, err
	}

	mat := make([][]float32, rows)
	buf := make([]byte, cols*4)
	for i := 0; i < rows; i++ {
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("npy read: row %d: %w", i, err)
		}
		row := make([]float32, cols)
		for j := range row {
			row[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[j*4 : j*4+4]))
		}
		mat[i] = row
	}
	return mat, nil
}

func parseShape(header string) (rows, cols int, err error) {
	m := shapeRe.FindStringSubmatch(header)
	if m == nil {
		return 0, 0, fmt.Errorf("npy read: no shape in header %q", strings.TrimSpace(header))
	}
	var dims []int
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil {
			return 0, 0, fmt.Errorf("npy read: bad shape entry %q", part)
		}
		dims = append(dims, d)
	}
	switch len(dims) {
	case 1:
		return 1, dims[0], nil
	case 2:
		return dims[0], dims[1], nil
	default:
		return 0, 0, fmt.Errorf("npy read: unsupported rank %d", len(dims))
	}
}
