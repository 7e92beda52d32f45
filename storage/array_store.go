// Package storage persists the engine's raw embedding matrices and
// relational metadata. Array files follow an atomic-write pattern (temp file
// plus rename) with single-generation backup rotation and startup crash
// recovery; relational metadata lives in a WAL-mode SQLite database.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"lectureindex/core"
)

// BackupGrowthThreshold is the row growth since the last backup that
// triggers copying the canonical embeddings file to its .bak sibling before
// the next write.
const BackupGrowthThreshold = 100

// ArrayStore persists one embedding matrix and its sidecar files under a
// path prefix:
//
//	<prefix>.npy        canonical embedding matrix
//	<prefix>.npy.bak    most recent backup generation
//	<prefix>_temp.npy   write-in-progress artifact, absent after clean runs
//	<prefix>_ids.json   slot -> external id, insertion order
//	<prefix>_meta.json  id -> metadata
type ArrayStore struct {
	prefix string
	logger *zap.Logger

	// rows in the canonical file when the backup was last rotated
	lastBackupRows int
}

// OpenArrayStore opens the store at prefix, creating the directory if needed
// and running crash recovery: an orphaned temp file is promoted to canonical
// when the canonical file is missing, and an unreadable canonical file is
// restored from its backup. Recovery is idempotent; opening twice in a row
// leaves the same canonical file. A store with no files at all is valid and
// starts empty; an unreadable canonical with no usable temp or backup
// surfaces core.ErrCorruptStorage.
func OpenArrayStore(prefix string, logger *zap.Logger) (*ArrayStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(prefix); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	s := &ArrayStore{prefix: prefix, logger: logger}
	if err := s.recover(); err != nil {
		return nil, err
	}
	if mat, err := s.readMatrix(s.canonicalPath()); err == nil {
		s.lastBackupRows = len(mat)
	}
	return s, nil
}

func (s *ArrayStore) canonicalPath() string { return s.prefix + ".npy" }
func (s *ArrayStore) backupPath() string    { return s.prefix + ".npy.bak" }
func (s *ArrayStore) tempPath() string      { return s.prefix + "_temp.npy" }
func (s *ArrayStore) idsPath() string       { return s.prefix + "_ids.json" }
func (s *ArrayStore) metaPath() string      { return s.prefix + "_meta.json" }

func (s *ArrayStore) recover() error {
	canonical := s.canonicalPath()
	_, canonErr := os.Stat(canonical)

	if os.IsNotExist(canonErr) {
		// A temp file without a canonical file means a crash happened after
		// the temp write completed but before the rename. Finish the rename.
		if _, err := os.Stat(s.tempPath()); err == nil {
			if _, rerr := s.readMatrix(s.tempPath()); rerr == nil {
				if err := os.Rename(s.tempPath(), canonical); err != nil {
					return fmt.Errorf("promote temp file: %w", err)
				}
				s.logger.Info("recovered embeddings from interrupted write", zap.String("path", canonical))
				return nil
			}
			// Unreadable temp is a dead artifact from a partial write.
			_ = os.Remove(s.tempPath())
		}
		if _, err := os.Stat(s.backupPath()); err == nil {
			if _, rerr := s.readMatrix(s.backupPath()); rerr == nil {
				if err := copyFile(s.backupPath(), canonical); err != nil {
					return fmt.Errorf("restore from backup: %w", err)
				}
				s.logger.Warn("restored embeddings from backup", zap.String("path", canonical))
			}
		}
		// No files at all: a fresh store, not an error.
		return nil
	}
	if canonErr != nil {
		return fmt.Errorf("stat canonical file: %w", canonErr)
	}

	if _, err := s.readMatrix(canonical); err != nil {
		if _, rerr := s.readMatrix(s.backupPath()); rerr == nil {
			if cerr := copyFile(s.backupPath(), canonical); cerr != nil {
				return fmt.Errorf("restore from backup: %w", cerr)
			}
			s.logger.Warn("canonical embeddings corrupt, restored from backup",
				zap.String("path", canonical), zap.Error(err))
			_ = os.Remove(s.tempPath())
			return nil
		}
		if _, rerr := s.readMatrix(s.tempPath()); rerr == nil {
			if cerr := os.Rename(s.tempPath(), canonical); cerr != nil {
				return fmt.Errorf("promote temp file: %w", cerr)
			}
			s.logger.Warn("canonical embeddings corrupt, recovered from temp file",
				zap.String("path", canonical))
			return nil
		}
		return fmt.Errorf("%w: %s", core.ErrCorruptStorage, canonical)
	}
	// Canonical is fine; a leftover temp file is stale.
	_ = os.Remove(s.tempPath())
	return nil
}

// SaveMatrix atomically replaces the canonical embeddings file. When the
// matrix has grown by more than BackupGrowthThreshold rows since the last
// rotation, the current canonical file is first copied to the backup.
func (s *ArrayStore) SaveMatrix(mat [][]float32) error {
	if _, err := os.Stat(s.canonicalPath()); err == nil {
		if len(mat)-s.lastBackupRows > BackupGrowthThreshold {
			if err := copyFile(s.canonicalPath(), s.backupPath()); err != nil {
				return fmt.Errorf("rotate backup: %w", err)
			}
			s.lastBackupRows = len(mat)
			s.logger.Debug("rotated embeddings backup",
				zap.String("path", s.backupPath()), zap.Int("rows", len(mat)))
		}
	}

	tmp, err := os.Create(s.tempPath())
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if err := WriteNPY(tmp, mat); err != nil {
		tmp.Close()
		_ = os.Remove(s.tempPath())
		return fmt.Errorf("write embeddings: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(s.tempPath())
		return fmt.Errorf("sync embeddings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(s.tempPath(), s.canonicalPath()); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// LoadMatrix reads the canonical embeddings file. A store that has never
// been saved returns an empty matrix.
func (s *ArrayStore) LoadMatrix() ([][]float32, error) {
	mat, err := s.readMatrix(s.canonicalPath())
	if errors.Is(err, os.ErrNotExist) {
		return [][]float32{}, nil
	}
	return mat, err
}

func (s *ArrayStore) readMatrix(path string) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadNPY(f)
}

// SaveIDs writes the slot->id mapping sidecar.
func (s *ArrayStore) SaveIDs(ids []int64) error {
	return writeJSONAtomic(s.idsPath(), ids)
}

// LoadIDs reads the slot->id mapping; a missing file yields an empty slice.
func (s *ArrayStore) LoadIDs() ([]int64, error) {
	var ids []int64
	if err := readJSON(s.idsPath(), &ids); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return ids, nil
}

// SaveMetadata writes the id->metadata sidecar. JSON object keys are
// strings, so ids are serialized in decimal form and parsed back on load.
func (s *ArrayStore) SaveMetadata(metas map[int64]*core.Metadata) error {
	out := make(map[string]*core.Metadata, len(metas))
	for id, meta := range metas {
		out[strconv.FormatInt(id, 10)] = meta
	}
	return writeJSONAtomic(s.metaPath(), out)
}

// LoadMetadata reads the metadata sidecar; a missing file yields an empty
// map. Keys that do not parse as integers are dropped with a warning rather
// than failing the whole load.
func (s *ArrayStore) LoadMetadata() (map[int64]*core.Metadata, error) {
	raw := make(map[string]*core.Metadata)
	if err := readJSON(s.metaPath(), &raw); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[int64]*core.Metadata{}, nil
		}
		return nil, err
	}
	out := make(map[int64]*core.Metadata, len(raw))
	for key, meta := range raw {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			s.logger.Warn("dropping metadata entry with non-integer id", zap.String("key", key))
			continue
		}
		out[id] = meta
	}
	return out, nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
