package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"lectureindex/core"
)

// MetaDB holds the relational side of a processed lecture: the lecture
// record, its transcript segments and the detected boundary events. The
// database runs in WAL mode so a crash mid-transaction never leaves a
// corrupt file behind.
type MetaDB struct {
	db *sql.DB
}

// OpenMetaDB opens or creates the SQLite database at dbPath, enables WAL
// journaling and initializes the schema. Parent directories are created if
// they do not exist.
func OpenMetaDB(dbPath string) (*MetaDB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &MetaDB{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS lectures (
		id TEXT PRIMARY KEY,
		title TEXT,
		duration REAL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS segments (
		lecture_id TEXT NOT NULL,
		segment_id TEXT NOT NULL,
		start_time REAL NOT NULL,
		end_time REAL NOT NULL,
		text TEXT NOT NULL,
		PRIMARY KEY (lecture_id, segment_id),
		FOREIGN KEY (lecture_id) REFERENCES lectures(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_segments_lecture ON segments(lecture_id);

	CREATE TABLE IF NOT EXISTS events (
		lecture_id TEXT NOT NULL,
		timestamp REAL NOT NULL,
		confidence REAL NOT NULL,
		FOREIGN KEY (lecture_id) REFERENCES lectures(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_events_lecture ON events(lecture_id, timestamp);
	`
	_, err := db.Exec(schema)
	return err
}

// CreateLecture inserts a lecture record; an existing id is replaced.
func (m *MetaDB) CreateLecture(ctx context.Context, lec core.Lecture) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO lectures (id, title, duration) VALUES (?, ?, ?)`,
		lec.ID, lec.Title, lec.Duration)
	if err != nil {
		return fmt.Errorf("insert lecture %s: %w", lec.ID, err)
	}
	return nil
}

// SaveSegments replaces the transcript segments stored for a lecture.
func (m *MetaDB) SaveSegments(ctx context.Context, lectureID string, segments []core.Segment) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin segments tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE lecture_id = ?`, lectureID); err != nil {
		return fmt.Errorf("clear segments: %w", err)
	}
	for _, seg := range segments {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO segments (lecture_id, segment_id, start_time, end_time, text) VALUES (?, ?, ?, ?, ?)`,
			lectureID, seg.ID, seg.Start, seg.End, seg.Text); err != nil {
			return fmt.Errorf("insert segment %s: %w", seg.ID, err)
		}
	}
	return tx.Commit()
}

// Segments returns a lecture's transcript segments in ascending start order.
func (m *MetaDB) Segments(ctx context.Context, lectureID string) ([]core.Segment, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT segment_id, start_time, end_time, text FROM segments WHERE lecture_id = ? ORDER BY start_time`, lectureID)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var segments []core.Segment
	for rows.Next() {
		var seg core.Segment
		if err := rows.Scan(&seg.ID, &seg.Start, &seg.End, &seg.Text); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// SaveEvents replaces the boundary events stored for a lecture.
func (m *MetaDB) SaveEvents(ctx context.Context, lectureID string, events []core.Event) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin events tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE lecture_id = ?`, lectureID); err != nil {
		return fmt.Errorf("clear events: %w", err)
	}
	for _, ev := range events {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (lecture_id, timestamp, confidence) VALUES (?, ?, ?)`,
			lectureID, ev.Timestamp, ev.Confidence); err != nil {
			return fmt.Errorf("insert event at %.2fs: %w", ev.Timestamp, err)
		}
	}
	return tx.Commit()
}

// Events returns a lecture's boundary events in ascending timestamp order.
func (m *MetaDB) Events(ctx context.Context, lectureID string) ([]core.Event, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT timestamp, confidence FROM events WHERE lecture_id = ? ORDER BY timestamp`, lectureID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []core.Event
	for rows.Next() {
		var ev core.Event
		if err := rows.Scan(&ev.Timestamp, &ev.Confidence); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close closes the underlying database handle.
func (m *MetaDB) Close() error {
	return m.db.Close()
}
