package core

import "fmt"

// DefaultDimension is the embedding width produced by the default encoders.
const DefaultDimension = 768

// Modality identifies which encoder produced an embedding.
type Modality string

const (
	ModalityVisual     Modality = "visual"
	ModalityTranscript Modality = "transcript"
)

// Metadata carries the display attributes attached to an indexed embedding.
// Visual entries fill Timestamp and FrameIndex, transcript entries fill
// StartTime, EndTime, Text and SegmentID. Extra holds opaque caller-supplied
// key/value pairs that the index stores but never interprets.
type Metadata struct {
	Modality   Modality       `json:"modality,omitempty"`
	Timestamp  float64        `json:"timestamp,omitempty"`
	FrameIndex int            `json:"frame_index,omitempty"`
	StartTime  float64        `json:"start_time,omitempty"`
	EndTime    float64        `json:"end_time,omitempty"`
	Text       string         `json:"text,omitempty"`
	SegmentID  string         `json:"segment_id,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// SearchResult is a single nearest-neighbor hit. Score is cosine similarity,
// higher is better.
type SearchResult struct {
	ID       int64     `json:"id"`
	Score    float64   `json:"score"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// Event is a detected content boundary in the frame stream.
type Event struct {
	Timestamp  float64 `json:"timestamp"`
	Confidence float64 `json:"confidence"`
}

func (e Event) String() string {
	return fmt.Sprintf("event@%.2fs (confidence %.2f)", e.Timestamp, e.Confidence)
}

// Segment is one transcript segment handed in by the transcription pipeline.
type Segment struct {
	ID    string  `json:"id,omitempty"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Frame is one sampled video frame with its capture timestamp.
type Frame struct {
	TimestampSec float64 `json:"timestamp_sec"`
	Index        int     `json:"index"`
	Path         string  `json:"path,omitempty"`
}

// Hit is a retrieval result at the remote-backend boundary.
type Hit struct {
	SegmentID string  `json:"segment_id"`
	LectureID string  `json:"lecture_id"`
	Score     float64 `json:"score"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Text      string  `json:"text"`
}

// Lecture is the top-level record for one processed video.
type Lecture struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Duration float64 `json:"duration"`
}
