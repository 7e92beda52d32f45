// Package processors holds the streaming analysis stages that consume
// embedding streams produced by the encoders. The boundary detector is the
// online change-point stage that turns per-frame embeddings into the sparse
// timeline of topic/scene transitions.
package processors

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"lectureindex/core"
)

// DetectorConfig tunes the boundary detector. Zero values fall back to the
// defaults below.
type DetectorConfig struct {
	// Threshold is the dissimilarity (1 - cosine) above which a boundary is
	// considered.
	Threshold float64
	// MinEventGap is the minimum number of seconds between emitted events.
	MinEventGap float64
	// SmoothingWindow is how many recent frames are averaged before
	// comparison, damping frame-to-frame noise.
	SmoothingWindow int
}

const (
	DefaultThreshold       = 0.3
	DefaultMinEventGap     = 30.0
	DefaultSmoothingWindow = 3
)

// BoundaryDetector consumes one (embedding, timestamp) pair per video frame
// and emits an event whenever the smoothed stream drifts past the threshold
// away from its running reference, at most once per MinEventGap seconds.
//
// A detector carries mutable state between calls and must not be used from
// more than one goroutine. It is created per processing session and
// discarded after the last frame.
//
// Reference policy: when the stream is past the threshold but still inside
// the minimum gap, the reference drifts to the current smoothed value, so a
// change absorbed during suppression does not fire a stale event once the
// gap opens. Below the threshold the reference holds.
type BoundaryDetector struct {
	cfg    DetectorConfig
	logger *zap.Logger

	dim       int // fixed by the first Process call
	window    [][]float32
	reference []float32
	lastEvent float64
	failed    bool
}

// NewBoundaryDetector returns a detector in its warm-up state.
func NewBoundaryDetector(cfg DetectorConfig, logger *zap.Logger) *BoundaryDetector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MinEventGap <= 0 {
		cfg.MinEventGap = DefaultMinEventGap
	}
	if cfg.SmoothingWindow <= 0 {
		cfg.SmoothingWindow = DefaultSmoothingWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BoundaryDetector{
		cfg:       cfg,
		logger:    logger,
		lastEvent: math.Inf(-1),
	}
}

// Process feeds one frame. It returns a non-nil event when a boundary fires,
// (nil, nil) otherwise. A dimension change relative to earlier calls is
// fatal: the call errors and every subsequent call errors too.
func (d *BoundaryDetector) Process(embedding []float32, timestamp float64) (*core.Event, error) {
	if d.failed {
		return nil, fmt.Errorf("detector is unusable after a previous input error")
	}
	if d.dim == 0 {
		d.dim = len(embedding)
	}
	if len(embedding) != d.dim {
		d.failed = true
		return nil, fmt.Errorf("%w: got %d, want %d", core.ErrDimensionMismatch, len(embedding), d.dim)
	}

	d.push(embedding)
	smoothed := d.mean()

	// Warm-up: no comparisons until the window is full.
	if len(d.window) < d.cfg.SmoothingWindow {
		d.reference = smoothed
		return nil, nil
	}
	if d.reference == nil {
		d.reference = smoothed
		return nil, nil
	}

	dissimilarity := 1 - core.CosineSimilarity(smoothed, d.reference)
	if dissimilarity <= d.cfg.Threshold {
		return nil, nil
	}

	if timestamp-d.lastEvent < d.cfg.MinEventGap {
		// Suppressed: absorb the change into the reference without firing.
		d.reference = smoothed
		d.logger.Debug("boundary suppressed inside minimum gap",
			zap.Float64("timestamp", timestamp), zap.Float64("dissimilarity", dissimilarity))
		return nil, nil
	}

	confidence := (dissimilarity - d.cfg.Threshold) / d.cfg.Threshold
	if confidence > 1 {
		confidence = 1
	}
	d.reference = smoothed
	d.lastEvent = timestamp
	event := &core.Event{Timestamp: timestamp, Confidence: confidence}
	d.logger.Debug("boundary detected",
		zap.Float64("timestamp", timestamp),
		zap.Float64("dissimilarity", dissimilarity),
		zap.Float64("confidence", confidence))
	return event, nil
}

func (d *BoundaryDetector) push(embedding []float32) {
	vec := make([]float32, d.dim)
	copy(vec, embedding)
	d.window = append(d.window, vec)
	if len(d.window) > d.cfg.SmoothingWindow {
		d.window = d.window[1:]
	}
}

func (d *BoundaryDetector) mean() []float32 {
	out := make([]float32, d.dim)
	for _, vec := range d.window {
		for i, x := range vec {
			out[i] += x
		}
	}
	n := float32(len(d.window))
	for i := range out {
		out[i] /= n
	}
	return out
}

// DetectAll runs the detector over a full frame stream and collects the
// emitted events. Frames must arrive in timestamp order.
func DetectAll(cfg DetectorConfig, logger *zap.Logger, embeddings [][]float32, timestamps []float64) ([]core.Event, error) {
	if len(embeddings) != len(timestamps) {
		return nil, fmt.Errorf("%w: %d embeddings, %d timestamps", core.ErrLengthMismatch, len(embeddings), len(timestamps))
	}
	det := NewBoundaryDetector(cfg, logger)
	var events []core.Event
	for i, emb := range embeddings {
		ev, err := det.Process(emb, timestamps[i])
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}
	return events, nil
}
