package types

import (
	"image"
	"time"
)

// Frame is a captured video frame with metadata
type Frame struct {
	Image     image.Image // Decoded image (never modified after capture)
	Timestamp time.Time   // Frame capture timestamp
	Seq       uint64      // Sequential frame number, strictly increasing per source
}

// Size returns the frame dimensions, (0, 0) for an empty frame
func (f Frame) Size() (int, int) {
	if f.Image == nil {
		return 0, 0
	}
	b := f.Image.Bounds()
	return b.Dx(), b.Dy()
}

// InferenceResult is one network output for the window ending at Seq.
// Regression networks return a single-element Scores vector.
type InferenceResult struct {
	Seq       uint64
	Scores    []float64
	Timestamp time.Time
	Latency   time.Duration
}

// Prediction is one (label, score) pair of a sorted classification output
type Prediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// FPSMetrics reports measured camera and inference rates
type FPSMetrics struct {
	Camera    float64 `json:"camera_fps"`
	Inference float64 `json:"inference_fps"`
}

// Record is the merged per-tick output forwarded to sinks
type Record struct {
	SessionID string         `json:"session_id"`
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	HasResult bool           `json:"has_result"`
	FPS       FPSMetrics     `json:"fps_metrics"`
	Fields    map[string]any `json:"fields"`
}

// SessionState is the controller lifecycle state
type SessionState int32

const (
	StateIdle SessionState = iota
	StateRunning
	StateStopping
	StateStopped
)

var stateNames = map[SessionState]string{
	StateIdle:     "idle",
	StateRunning:  "running",
	StateStopping: "stopping",
	StateStopped:  "stopped",
}

// String returns the lowercase state name
func (s SessionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Summary is reported once when a session ends, cleanly or not
type Summary struct {
	SessionID       string         `json:"session_id"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         time.Time      `json:"ended_at"`
	State           string         `json:"state"`
	FramesRead      uint64         `json:"frames_read"`
	FramesDropped   uint64         `json:"frames_dropped"`
	FramesProcessed uint64         `json:"frames_processed"`
	Results         uint64         `json:"results"`
	LastSeq         uint64         `json:"last_seq"`
	Fields          map[string]any `json:"fields"`
	Error           string         `json:"error,omitempty"`
}

// Duration returns the session wall-clock duration
func (s Summary) Duration() time.Duration {
	if s.EndedAt.IsZero() || s.StartedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}
