package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

var (
	// ErrNotRecording is returned by Send and Stop when no file is open
	ErrNotRecording = errors.New("not recording")
	// ErrRecorderBusy is returned by a non-blocking Send when the buffer is full
	ErrRecorderBusy = errors.New("recorder buffer full, record dropped")
)

// RecorderOptions configure a Recorder
type RecorderOptions struct {
	BasePath string // directory for record files
	Buffer   int    // queued records, default 64
	// Blocking makes Send wait for buffer space instead of dropping.
	// Batch extraction uses it so no record is lost.
	Blocking bool
}

// Recorder writes records as JSON lines on a background goroutine
type Recorder struct {
	opts RecorderOptions

	mu        sync.RWMutex // guards recording and records
	recording bool
	records   chan types.Record
	wg        sync.WaitGroup

	fileMu       sync.Mutex
	file         *os.File
	filename     string
	recordCount  uint64
	droppedCount uint64
	bytesWritten uint64
	startTime    time.Time
	writeErr     error

	log *logger.ModuleLogger
}

// NewRecorder creates a recorder. Nothing is written until Start.
func NewRecorder(opts RecorderOptions) *Recorder {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.BasePath == "" {
		opts.BasePath = "."
	}
	return &Recorder{
		opts: opts,
		log:  logger.For("Recorder"),
	}
}

// Start opens a new file under BasePath. An empty name gets a timestamped one.
func (r *Recorder) Start(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return fmt.Errorf("already recording to %s", r.filename)
	}

	if name == "" {
		name = fmt.Sprintf("records_%s.jsonl", time.Now().Format("20060102_150405"))
	}
	// Files always land directly under BasePath.
	name = filepath.Base(name)
	if err := os.MkdirAll(r.opts.BasePath, 0o755); err != nil {
		return fmt.Errorf("failed to create record directory: %w", err)
	}
	file, err := os.Create(filepath.Join(r.opts.BasePath, name))
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	r.fileMu.Lock()
	r.file = file
	r.filename = name
	r.recordCount = 0
	r.droppedCount = 0
	r.bytesWritten = 0
	r.startTime = time.Now()
	r.writeErr = nil
	r.fileMu.Unlock()

	r.records = make(chan types.Record, r.opts.Buffer)
	r.recording = true

	r.wg.Add(1)
	go r.writeRecords(r.records)

	r.log.Info("recording to %s", file.Name())
	return nil
}

// Stop drains queued records and closes the file
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return ErrNotRecording
	}
	r.recording = false
	close(r.records)
	r.mu.Unlock()

	r.wg.Wait()

	r.fileMu.Lock()
	defer r.fileMu.Unlock()

	if r.file == nil {
		return nil
	}
	syncErr := r.file.Sync()
	closeErr := r.file.Close()
	r.file = nil
	r.log.Info("stopped %s: %d records, %d bytes, %d dropped",
		r.filename, r.recordCount, r.bytesWritten, r.droppedCount)

	switch {
	case r.writeErr != nil:
		return fmt.Errorf("failed to write records: %w", r.writeErr)
	case syncErr != nil:
		return fmt.Errorf("failed to sync file: %w", syncErr)
	case closeErr != nil:
		return fmt.Errorf("failed to close file: %w", closeErr)
	}
	return nil
}

// Send queues rec for writing
func (r *Recorder) Send(ctx context.Context, rec types.Record) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.recording {
		return ErrNotRecording
	}

	if r.opts.Blocking {
		select {
		case r.records <- rec:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case r.records <- rec:
		return nil
	default:
		r.fileMu.Lock()
		r.droppedCount++
		r.fileMu.Unlock()
		return ErrRecorderBusy
	}
}

// Finish closes the current file once the session is over
func (r *Recorder) Finish(_ context.Context, _ types.Summary) error {
	if !r.IsRecording() {
		return nil
	}
	return r.Stop()
}

func (r *Recorder) writeRecords(records <-chan types.Record) {
	defer r.wg.Done()
	for rec := range records {
		r.writeRecord(rec)
	}
}

func (r *Recorder) writeRecord(rec types.Record) {
	line, err := json.Marshal(rec)
	if err != nil {
		r.fileMu.Lock()
		r.droppedCount++
		r.fileMu.Unlock()
		r.log.Warn("record #%d not serializable: %v", rec.Seq, err)
		return
	}
	line = append(line, '\n')

	r.fileMu.Lock()
	defer r.fileMu.Unlock()

	if r.file == nil || r.writeErr != nil {
		return
	}
	n, err := r.file.Write(line)
	if err != nil {
		// Keep draining so Send never blocks on a dead file.
		r.writeErr = err
		r.log.Error("write %s: %v", r.filename, err)
		return
	}
	r.bytesWritten += uint64(n)
	r.recordCount++
}

// IsRecording returns true if a file is open
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// Path returns the full path of the current or last file
func (r *Recorder) Path() string {
	r.fileMu.Lock()
	defer r.fileMu.Unlock()
	if r.filename == "" {
		return ""
	}
	return filepath.Join(r.opts.BasePath, r.filename)
}

// GetStatus returns the current recording status
func (r *Recorder) GetStatus() RecordingStatus {
	recording := r.IsRecording()

	r.fileMu.Lock()
	defer r.fileMu.Unlock()

	var duration time.Duration
	if recording {
		duration = time.Since(r.startTime)
	}

	return RecordingStatus{
		Recording:    recording,
		Filename:     r.filename,
		RecordCount:  r.recordCount,
		DroppedCount: r.droppedCount,
		BytesWritten: r.bytesWritten,
		Duration:     duration,
		StartTime:    r.startTime,
	}
}

// Close stops recording if a file is still open
func (r *Recorder) Close() error {
	if r.IsRecording() {
		return r.Stop()
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording    bool          `json:"recording"`
	Filename     string        `json:"filename"`
	RecordCount  uint64        `json:"record_count"`
	DroppedCount uint64        `json:"dropped_count"`
	BytesWritten uint64        `json:"bytes_written"`
	Duration     time.Duration `json:"duration_ms"`
	StartTime    time.Time     `json:"start_time"`
}
