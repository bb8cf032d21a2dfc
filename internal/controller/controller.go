// Package controller drives frames from a source through the inference
// engine and the post-processor chain into a sink.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/mailbox"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/postprocess"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

// ErrNotIdle is returned by Run on a controller that already ran
var ErrNotIdle = errors.New("controller is not idle")

// FrameSource yields frames at its own cadence. Next returns io.EOF
// (or types.ErrSourceExhausted) at the end of the stream and must return
// promptly once ctx is cancelled.
type FrameSource interface {
	Next(ctx context.Context) (types.Frame, error)
	FPS() float64
	Close() error
}

// Inferencer is the engine as seen by the controller
type Inferencer interface {
	Infer(ctx context.Context, frame types.Frame) (*types.InferenceResult, error)
	Close() error
}

// Sink receives one record per processed frame. Errors are logged and
// counted, they never stop the session.
type Sink interface {
	Send(ctx context.Context, rec types.Record) error
}

// Finisher is implemented by sinks that want the final summary
type Finisher interface {
	Finish(ctx context.Context, summary types.Summary) error
}

// Discipline selects how capture and inference are scheduled
type Discipline int

const (
	// DisciplineBatch reads and processes frames in one goroutine; nothing is dropped
	DisciplineBatch Discipline = iota
	// DisciplineLive captures into a single-slot mailbox; slow inference drops frames
	DisciplineLive
)

func (d Discipline) String() string {
	if d == DisciplineLive {
		return "live"
	}
	return "batch"
}

// ParseDiscipline parses "batch" or "live"
func ParseDiscipline(s string) (Discipline, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "batch", "cooperative", "":
		return DisciplineBatch, nil
	case "live", "producer-consumer":
		return DisciplineLive, nil
	default:
		return DisciplineBatch, fmt.Errorf("%w: unknown discipline %q", types.ErrConfiguration, s)
	}
}

// Options configure a controller
type Options struct {
	SessionID  string
	Discipline Discipline
	Model      string           // label for inference latency metrics
	Metrics    *metrics.Metrics // optional
	FPSWindow  int              // events per fps measurement, default 10
	Clock      func() time.Time // wall clock for fps and summary times
}

// Controller owns one session: the source, the engine, the chain and the sink.
// Every handle it is given is released when Run returns.
type Controller struct {
	opts   Options
	source FrameSource
	engine Inferencer
	chain  *postprocess.Chain
	sink   Sink

	state   atomic.Int32
	mu      sync.Mutex
	cancel  context.CancelFunc
	stopReq bool
	done    chan struct{}

	framesRead      atomic.Uint64
	framesProcessed atomic.Uint64
	framesDropped   atomic.Uint64
	results         atomic.Uint64
	lastSeq         atomic.Uint64

	cameraFPS    *fpsMeter
	inferenceFPS *fpsMeter

	lastFields atomic.Pointer[map[string]any]
	startedAt  atomic.Pointer[time.Time]

	log *logger.ModuleLogger
}

// New validates the assembly. The controller starts Idle.
func New(opts Options, source FrameSource, eng Inferencer, chain *postprocess.Chain, sink Sink) (*Controller, error) {
	switch {
	case source == nil:
		return nil, fmt.Errorf("%w: frame source is required", types.ErrConfiguration)
	case eng == nil:
		return nil, fmt.Errorf("%w: inference engine is required", types.ErrConfiguration)
	case chain == nil:
		return nil, fmt.Errorf("%w: post-processor chain is required", types.ErrConfiguration)
	case sink == nil:
		return nil, fmt.Errorf("%w: sink is required", types.ErrConfiguration)
	}
	if opts.Discipline != DisciplineBatch && opts.Discipline != DisciplineLive {
		return nil, fmt.Errorf("%w: invalid discipline %d", types.ErrConfiguration, opts.Discipline)
	}
	if opts.FPSWindow == 0 {
		opts.FPSWindow = 10
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Model == "" {
		opts.Model = "network"
	}

	c := &Controller{
		opts:         opts,
		source:       source,
		engine:       eng,
		chain:        chain,
		sink:         sink,
		done:         make(chan struct{}),
		cameraFPS:    newFPSMeter(opts.FPSWindow, opts.Clock),
		inferenceFPS: newFPSMeter(opts.FPSWindow, opts.Clock),
		log:          logger.For("Controller"),
	}
	c.state.Store(int32(types.StateIdle))
	initial := map[string]any(chain.Snapshot())
	c.lastFields.Store(&initial)

	return c, nil
}

// State returns the lifecycle state
func (c *Controller) State() types.SessionState {
	return types.SessionState(c.state.Load())
}

// Done is closed when the controller reaches Stopped
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Stop requests cancellation. The tick in flight completes; a frame still
// waiting for inference is discarded. Stop on an idle controller moves it
// straight to Stopped and releases its handles.
func (c *Controller) Stop() {
	if c.state.CompareAndSwap(int32(types.StateIdle), int32(types.StateStopped)) {
		c.release()
		close(c.done)
		return
	}

	c.mu.Lock()
	c.stopReq = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run streams until the source is exhausted, ctx is cancelled, Stop is
// called or a fatal error occurs. The summary is valid in every case.
// Fatal errors are returned as *types.SessionError.
func (c *Controller) Run(ctx context.Context) (types.Summary, error) {
	if !c.state.CompareAndSwap(int32(types.StateIdle), int32(types.StateRunning)) {
		return types.Summary{SessionID: c.opts.SessionID, State: c.State().String()}, ErrNotIdle
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	if c.stopReq {
		cancel()
	}
	c.mu.Unlock()

	started := c.opts.Clock()
	c.startedAt.Store(&started)
	if m := c.opts.Metrics; m != nil {
		m.SessionsStarted.Add(1)
	}
	c.log.Info("session %s started (%s discipline, source %.1f fps)",
		c.opts.SessionID, c.opts.Discipline, c.source.FPS())

	var err error
	switch c.opts.Discipline {
	case DisciplineLive:
		err = c.runLive(ctx, cancel)
	default:
		err = c.runBatch(ctx)
	}

	c.state.Store(int32(types.StateStopping))

	summary := c.summary(err)
	if f, ok := c.sink.(Finisher); ok {
		if ferr := f.Finish(context.WithoutCancel(ctx), summary); ferr != nil {
			c.log.Warn("sink finish failed: %v", ferr)
		}
	}
	c.release()

	c.state.Store(int32(types.StateStopped))
	close(c.done)

	if err != nil {
		if m := c.opts.Metrics; m != nil {
			m.SessionError(string(types.Classify(err)))
		}
		c.log.Error("session %s aborted: %v", c.opts.SessionID, err)
		return summary, err
	}

	c.log.Info("session %s stopped: %d frames read, %d processed, %d dropped, %d results",
		c.opts.SessionID, summary.FramesRead, summary.FramesProcessed, summary.FramesDropped, summary.Results)
	return summary, nil
}

// runBatch is the cooperative loop: read, infer, post-process, emit
func (c *Controller) runBatch(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		frame, err := c.source.Next(ctx)
		if err != nil {
			return c.sourceEnded(ctx, err)
		}
		c.captured()

		if err := c.tick(context.WithoutCancel(ctx), frame); err != nil {
			return err
		}
	}
}

// runLive runs capture and inference in separate goroutines joined by a
// single-slot mailbox. Capture never waits on inference.
func (c *Controller) runLive(ctx context.Context, cancel context.CancelFunc) error {
	box := mailbox.New[types.Frame]()
	stopAfter := context.AfterFunc(ctx, func() {
		if box.Discard() {
			c.log.Debug("discarded pending frame on cancellation")
		}
	})
	defer stopAfter()

	var (
		wg         sync.WaitGroup
		captureErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer box.Close()
		for {
			if ctx.Err() != nil {
				return
			}
			frame, err := c.source.Next(ctx)
			if err != nil {
				captureErr = c.sourceEnded(ctx, err)
				return
			}
			c.captured()
			if !box.Put(frame) {
				c.dropped(1)
			}
		}
	}()

	var tickErr error
	for {
		frame, ok := box.Take()
		if !ok {
			break
		}
		if ctx.Err() != nil {
			c.dropped(1)
			break
		}
		if err := c.tick(context.WithoutCancel(ctx), frame); err != nil {
			tickErr = err
			break
		}
	}

	// Unblock the capture goroutine on the error path.
	if tickErr != nil {
		cancel()
		box.Discard()
	}
	wg.Wait()
	// A frame captured while stopping is still pending; it counts as dropped.
	box.Discard()

	stats := box.Stats()
	c.dropped(stats.Drops)
	if stats.Drops > 0 {
		c.log.Info("mailbox dropped %d of %d frames", stats.Drops, stats.Puts)
	}

	if tickErr != nil {
		return tickErr
	}
	return captureErr
}

// sourceEnded maps a source error to the session outcome
func (c *Controller) sourceEnded(ctx context.Context, err error) error {
	if types.IsEndOfStream(err) {
		c.log.Info("source exhausted after %d frames", c.framesRead.Load())
		return nil
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return types.NewSessionError(fmt.Errorf("read frame: %w", err), c.lastSeq.Load())
}

// dropped counts frames read but never processed
func (c *Controller) dropped(n uint64) {
	if n == 0 {
		return
	}
	c.framesDropped.Add(n)
	if m := c.opts.Metrics; m != nil {
		m.FramesDropped.Add(n)
	}
}

func (c *Controller) captured() {
	c.framesRead.Add(1)
	c.cameraFPS.Tick()
	if m := c.opts.Metrics; m != nil {
		m.FramesRead.Add(1)
	}
}

// tick runs one frame through engine, chain and sink. ctx is never cancelled
// by Stop so the tick always completes.
func (c *Controller) tick(ctx context.Context, frame types.Frame) error {
	result, err := c.engine.Infer(ctx, frame)
	if err != nil {
		if m := c.opts.Metrics; m != nil {
			m.InferenceErrors.Add(1)
		}
		return types.NewSessionError(err, c.lastSeq.Load())
	}

	now := frame.Timestamp
	if now.IsZero() {
		now = c.opts.Clock()
	}
	out, err := c.chain.Process(postprocess.Tick{Result: result, Now: now})
	if err != nil {
		return types.NewSessionError(err, c.lastSeq.Load())
	}

	c.framesProcessed.Add(1)
	c.lastSeq.Store(frame.Seq)
	if result != nil {
		c.results.Add(1)
		c.inferenceFPS.Tick()
	}

	fields := map[string]any(out)
	c.lastFields.Store(&fields)

	rec := types.Record{
		SessionID: c.opts.SessionID,
		Seq:       frame.Seq,
		Timestamp: now,
		HasResult: result != nil,
		FPS: types.FPSMetrics{
			Camera:    c.cameraFPS.Rate(),
			Inference: c.inferenceFPS.Rate(),
		},
		Fields: fields,
	}

	if m := c.opts.Metrics; m != nil {
		m.FramesProcessed.Add(1)
		if result != nil {
			m.InferenceResults.Add(1)
			m.ObserveInference(c.opts.Model, result.Latency)
		}
		m.UpdateFPS(rec.FPS.Camera, rec.FPS.Inference)
		publishScalars(m, fields)
	}

	if err := c.sink.Send(ctx, rec); err != nil {
		c.log.Warn("sink rejected record #%d: %v", frame.Seq, err)
		if m := c.opts.Metrics; m != nil {
			m.SinkErrors.Add(1)
		}
	} else if m := c.opts.Metrics; m != nil {
		m.RecordsSent.Add(1)
	}

	return nil
}

// publishScalars exports numeric outputs (counts, calories) as gauges
func publishScalars(m *metrics.Metrics, fields map[string]any) {
	for key, v := range fields {
		switch n := v.(type) {
		case uint64:
			m.SetOutput(key, float64(n))
		case float64:
			m.SetOutput(key, n)
		}
	}
}

// Progress returns a summary of the session so far. Safe to call from any goroutine.
func (c *Controller) Progress() types.Summary {
	return c.summary(nil)
}

func (c *Controller) summary(err error) types.Summary {
	var startedAt time.Time
	if t := c.startedAt.Load(); t != nil {
		startedAt = *t
	}
	s := types.Summary{
		SessionID:       c.opts.SessionID,
		StartedAt:       startedAt,
		State:           c.State().String(),
		FramesRead:      c.framesRead.Load(),
		FramesDropped:   c.framesDropped.Load(),
		FramesProcessed: c.framesProcessed.Load(),
		Results:         c.results.Load(),
		LastSeq:         c.lastSeq.Load(),
		Fields:          *c.lastFields.Load(),
	}
	if st := c.State(); st == types.StateStopping || st == types.StateStopped {
		s.EndedAt = c.opts.Clock()
		s.State = types.StateStopped.String()
	}
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

func (c *Controller) release() {
	if err := c.source.Close(); err != nil {
		c.log.Warn("close source: %v", err)
	}
	if err := c.engine.Close(); err != nil {
		c.log.Warn("close engine: %v", err)
	}
	if closer, ok := c.sink.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			c.log.Warn("close sink: %v", err)
		}
	}
}
