// Package engine runs a temporal network over a stream of frames.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

// ErrOutOfOrder is returned for a frame whose Seq does not increase
var ErrOutOfOrder = errors.New("frame sequence not increasing")

// Stats are engine counters
type Stats struct {
	FramesAccepted uint64        `json:"frames_accepted"`
	Results        uint64        `json:"results"`
	LastSeq        uint64        `json:"last_seq"`
	LastLatency    time.Duration `json:"last_latency"`
}

// Engine owns the frame window and decides on which frames the network runs.
// It is not safe for concurrent use; one goroutine drives it.
type Engine struct {
	net    Network
	name   string
	window *FrameWindow
	step   int

	started   bool // first result emitted
	sinceLast int  // frames accepted since the last result

	hasSeq  bool
	lastSeq uint64

	accepted uint64
	results  uint64
	latency  time.Duration

	log *logger.ModuleLogger
}

// New wraps net in an engine. StepSize and InputsNeeded must be positive.
func New(net Network) (*Engine, error) {
	if net == nil {
		return nil, fmt.Errorf("%w: network is required", types.ErrConfiguration)
	}
	step := net.StepSize()
	if step < 1 {
		return nil, fmt.Errorf("%w: step size must be >= 1, got %d", types.ErrConfiguration, step)
	}
	need := net.InputsNeeded()
	if need < 1 {
		return nil, fmt.Errorf("%w: inputs needed must be >= 1, got %d", types.ErrConfiguration, need)
	}

	name := NameOf(net)
	return &Engine{
		net:    net,
		name:   name,
		window: NewFrameWindow(need),
		step:   step,
		log:    logger.For("Engine").Sub(name),
	}, nil
}

// Infer appends frame to the window and runs the network when the cadence
// calls for it. A nil result with a nil error means "no new output".
func (e *Engine) Infer(ctx context.Context, frame types.Frame) (*types.InferenceResult, error) {
	if e.hasSeq && frame.Seq <= e.lastSeq {
		return nil, fmt.Errorf("frame #%d after #%d: %w", frame.Seq, e.lastSeq, ErrOutOfOrder)
	}

	tensor, err := e.net.Preprocess(frame)
	if err != nil {
		return nil, fmt.Errorf("preprocess frame #%d: %w: %w", frame.Seq, types.ErrInferenceFailure, err)
	}

	e.window.Append(frame.Seq, tensor)
	e.hasSeq = true
	e.lastSeq = frame.Seq
	e.accepted++

	if !e.window.Full() {
		e.log.Debug("warming up %d/%d (frame #%d)", e.window.Len(), e.window.Cap(), frame.Seq)
		return nil, nil
	}

	if e.started {
		e.sinceLast++
		if e.sinceLast < e.step {
			return nil, nil
		}
	}
	e.started = true
	e.sinceLast = 0

	start := time.Now()
	scores, err := e.net.Forward(ctx, e.window.Tensors())
	e.latency = time.Since(start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, err
		}
		return nil, fmt.Errorf("forward frame #%d: %w: %w", frame.Seq, types.ErrInferenceFailure, err)
	}

	if len(scores) == 0 {
		return nil, fmt.Errorf("frame #%d: empty network output: %w", frame.Seq, types.ErrInferenceFailure)
	}
	for i, s := range scores {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return nil, fmt.Errorf("frame #%d: non-finite score %v at index %d: %w",
				frame.Seq, s, i, types.ErrInferenceFailure)
		}
	}

	e.results++
	return &types.InferenceResult{
		Seq:       frame.Seq,
		Scores:    scores,
		Timestamp: frame.Timestamp,
		Latency:   e.latency,
	}, nil
}

// Name returns the network name
func (e *Engine) Name() string { return e.name }

// StepSize returns the network step size
func (e *Engine) StepSize() int { return e.step }

// FrameRate returns the frame rate the network was trained at
func (e *Engine) FrameRate() float64 { return e.net.FrameRate() }

// ExpectedFrameSize returns the input size the network expects
func (e *Engine) ExpectedFrameSize() (int, int) { return e.net.ExpectedFrameSize() }

// ExpectedInferenceRate is the result rate when frames arrive at FrameRate
func (e *Engine) ExpectedInferenceRate() float64 {
	return e.net.FrameRate() / float64(e.step)
}

// Stats returns the engine counters
func (e *Engine) Stats() Stats {
	return Stats{
		FramesAccepted: e.accepted,
		Results:        e.results,
		LastSeq:        e.lastSeq,
		LastLatency:    e.latency,
	}
}

// Close releases the network
func (e *Engine) Close() error {
	return e.net.Close()
}
