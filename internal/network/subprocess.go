package network

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/engine"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

// ErrWorkerBroken is returned after the worker timed out or died
var ErrWorkerBroken = errors.New("worker process is not usable")

// SubprocessOptions configure a Subprocess network
type SubprocessOptions struct {
	Meta    Meta
	Command []string          // program and arguments
	Env     []string          // extra environment, KEY=VALUE
	Weights map[string]string // resolved weight files, sent in the hello message
	Timeout time.Duration     // per call, default 2s
}

// Subprocess runs the model in a separate worker process. Requests and
// responses are msgpack maps framed by a 4-byte big-endian length.
type Subprocess struct {
	meta    Meta
	pre     Preprocessor
	timeout time.Duration

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	mu     sync.Mutex // serializes calls
	seq    uint64
	broken bool
	closed bool

	exited chan struct{}
	log    *logger.ModuleLogger
}

// StartSubprocess spawns the worker and performs the hello handshake.
// A worker that cannot be started is ErrSourceUnavailable.
func StartSubprocess(ctx context.Context, opts SubprocessOptions) (*Subprocess, error) {
	if err := opts.Meta.validate(); err != nil {
		return nil, err
	}
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("%w: worker command is required", types.ErrConfiguration)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Meta.Name == "" {
		opts.Meta.Name = "subprocess"
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Env = append(cmd.Environ(), opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w: %w", opts.Command[0], types.ErrSourceUnavailable, err)
	}

	s := &Subprocess{
		meta:    opts.Meta,
		pre:     NewPreprocessor(opts.Meta.Width, opts.Meta.Height),
		timeout: opts.Timeout,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReader(stdout),
		exited:  make(chan struct{}),
		log:     logger.For("Worker").Sub(opts.Meta.Name),
	}
	s.log.Info("worker spawned (pid %d)", cmd.Process.Pid)

	go s.logStderr(stderr)
	go func() {
		err := cmd.Wait()
		if err != nil {
			s.log.Warn("worker exited: %v", err)
		} else {
			s.log.Debug("worker exited")
		}
		close(s.exited)
	}()

	var resp response
	hello := request{Op: "hello", Model: opts.Meta.Name, Weights: opts.Weights}
	if err := s.call(ctx, hello, &resp); err != nil {
		s.kill()
		return nil, fmt.Errorf("worker handshake: %w: %w", types.ErrSourceUnavailable, err)
	}
	if !resp.OK {
		s.kill()
		return nil, fmt.Errorf("worker rejected model %s: %s: %w", opts.Meta.Name, resp.Error, types.ErrSourceUnavailable)
	}

	return s, nil
}

func (s *Subprocess) logStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		s.log.Debug("stderr: %s", sc.Text())
	}
}

// call sends req and waits for one response within the timeout
func (s *Subprocess) call(ctx context.Context, req request, resp *response) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.broken {
		return ErrWorkerBroken
	}
	s.seq++
	req.Seq = s.seq

	done := make(chan error, 1)
	go func() {
		if err := writeMessage(s.stdin, req); err != nil {
			done <- err
			return
		}
		done <- readMessage(s.stdout, resp)
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			s.broken = true
			return fmt.Errorf("worker call %s: %w", req.Op, err)
		}
		return nil
	case <-timer.C:
		s.broken = true
		s.log.Error("worker did not answer %s #%d within %v, killing it", req.Op, req.Seq, s.timeout)
		_ = s.cmd.Process.Kill()
		return fmt.Errorf("worker call %s: timeout after %v", req.Op, s.timeout)
	case <-ctx.Done():
		// The reply may still arrive; the stream is out of sync now.
		s.broken = true
		_ = s.cmd.Process.Kill()
		return ctx.Err()
	}
}

func (s *Subprocess) Preprocess(frame types.Frame) (engine.Tensor, error) {
	return s.pre.Tensor(frame)
}

// Forward sends the window as one float32 block shaped [frames, values]
func (s *Subprocess) Forward(ctx context.Context, window []engine.Tensor) ([]float64, error) {
	per := 0
	if len(window) > 0 {
		per = len(window[0])
	}
	data := make([]byte, 0, len(window)*per*4)
	for i, t := range window {
		if len(t) != per {
			return nil, fmt.Errorf("tensor %d has %d values, expected %d", i, len(t), per)
		}
		for _, v := range t {
			data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
		}
	}

	var resp response
	req := request{Op: "forward", Shape: []int{len(window), per}, Data: data}
	if err := s.call(ctx, req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("worker: %s", resp.Error)
	}
	return resp.Scores, nil
}

func (s *Subprocess) Name() string                  { return s.meta.Name }
func (s *Subprocess) StepSize() int                 { return s.meta.StepSize }
func (s *Subprocess) FrameRate() float64            { return s.meta.FrameRate }
func (s *Subprocess) ExpectedFrameSize() (int, int) { return s.meta.Width, s.meta.Height }
func (s *Subprocess) InputsNeeded() int             { return s.meta.InputsNeeded }

// Close asks the worker to exit and kills it if it does not within the timeout
func (s *Subprocess) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if !s.broken {
		_ = writeMessage(s.stdin, request{Op: "bye"})
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.stdin.Close()

	select {
	case <-s.exited:
	case <-time.After(s.timeout):
		s.log.Warn("worker did not exit, killing it")
		s.kill()
	}
	return nil
}

func (s *Subprocess) kill() {
	_ = s.cmd.Process.Kill()
	<-s.exited
}
