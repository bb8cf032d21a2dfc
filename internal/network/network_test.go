package network

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/engine"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

const workerEnv = "FITNESS_TEST_WORKER"

// TestMain doubles as a fake model worker when the test binary is re-executed.
func TestMain(m *testing.M) {
	if mode := os.Getenv(workerEnv); mode != "" {
		runFakeWorker(mode)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runFakeWorker answers forward requests with [mean value, frame count]
func runFakeWorker(mode string) {
	for {
		var req request
		if err := readMessage(os.Stdin, &req); err != nil {
			return
		}
		switch req.Op {
		case "hello":
			if mode == "reject" {
				_ = writeMessage(os.Stdout, response{OK: false, Error: "unknown model"})
				continue
			}
			_ = writeMessage(os.Stdout, response{OK: true})
		case "forward":
			if mode == "hang" {
				time.Sleep(time.Minute)
			}
			var sum float64
			n := len(req.Data) / 4
			for i := 0; i < n; i++ {
				sum += float64(math.Float32frombits(binary.LittleEndian.Uint32(req.Data[i*4:])))
			}
			_ = writeMessage(os.Stdout, response{OK: true, Scores: []float64{sum / float64(n), float64(req.Shape[0])}})
		case "bye":
			return
		}
	}
}

var testMeta = Meta{Name: "fake", StepSize: 2, FrameRate: 16, InputsNeeded: 2, Width: 2, Height: 1}

func startWorker(t *testing.T, mode string, timeout time.Duration) (*Subprocess, error) {
	t.Helper()
	return StartSubprocess(context.Background(), SubprocessOptions{
		Meta:    testMeta,
		Command: []string{os.Args[0], "-test.run=^$"},
		Env:     []string{workerEnv + "=" + mode},
		Weights: map[string]string{"backbone": "/models/backbone.ckpt"},
		Timeout: timeout,
	})
}

func TestCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := request{Op: "forward", Seq: 9, Shape: []int{1, 3}, Data: []byte{1, 2, 3}}
	require.NoError(t, writeMessage(&buf, in))

	assert.Equal(t, uint32(buf.Len()-4), binary.BigEndian.Uint32(buf.Bytes()[:4]))

	var out request
	require.NoError(t, readMessage(&buf, &out))
	assert.Equal(t, in, out)
}

func TestCodecRejectsOversizedMessage(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], maxMessageSize+1)
	buf.Write(prefix[:])

	var out response
	assert.Error(t, readMessage(&buf, &out))
}

func TestSubprocessForward(t *testing.T) {
	w, err := startWorker(t, "ok", 5*time.Second)
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, "fake", w.Name())
	assert.Equal(t, 2, w.InputsNeeded())

	window := []engine.Tensor{{0.5, 0.5}, {1, 0}}
	scores, err := w.Forward(context.Background(), window)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, 2}, scores, 1e-6)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = w.Forward(context.Background(), window)
	assert.ErrorIs(t, err, ErrWorkerBroken)
}

func TestSubprocessDrivenByEngine(t *testing.T) {
	w, err := startWorker(t, "ok", 5*time.Second)
	require.NoError(t, err)

	eng, err := engine.New(w)
	require.NoError(t, err)
	defer eng.Close()

	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	var results []*types.InferenceResult
	for seq := uint64(1); seq <= 4; seq++ {
		res, err := eng.Infer(context.Background(), types.Frame{Image: img, Seq: seq})
		require.NoError(t, err)
		if res != nil {
			results = append(results, res)
		}
	}
	require.Len(t, results, 2)
	assert.Equal(t, uint64(2), results[0].Seq)
	assert.Equal(t, uint64(4), results[1].Seq)
}

func TestSubprocessTimeoutBreaksWorker(t *testing.T) {
	w, err := startWorker(t, "hang", 200*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Forward(context.Background(), []engine.Tensor{{1, 1}, {1, 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")

	_, err = w.Forward(context.Background(), []engine.Tensor{{1, 1}, {1, 1}})
	assert.ErrorIs(t, err, ErrWorkerBroken)
}

func TestSubprocessRejectedModel(t *testing.T) {
	_, err := startWorker(t, "reject", 5*time.Second)
	assert.ErrorIs(t, err, types.ErrSourceUnavailable)
}

func TestSubprocessMissingBinary(t *testing.T) {
	_, err := StartSubprocess(context.Background(), SubprocessOptions{
		Meta:    testMeta,
		Command: []string{filepath.Join(t.TempDir(), "no-such-worker")},
	})
	assert.ErrorIs(t, err, types.ErrSourceUnavailable)
}

func TestReplayHoldsLastRow(t *testing.T) {
	r, err := NewReplay(testMeta, [][]float64{{1}, {2}}, false)
	require.NoError(t, err)

	var got []float64
	for i := 0; i < 4; i++ {
		s, err := r.Forward(context.Background(), nil)
		require.NoError(t, err)
		got = append(got, s[0])
	}
	assert.Equal(t, []float64{1, 2, 2, 2}, got)
}

func TestReplayLoops(t *testing.T) {
	r, err := NewReplay(testMeta, [][]float64{{1}, {2}}, true)
	require.NoError(t, err)

	var got []float64
	for i := 0; i < 5; i++ {
		s, err := r.Forward(context.Background(), nil)
		require.NoError(t, err)
		got = append(got, s[0])
	}
	assert.Equal(t, []float64{1, 2, 1, 2, 1}, got)
}

func TestReplayConfiguration(t *testing.T) {
	_, err := NewReplay(testMeta, nil, false)
	assert.ErrorIs(t, err, types.ErrConfiguration)

	_, err = NewReplay(Meta{}, [][]float64{{1}}, false)
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestLoadRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scores.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("# squat clip\n[0.9, 0.1]\n\n[0.2, 0.8]\n"), 0o644))

	rows, err := LoadRows(path)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0.9, 0.1}, {0.2, 0.8}}, rows)

	require.NoError(t, os.WriteFile(path, []byte("[0.9,"), 0o644))
	_, err = LoadRows(path)
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestPreprocessorScalesToExpectedSize(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}

	p := NewPreprocessor(2, 1)
	tensor, err := p.Tensor(types.Frame{Image: img, Seq: 1})
	require.NoError(t, err)
	require.Len(t, tensor, 6)
	assert.InDelta(t, 1.0, tensor[0], 1e-6)
	assert.InDelta(t, 0.0, tensor[1], 1e-6)
	assert.InDelta(t, 0.0, tensor[2], 1e-6)

	_, err = p.Tensor(types.Frame{Seq: 2})
	assert.Error(t, err)
}
