package network

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/engine"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

// Replay returns pre-computed score rows, one per forward pass.
// When the rows run out it starts over if looping, otherwise it keeps
// returning the last row.
type Replay struct {
	meta Meta
	pre  Preprocessor
	loop bool

	mu   sync.Mutex
	rows [][]float64
	pos  int
}

// NewReplay validates meta and rows
func NewReplay(meta Meta, rows [][]float64, loop bool) (*Replay, error) {
	if err := meta.validate(); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: replay network needs at least one score row", types.ErrConfiguration)
	}
	if meta.Name == "" {
		meta.Name = "replay"
	}

	return &Replay{
		meta: meta,
		pre:  NewPreprocessor(meta.Width, meta.Height),
		loop: loop,
		rows: rows,
	}, nil
}

// LoadRows reads JSON lines, each holding one score array
func LoadRows(path string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open replay rows: %v", types.ErrConfiguration, err)
	}
	defer f.Close()

	var rows [][]float64
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var row []float64
		if err := json.Unmarshal([]byte(text), &row); err != nil {
			return nil, fmt.Errorf("%w: %s:%d: %v", types.ErrConfiguration, path, line, err)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: read replay rows: %v", types.ErrConfiguration, err)
	}
	return rows, nil
}

// Preprocess scales frames that carry an image; imageless frames yield an empty tensor
func (r *Replay) Preprocess(frame types.Frame) (engine.Tensor, error) {
	if frame.Image == nil {
		return engine.Tensor{}, nil
	}
	return r.pre.Tensor(frame)
}

func (r *Replay) Forward(ctx context.Context, _ []engine.Tensor) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	row := r.rows[r.pos]
	switch {
	case r.pos+1 < len(r.rows):
		r.pos++
	case r.loop:
		r.pos = 0
	}
	return append([]float64(nil), row...), nil
}

func (r *Replay) Name() string                  { return r.meta.Name }
func (r *Replay) StepSize() int                 { return r.meta.StepSize }
func (r *Replay) FrameRate() float64            { return r.meta.FrameRate }
func (r *Replay) ExpectedFrameSize() (int, int) { return r.meta.Width, r.meta.Height }
func (r *Replay) InputsNeeded() int             { return r.meta.InputsNeeded }
func (r *Replay) Close() error                  { return nil }
