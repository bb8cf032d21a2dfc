package source

import (
	"context"
	"io"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

// Clip replays frames held in memory. Frames are renumbered 1..n so a
// resampled clip still has strictly increasing sequence ids.
type Clip struct {
	frames []types.Frame
	fps    float64
	pos    int
}

// NewClip wraps frames played back at fps
func NewClip(frames []types.Frame, fps float64) *Clip {
	out := make([]types.Frame, len(frames))
	for i, f := range frames {
		f.Seq = uint64(i + 1)
		out[i] = f
	}
	return &Clip{frames: out, fps: fps}
}

type frameReader interface {
	Next(ctx context.Context) (types.Frame, error)
	Close() error
}

// ReadAll drains src into memory, closing it afterwards
func ReadAll(ctx context.Context, src frameReader) ([]types.Frame, error) {
	defer src.Close()

	var frames []types.Frame
	for {
		f, err := src.Next(ctx)
		if err != nil {
			if types.IsEndOfStream(err) {
				return frames, nil
			}
			return frames, err
		}
		frames = append(frames, f)
	}
}

func (c *Clip) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	if c.pos >= len(c.frames) {
		return types.Frame{}, io.EOF
	}
	f := c.frames[c.pos]
	c.pos++
	return f, nil
}

func (c *Clip) Len() int     { return len(c.frames) }
func (c *Clip) FPS() float64 { return c.fps }
func (c *Clip) Close() error { return nil }
