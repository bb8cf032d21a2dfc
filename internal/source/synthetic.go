package source

import (
	"context"
	"image"
	"image/color"
	"io"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

// SyntheticOptions configure a Synthetic source
type SyntheticOptions struct {
	Width, Height int
	FPS           float64
	Frames        int  // 0 = endless
	Pace          bool // deliver frames in real time
	Start         time.Time
}

// Synthetic produces a moving gradient. It stands in for a camera in demos
// and tests.
type Synthetic struct {
	opts   SyntheticOptions
	seq    uint64
	pacer  *pacer
	closed bool
}

// NewSynthetic creates a pattern source
func NewSynthetic(opts SyntheticOptions) *Synthetic {
	if opts.Width <= 0 {
		opts.Width = 160
	}
	if opts.Height <= 0 {
		opts.Height = 224
	}
	if opts.FPS <= 0 {
		opts.FPS = 16
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now()
	}
	s := &Synthetic{opts: opts}
	if opts.Pace {
		s.pacer = newPacer(opts.FPS)
	}
	return s
}

func (s *Synthetic) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	if s.closed || (s.opts.Frames > 0 && s.seq >= uint64(s.opts.Frames)) {
		return types.Frame{}, io.EOF
	}
	if s.pacer != nil {
		if err := s.pacer.wait(ctx); err != nil {
			return types.Frame{}, err
		}
	}
	s.seq++

	return types.Frame{
		Image:     s.render(s.seq),
		Seq:       s.seq,
		Timestamp: mediaTime(s.opts.Start, s.seq, s.opts.FPS),
	}, nil
}

func (s *Synthetic) render(seq uint64) image.Image {
	img := image.NewGray(image.Rect(0, 0, s.opts.Width, s.opts.Height))
	shift := int(seq * 4)
	for y := 0; y < s.opts.Height; y++ {
		for x := 0; x < s.opts.Width; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x + y + shift) & 0xff)})
		}
	}
	return img
}

func (s *Synthetic) FPS() float64 { return s.opts.FPS }

func (s *Synthetic) Close() error {
	s.closed = true
	if s.pacer != nil {
		s.pacer.stop()
	}
	return nil
}
