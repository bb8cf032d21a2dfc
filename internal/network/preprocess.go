// Package network provides engine.Network implementations: a replay
// network for demos and tests, and a worker process speaking msgpack
// over stdio.
package network

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/engine"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

// Meta is the static description of a network
type Meta struct {
	Name         string
	StepSize     int
	FrameRate    float64
	InputsNeeded int
	Width        int
	Height       int
}

func (m Meta) validate() error {
	if m.StepSize < 1 || m.InputsNeeded < 1 || m.FrameRate <= 0 || m.Width <= 0 || m.Height <= 0 {
		return fmt.Errorf("%w: invalid network description %+v", types.ErrConfiguration, m)
	}
	return nil
}

// Preprocessor scales frames to the network input size and converts them
// to interleaved RGB floats in [0, 1].
type Preprocessor struct {
	Width, Height int
	Scaler        draw.Scaler
}

// NewPreprocessor uses bilinear scaling
func NewPreprocessor(width, height int) Preprocessor {
	return Preprocessor{Width: width, Height: height, Scaler: draw.BiLinear}
}

// Tensor returns a Width*Height*3 tensor for frame
func (p Preprocessor) Tensor(frame types.Frame) (engine.Tensor, error) {
	if frame.Image == nil {
		return nil, fmt.Errorf("frame #%d has no image", frame.Seq)
	}

	dst := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	scaler := p.Scaler
	if scaler == nil {
		scaler = draw.BiLinear
	}
	scaler.Scale(dst, dst.Bounds(), frame.Image, frame.Image.Bounds(), draw.Src, nil)

	t := make(engine.Tensor, 0, p.Width*p.Height*3)
	for i := 0; i < len(dst.Pix); i += 4 {
		t = append(t,
			float32(dst.Pix[i])/255,
			float32(dst.Pix[i+1])/255,
			float32(dst.Pix[i+2])/255,
		)
	}
	return t, nil
}
