package engine

import (
	"context"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

// Tensor is one preprocessed frame in the layout the network expects
type Tensor []float32

// Network is the opaque model the engine drives.
//
// Preprocess turns a frame into a tensor. Forward consumes the last
// InputsNeeded tensors, oldest first, and returns class scores, or a
// single value for regression heads. A network emits a new output every
// StepSize frames at FrameRate frames per second.
type Network interface {
	Preprocess(frame types.Frame) (Tensor, error)
	Forward(ctx context.Context, window []Tensor) ([]float64, error)
	StepSize() int
	FrameRate() float64
	ExpectedFrameSize() (width, height int)
	InputsNeeded() int
	Close() error
}

// Named is implemented by networks that report a model name for logs and metrics
type Named interface {
	Name() string
}

// NameOf returns the network name, or "network" if it has none
func NameOf(n Network) string {
	if named, ok := n.(Named); ok && named.Name() != "" {
		return named.Name()
	}
	return "network"
}
