package postprocess

import (
	"fmt"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

// Selector extracts one score (emitted as a scalar) or several (emitted as a list)
type Selector struct {
	indices []int
	key     string

	value any
}

// NewSelector creates a selector over indices writing to key
func NewSelector(indices []int, key string) (*Selector, error) {
	if err := requireKey("selector", key); err != nil {
		return nil, err
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("%w: selector %q: at least one index is required", types.ErrConfiguration, key)
	}
	for _, idx := range indices {
		if idx < 0 {
			return nil, fmt.Errorf("%w: selector %q: negative index %d", types.ErrConfiguration, key, idx)
		}
	}

	return &Selector{
		indices: append([]int(nil), indices...),
		key:     key,
	}, nil
}

func (s *Selector) Name() string   { return "selector:" + s.key }
func (s *Selector) Keys() []string { return []string{s.key} }

// Value returns the last committed selection: nil, a float64 or a []float64
func (s *Selector) Value() any { return s.value }

func (s *Selector) prepare(t Tick) (func(), error) {
	if t.Result == nil {
		return nil, nil
	}

	scores, err := selectScores(s.Name(), t.Result, s.indices)
	if err != nil {
		return nil, err
	}

	var v any = scores
	if len(scores) == 1 {
		v = scores[0]
	}
	return func() { s.value = v }, nil
}

func (s *Selector) emit(out Output) {
	out[s.key] = s.value
}
