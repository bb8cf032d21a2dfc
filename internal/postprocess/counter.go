package postprocess

import (
	"fmt"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

// Position is the phase of a two-position repetition
type Position int

const (
	PositionRest Position = iota
	PositionActive
)

func (p Position) String() string {
	if p == PositionActive {
		return "active"
	}
	return "rest"
}

// TwoPositionCounter counts REST -> ACTIVE -> REST cycles.
// The count increments when the movement returns to rest.
type TwoPositionCounter struct {
	rest, active       int
	thrRest, thrActive float64
	key                string

	position Position
	count    uint64
}

// NewTwoPositionCounter resolves the two class names through labels
func NewTwoPositionCounter(labels Labels, rest, active string, thrRest, thrActive float64, key string) (*TwoPositionCounter, error) {
	if err := requireKey("two-position counter", key); err != nil {
		return nil, err
	}
	restIdx, err := labels.Index(rest)
	if err != nil {
		return nil, fmt.Errorf("counter %q: %w", key, err)
	}
	activeIdx, err := labels.Index(active)
	if err != nil {
		return nil, fmt.Errorf("counter %q: %w", key, err)
	}
	if restIdx == activeIdx {
		return nil, fmt.Errorf("%w: counter %q: rest and active positions are the same class", types.ErrConfiguration, key)
	}
	if err := validThreshold(key, thrRest); err != nil {
		return nil, err
	}
	if err := validThreshold(key, thrActive); err != nil {
		return nil, err
	}

	return &TwoPositionCounter{
		rest:      restIdx,
		active:    activeIdx,
		thrRest:   thrRest,
		thrActive: thrActive,
		key:       key,
	}, nil
}

func (c *TwoPositionCounter) Name() string   { return "counter:" + c.key }
func (c *TwoPositionCounter) Keys() []string { return []string{c.key} }

// Count returns the committed repetition count
func (c *TwoPositionCounter) Count() uint64 { return c.count }

// Position returns the committed phase
func (c *TwoPositionCounter) Position() Position { return c.position }

func (c *TwoPositionCounter) prepare(t Tick) (func(), error) {
	if t.Result == nil {
		return nil, nil
	}

	restScore, err := scoreAt(c.Name(), t.Result, c.rest)
	if err != nil {
		return nil, err
	}
	activeScore, err := scoreAt(c.Name(), t.Result, c.active)
	if err != nil {
		return nil, err
	}

	switch c.position {
	case PositionRest:
		if activeScore > c.thrActive {
			return func() { c.position = PositionActive }, nil
		}
	case PositionActive:
		if restScore > c.thrRest {
			return func() {
				c.position = PositionRest
				c.count++
			}, nil
		}
	}
	return nil, nil
}

func (c *TwoPositionCounter) emit(out Output) {
	out[c.key] = c.count
}

// OnePositionCounter counts rising edges of a single class score.
// Scores exactly at the threshold change nothing.
type OnePositionCounter struct {
	position int
	thr      float64
	key      string

	active bool
	count  uint64
}

// NewOnePositionCounter resolves the class name through labels
func NewOnePositionCounter(labels Labels, position string, thr float64, key string) (*OnePositionCounter, error) {
	if err := requireKey("one-position counter", key); err != nil {
		return nil, err
	}
	idx, err := labels.Index(position)
	if err != nil {
		return nil, fmt.Errorf("counter %q: %w", key, err)
	}
	if err := validThreshold(key, thr); err != nil {
		return nil, err
	}

	return &OnePositionCounter{position: idx, thr: thr, key: key}, nil
}

func (c *OnePositionCounter) Name() string   { return "counter:" + c.key }
func (c *OnePositionCounter) Keys() []string { return []string{c.key} }

// Count returns the committed repetition count
func (c *OnePositionCounter) Count() uint64 { return c.count }

// Active reports whether the class is currently above threshold
func (c *OnePositionCounter) Active() bool { return c.active }

func (c *OnePositionCounter) prepare(t Tick) (func(), error) {
	if t.Result == nil {
		return nil, nil
	}

	score, err := scoreAt(c.Name(), t.Result, c.position)
	if err != nil {
		return nil, err
	}

	switch {
	case c.active && score < c.thr:
		return func() { c.active = false }, nil
	case !c.active && score > c.thr:
		return func() {
			c.active = true
			c.count++
		}, nil
	}
	return nil, nil
}

func (c *OnePositionCounter) emit(out Output) {
	out[c.key] = c.count
}
