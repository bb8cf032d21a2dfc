// Package postprocess turns raw inference results into smoothed rankings,
// repetition counts and calorie totals.
//
// A Chain runs its stages in a fixed order on every tick. Each stage first
// validates the tick and prepares its transition; only when every stage has
// accepted the tick are the transitions committed. A tick without a result
// leaves every stage untouched and re-emits the last committed outputs.
package postprocess

import (
	"fmt"
	"math"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

// Tick is the input of one chain step
type Tick struct {
	Result *types.InferenceResult // nil when the engine produced nothing
	Now    time.Time              // tick time, used by time-integrating stages
}

// Output is the merged, named output of a chain step
type Output map[string]any

// Stage is one post-processor. The set of implementations is closed:
// Selector, Classifier, TwoPositionCounter, OnePositionCounter and
// CalorieAccumulator.
type Stage interface {
	// Name identifies the stage in logs and errors
	Name() string
	// Keys lists the output keys the stage writes
	Keys() []string

	// prepare validates the tick and returns the pending transition.
	// A nil commit means the stage has nothing to change.
	prepare(t Tick) (commit func(), err error)
	// emit writes the last committed values into out
	emit(out Output)
}

// Labels maps class index to class name
type Labels []string

// Index returns the class index of name
func (l Labels) Index(name string) (int, error) {
	for i, label := range l {
		if label == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: class %q not in label mapping", types.ErrConfiguration, name)
}

func stageErr(stage string, seq uint64, format string, args ...any) error {
	return fmt.Errorf("%s: frame #%d: %s: %w", stage, seq, fmt.Sprintf(format, args...), types.ErrStageFailure)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// scoreAt reads one finite score from a result
func scoreAt(stage string, r *types.InferenceResult, idx int) (float64, error) {
	if idx < 0 || idx >= len(r.Scores) {
		return 0, stageErr(stage, r.Seq, "index %d out of range for %d scores", idx, len(r.Scores))
	}
	v := r.Scores[idx]
	if !isFinite(v) {
		return 0, stageErr(stage, r.Seq, "non-finite score %v at index %d", v, idx)
	}
	return v, nil
}

// selectScores returns the finite scores at indices, or all scores when indices is empty
func selectScores(stage string, r *types.InferenceResult, indices []int) ([]float64, error) {
	if len(indices) == 0 {
		out := make([]float64, len(r.Scores))
		for i := range r.Scores {
			v, err := scoreAt(stage, r, i)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}

	out := make([]float64, len(indices))
	for i, idx := range indices {
		v, err := scoreAt(stage, r, idx)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func validThreshold(stage string, thr float64) error {
	if !isFinite(thr) {
		return fmt.Errorf("%w: %s: threshold must be finite", types.ErrConfiguration, stage)
	}
	return nil
}

func requireKey(stage, key string) error {
	if key == "" {
		return fmt.Errorf("%w: %s: output key is required", types.ErrConfiguration, stage)
	}
	return nil
}
