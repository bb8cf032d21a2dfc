package postprocess

import (
	"fmt"
	"sort"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

const (
	DefaultPredictionsKey = "sorted_predictions"
	DefaultScoresKey      = "smoothed_scores"
)

// ClassifierOptions tunes a Classifier
type ClassifierOptions struct {
	Indices        []int  // optional subset of scores, aligned with the labels
	PredictionsKey string // default "sorted_predictions"
	ScoresKey      string // default "smoothed_scores"
}

// Classifier averages the last N score vectors and ranks the classes
type Classifier struct {
	labels    Labels
	smoothing int
	indices   []int
	predKey   string
	scoresKey string

	buffer [][]float64 // oldest first, len <= smoothing
}

// NewClassifier creates a smoothing classifier. smoothing must be >= 1.
func NewClassifier(labels Labels, smoothing int, opts ClassifierOptions) (*Classifier, error) {
	if len(labels) == 0 {
		return nil, fmt.Errorf("%w: classifier: label mapping is empty", types.ErrConfiguration)
	}
	if smoothing < 1 {
		return nil, fmt.Errorf("%w: classifier: smoothing must be >= 1, got %d", types.ErrConfiguration, smoothing)
	}
	if len(opts.Indices) > 0 && len(opts.Indices) != len(labels) {
		return nil, fmt.Errorf("%w: classifier: %d indices for %d labels",
			types.ErrConfiguration, len(opts.Indices), len(labels))
	}
	if opts.PredictionsKey == "" {
		opts.PredictionsKey = DefaultPredictionsKey
	}
	if opts.ScoresKey == "" {
		opts.ScoresKey = DefaultScoresKey
	}
	if opts.PredictionsKey == opts.ScoresKey {
		return nil, fmt.Errorf("%w: classifier: output keys must differ", types.ErrConfiguration)
	}

	return &Classifier{
		labels:    append(Labels(nil), labels...),
		smoothing: smoothing,
		indices:   append([]int(nil), opts.Indices...),
		predKey:   opts.PredictionsKey,
		scoresKey: opts.ScoresKey,
	}, nil
}

func (c *Classifier) Name() string   { return "classifier" }
func (c *Classifier) Keys() []string { return []string{c.predKey, c.scoresKey} }

func (c *Classifier) prepare(t Tick) (func(), error) {
	if t.Result == nil {
		return nil, nil
	}

	scores, err := selectScores(c.Name(), t.Result, c.indices)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(c.labels) {
		return nil, stageErr(c.Name(), t.Result.Seq, "%d scores for %d labels", len(scores), len(c.labels))
	}

	return func() {
		if len(c.buffer) == c.smoothing {
			copy(c.buffer, c.buffer[1:])
			c.buffer[len(c.buffer)-1] = scores
			return
		}
		c.buffer = append(c.buffer, scores)
	}, nil
}

// Smoothed returns the element-wise mean of the buffer, or zeros when empty
func (c *Classifier) Smoothed() []float64 {
	mean := make([]float64, len(c.labels))
	if len(c.buffer) == 0 {
		return mean
	}
	for _, row := range c.buffer {
		for i, v := range row {
			mean[i] += v
		}
	}
	n := float64(len(c.buffer))
	for i := range mean {
		mean[i] /= n
	}
	return mean
}

// Predictions returns the labels sorted by smoothed score, best first.
// Equal scores keep label order.
func (c *Classifier) Predictions() []types.Prediction {
	mean := c.Smoothed()
	preds := make([]types.Prediction, len(mean))
	for i, v := range mean {
		preds[i] = types.Prediction{Label: c.labels[i], Score: v}
	}
	sort.SliceStable(preds, func(i, j int) bool {
		return preds[i].Score > preds[j].Score
	})
	return preds
}

// BufferLen returns the number of buffered score vectors
func (c *Classifier) BufferLen() int { return len(c.buffer) }

func (c *Classifier) emit(out Output) {
	out[c.predKey] = c.Predictions()
	out[c.scoresKey] = c.Smoothed()
}
