package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

const sample = `
name: squats
discipline: batch
log_level: debug
source:
  type: synthetic
  frames: 64
model:
  type: replay
  step_size: 2
  inputs_needed: 3
  timeout: 500ms
  replay:
    loop: true
    scores:
      - [0.9, 0.1]
      - [0.1, 0.9]
labels: [squat_high, squat_low]
postprocessors:
  - type: classifier
    smoothing: 4
  - type: two_position_counter
    key: squats
    rest: squat_high
    active: squat_low
    threshold_rest: 0.5
    threshold_active: 0.5
sinks:
  mqtt:
    enabled: true
    broker: broker:1883
    topic: ""
`

func TestParseMergesOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "squats", cfg.Name)
	assert.Equal(t, "batch", cfg.Discipline)
	assert.Equal(t, logger.DEBUG, cfg.LogLevel)

	// Untouched fields keep their defaults.
	assert.Equal(t, 16.0, cfg.Source.FPS)
	assert.Equal(t, 160, cfg.Source.Width)
	assert.Equal(t, 16.0, cfg.Model.FrameRate)
	assert.Equal(t, 70.0, cfg.Biometrics.WeightKg)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)

	assert.Equal(t, 3, cfg.Model.InputsNeeded)
	assert.Equal(t, 500*time.Millisecond, cfg.Model.Timeout)
	assert.Len(t, cfg.Model.Replay.Scores, 2)
	require.Len(t, cfg.PostProcessors, 2)
	assert.Equal(t, StageTwoPositionCounter, cfg.PostProcessors[1].Type)
	assert.Equal(t, "fitness", cfg.Sinks.MQTT.Topic, "empty topic falls back to the default")
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "squats", cfg.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"no stages": `
model: {type: replay, replay: {scores: [[1]]}}
`,
		"bad discipline": `
discipline: turbo
model: {type: replay, replay: {scores: [[1]]}}
postprocessors: [{type: selector, key: v, indices: [0]}]
`,
		"classifier smoothing": `
model: {type: replay, replay: {scores: [[1]]}}
labels: [a]
postprocessors: [{type: classifier, smoothing: 0}]
`,
		"unknown stage": `
model: {type: replay, replay: {scores: [[1]]}}
postprocessors: [{type: histogram}]
`,
		"replay without scores": `
model: {type: replay}
postprocessors: [{type: selector, key: v, indices: [0]}]
`,
		"step size": `
model: {type: replay, step_size: 0, replay: {scores: [[1]]}}
postprocessors: [{type: selector, key: v, indices: [0]}]
`,
		"images without path": `
source: {type: images}
model: {type: replay, replay: {scores: [[1]]}}
postprocessors: [{type: selector, key: v, indices: [0]}]
`,
		"duplicate labels": `
model: {type: replay, replay: {scores: [[1]]}}
labels: [a, a]
postprocessors: [{type: selector, key: v, indices: [0]}]
`,
		"bad log level": `
log_level: loud
`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrConfiguration)
		})
	}
}
