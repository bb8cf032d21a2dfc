package config

import (
	"fmt"
	"strings"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

// Stage type names accepted in postprocessors[].type
const (
	StageSelector           = "selector"
	StageClassifier         = "classifier"
	StageTwoPositionCounter = "two_position_counter"
	StageOnePositionCounter = "one_position_counter"
	StageCalories           = "calories"
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", types.ErrConfiguration, fmt.Sprintf(format, args...))
}

// Validate checks the configuration and fills derived defaults.
// Stage-level checks that need the label mapping happen when the chain is built.
func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.Discipline) {
	case "", "batch", "live":
	default:
		return invalid("discipline must be batch or live, got %q", cfg.Discipline)
	}

	if err := validateSource(&cfg.Source); err != nil {
		return err
	}
	if err := validateModel(&cfg.Model); err != nil {
		return err
	}

	if len(cfg.PostProcessors) == 0 {
		return invalid("at least one postprocessor is required")
	}
	for i := range cfg.PostProcessors {
		if err := validateStage(i, &cfg.PostProcessors[i], len(cfg.Labels)); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(cfg.Labels))
	for _, l := range cfg.Labels {
		if seen[l] {
			return invalid("duplicate label %q", l)
		}
		seen[l] = true
	}

	if cfg.Sinks.MQTT.Enabled {
		if cfg.Sinks.MQTT.Broker == "" {
			return invalid("sinks.mqtt.broker is required")
		}
		if cfg.Sinks.MQTT.QoS > 2 {
			return invalid("sinks.mqtt.qos must be 0, 1 or 2")
		}
		if cfg.Sinks.MQTT.Topic == "" {
			cfg.Sinks.MQTT.Topic = "fitness"
		}
	}
	if cfg.Sinks.Store.Enabled && cfg.Sinks.Store.Path == "" {
		return invalid("sinks.store.path is required")
	}
	if cfg.Sinks.Recorder.Enabled && cfg.Sinks.Recorder.OutputDir == "" {
		return invalid("sinks.recorder.output_dir is required")
	}
	if cfg.Sinks.Log.EveryN <= 0 {
		cfg.Sinks.Log.EveryN = 1
	}

	if cfg.HTTP.Enabled && cfg.HTTP.Addr == "" {
		return invalid("http.addr is required when http is enabled")
	}
	if cfg.HTTP.StreamBuffer <= 0 {
		cfg.HTTP.StreamBuffer = 2
	}

	return nil
}

func validateSource(s *SourceConfig) error {
	switch s.Type {
	case "images":
		if s.Path == "" {
			return invalid("source.path is required for images")
		}
	case "synthetic":
		if s.Width <= 0 || s.Height <= 0 {
			return invalid("source.width and source.height must be > 0")
		}
		if s.Frames < 0 {
			return invalid("source.frames must be >= 0")
		}
	default:
		return invalid("unknown source.type %q", s.Type)
	}
	if s.FPS <= 0 {
		return invalid("source.fps must be > 0")
	}
	return nil
}

func validateModel(m *ModelConfig) error {
	switch m.Type {
	case "replay":
		if len(m.Replay.Scores) == 0 && m.Replay.Path == "" {
			return invalid("model.replay needs scores or path")
		}
	case "subprocess":
		if len(m.Command) == 0 {
			return invalid("model.command is required for subprocess")
		}
	default:
		return invalid("unknown model.type %q", m.Type)
	}
	if m.StepSize < 1 {
		return invalid("model.step_size must be >= 1")
	}
	if m.InputsNeeded < 1 {
		return invalid("model.inputs_needed must be >= 1")
	}
	if m.FrameRate <= 0 {
		return invalid("model.frame_rate must be > 0")
	}
	if m.FrameWidth <= 0 || m.FrameHeight <= 0 {
		return invalid("model.frame_width and model.frame_height must be > 0")
	}
	return nil
}

func validateStage(i int, p *PostProcessorConfig, labels int) error {
	where := fmt.Sprintf("postprocessors[%d] (%s)", i, p.Type)
	switch p.Type {
	case StageSelector:
		if p.Key == "" || len(p.Indices) == 0 {
			return invalid("%s: key and indices are required", where)
		}
	case StageClassifier:
		if labels == 0 {
			return invalid("%s: labels are required", where)
		}
		if p.Smoothing < 1 {
			return invalid("%s: smoothing must be >= 1", where)
		}
	case StageTwoPositionCounter:
		if p.Key == "" || p.Rest == "" || p.Active == "" {
			return invalid("%s: key, rest and active are required", where)
		}
	case StageOnePositionCounter:
		if p.Key == "" || p.Position == "" {
			return invalid("%s: key and position are required", where)
		}
	case StageCalories:
		if p.Smoothing < 0 {
			return invalid("%s: smoothing must be >= 0", where)
		}
	default:
		return invalid("%s: unknown type", where)
	}
	return nil
}
