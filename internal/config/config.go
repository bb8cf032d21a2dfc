package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

// Config describes one pipeline session and the servers around it
type Config struct {
	Name           string                `yaml:"name"`
	Discipline     string                `yaml:"discipline"` // batch or live
	LogLevel       logger.LogLevel       `yaml:"log_level"`
	Source         SourceConfig          `yaml:"source"`
	Model          ModelConfig           `yaml:"model"`
	Labels         []string              `yaml:"labels"`
	PostProcessors []PostProcessorConfig `yaml:"postprocessors"`
	Biometrics     BiometricsConfig      `yaml:"biometrics"`
	Sinks          SinksConfig           `yaml:"sinks"`
	HTTP           HTTPConfig            `yaml:"http"`
}

// SourceConfig selects the frame source
type SourceConfig struct {
	Type   string  `yaml:"type"` // images, synthetic
	Path   string  `yaml:"path"` // directory of frames for images
	FPS    float64 `yaml:"fps"`
	Loop   bool    `yaml:"loop"`
	Frames int     `yaml:"frames"` // synthetic frame count, 0 = endless
	Width  int     `yaml:"width"`
	Height int     `yaml:"height"`
	Pace   bool    `yaml:"pace"` // deliver frames at FPS instead of as fast as possible
}

// ModelConfig selects the network backend
type ModelConfig struct {
	Type         string        `yaml:"type"` // replay, subprocess
	Name         string        `yaml:"name"`
	Version      string        `yaml:"version"`
	Heads        []string      `yaml:"heads"`
	ResourcesDir string        `yaml:"resources_dir"`
	StepSize     int           `yaml:"step_size"`
	FrameRate    float64       `yaml:"frame_rate"`
	InputsNeeded int           `yaml:"inputs_needed"`
	FrameWidth   int           `yaml:"frame_width"`
	FrameHeight  int           `yaml:"frame_height"`
	Replay       ReplayConfig  `yaml:"replay"`
	Command      []string      `yaml:"command"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ReplayConfig holds pre-computed score rows for the replay network
type ReplayConfig struct {
	Scores [][]float64 `yaml:"scores"`
	Path   string      `yaml:"path"` // JSON lines, one score array per line
	Loop   bool        `yaml:"loop"`
}

// PostProcessorConfig is one stage of the chain. Type selects which fields apply.
type PostProcessorConfig struct {
	Type string `yaml:"type"` // selector, classifier, two_position_counter, one_position_counter, calories
	Key  string `yaml:"key"`

	Indices   []int `yaml:"indices"`
	Index     int   `yaml:"index"`
	Smoothing int   `yaml:"smoothing"`

	// classifier
	PredictionsKey string `yaml:"predictions_key"`
	ScoresKey      string `yaml:"scores_key"`

	// counters
	Rest            string  `yaml:"rest"`
	Active          string  `yaml:"active"`
	ThresholdRest   float64 `yaml:"threshold_rest"`
	ThresholdActive float64 `yaml:"threshold_active"`
	Position        string  `yaml:"position"`
	Threshold       float64 `yaml:"threshold"`

	// calories
	CaloriesKey string `yaml:"calories_key"`
	METKey      string `yaml:"met_key"`
}

// BiometricsConfig feeds the calorie accumulator
type BiometricsConfig struct {
	WeightKg float64 `yaml:"weight_kg"`
	HeightCm float64 `yaml:"height_cm"`
	AgeYears float64 `yaml:"age_years"`
	Gender   string  `yaml:"gender"`
}

// SinksConfig enables record consumers besides the HTTP stream
type SinksConfig struct {
	Log      LogSinkConfig      `yaml:"log"`
	Recorder RecorderSinkConfig `yaml:"recorder"`
	MQTT     MQTTSinkConfig     `yaml:"mqtt"`
	Store    StoreSinkConfig    `yaml:"store"`
}

type LogSinkConfig struct {
	Enabled bool `yaml:"enabled"`
	EveryN  int  `yaml:"every_n"` // log one record in N, results are always logged
}

type RecorderSinkConfig struct {
	Enabled   bool   `yaml:"enabled"`
	OutputDir string `yaml:"output_dir"`
	Buffer    int    `yaml:"buffer"`
}

type MQTTSinkConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Broker      string        `yaml:"broker"` // host:port
	ClientID    string        `yaml:"client_id"`
	Topic       string        `yaml:"topic"` // records go to <topic>/records, summaries to <topic>/summary
	QoS         byte          `yaml:"qos"`
	Timeout     time.Duration `yaml:"timeout"`
	OnlyResults bool          `yaml:"only_results"`
}

type StoreSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // sqlite database file
}

// HTTPConfig configures the monitor server
type HTTPConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	StreamBuffer   int           `yaml:"stream_buffer"`
	StatusInterval time.Duration `yaml:"status_interval"`
	ICEServers     []string      `yaml:"ice_servers"`
	AssetsDir      string        `yaml:"assets_dir"` // optional dashboard override
}

// Default returns a config that runs a synthetic demo session
func Default() Config {
	return Config{
		Name:       "default",
		Discipline: "live",
		LogLevel:   logger.INFO,
		Source: SourceConfig{
			Type:   "synthetic",
			FPS:    16,
			Width:  160,
			Height: 224,
		},
		Model: ModelConfig{
			Type:         "replay",
			StepSize:     4,
			FrameRate:    16,
			InputsNeeded: 1,
			FrameWidth:   160,
			FrameHeight:  224,
			Timeout:      2 * time.Second,
		},
		Biometrics: BiometricsConfig{
			WeightKg: 70,
			HeightCm: 170,
			AgeYears: 30,
		},
		Sinks: SinksConfig{
			Log:      LogSinkConfig{EveryN: 16},
			Recorder: RecorderSinkConfig{OutputDir: "./records", Buffer: 64},
			MQTT: MQTTSinkConfig{
				Broker:  "localhost:1883",
				Topic:   "fitness",
				QoS:     0,
				Timeout: 2 * time.Second,
			},
			Store: StoreSinkConfig{Path: "./sessions.db"},
		},
		HTTP: HTTPConfig{
			Enabled:        true,
			Addr:           ":8080",
			StreamBuffer:   2,
			StatusInterval: 2 * time.Second,
		},
	}
}

// Load reads a YAML file over Default and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", types.ErrConfiguration, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
