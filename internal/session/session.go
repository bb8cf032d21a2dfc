// Package session assembles one pipeline session from configuration and
// owns every resource it opens.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/controller"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/engine"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/models"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/network"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/postprocess"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/sink"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/source"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

// Options override parts of the assembly
type Options struct {
	SessionID string           // default: random UUID
	Metrics   *metrics.Metrics // default: a private registry
	// Source replaces the configured source, e.g. a resampled clip
	Source controller.FrameSource
	// RecordFile names the recorder output, default records_<id>.jsonl
	RecordFile string
	// Sinks are appended after the configured ones
	Sinks []sink.Sink
}

// Session is one assembled pipeline. Run it once, then Close it.
type Session struct {
	ID string

	Controller *controller.Controller
	Engine     *engine.Engine
	Chain      *postprocess.Chain

	// Optional parts, nil unless enabled in the config
	Records  *sink.Broadcaster
	WebRTC   *sink.WebRTC
	Recorder *sink.Recorder
	Store    *sink.Store
	MQTT     *sink.MQTT

	Metrics *metrics.Metrics

	closeOnce sync.Once
	closeErr  error
	log       *logger.ModuleLogger
}

// New builds every component named in cfg. On error nothing stays open.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Session, err error) {
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	s := &Session{
		ID:      opts.SessionID,
		Metrics: opts.Metrics,
		log:     logger.For("Session"),
	}

	// Closed in reverse order if assembly fails.
	var opened []io.Closer
	defer func() {
		if err == nil {
			return
		}
		for i := len(opened) - 1; i >= 0; i-- {
			if cerr := opened[i].Close(); cerr != nil {
				s.log.Warn("cleanup: %v", cerr)
			}
		}
	}()

	discipline, err := controller.ParseDiscipline(cfg.Discipline)
	if err != nil {
		return nil, err
	}

	s.Chain, err = BuildChain(cfg)
	if err != nil {
		return nil, err
	}

	net, err := BuildNetwork(ctx, cfg.Model)
	if err != nil {
		return nil, err
	}
	s.Engine, err = engine.New(net)
	if err != nil {
		net.Close()
		return nil, err
	}
	opened = append(opened, s.Engine)

	src := opts.Source
	if src == nil {
		src, err = BuildSource(cfg.Source)
		if err != nil {
			return nil, err
		}
	}
	opened = append(opened, src)

	out, err := s.buildSinks(ctx, cfg, discipline, opts, &opened)
	if err != nil {
		return nil, err
	}

	s.Controller, err = controller.New(controller.Options{
		SessionID:  s.ID,
		Discipline: discipline,
		Model:      s.Engine.Name(),
		Metrics:    s.Metrics,
	}, src, s.Engine, s.Chain, out)
	if err != nil {
		return nil, err
	}

	s.log.Info("session %s ready: model %s (window %d, step %d, %.1f results/s), stages %v",
		s.ID, s.Engine.Name(), net.InputsNeeded(), s.Engine.StepSize(),
		s.Engine.ExpectedInferenceRate(), s.Chain.Keys())
	return s, nil
}

func (s *Session) buildSinks(ctx context.Context, cfg *config.Config, discipline controller.Discipline, opts Options, opened *[]io.Closer) (*sink.Multi, error) {
	out := sink.NewMulti()
	sc := cfg.Sinks

	if sc.Log.Enabled {
		out.Add("log", sink.NewLog(sc.Log.EveryN, nil))
	}

	if sc.Recorder.Enabled {
		s.Recorder = sink.NewRecorder(sink.RecorderOptions{
			BasePath: sc.Recorder.OutputDir,
			Buffer:   sc.Recorder.Buffer,
			Blocking: discipline == controller.DisciplineBatch,
		})
		name := opts.RecordFile
		if name == "" {
			name = fmt.Sprintf("records_%s.jsonl", s.ID)
		}
		if err := s.Recorder.Start(name); err != nil {
			return nil, fmt.Errorf("%w: recorder: %v", types.ErrConfiguration, err)
		}
		*opened = append(*opened, s.Recorder)
		out.Add("recorder", s.Recorder)
	}

	if sc.Store.Enabled {
		store, err := sink.OpenStore(sc.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: store: %v", types.ErrConfiguration, err)
		}
		s.Store = store
		*opened = append(*opened, store)
		out.Add("store", store.Sink())
	}

	if sc.MQTT.Enabled {
		clientID := sc.MQTT.ClientID
		if clientID == "" {
			clientID = "fitness-" + s.ID[:min(8, len(s.ID))]
		}
		s.MQTT = sink.NewMQTT(sink.MQTTOptions{
			Broker:      sc.MQTT.Broker,
			ClientID:    clientID,
			Topic:       sc.MQTT.Topic,
			QoS:         sc.MQTT.QoS,
			Timeout:     sc.MQTT.Timeout,
			OnlyResults: sc.MQTT.OnlyResults,
		})
		if err := s.MQTT.Connect(ctx); err != nil {
			s.MQTT.Close()
			return nil, err
		}
		*opened = append(*opened, s.MQTT)
		out.Add("mqtt", s.MQTT)
	}

	if cfg.HTTP.Enabled {
		s.Records = sink.NewBroadcaster(cfg.HTTP.StreamBuffer, s.Metrics)
		s.WebRTC = sink.NewWebRTC(sink.WebRTCOptions{ICEServers: cfg.HTTP.ICEServers}, s.Metrics)
		*opened = append(*opened, s.Records, s.WebRTC)
		out.Add("sse", s.Records).Add("webrtc", s.WebRTC)
	}

	for i, extra := range opts.Sinks {
		out.Add(fmt.Sprintf("extra%d", i), extra)
	}
	return out, nil
}

// Run streams until the source ends, ctx is cancelled or Stop is called
func (s *Session) Run(ctx context.Context) (types.Summary, error) {
	return s.Controller.Run(ctx)
}

// Stop asks the controller to stop; Run returns shortly after
func (s *Session) Stop() {
	s.Controller.Stop()
}

// Close releases everything. A session that never ran is stopped first.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		// Idle -> Stopped releases source, engine and sinks.
		s.Controller.Stop()
		<-s.Controller.Done()

		var errs []error
		if s.Store != nil {
			if err := s.Store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("store: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// BuildSource opens the configured frame source
func BuildSource(sc config.SourceConfig) (controller.FrameSource, error) {
	switch sc.Type {
	case "images":
		return source.NewImageDir(sc.Path, source.ImageDirOptions{FPS: sc.FPS, Loop: sc.Loop, Pace: sc.Pace})
	case "synthetic":
		return source.NewSynthetic(source.SyntheticOptions{
			Width:  sc.Width,
			Height: sc.Height,
			FPS:    sc.FPS,
			Frames: sc.Frames,
			Pace:   sc.Pace,
		}), nil
	default:
		return nil, fmt.Errorf("%w: unknown source type %q", types.ErrConfiguration, sc.Type)
	}
}

// BuildNetwork creates the configured network backend. A subprocess worker
// is started here and must be closed by the caller.
func BuildNetwork(ctx context.Context, mc config.ModelConfig) (engine.Network, error) {
	meta := network.Meta{
		Name:         mc.Name,
		StepSize:     mc.StepSize,
		FrameRate:    mc.FrameRate,
		InputsNeeded: mc.InputsNeeded,
		Width:        mc.FrameWidth,
		Height:       mc.FrameHeight,
	}

	switch mc.Type {
	case "replay":
		rows := mc.Replay.Scores
		if len(rows) == 0 {
			var err error
			if rows, err = network.LoadRows(mc.Replay.Path); err != nil {
				return nil, err
			}
		}
		return network.NewReplay(meta, rows, mc.Replay.Loop)

	case "subprocess":
		var weights map[string]string
		if mc.ResourcesDir != "" {
			chosen, paths, err := models.Resolve(mc.ResourcesDir, models.ForHeads(mc.Heads), mc.Name, mc.Version)
			if err != nil {
				return nil, err
			}
			meta.Name = chosen.Name + "/" + chosen.Version
			weights = paths
			logger.Info("Session", "using model %s", chosen)
		}
		return network.StartSubprocess(ctx, network.SubprocessOptions{
			Meta:    meta,
			Command: mc.Command,
			Weights: weights,
			Timeout: mc.Timeout,
		})

	default:
		return nil, fmt.Errorf("%w: unknown model type %q", types.ErrConfiguration, mc.Type)
	}
}

// BuildChain creates the post-processor stages in configuration order
func BuildChain(cfg *config.Config) (*postprocess.Chain, error) {
	labels := postprocess.Labels(cfg.Labels)
	bio := postprocess.Biometrics{
		WeightKg: cfg.Biometrics.WeightKg,
		HeightCm: cfg.Biometrics.HeightCm,
		AgeYears: cfg.Biometrics.AgeYears,
		Gender:   cfg.Biometrics.Gender,
	}

	stages := make([]postprocess.Stage, 0, len(cfg.PostProcessors))
	for i, p := range cfg.PostProcessors {
		stage, err := buildStage(p, labels, bio)
		if err != nil {
			return nil, fmt.Errorf("postprocessors[%d]: %w", i, err)
		}
		stages = append(stages, stage)
	}
	return postprocess.NewChain(stages...)
}

func buildStage(p config.PostProcessorConfig, labels postprocess.Labels, bio postprocess.Biometrics) (postprocess.Stage, error) {
	switch p.Type {
	case config.StageSelector:
		return postprocess.NewSelector(p.Indices, p.Key)
	case config.StageClassifier:
		return postprocess.NewClassifier(labels, p.Smoothing, postprocess.ClassifierOptions{
			Indices:        p.Indices,
			PredictionsKey: p.PredictionsKey,
			ScoresKey:      p.ScoresKey,
		})
	case config.StageTwoPositionCounter:
		return postprocess.NewTwoPositionCounter(labels, p.Rest, p.Active, p.ThresholdRest, p.ThresholdActive, p.Key)
	case config.StageOnePositionCounter:
		return postprocess.NewOnePositionCounter(labels, p.Position, p.Threshold, p.Key)
	case config.StageCalories:
		return postprocess.NewCalorieAccumulator(bio, postprocess.CalorieOptions{
			Index:       p.Index,
			Smoothing:   p.Smoothing,
			CaloriesKey: p.CaloriesKey,
			METKey:      p.METKey,
		})
	default:
		return nil, fmt.Errorf("%w: unknown stage type %q", types.ErrConfiguration, p.Type)
	}
}
