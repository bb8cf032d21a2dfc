// Command extract runs the batch discipline over recorded clips and writes
// one JSONL record file per clip.
//
// Clips are directories of frame images under -in. The output mirrors the
// input tree: <in>/squat/clip01/*.png becomes <out>/squat/clip01.jsonl.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/session"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/source"
)

var (
	configPath = flag.String("config", "configs/fitness_counter.yaml", "Session configuration file")
	inDir      = flag.String("in", "./clips", "Directory tree of recorded clips")
	outDir     = flag.String("out", "./features", "Output directory for record files")
	clipFPS    = flag.Float64("clip-fps", 30, "Frame rate the clips were recorded at")
	minFrames  = flag.Int("min-frames", 45, "Clips with this many frames or fewer after resampling are skipped")
	overwrite  = flag.Bool("overwrite", false, "Re-extract clips whose record file already exists")
	logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor   = flag.Bool("log-color", true, "Enable colored log output")
)

// clip is one directory of frames and where its records go
type clip struct {
	Dir  string
	Name string // slash-separated path relative to the input root
	Out  string
}

func main() {
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	clips, err := findClips(*inDir, *outDir)
	if err != nil {
		log.Fatalf("Failed to list clips: %v", err)
	}
	logger.Info("Extract", "Found %d clips to process", len(clips))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Shared by every clip session.
	m := metrics.New()

	var done, skipped, failed int
	for i, c := range clips {
		if ctx.Err() != nil {
			break
		}
		logger.Info("Extract", "Clip %d/%d: %s", i+1, len(clips), c.Name)

		if !*overwrite {
			if _, err := os.Stat(c.Out); err == nil {
				logger.Info("Extract", "Skipped %s, records already extracted", c.Name)
				skipped++
				continue
			}
		}

		ok, err := extract(ctx, cfg, m, c)
		switch {
		case err != nil:
			logger.Error("Extract", "%s: %v", c.Name, err)
			failed++
		case !ok:
			skipped++
		default:
			done++
		}
	}

	logger.Info("Extract", "Done: %d extracted, %d skipped, %d failed", done, skipped, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

// findClips returns every directory under root that holds frame images
func findClips(root, out string) ([]clip, error) {
	var clips []clip
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if _, err := source.ListFrames(path); err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			rel = filepath.Base(root)
		}
		clips = append(clips, clip{
			Dir:  path,
			Name: filepath.ToSlash(rel),
			Out:  filepath.Join(out, rel+".jsonl"),
		})
		return nil
	})
	return clips, err
}

// extract runs one clip. It reports false when the clip is too short.
func extract(ctx context.Context, base *config.Config, m *metrics.Metrics, c clip) (bool, error) {
	src, err := source.NewImageDir(c.Dir, source.ImageDirOptions{FPS: *clipFPS})
	if err != nil {
		return false, err
	}
	frames, err := source.ReadAll(ctx, src)
	if err != nil {
		return false, fmt.Errorf("read frames: %w", err)
	}

	frames = source.Resample(frames, base.Model.FrameRate / *clipFPS)
	if len(frames) <= *minFrames {
		logger.Warn("Extract", "Clip too short: %s (%d frames)", c.Name, len(frames))
		return false, nil
	}

	cfg := *base
	cfg.Discipline = "batch"
	cfg.HTTP.Enabled = false
	cfg.Sinks.MQTT.Enabled = false
	cfg.Sinks.Recorder.Enabled = true
	cfg.Sinks.Recorder.OutputDir = filepath.Dir(c.Out)

	sess, err := session.New(ctx, &cfg, session.Options{
		SessionID:  c.Name,
		Metrics:    m,
		Source:     source.NewClip(frames, base.Model.FrameRate),
		RecordFile: filepath.Base(c.Out),
	})
	if err != nil {
		return false, err
	}

	sum, runErr := sess.Run(ctx)
	if err := sess.Close(); err != nil {
		logger.Warn("Extract", "%s: close: %v", c.Name, err)
	}
	if runErr != nil {
		// No partial record files.
		if rmErr := os.Remove(c.Out); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			logger.Warn("Extract", "%s: %v", c.Name, rmErr)
		}
		return false, runErr
	}

	logger.Info("Extract", "%s: %d frames, %d results -> %s", c.Name, sum.FramesProcessed, sum.Results, c.Out)
	return true, nil
}
