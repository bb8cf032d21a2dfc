package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"syscall"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/monitor"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/session"
)

var (
	// Command-line flags
	configPath = flag.String("config", "configs/fitness_counter.yaml", "Session configuration file")
	httpAddr   = flag.String("http", "", "Monitor address, overrides http.addr")
	pprofAddr  = flag.String("pprof", "", "pprof server address (disabled when empty)")
	sessionID  = flag.String("session", "", "Session id (random when empty)")
	logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error, silent), overrides log_level")
	logColor   = flag.Bool("log-color", true, "Enable colored log output")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	level := cfg.LogLevel
	if *logLevel != "" {
		if level, err = logger.ParseLevel(*logLevel); err != nil {
			log.Fatalf("Invalid log level: %v", err)
		}
	}
	logger.Init(level, os.Stderr, *logColor)

	if *httpAddr != "" {
		cfg.HTTP.Enabled = true
		cfg.HTTP.Addr = *httpAddr
	}

	logger.Info("Main", "Fitness server starting (%s)", cfg.Name)
	logger.Info("Main", "Log level: %s", level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := session.New(ctx, cfg, session.Options{SessionID: *sessionID})
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}

	if *pprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	// The monitor outlives the session so the final status stays readable
	// until the process is signalled.
	srvCtx, stopServer := context.WithCancel(ctx)
	serverDone := make(chan struct{})
	if cfg.HTTP.Enabled {
		srv := monitor.NewServer(monitor.Config{
			Metrics:        sess.Metrics,
			Session:        sess.Controller,
			Records:        sess.Records,
			WebRTC:         sess.WebRTC,
			Store:          storeOrNil(sess),
			Recorder:       recorderOrNil(sess),
			StatusInterval: cfg.HTTP.StatusInterval,
			StreamBuffer:   cfg.HTTP.StreamBuffer,
			AssetsDir:      cfg.HTTP.AssetsDir,
		})
		go func() {
			defer close(serverDone)
			if err := srv.ListenAndServe(srvCtx, cfg.HTTP.Addr); err != nil {
				logger.Error("Main", "Monitor server error: %v", err)
			}
		}()
	} else {
		close(serverDone)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sigChan {
			select {
			case <-sess.Controller.Done():
				stopServer()
				return
			default:
				logger.Info("Main", "Shutting down...")
				sess.Stop()
			}
		}
	}()

	sum, runErr := sess.Run(ctx)
	if err := json.NewEncoder(os.Stdout).Encode(sum); err != nil {
		logger.Warn("Main", "Failed to print summary: %v", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("Main", "Session failed: %v", runErr)
	}

	if cfg.HTTP.Enabled {
		logger.Info("Main", "Session ended, monitor still on %s (signal again to exit)", cfg.HTTP.Addr)
	}
	<-serverDone
	stopServer()

	if err := sess.Close(); err != nil {
		logger.Warn("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Server stopped")

	if runErr != nil {
		os.Exit(1)
	}
}

// Typed nil pointers would defeat the monitor's nil checks.
func storeOrNil(sess *session.Session) monitor.SessionStore {
	if sess.Store == nil {
		return nil
	}
	return sess.Store
}

func recorderOrNil(sess *session.Session) monitor.RecorderControl {
	if sess.Recorder == nil {
		return nil
	}
	return sess.Recorder
}
