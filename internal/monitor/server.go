// Package monitor serves the HTTP API of a running session: status,
// record streams, WebRTC signalling, stored sessions and Prometheus metrics.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/sink"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

// ProgressReporter is the running session as seen by the monitor
type ProgressReporter interface {
	Progress() types.Summary
}

// OfferHandler answers WebRTC offers
type OfferHandler interface {
	HandleOffer(ctx context.Context, offerJSON []byte) ([]byte, error)
}

// SessionStore lists persisted sessions
type SessionStore interface {
	Sessions(ctx context.Context, limit int) ([]types.Summary, error)
	Results(ctx context.Context, sessionID string) ([]types.Record, error)
}

// RecorderControl starts and stops the record file on demand
type RecorderControl interface {
	Start(name string) error
	Stop() error
	GetStatus() sink.RecordingStatus
}

// Config wires the optional parts of the API. Nil parts answer 503.
type Config struct {
	Metrics        *metrics.Metrics
	Session        ProgressReporter
	Records        *sink.Broadcaster
	WebRTC         OfferHandler
	Store          SessionStore
	Recorder       RecorderControl
	StatusInterval time.Duration // default 2s
	StreamBuffer   int           // per-client status buffer, default 2
	// AssetsDir overrides the built-in dashboard with index.html and
	// serves /assets/* from it
	AssetsDir string
}

// Server serves the monitor endpoints
type Server struct {
	cfg    Config
	status *sink.Broadcaster
	assets *assetHandler
	log    *logger.ModuleLogger
}

// Status is the /api/status payload
type Status struct {
	Session   *types.Summary   `json:"session"`
	Pipeline  metrics.Snapshot `json:"pipeline"`
	Clients   int              `json:"stream_clients"`
	Timestamp float64          `json:"timestamp"`
}

// NewServer returns a configured monitor server
func NewServer(cfg Config) *Server {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 2 * time.Second
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 2
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	return &Server{
		cfg:    cfg,
		status: sink.NewBroadcaster(cfg.StreamBuffer, nil),
		assets: newAssetHandler(cfg.AssetsDir),
		log:    logger.For("Monitor"),
	}
}

// Handler exposes the HTTP handler for the server
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Handle("/assets/*", http.StripPrefix("/assets/", s.assets))
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.cfg.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/status/stream", s.handleStatusStream)
		r.Get("/records/stream", s.handleRecordsStream)
		r.Post("/webrtc/offer", s.handleWebRTCOffer)

		r.Get("/sessions", s.handleSessions)
		r.Get("/sessions/{id}/results", s.handleSessionResults)

		r.Post("/recording/start", s.handleRecordingStart)
		r.Post("/recording/stop", s.handleRecordingStop)
		r.Get("/recording/status", s.handleRecordingStatus)
	})

	return r
}

// ListenAndServe serves until ctx is cancelled. Open streams end with ctx.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go s.runStatus(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("monitor shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// runStatus publishes the status snapshot to stream clients every interval
func (s *Server) runStatus(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()
	defer s.status.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishStatus()
		}
	}
}

func (s *Server) publishStatus() {
	if s.status.ClientCount() == 0 {
		return
	}
	ev, err := sink.NewEvent(s.snapshot())
	if err != nil {
		s.log.Error("status event: %v", err)
		return
	}
	s.status.Publish(ev)
}

func (s *Server) snapshot() Status {
	st := Status{
		Pipeline:  s.cfg.Metrics.Snapshot(),
		Timestamp: float64(time.Now().UnixMilli()) / 1000,
	}
	if s.cfg.Session != nil {
		p := s.cfg.Session.Progress()
		st.Session = &p
	}
	if s.cfg.Records != nil {
		st.Clients = s.cfg.Records.ClientCount()
	}
	return st
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if path, ok := s.assets.indexPath(); ok {
		http.ServeFile(w, r, path)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.snapshot())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.status.Subscribe()
	defer s.status.Unsubscribe(id)

	// First event right away instead of one interval later.
	first, err := sink.NewEvent(s.snapshot())
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	streamEvents(w, r, eventCh, first, wantsProtobuf(r))
}

func (s *Server) handleRecordsStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Records == nil {
		writeError(w, "record stream is not configured", http.StatusServiceUnavailable)
		return
	}
	id, eventCh := s.cfg.Records.Subscribe()
	defer s.cfg.Records.Unsubscribe(id)

	streamEvents(w, r, eventCh, nil, wantsProtobuf(r))
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WebRTC == nil {
		writeError(w, "WebRTC is not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, "Invalid offer data", http.StatusBadRequest)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, "Invalid offer data", http.StatusBadRequest)
		return
	}
	if payload["sdp"] == nil || payload["type"] == nil {
		writeError(w, "Invalid offer data", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	answer, err := s.cfg.WebRTC.HandleOffer(ctx, body)
	switch {
	case errors.Is(err, sink.ErrTooManyClients), errors.Is(err, sink.ErrClosed):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		s.log.Warn("offer rejected: %v", err)
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(answer)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, "session store is not configured", http.StatusServiceUnavailable)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	sessions, err := s.cfg.Store.Sessions(r.Context(), limit)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []types.Summary{}
	}
	writeJSON(w, map[string]any{"sessions": sessions})
}

func (s *Server) handleSessionResults(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, "session store is not configured", http.StatusServiceUnavailable)
		return
	}

	sessionID := chi.URLParam(r, "id")
	results, err := s.cfg.Store.Results(r.Context(), sessionID)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []types.Record{}
	}
	writeJSON(w, map[string]any{"session_id": sessionID, "results": results})
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Recorder == nil {
		writeError(w, "recorder is not configured", http.StatusServiceUnavailable)
		return
	}
	if err := s.cfg.Recorder.Start(""); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	status := s.cfg.Recorder.GetStatus()
	writeJSON(w, map[string]any{
		"status":     "recording",
		"file":       status.Filename,
		"started_at": float64(status.StartTime.Unix()),
	})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Recorder == nil {
		writeError(w, "recorder is not configured", http.StatusServiceUnavailable)
		return
	}
	if err := s.cfg.Recorder.Stop(); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	status := s.cfg.Recorder.GetStatus()
	writeJSON(w, map[string]any{
		"status":     "stopped",
		"file":       status.Filename,
		"stats":      status,
		"stopped_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Recorder == nil {
		writeError(w, "recorder is not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.cfg.Recorder.GetStatus())
}

// requestLogger logs one debug line per request
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("%s %s -> %d (%d bytes, %v) [%s]",
			r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(),
			time.Since(start), middleware.GetReqID(r.Context()))
	})
}

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSONWithStatus(w, map[string]any{"error": msg}, status)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
