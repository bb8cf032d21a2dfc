package monitor

import (
	"fmt"
	"net/http"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/sink"
)

const keepaliveInterval = 30 * time.Second

// streamEvents streams pre-serialized events to an SSE client until the
// channel closes or the client goes away. first, if set, is sent before
// anything from the channel.
func streamEvents(w http.ResponseWriter, r *http.Request, eventCh <-chan *sink.SerializedEvent, first *sink.SerializedEvent, useProtobuf bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	write := func(event *sink.SerializedEvent) bool {
		data := event.JSONData
		if useProtobuf {
			data = event.ProtobufData
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			logger.Debug("SSE", "Client disconnected during event write: %v", err)
			return false
		}
		flusher.Flush()
		return true
	}

	if first != nil && !write(first) {
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case event, ok := <-eventCh:
			if !ok {
				return
			}
			if !write(event) {
				return
			}

		case <-keepalive.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}
