package monitor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/sink"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

type fixedProgress types.Summary

func (p fixedProgress) Progress() types.Summary { return types.Summary(p) }

type fakeOffers struct {
	answer []byte
	err    error
	got    []byte
}

func (f *fakeOffers) HandleOffer(_ context.Context, offer []byte) ([]byte, error) {
	f.got = offer
	return f.answer, f.err
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(cfg).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func post(t *testing.T, url string, payload any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload), "body=%s", body)
	return payload
}

// readSSEData opens url and returns the data of the first event
func readSSEData(t *testing.T, url, accept string, ready func()) (string, http.Header) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	if ready != nil {
		ready()
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "data:")), resp.Header
		}
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, Config{})
	resp, body := get(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeJSONMap(t, body)["status"])
}

func TestIndexServesDashboard(t *testing.T) {
	srv := newTestServer(t, Config{})
	resp, body := get(t, srv.URL+"/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), "/api/records/stream")

	resp, _ = get(t, srv.URL+"/assets/monitor.css")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAssetsDirOverridesDashboard(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<p>custom</p>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "monitor.css"), []byte("body{}"), 0o644))

	srv := newTestServer(t, Config{AssetsDir: dir})
	_, body := get(t, srv.URL+"/")
	assert.Equal(t, "<p>custom</p>", string(body))

	resp, body := get(t, srv.URL+"/assets/monitor.css")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "body{}", string(body))

	resp, _ = get(t, srv.URL+"/assets/missing.js")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusReportsSessionAndPipeline(t *testing.T) {
	m := metrics.New()
	m.FramesRead.Add(12)
	m.FramesDropped.Add(2)
	progress := fixedProgress{SessionID: "abc", State: "running", FramesRead: 12, Fields: map[string]any{"squats": 3}}

	srv := newTestServer(t, Config{Metrics: m, Session: progress})
	resp, body := get(t, srv.URL+"/api/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	payload := decodeJSONMap(t, body)
	session := payload["session"].(map[string]any)
	assert.Equal(t, "abc", session["session_id"])
	assert.Equal(t, "running", session["state"])
	assert.Equal(t, 3.0, session["fields"].(map[string]any)["squats"])

	pipeline := payload["pipeline"].(map[string]any)
	assert.Equal(t, 12.0, pipeline["frames_read"])
	assert.Equal(t, 2.0, pipeline["frames_dropped"])
	assert.IsType(t, 0.0, payload["timestamp"])
}

func TestStatusWithoutSession(t *testing.T) {
	srv := newTestServer(t, Config{})
	_, body := get(t, srv.URL+"/api/status")
	payload := decodeJSONMap(t, body)
	assert.Nil(t, payload["session"])
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.FramesRead.Add(7)
	srv := newTestServer(t, Config{Metrics: m})

	resp, body := get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "pipeline_frames_read_total 7")
}

func TestStatusStreamSendsSnapshotImmediately(t *testing.T) {
	srv := newTestServer(t, Config{Session: fixedProgress{SessionID: "abc", State: "running"}})

	data, headers := readSSEData(t, srv.URL+"/api/status/stream", "", nil)
	assert.Contains(t, headers.Get("Content-Type"), "text/event-stream")
	assert.Equal(t, "application/json", headers.Get("X-Content-Format"))

	payload := decodeJSONMap(t, []byte(data))
	assert.Equal(t, "abc", payload["session"].(map[string]any)["session_id"])
}

func TestRecordsStreamJSON(t *testing.T) {
	records := sink.NewBroadcaster(2, nil)
	srv := newTestServer(t, Config{Records: records})

	rec := types.Record{SessionID: "abc", Seq: 9, HasResult: true, Fields: map[string]any{"calories": 1.25}}
	data, _ := readSSEData(t, srv.URL+"/api/records/stream", "", func() {
		require.Eventually(t, func() bool { return records.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)
		require.NoError(t, records.Send(context.Background(), rec))
	})

	payload := decodeJSONMap(t, []byte(data))
	assert.Equal(t, 9.0, payload["seq"])
	assert.Equal(t, 1.25, payload["fields"].(map[string]any)["calories"])
}

func TestRecordsStreamProtobuf(t *testing.T) {
	records := sink.NewBroadcaster(2, nil)
	srv := newTestServer(t, Config{Records: records})

	rec := types.Record{SessionID: "abc", Seq: 4, Fields: map[string]any{"reps": uint64(2)}}
	data, headers := readSSEData(t, srv.URL+"/api/records/stream", "application/x-protobuf", func() {
		require.Eventually(t, func() bool { return records.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)
		require.NoError(t, records.Send(context.Background(), rec))
	})
	assert.Equal(t, "application/protobuf", headers.Get("X-Content-Format"))

	pb, err := sink.DecodeEvent([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, 4.0, pb.GetFields()["seq"].GetNumberValue())
	assert.Equal(t, 2.0, pb.GetFields()["fields"].GetStructValue().GetFields()["reps"].GetNumberValue())
}

func TestRecordsStreamNotConfigured(t *testing.T) {
	srv := newTestServer(t, Config{})
	resp, _ := get(t, srv.URL+"/api/records/stream")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebRTCOffer(t *testing.T) {
	offers := &fakeOffers{answer: []byte(`{"type":"answer","sdp":"v=0"}`)}
	srv := newTestServer(t, Config{WebRTC: offers})

	resp, body := post(t, srv.URL+"/api/webrtc/offer", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid offer data", decodeJSONMap(t, body)["error"])

	resp, body = post(t, srv.URL+"/api/webrtc/offer", map[string]any{"type": "offer", "sdp": "v=0"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "answer", decodeJSONMap(t, body)["type"])
	assert.Contains(t, string(offers.got), `"sdp":"v=0"`)

	offers.err = sink.ErrTooManyClients
	resp, _ = post(t, srv.URL+"/api/webrtc/offer", map[string]any{"type": "offer", "sdp": "v=0"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebRTCOfferNotConfigured(t *testing.T) {
	srv := newTestServer(t, Config{})
	resp, _ := post(t, srv.URL+"/api/webrtc/offer", map[string]any{"type": "offer", "sdp": "v=0"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = get(t, srv.URL+"/api/webrtc/offer")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSessionsFromStore(t *testing.T) {
	store, err := sink.OpenStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveSummary(ctx, types.Summary{SessionID: "abc", StartedAt: started, State: "stopped", Results: 2}))
	require.NoError(t, store.SaveResult(ctx, types.Record{SessionID: "abc", Seq: 6, Timestamp: started, HasResult: true, Fields: map[string]any{"squats": 1}}))

	srv := newTestServer(t, Config{Store: store})

	resp, body := get(t, srv.URL+"/api/sessions?limit=5")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessions := decodeJSONMap(t, body)["sessions"].([]any)
	require.Len(t, sessions, 1)
	assert.Equal(t, "abc", sessions[0].(map[string]any)["session_id"])

	resp, body = get(t, srv.URL+"/api/sessions/abc/results")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := decodeJSONMap(t, body)["results"].([]any)
	require.Len(t, results, 1)
	assert.Equal(t, 6.0, results[0].(map[string]any)["seq"])

	_, body = get(t, srv.URL+"/api/sessions/missing/results")
	assert.Empty(t, decodeJSONMap(t, body)["results"])

	resp, _ = get(t, srv.URL+"/api/sessions?limit=zero")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRecordingControl(t *testing.T) {
	rec := sink.NewRecorder(sink.RecorderOptions{BasePath: t.TempDir()})
	defer rec.Close()
	srv := newTestServer(t, Config{Recorder: rec})

	resp, body := post(t, srv.URL+"/api/recording/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payload := decodeJSONMap(t, body)
	assert.Equal(t, "recording", payload["status"])
	assert.True(t, strings.HasSuffix(payload["file"].(string), ".jsonl"))

	resp, _ = post(t, srv.URL+"/api/recording/start", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, body = get(t, srv.URL+"/api/recording/status")
	assert.Equal(t, true, decodeJSONMap(t, body)["recording"])

	resp, body = post(t, srv.URL+"/api/recording/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stopped", decodeJSONMap(t, body)["status"])

	resp, _ = post(t, srv.URL+"/api/recording/stop", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPublishStatusReachesSubscribers(t *testing.T) {
	s := NewServer(Config{Session: fixedProgress{SessionID: "abc"}})
	id, ch := s.status.Subscribe()
	defer s.status.Unsubscribe(id)

	s.publishStatus()
	ev := <-ch
	assert.Contains(t, string(ev.JSONData), `"session_id":"abc"`)
}

func TestListenAndServeStopsWithContext(t *testing.T) {
	s := NewServer(Config{StatusInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
