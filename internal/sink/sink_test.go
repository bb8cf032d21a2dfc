package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func record(seq uint64, hasResult bool) types.Record {
	return types.Record{
		SessionID: "s1",
		Seq:       seq,
		Timestamp: t0.Add(time.Duration(seq) * time.Second),
		HasResult: hasResult,
		FPS:       types.FPSMetrics{Camera: 16, Inference: 4},
		Fields:    map[string]any{"squats": uint64(seq), "calories": 1.5},
	}
}

type memSink struct {
	name    string
	err     error
	got     []types.Record
	summary *types.Summary
	order   *[]string
}

func (s *memSink) Send(_ context.Context, rec types.Record) error {
	s.got = append(s.got, rec)
	return s.err
}

type finishingSink struct{ memSink }

func (s *finishingSink) Finish(_ context.Context, sum types.Summary) error {
	s.summary = &sum
	return nil
}

func (s *finishingSink) Close() error {
	*s.order = append(*s.order, s.name)
	return nil
}

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	var order []string
	a := &finishingSink{memSink{name: "a", order: &order}}
	b := &memSink{name: "b", err: errors.New("disk full")}
	c := &finishingSink{memSink{name: "c", order: &order}}

	m := NewMulti().Add("a", a).Add("b", b).Add("c", c).Add("nil", nil)
	assert.Equal(t, 3, m.Len())

	err := m.Send(context.Background(), record(1, true))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b: disk full")
	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 1)
	assert.Len(t, c.got, 1, "a failing sink must not starve the next one")

	require.NoError(t, m.Finish(context.Background(), types.Summary{SessionID: "s1"}))
	require.NotNil(t, a.summary)
	require.NotNil(t, c.summary)
	assert.Nil(t, b.summary)

	require.NoError(t, m.Close())
	assert.Equal(t, []string{"c", "a"}, order)
}

func TestLogSinkSamplesRecords(t *testing.T) {
	var buf bytes.Buffer
	l := logger.New(logger.INFO, &buf, false)
	s := NewLog(4, l.Module("Records"))

	for seq := uint64(1); seq <= 8; seq++ {
		require.NoError(t, s.Send(context.Background(), record(seq, seq == 6)))
	}

	out := buf.String()
	assert.Contains(t, out, "#1 ")
	assert.Contains(t, out, "#5 ")
	assert.Contains(t, out, "#6 ", "results are always logged")
	assert.NotContains(t, out, "#2 ")
	assert.NotContains(t, out, "#7 ")
	assert.Contains(t, out, "calories=1.500 squats=1")
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "-", formatValue(nil))
	assert.Equal(t, "[0.100,0.900]", formatValue([]float64{0.1, 0.9}))
	assert.Equal(t, "squat(0.80)", formatValue([]types.Prediction{{Label: "squat", Score: 0.8}, {Label: "rest", Score: 0.2}}))
	assert.Equal(t, "7", formatValue(uint64(7)))
}

func TestRecorderWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(RecorderOptions{BasePath: dir, Blocking: true})

	assert.ErrorIs(t, r.Send(context.Background(), record(1, true)), ErrNotRecording)

	require.NoError(t, r.Start("clip.jsonl"))
	assert.Error(t, r.Start("other.jsonl"))
	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, r.Send(context.Background(), record(seq, seq%2 == 0)))
	}
	assert.True(t, r.GetStatus().Recording)

	require.NoError(t, r.Finish(context.Background(), types.Summary{}))
	assert.False(t, r.IsRecording())

	status := r.GetStatus()
	assert.Equal(t, uint64(5), status.RecordCount)
	assert.Equal(t, "clip.jsonl", status.Filename)
	assert.Positive(t, status.BytesWritten)

	f, err := os.Open(filepath.Join(dir, "clip.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var seqs []uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec types.Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		seqs = append(seqs, rec.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs)
	assert.Equal(t, filepath.Join(dir, "clip.jsonl"), r.Path())

	assert.ErrorIs(t, r.Stop(), ErrNotRecording)
	assert.NoError(t, r.Close())
}

func TestRecorderDefaultFilename(t *testing.T) {
	r := NewRecorder(RecorderOptions{BasePath: filepath.Join(t.TempDir(), "nested")})
	require.NoError(t, r.Start(""))
	defer r.Close()

	assert.Regexp(t, `^records_\d{8}_\d{6}\.jsonl$`, r.GetStatus().Filename)
}

func TestBroadcasterDeliversBothFormats(t *testing.T) {
	m := metrics.New()
	b := NewBroadcaster(2, m)

	// No clients, nothing to do.
	require.NoError(t, b.Send(context.Background(), record(1, true)))

	id, ch := b.Subscribe()
	assert.Equal(t, int64(1), m.ActiveClients.Load())
	require.NoError(t, b.Send(context.Background(), record(2, true)))

	ev := <-ch
	var rec types.Record
	require.NoError(t, json.Unmarshal(ev.JSONData, &rec))
	assert.Equal(t, uint64(2), rec.Seq)

	pb, err := DecodeEvent(ev.ProtobufData)
	require.NoError(t, err)
	fields := pb.GetFields()["fields"].GetStructValue().GetFields()
	assert.Equal(t, 2.0, fields["squats"].GetNumberValue())
	assert.Equal(t, "s1", pb.GetFields()["session_id"].GetStringValue())

	b.Unsubscribe(id)
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, int64(0), m.ActiveClients.Load())
}

func TestBroadcasterSkipsSlowClients(t *testing.T) {
	b := NewBroadcaster(1, nil)
	_, slow := b.Subscribe()

	for seq := uint64(1); seq <= 3; seq++ {
		ev, err := NewEvent(record(seq, true))
		require.NoError(t, err)
		b.Publish(ev)
	}

	sent, skipped := b.Stats()
	assert.Equal(t, uint64(1), sent)
	assert.Equal(t, uint64(2), skipped)

	first := <-slow
	assert.Contains(t, string(first.JSONData), `"seq":1`)

	require.NoError(t, b.Close())
	_, open := <-slow
	assert.False(t, open)

	_, late := b.Subscribe()
	_, open = <-late
	assert.False(t, open, "subscribing after Close yields a closed channel")
}

func TestNewEventRejectsNonObjects(t *testing.T) {
	_, err := NewEvent([]int{1, 2})
	assert.Error(t, err)
}

type fakeToken struct{ err error }

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Error() error                   { return t.err }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// fakeBroker records publishes; unimplemented methods panic via the nil embed
type fakeBroker struct {
	mqtt.Client
	mu           sync.Mutex
	msgs         []published
	err          error
	disconnected bool
}

func (c *fakeBroker) IsConnected() bool { return true }

func (c *fakeBroker) Disconnect(uint) { c.disconnected = true }

func (c *fakeBroker) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.msgs = append(c.msgs, published{topic: topic, retained: retained, payload: payload.([]byte)})
	}
	return fakeToken{err: c.err}
}

func TestMQTTPublishesRecordsAndSummary(t *testing.T) {
	broker := &fakeBroker{}
	m := NewMQTT(MQTTOptions{Topic: "gym", OnlyResults: true})
	m.client = broker

	assert.ErrorIs(t, m.Send(context.Background(), record(1, true)), ErrMQTTNotConnected)
	m.setConnected(true)

	require.NoError(t, m.Send(context.Background(), record(2, false)))
	require.NoError(t, m.Send(context.Background(), record(3, true)))
	require.NoError(t, m.Finish(context.Background(), types.Summary{SessionID: "s1", Results: 1}))

	require.Len(t, broker.msgs, 2)
	assert.Equal(t, "gym/records", broker.msgs[0].topic)
	assert.False(t, broker.msgs[0].retained)
	assert.Contains(t, string(broker.msgs[0].payload), `"seq":3`)
	assert.Equal(t, "gym/summary", broker.msgs[1].topic)
	assert.True(t, broker.msgs[1].retained)

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Published["gym/records"])
	assert.Equal(t, uint64(1), stats.Errors)

	broker.err = errors.New("broker gone")
	assert.Error(t, m.Send(context.Background(), record(4, true)))
	assert.Equal(t, uint64(2), m.Stats().Errors)

	require.NoError(t, m.Close())
	assert.True(t, broker.disconnected)
	assert.False(t, m.Stats().Connected)
	require.NoError(t, m.Close())
}

func TestStorePersistsResultsAndSummaries(t *testing.T) {
	store, err := OpenStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	s := store.Sink()
	for seq := uint64(1); seq <= 4; seq++ {
		require.NoError(t, s.Send(ctx, record(seq, seq%2 == 0)))
	}
	require.NoError(t, s.Finish(ctx, types.Summary{
		SessionID:       "s1",
		StartedAt:       t0,
		EndedAt:         t0.Add(time.Minute),
		State:           "stopped",
		FramesRead:      4,
		FramesProcessed: 4,
		Results:         2,
		LastSeq:         4,
		Fields:          map[string]any{"squats": 2},
		Error:           "",
	}))

	results, err := store.Results(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, uint64(2), results[0].Seq)
	assert.Equal(t, uint64(4), results[1].Seq)
	assert.True(t, results[1].Timestamp.Equal(t0.Add(4*time.Second)))
	assert.Equal(t, 4.0, results[1].Fields["squats"])

	sessions, err := store.Sessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	got := sessions[0]
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, uint64(2), got.Results)
	assert.Equal(t, time.Minute, got.Duration())
	assert.Equal(t, 2.0, got.Fields["squats"])
}

func TestStoreSessionsNewestFirst(t *testing.T) {
	store, err := OpenStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	for i, id := range []string{"old", "new"} {
		require.NoError(t, store.SaveSummary(ctx, types.Summary{
			SessionID: id,
			StartedAt: t0.Add(time.Duration(i) * time.Hour),
			State:     "running",
		}))
	}

	sessions, err := store.Sessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "new", sessions[0].SessionID)
	assert.True(t, sessions[0].EndedAt.IsZero())
}

func TestWebRTCRejectsBadOffers(t *testing.T) {
	s := NewWebRTC(WebRTCOptions{MaxClients: 1}, nil)
	defer s.Close()

	_, err := s.HandleOffer(context.Background(), []byte("not json"))
	assert.Error(t, err)

	_, err = s.HandleOffer(context.Background(), []byte(`{"type":"answer","sdp":"v=0"}`))
	assert.Error(t, err)

	s.addClient("c1", nil, func(string) error { return nil })
	_, err = s.HandleOffer(context.Background(), []byte(`{"type":"offer","sdp":"v=0"}`))
	assert.ErrorIs(t, err, ErrTooManyClients)

	require.NoError(t, s.Close())
	_, err = s.HandleOffer(context.Background(), []byte(`{"type":"offer","sdp":"v=0"}`))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWebRTCSendsRecordsToOpenChannels(t *testing.T) {
	m := metrics.New()
	s := NewWebRTC(WebRTCOptions{}, m)

	var (
		mu  sync.Mutex
		got []string
	)
	s.addClient("c1", nil, func(text string) error {
		mu.Lock()
		got = append(got, text)
		mu.Unlock()
		return nil
	})
	assert.Equal(t, 1, s.GetClientCount())
	assert.Equal(t, int64(1), m.ActiveClients.Load())

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, s.Send(context.Background(), record(seq, true)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Contains(t, got[2], `"seq":3`)
	mu.Unlock()

	require.Eventually(t, func() bool {
		return s.GetClientStats()["c1"]["records_sent"] == 3
	}, 2*time.Second, 5*time.Millisecond)

	s.RemoveClient("c1")
	s.RemoveClient("c1")
	assert.Equal(t, 0, s.GetClientCount())
	assert.Equal(t, int64(0), m.ActiveClients.Load())
	require.NoError(t, s.Close())
}

func TestWebRTCDropsFailingClient(t *testing.T) {
	s := NewWebRTC(WebRTCOptions{}, nil)
	defer s.Close()

	s.addClient("c1", nil, func(string) error { return errors.New("channel closed") })
	require.NoError(t, s.Send(context.Background(), record(1, true)))

	require.Eventually(t, func() bool { return s.GetClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}
