package sink

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

// SerializedEvent holds pre-serialized data in both formats.
// This avoids redundant serialization when broadcasting to multiple clients.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // google.protobuf.Struct, base64 encoded for SSE
}

// NewEvent serializes v once as JSON and as a protobuf Struct
func NewEvent(v any) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}

	// Struct only takes JSON-shaped values, so build it from the JSON form.
	var generic map[string]any
	if err := json.Unmarshal(jsonData, &generic); err != nil {
		return nil, fmt.Errorf("event is not a JSON object: %w", err)
	}
	pbStruct, err := structpb.NewStruct(generic)
	if err != nil {
		return nil, fmt.Errorf("protobuf struct: %w", err)
	}
	pbData, err := proto.Marshal(pbStruct)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// DecodeEvent parses the base64 protobuf form back into a Struct
func DecodeEvent(data []byte) (*structpb.Struct, error) {
	raw, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := proto.Unmarshal(raw, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Broadcaster fans records out to SSE clients. Each client has a small
// buffer; a client that falls behind misses events instead of blocking.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	buffer  int
	closed  bool

	sent    uint64
	skipped uint64

	metrics *metrics.Metrics
	log     *logger.ModuleLogger
}

// NewBroadcaster creates a broadcaster with a per-client buffer (default 2)
func NewBroadcaster(buffer int, m *metrics.Metrics) *Broadcaster {
	if buffer <= 0 {
		buffer = 2
	}
	return &Broadcaster{
		clients: make(map[int]chan *SerializedEvent),
		buffer:  buffer,
		metrics: m,
		log:     logger.For("Broadcaster"),
	}
}

// Subscribe adds a new client and returns a channel for receiving events.
// The channel is closed on Unsubscribe or Close.
func (b *Broadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *SerializedEvent, b.buffer)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.clients[id] = ch

	if b.metrics != nil {
		b.metrics.ActiveClients.Add(1)
		b.metrics.TotalClients.Add(1)
	}
	b.log.Debug("Client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		if b.metrics != nil {
			b.metrics.ActiveClients.Add(-1)
		}
		b.log.Debug("Client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	}
}

// ClientCount returns the number of subscribed clients
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Send serializes rec and broadcasts it. With no clients nothing is serialized.
func (b *Broadcaster) Send(_ context.Context, rec types.Record) error {
	if b.ClientCount() == 0 {
		return nil
	}
	ev, err := NewEvent(rec)
	if err != nil {
		return fmt.Errorf("record #%d: %w", rec.Seq, err)
	}
	b.Publish(ev)
	return nil
}

// Publish delivers a pre-serialized event to every client without blocking
func (b *Broadcaster) Publish(ev *SerializedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.clients {
		select {
		case ch <- ev:
			b.sent++
		default:
			// Client too slow, skip this event for this client
			b.skipped++
		}
	}
}

// Stats returns the number of events delivered and skipped
func (b *Broadcaster) Stats() (sent, skipped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent, b.skipped
}

// Close disconnects every client. Later subscribers get a closed channel.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
		if b.metrics != nil {
			b.metrics.ActiveClients.Add(-1)
		}
	}
	return nil
}
