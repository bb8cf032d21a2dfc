package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

// ErrMQTTNotConnected is returned by Send while the broker link is down
var ErrMQTTNotConnected = errors.New("mqtt not connected")

// MQTTOptions configure the MQTT sink
type MQTTOptions struct {
	Broker      string // host:port
	ClientID    string
	Topic       string // records go to <topic>/records, summaries to <topic>/summary
	QoS         byte
	Timeout     time.Duration // per publish, default 2s
	OnlyResults bool          // skip records without an inference result
}

// MQTT publishes records and the final summary to a broker
type MQTT struct {
	opts   MQTTOptions
	client mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
	closed    bool

	log *logger.ModuleLogger
}

// MQTTStats contains publisher statistics
type MQTTStats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// NewMQTT creates the sink. Call Connect before the session starts.
func NewMQTT(opts MQTTOptions) *MQTT {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Topic == "" {
		opts.Topic = "fitness"
	}
	return &MQTT{
		opts:      opts,
		published: make(map[string]uint64),
		log:       logger.For("MQTT"),
	}
}

// Connect establishes the broker connection with auto-reconnect
func (m *MQTT) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", m.opts.Broker))
	opts.SetClientID(m.opts.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		m.setConnected(true)
		m.log.Info("connection established (broker=%s client_id=%s)", m.opts.Broker, m.opts.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.setConnected(false)
		m.log.Warn("connection lost, will auto-reconnect: %v", err)
	}

	m.client = mqtt.NewClient(opts)
	m.log.Info("connecting to %s", m.opts.Broker)

	token := m.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("%w: mqtt connection timeout", types.ErrSourceUnavailable)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	m.setConnected(true)
	return nil
}

// Send publishes rec as JSON to <topic>/records
func (m *MQTT) Send(_ context.Context, rec types.Record) error {
	if m.opts.OnlyResults && !rec.HasResult {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		m.countError()
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return m.publish(m.opts.Topic+"/records", payload, false)
}

// Finish publishes the retained summary to <topic>/summary
func (m *MQTT) Finish(_ context.Context, summary types.Summary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		m.countError()
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	return m.publish(m.opts.Topic+"/summary", payload, true)
}

func (m *MQTT) publish(topic string, payload []byte, retained bool) error {
	if !m.isConnected() {
		m.countError()
		return ErrMQTTNotConnected
	}

	token := m.client.Publish(topic, m.opts.QoS, retained, payload)
	if !token.WaitTimeout(m.opts.Timeout) {
		m.countError()
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		m.countError()
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}

	m.mu.Lock()
	m.published[topic]++
	m.mu.Unlock()
	return nil
}

// Close disconnects from the broker
func (m *MQTT) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.connected = false
	m.mu.Unlock()

	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250) // 250ms grace period
		m.log.Info("disconnected")
	}
	return nil
}

// Stats returns publisher statistics
func (m *MQTT) Stats() MQTTStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	published := make(map[string]uint64, len(m.published))
	for k, v := range m.published {
		published[k] = v
	}
	return MQTTStats{Connected: m.connected, Published: published, Errors: m.errors}
}

func (m *MQTT) setConnected(v bool) {
	m.mu.Lock()
	if !m.closed {
		m.connected = v
	}
	m.mu.Unlock()
}

func (m *MQTT) isConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MQTT) countError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}
