package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

// RecordsChannel is the DataChannel label clients open to receive records
const RecordsChannel = "records"

var (
	// ErrTooManyClients is returned by HandleOffer at the client limit
	ErrTooManyClients = errors.New("maximum clients reached")
	// ErrClosed is returned by HandleOffer after Close
	ErrClosed = errors.New("sink closed")
)

// WebRTCOptions configure the DataChannel sink
type WebRTCOptions struct {
	ICEServers []string
	MaxClients int // default 4
	Buffer     int // queued records per client, default 16
}

// rtcClient is one connected peer
type rtcClient struct {
	id       string
	peerConn *webrtc.PeerConnection // nil in tests
	send     func([]byte) error
	records  chan []byte
	done     chan struct{}

	recordsSent    uint64
	recordsDropped uint64
}

// WebRTC streams records as JSON text messages over a DataChannel.
// Clients create the "records" channel in their offer.
type WebRTC struct {
	clients   map[string]*rtcClient
	clientsMu sync.RWMutex
	closed    bool

	config  webrtc.Configuration
	api     *webrtc.API
	opts    WebRTCOptions
	metrics *metrics.Metrics
	log     *logger.ModuleLogger
}

// NewWebRTC creates the sink. STUN defaults to Google's public server.
func NewWebRTC(opts WebRTCOptions, m *metrics.Metrics) *WebRTC {
	if opts.MaxClients <= 0 {
		opts.MaxClients = 4
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 16
	}

	iceServers := make([]webrtc.ICEServer, 0, len(opts.ICEServers))
	for _, url := range opts.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	return &WebRTC{
		clients: make(map[string]*rtcClient),
		config:  webrtc.Configuration{ICEServers: iceServers},
		api:     webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine)),
		opts:    opts,
		metrics: m,
		log:     logger.For("WebRTC"),
	}
}

// HandleOffer handles a WebRTC offer and returns the answer with ICE candidates
func (s *WebRTC) HandleOffer(ctx context.Context, offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("failed to parse offer: expected type offer with sdp")
	}

	s.clientsMu.RLock()
	numClients, closed := len(s.clients), s.closed
	s.clientsMu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if numClients >= s.opts.MaxClients {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyClients, s.opts.MaxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	id := uuid.NewString()

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != RecordsChannel {
			s.log.Debug("Client %s opened unknown channel %q", id, dc.Label())
			return
		}
		dc.OnOpen(func() {
			s.addClient(id, peerConn, dc.SendText)
		})
		dc.OnClose(func() {
			s.RemoveClient(id)
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debug("Client %s connection state: %s", id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			s.RemoveClient(id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		peerConn.Close()
		return nil, ctx.Err()
	}

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		peerConn.Close()
		return nil, fmt.Errorf("no local description available")
	}
	return json.Marshal(localDesc)
}

// addClient registers a peer whose records channel is open
func (s *WebRTC) addClient(id string, pc *webrtc.PeerConnection, send func(string) error) {
	client := &rtcClient{
		id:       id,
		peerConn: pc,
		send:     func(b []byte) error { return send(string(b)) },
		records:  make(chan []byte, s.opts.Buffer),
		done:     make(chan struct{}),
	}

	s.clientsMu.Lock()
	if s.closed {
		s.clientsMu.Unlock()
		if pc != nil {
			pc.Close()
		}
		return
	}
	s.clients[id] = client
	s.clientsMu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveClients.Add(1)
		s.metrics.TotalClients.Add(1)
	}

	go s.sendRecords(client)
	s.log.Info("Client %s connected", id)
}

// Send marshals rec once and queues it for every client. A full queue drops
// the record for that client only.
func (s *WebRTC) Send(_ context.Context, rec types.Record) error {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	if len(s.clients) == 0 {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("record #%d: %w", rec.Seq, err)
	}

	for _, client := range s.clients {
		select {
		case client.records <- payload:
		default:
			client.recordsDropped++
		}
	}
	return nil
}

func (s *WebRTC) sendRecords(client *rtcClient) {
	for {
		select {
		case <-client.done:
			return
		case payload := <-client.records:
			if err := client.send(payload); err != nil {
				s.log.Warn("Error sending to client %s: %v", client.id, err)
				go s.RemoveClient(client.id)
				return
			}
			s.clientsMu.Lock()
			client.recordsSent++
			s.clientsMu.Unlock()
		}
	}
}

// RemoveClient removes a client by ID. The peer connection is closed
// outside the lock since pion calls back into state handlers on close.
func (s *WebRTC) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	var sent, dropped uint64
	if exists {
		delete(s.clients, clientID)
		close(client.done)
		sent, dropped = client.recordsSent, client.recordsDropped
	}
	s.clientsMu.Unlock()

	if !exists {
		return
	}
	if s.metrics != nil {
		s.metrics.ActiveClients.Add(-1)
	}
	if client.peerConn != nil {
		client.peerConn.Close()
	}
	s.log.Info("Client %s disconnected (sent: %d, dropped: %d)",
		clientID, sent, dropped)
}

// GetClientCount returns the number of connected clients
func (s *WebRTC) GetClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// GetClientStats returns stats for all clients
func (s *WebRTC) GetClientStats() map[string]map[string]uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]map[string]uint64, len(s.clients))
	for id, client := range s.clients {
		stats[id] = map[string]uint64{
			"records_sent":    client.recordsSent,
			"records_dropped": client.recordsDropped,
		}
	}
	return stats
}

// Close disconnects every client and rejects new offers
func (s *WebRTC) Close() error {
	s.clientsMu.Lock()
	if s.closed {
		s.clientsMu.Unlock()
		return nil
	}
	s.closed = true
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.Unlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
