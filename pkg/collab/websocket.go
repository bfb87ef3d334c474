package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-roomclient/pkg/profile"
)

// WebsocketStreamConfig holds connection parameters for the live stream.
type WebsocketStreamConfig struct {
	// URL is the websocket endpoint, e.g. "ws://localhost:8080/ws".
	URL string
	// RoomSlug identifies the room channel to join.
	RoomSlug string
	// HandshakeTimeout bounds the initial dial.
	HandshakeTimeout time.Duration
	// ReconnectWaitMin is the first delay before a reconnection attempt.
	ReconnectWaitMin time.Duration
	// ReconnectWaitMax caps the reconnection backoff.
	ReconnectWaitMax time.Duration
}

func (cfg *WebsocketStreamConfig) applyDefaults() {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReconnectWaitMin <= 0 {
		cfg.ReconnectWaitMin = time.Second
	}
	if cfg.ReconnectWaitMax <= 0 {
		cfg.ReconnectWaitMax = 30 * time.Second
	}
}

// controlMessage is the JSON envelope for non-binary frames. Binary frames
// are raw CRDT updates and never wrapped.
type controlMessage struct {
	Type   string                   `json:"type"`
	User   *profile.PresenceRecord  `json:"user,omitempty"`
	States map[string]presenceState `json:"states,omitempty"`
}

type presenceState struct {
	User profile.PresenceRecord `json:"user"`
}

const (
	msgTypePresenceSet   = "presence_set"
	msgTypePresenceClear = "presence_clear"
	msgTypePresenceMap   = "presence"
	msgTypeMeta          = "meta"
)

// WebsocketStream is the gorilla/websocket implementation of Stream. It
// reconnects with capped backoff after a dropped connection and reports
// every transition through the status callback; sessions react to those
// transitions but never dial themselves.
type WebsocketStream struct {
	cfg    WebsocketStreamConfig
	logger zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	closed           bool
	statusHandlers   []func(StreamStatus)
	updateHandlers   []func([]byte)
	presenceHandlers []func(map[string]profile.PresenceRecord)
	metaHandlers     []func()

	writeMu sync.Mutex
}

// NewWebsocketStream creates a stream for one room. Register callbacks
// before calling Connect.
func NewWebsocketStream(cfg WebsocketStreamConfig, logger zerolog.Logger) (*WebsocketStream, error) {
	if cfg.URL == "" {
		return nil, errors.New("websocket URL is required")
	}
	if cfg.RoomSlug == "" {
		return nil, errors.New("room slug is required")
	}
	cfg.applyDefaults()
	return &WebsocketStream{
		cfg:    cfg,
		logger: logger.With().Str("component", "WebsocketStream").Str("room", cfg.RoomSlug).Logger(),
	}, nil
}

// Connect dials the room channel and starts the read loop. The context
// bounds only the initial dial; the connection itself lives until Close.
func (s *WebsocketStream) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL+"?room="+s.cfg.RoomSlug, nil)
	if err != nil {
		return fmt.Errorf("failed to dial live stream: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return errors.New("stream is closed")
	}
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info().Str("url", s.cfg.URL).Msg("Live stream connected.")
	s.notifyStatus(StreamConnected)
	go s.readLoop(conn)
	return nil
}

// readLoop delivers frames in arrival order until the connection drops,
// then hands off to the reconnect loop.
func (s *WebsocketStream) readLoop(conn *websocket.Conn) {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			s.logger.Warn().Err(err).Msg("Live stream read failed; connection lost.")
			_ = conn.Close()
			s.notifyStatus(StreamDisconnected)
			s.reconnectLoop()
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			for _, fn := range s.snapshotUpdateHandlers() {
				fn(payload)
			}
		case websocket.TextMessage:
			s.dispatchControl(payload)
		}
	}
}

func (s *WebsocketStream) dispatchControl(payload []byte) {
	var msg controlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Warn().Err(err).Msg("Dropping malformed control frame.")
		return
	}
	switch msg.Type {
	case msgTypePresenceMap:
		records := make(map[string]profile.PresenceRecord, len(msg.States))
		for connID, state := range msg.States {
			records[connID] = state.User
		}
		s.mu.Lock()
		handlers := make([]func(map[string]profile.PresenceRecord), len(s.presenceHandlers))
		copy(handlers, s.presenceHandlers)
		s.mu.Unlock()
		for _, fn := range handlers {
			fn(records)
		}
	case msgTypeMeta:
		s.mu.Lock()
		handlers := make([]func(), len(s.metaHandlers))
		copy(handlers, s.metaHandlers)
		s.mu.Unlock()
		for _, fn := range handlers {
			fn()
		}
	}
}

// reconnectLoop redials with capped exponential backoff until it succeeds
// or the stream is closed.
func (s *WebsocketStream) reconnectLoop() {
	wait := s.cfg.ReconnectWaitMin
	for {
		time.Sleep(wait)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if err := s.Connect(context.Background()); err == nil {
			return
		}

		wait *= 2
		if wait > s.cfg.ReconnectWaitMax {
			wait = s.cfg.ReconnectWaitMax
		}
		s.logger.Debug().Dur("next_wait", wait).Msg("Reconnect attempt failed; backing off.")
	}
}

// OnConnectionStatus registers a callback for connection transitions.
func (s *WebsocketStream) OnConnectionStatus(fn func(StreamStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusHandlers = append(s.statusHandlers, fn)
}

// OnRemoteUpdate registers a callback for incoming CRDT update frames.
func (s *WebsocketStream) OnRemoteUpdate(fn func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateHandlers = append(s.updateHandlers, fn)
}

// OnPresenceChange registers a callback for the shared presence map.
func (s *WebsocketStream) OnPresenceChange(fn func(map[string]profile.PresenceRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presenceHandlers = append(s.presenceHandlers, fn)
}

// OnMetaChange registers a callback for the metadata-changed signal.
func (s *WebsocketStream) OnMetaChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metaHandlers = append(s.metaHandlers, fn)
}

// SendUpdate broadcasts a local CRDT update as a binary frame.
func (s *WebsocketStream) SendUpdate(_ context.Context, update []byte) error {
	return s.write(websocket.BinaryMessage, update)
}

// PublishPresence announces the local participant on the presence channel.
func (s *WebsocketStream) PublishPresence(_ context.Context, record profile.PresenceRecord) error {
	return s.writeControl(controlMessage{Type: msgTypePresenceSet, User: &record})
}

// ClearPresence withdraws the local participant's presence.
func (s *WebsocketStream) ClearPresence(_ context.Context) error {
	return s.writeControl(controlMessage{Type: msgTypePresenceClear})
}

// SignalMetaChanged broadcasts the metadata-changed signal.
func (s *WebsocketStream) SignalMetaChanged(_ context.Context) error {
	return s.writeControl(controlMessage{Type: msgTypeMeta})
}

func (s *WebsocketStream) writeControl(msg controlMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode control frame: %w", err)
	}
	return s.write(websocket.TextMessage, payload)
}

func (s *WebsocketStream) write(messageType int, payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("stream is not connected")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(messageType, payload); err != nil {
		return fmt.Errorf("failed to write stream frame: %w", err)
	}
	return nil
}

func (s *WebsocketStream) snapshotUpdateHandlers() []func([]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handlers := make([]func([]byte), len(s.updateHandlers))
	copy(handlers, s.updateHandlers)
	return handlers
}

func (s *WebsocketStream) notifyStatus(status StreamStatus) {
	s.mu.Lock()
	handlers := make([]func(StreamStatus), len(s.statusHandlers))
	copy(handlers, s.statusHandlers)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(status)
	}
}

// Close tears the connection down and stops any reconnection attempts.
func (s *WebsocketStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
