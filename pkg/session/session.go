// Package session implements the room-session reconciliation state machine:
// deciding whether to trust the local cache, a server snapshot, or the live
// collaborative stream, and persisting local edits back to the cache on a
// debounced schedule.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-roomclient/pkg/api"
	"github.com/illmade-knight/go-roomclient/pkg/clock"
	"github.com/illmade-knight/go-roomclient/pkg/collab"
	"github.com/illmade-knight/go-roomclient/pkg/profile"
)

// State is the session's position in its lifecycle.
type State int

const (
	// Connecting is the entry state: resolving initial content and
	// attaching to the live stream.
	Connecting State = iota
	// Connected means the live stream is established and presence is
	// published.
	Connected
	// Disconnected means the live stream dropped; the transport owns
	// reconnection, this session only disambiguates the cause.
	Disconnected
	// NotFound is terminal: the room no longer exists server-side.
	NotFound
	// Closed is terminal: the session was torn down locally.
	Closed
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case NotFound:
		return "not_found"
	default:
		return "closed"
	}
}

func (s State) terminal() bool {
	return s == NotFound || s == Closed
}

// RoomAPI is the slice of the HTTP client the session depends on.
type RoomAPI interface {
	GetRoom(ctx context.Context, slug string) (api.Room, error)
	SaveSnapshot(ctx context.Context, slug string, update []byte) error
	DeleteRoom(ctx context.Context, slug string) error
}

// ContentCache is the slice of the cache store the session depends on.
type ContentCache interface {
	Load(ctx context.Context, roomSlug string) (string, bool)
	Save(ctx context.Context, roomSlug string, content string)
	Remove(ctx context.Context, roomSlug string)
}

// Config holds per-visit session parameters.
type Config struct {
	// RoomSlug identifies the room being visited.
	RoomSlug string
	// LocalUser is the presence record announced on the shared channel.
	LocalUser profile.PresenceRecord
	// IsOwner gates room deletion; computed by the caller from
	// Room.IsOwnedBy. File deletion has its own independent rule.
	IsOwner bool
	// DebounceDelay is the quiet period before a local edit burst is
	// persisted to the cache. Defaults to 2 seconds.
	DebounceDelay time.Duration
	// RejoinGuardDelay is a short pause before attaching the stream, so a
	// session torn down and immediately recreated does not leave a
	// transient duplicate presence. Defaults to 150ms; a negative value
	// disables the guard.
	RejoinGuardDelay time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = 2 * time.Second
	}
	if cfg.RejoinGuardDelay == 0 {
		cfg.RejoinGuardDelay = 150 * time.Millisecond
	} else if cfg.RejoinGuardDelay < 0 {
		cfg.RejoinGuardDelay = 0
	}
}

// RoomSession owns one visit to one room. It holds the collaborative
// document handle exclusively for its lifetime and tears it down on every
// exit path.
type RoomSession struct {
	cfg    Config
	doc    collab.Document
	stream collab.Stream
	cache  ContentCache
	client RoomAPI
	clock  clock.Clock
	logger zerolog.Logger

	debouncer *clock.Debouncer

	mu            sync.Mutex
	state         State
	stateHandlers []func(State)
	closed        bool
}

// NewRoomSession constructs a session for one room visit. Call Start to
// resolve initial content and attach the live stream.
func NewRoomSession(
	cfg Config,
	doc collab.Document,
	stream collab.Stream,
	cache ContentCache,
	client RoomAPI,
	c clock.Clock,
	logger zerolog.Logger,
) (*RoomSession, error) {
	if cfg.RoomSlug == "" {
		return nil, errors.New("room slug is required")
	}
	if doc == nil || stream == nil || cache == nil || client == nil {
		return nil, errors.New("document, stream, cache and api client are all required")
	}
	cfg.applyDefaults()
	if c == nil {
		c = clock.NewRealClock()
	}

	s := &RoomSession{
		cfg:    cfg,
		doc:    doc,
		stream: stream,
		cache:  cache,
		client: client,
		clock:  c,
		logger: logger.With().Str("component", "RoomSession").Str("room", cfg.RoomSlug).Logger(),
		state:  Connecting,
	}
	s.debouncer = clock.NewDebouncer(c, cfg.DebounceDelay, s.persistToCache)
	return s, nil
}

// Start resolves the initial content source and attaches the live stream.
// The cache is consulted first: a hit is treated as the authoritative
// initial view, since it reflects the last locally-applied debounced write
// and is assumed fresher than a stale server snapshot. Only on a miss is
// the server snapshot fetched; a missing room short-circuits to NotFound.
func (s *RoomSession) Start(ctx context.Context) error {
	if cached, ok := s.cache.Load(ctx, s.cfg.RoomSlug); ok {
		s.logger.Debug().Msg("Cache hit; seeding document from local cache.")
		if err := s.doc.SetContent(ctx, cached); err != nil {
			return fmt.Errorf("failed to seed document from cache: %w", err)
		}
	} else {
		room, err := s.client.GetRoom(ctx, s.cfg.RoomSlug)
		if errors.Is(err, api.ErrRoomNotFound) {
			s.setState(NotFound)
			return nil
		}
		if err != nil {
			// A failed snapshot fetch is not fatal: the live stream will
			// deliver the current state once attached.
			s.logger.Warn().Err(err).Msg("Snapshot fetch failed; starting from an empty document.")
		} else if snapshot, decodeErr := room.DecodeSnapshot(); decodeErr != nil {
			s.logger.Warn().Err(decodeErr).Msg("Snapshot payload unreadable; starting from an empty document.")
		} else if len(snapshot) > 0 {
			if applyErr := s.doc.ApplyRemoteUpdate(ctx, snapshot); applyErr != nil {
				s.logger.Warn().Err(applyErr).Msg("Snapshot merge failed; starting from an empty document.")
			} else {
				s.logger.Debug().Int("snapshot_bytes", len(snapshot)).Msg("Seeded document from server snapshot.")
			}
		}
	}

	// Wire callbacks only after seeding, so the baseline never counts as a
	// local edit.
	s.stream.OnConnectionStatus(s.handleStreamStatus)
	s.stream.OnRemoteUpdate(s.handleRemoteUpdate)
	s.doc.OnLocalChange(s.handleLocalEdit)

	// A short guard before attaching absorbs rapid teardown/recreate
	// cycles that would otherwise show duplicate presence.
	if s.cfg.RejoinGuardDelay > 0 {
		guard := make(chan struct{})
		s.clock.AfterFunc(s.cfg.RejoinGuardDelay, func() { close(guard) })
		select {
		case <-guard:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := s.stream.Connect(ctx); err != nil {
		return fmt.Errorf("failed to attach live stream: %w", err)
	}
	return nil
}

// State returns the session's current state.
func (s *RoomSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers a callback for state transitions.
func (s *RoomSession) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateHandlers = append(s.stateHandlers, fn)
}

// SaveSnapshot serializes the full document state and persists it
// server-side. This is the only durable persistence path and is independent
// of the debounced cache write. Failures surface to the caller; there is no
// automatic retry.
func (s *RoomSession) SaveSnapshot(ctx context.Context) error {
	update, err := s.doc.EncodeFullState(ctx)
	if err != nil {
		return fmt.Errorf("failed to encode document state: %w", err)
	}
	if err := s.client.SaveSnapshot(ctx, s.cfg.RoomSlug, update); err != nil {
		return fmt.Errorf("snapshot save failed for room %s: %w", s.cfg.RoomSlug, err)
	}
	return nil
}

// DeleteRoom deletes the room server-side, drops its cache entry and closes
// the session. Only the room owner may delete; this coarse check is
// deliberately separate from the per-file deletion rule.
func (s *RoomSession) DeleteRoom(ctx context.Context) error {
	if !s.cfg.IsOwner {
		return errors.New("only the room owner can delete the room")
	}
	if err := s.client.DeleteRoom(ctx, s.cfg.RoomSlug); err != nil {
		return fmt.Errorf("room deletion failed: %w", err)
	}
	s.cache.Remove(ctx, s.cfg.RoomSlug)
	return s.Close()
}

// Close tears the session down: cancel any pending cache write, withdraw
// presence before releasing the stream so other participants never see a
// stale cursor, then release the document handle. Idempotent.
func (s *RoomSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.debouncer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.stream.ClearPresence(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("Presence clear on close failed.")
	}
	streamErr := s.stream.Close()
	docErr := s.doc.Close()

	s.setState(Closed)

	if streamErr != nil {
		return fmt.Errorf("failed to close stream: %w", streamErr)
	}
	return docErr
}

// handleStreamStatus reacts to live-stream transitions. Connected publishes
// (or re-publishes) presence; Disconnected triggers the existence probe that
// disambiguates a transient network issue from a deleted room.
func (s *RoomSession) handleStreamStatus(status collab.StreamStatus) {
	switch status {
	case collab.StreamConnected:
		if !s.setState(Connected) {
			return
		}
		// Re-announce identically on every reconnection: a reconnecting
		// stream may have dropped prior presence state.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.stream.PublishPresence(ctx, s.cfg.LocalUser); err != nil {
			s.logger.Warn().Err(err).Msg("Presence publish failed.")
		}
	case collab.StreamDisconnected:
		if !s.setState(Disconnected) {
			return
		}
		go s.probeRoomExistence()
	}
}

// probeRoomExistence issues a lightweight metadata fetch after a disconnect.
// Only a definitive "not found" promotes the session to NotFound; any other
// outcome leaves it Disconnected awaiting the transport's own reconnect.
func (s *RoomSession) probeRoomExistence() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s.client.GetRoom(ctx, s.cfg.RoomSlug)
	if errors.Is(err, api.ErrRoomNotFound) {
		s.logger.Info().Msg("Room no longer exists; session terminal.")
		s.debouncer.Stop()
		s.setState(NotFound)
		return
	}
	if err != nil {
		s.logger.Debug().Err(err).Msg("Existence probe inconclusive; remaining disconnected.")
	}
}

// handleRemoteUpdate merges stream update frames in delivery order.
func (s *RoomSession) handleRemoteUpdate(update []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.doc.ApplyRemoteUpdate(ctx, update); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to apply remote update.")
	}
}

// handleLocalEdit broadcasts the edit to the live stream and schedules the
// debounced cache persist. Each new edit reschedules the pending write, so a
// burst of keystrokes coalesces into one.
func (s *RoomSession) handleLocalEdit() {
	s.mu.Lock()
	terminal := s.state.terminal()
	s.mu.Unlock()
	if terminal {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	update, err := s.doc.EncodeFullState(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Could not encode document state for broadcast.")
	} else if err := s.stream.SendUpdate(ctx, update); err != nil {
		s.logger.Debug().Err(err).Msg("Live update send failed; stream will catch up on reconnect.")
	}

	s.debouncer.Trigger()
}

// persistToCache writes the full current document content to the cache.
// Runs once per quiet period via the debouncer.
func (s *RoomSession) persistToCache() {
	s.mu.Lock()
	terminal := s.state.terminal()
	s.mu.Unlock()
	if terminal {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	content, err := s.doc.Content(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Could not read document for cache persist.")
		return
	}
	s.cache.Save(ctx, s.cfg.RoomSlug, content)
	s.logger.Debug().Int("content_bytes", len(content)).Msg("Debounced cache write completed.")
}

// setState applies a transition, refusing to leave terminal states. It
// reports whether the transition happened.
func (s *RoomSession) setState(next State) bool {
	s.mu.Lock()
	if s.state == next || s.state.terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = next
	handlers := make([]func(State), len(s.stateHandlers))
	copy(handlers, s.stateHandlers)
	s.mu.Unlock()

	s.logger.Info().Str("state", next.String()).Msg("Session state changed.")
	for _, fn := range handlers {
		fn(next)
	}
	return true
}
