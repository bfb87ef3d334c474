// Package profile manages the small set of per-browser-profile values that
// survive between visits: a stable random user id, a chosen display name, a
// stable cursor color and the presence-panel toggle. These live outside the
// room-content cache and are never subject to eviction.
package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-roomclient/pkg/storage"
)

const (
	keyUserID       = "profile_user_id"
	keyDisplayName  = "profile_display_name"
	keyColor        = "profile_cursor_color"
	keyShowPresence = "profile_show_presence_panel"
)

// cursorColors is the palette cursor colors are drawn from. A profile keeps
// whichever color it is first assigned.
var cursorColors = []string{
	"#958DF1",
	"#F98181",
	"#FBBC88",
	"#FAF594",
	"#70CFF8",
	"#94FADB",
	"#B9F18D",
}

// PresenceRecord is the identity broadcast to a room's shared presence
// channel. Other participants see it as a read-only snapshot.
type PresenceRecord struct {
	Name   string `json:"name"`
	UserID string `json:"userId"`
	Color  string `json:"color"`
}

// Manager reads and writes profile state through a KeyValueStore.
type Manager struct {
	store  storage.KeyValueStore
	logger zerolog.Logger
}

// NewManager creates a profile Manager over the given store.
func NewManager(store storage.KeyValueStore, logger zerolog.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("backing store cannot be nil")
	}
	return &Manager{
		store:  store,
		logger: logger.With().Str("component", "ProfileManager").Logger(),
	}, nil
}

// UserID returns this profile's stable user identifier, minting a random
// 128-bit one on first use.
func (m *Manager) UserID(ctx context.Context) (string, error) {
	if existing, err := m.store.Get(ctx, keyUserID); err == nil {
		return string(existing), nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("failed to read user id: %w", err)
	}

	id := uuid.New().String()
	if err := m.store.Set(ctx, keyUserID, []byte(id)); err != nil {
		return "", fmt.Errorf("failed to persist user id: %w", err)
	}
	m.logger.Info().Str("user_id", id).Msg("Created new profile user id.")
	return id, nil
}

// DisplayName returns the user-chosen display name, or "" if none is set.
func (m *Manager) DisplayName(ctx context.Context) (string, error) {
	name, err := m.store.Get(ctx, keyDisplayName)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read display name: %w", err)
	}
	return string(name), nil
}

// SetDisplayName persists the user's chosen display name.
func (m *Manager) SetDisplayName(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("display name cannot be empty")
	}
	if err := m.store.Set(ctx, keyDisplayName, []byte(name)); err != nil {
		return fmt.Errorf("failed to persist display name: %w", err)
	}
	return nil
}

// Color returns this profile's stable cursor color, assigning one from the
// palette on first use. The assignment is derived from the user id so the
// same profile always lands on the same color.
func (m *Manager) Color(ctx context.Context) (string, error) {
	if existing, err := m.store.Get(ctx, keyColor); err == nil {
		return string(existing), nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("failed to read cursor color: %w", err)
	}

	userID, err := m.UserID(ctx)
	if err != nil {
		return "", err
	}
	var sum int
	for _, b := range []byte(userID) {
		sum += int(b)
	}
	color := cursorColors[sum%len(cursorColors)]
	if err := m.store.Set(ctx, keyColor, []byte(color)); err != nil {
		return "", fmt.Errorf("failed to persist cursor color: %w", err)
	}
	return color, nil
}

// ShowPresencePanel reports the presence-panel toggle; defaults to true.
func (m *Manager) ShowPresencePanel(ctx context.Context) (bool, error) {
	value, err := m.store.Get(ctx, keyShowPresence)
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read presence panel toggle: %w", err)
	}
	return string(value) != "false", nil
}

// SetShowPresencePanel persists the presence-panel toggle.
func (m *Manager) SetShowPresencePanel(ctx context.Context, show bool) error {
	value := "true"
	if !show {
		value = "false"
	}
	if err := m.store.Set(ctx, keyShowPresence, []byte(value)); err != nil {
		return fmt.Errorf("failed to persist presence panel toggle: %w", err)
	}
	return nil
}

// PresenceRecord assembles the identity to broadcast for this profile.
func (m *Manager) PresenceRecord(ctx context.Context) (PresenceRecord, error) {
	userID, err := m.UserID(ctx)
	if err != nil {
		return PresenceRecord{}, err
	}
	name, err := m.DisplayName(ctx)
	if err != nil {
		return PresenceRecord{}, err
	}
	color, err := m.Color(ctx)
	if err != nil {
		return PresenceRecord{}, err
	}
	return PresenceRecord{Name: name, UserID: userID, Color: color}, nil
}
