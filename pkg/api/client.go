package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ErrRoomNotFound is returned when the server reports that a room does not
// exist. Callers use it to distinguish a deleted room from transient
// network trouble.
var ErrRoomNotFound = errors.New("api: room not found")

// Env constant for configuring the API base URL.
const EnvAPIURL = "ROOMCLIENT_API_URL"

// ClientConfig holds configuration for the room API client.
type ClientConfig struct {
	// BaseURL is the server root, e.g. "http://localhost:8080".
	BaseURL string
	// RequestTimeout bounds each API call.
	RequestTimeout time.Duration
}

// LoadClientConfigWithEnv loads API client configuration from the
// environment, with sensible defaults for local development.
func LoadClientConfigWithEnv() *ClientConfig {
	cfg := &ClientConfig{
		BaseURL:        "http://localhost:8080",
		RequestTimeout: 15 * time.Second,
	}
	if url := os.Getenv(EnvAPIURL); url != "" {
		cfg.BaseURL = url
	}
	return cfg
}

// Room is the server's view of a collaborative room.
type Room struct {
	Slug    string `json:"slug"`
	Owner   string `json:"owner"`
	Content string `json:"content,omitempty"`
}

// IsOwnedBy reports whether the given user created this room. This coarse
// check gates room deletion; file deletion uses the separate
// FileInfo.CanBeDeletedBy rule.
func (r Room) IsOwnedBy(userID string) bool {
	return userID != "" && r.Owner == userID
}

// DecodeSnapshot returns the room's server-held snapshot as raw bytes, or
// nil when the room has never been saved.
func (r Room) DecodeSnapshot() ([]byte, error) {
	if r.Content == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(r.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot content: %w", err)
	}
	return raw, nil
}

// FileInfo describes one uploaded file in a room.
type FileInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	URL        string `json:"url"`
	Size       int64  `json:"size"`
	UploaderID string `json:"uploaderId,omitempty"`
}

// CanBeDeletedBy reports whether the user may delete this file: the room
// owner may delete anything, and an uploader may delete their own files.
// This rule is deliberately independent of Room.IsOwnedBy.
func (f FileInfo) CanBeDeletedBy(userID string, isRoomOwner bool) bool {
	if isRoomOwner {
		return true
	}
	return f.UploaderID != "" && f.UploaderID == userID
}

// Client talks to the room server's HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a room API client.
func NewClient(cfg *ClientConfig, logger zerolog.Logger) (*Client, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, errors.New("api base URL is required")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "APIClient").Logger(),
	}, nil
}

// BaseURL returns the configured server root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HTTPClient exposes the underlying client so the transfer coordinator can
// share its transport settings.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

type createRoomRequest struct {
	SlugPrefix string `json:"slugPrefix,omitempty"`
	Owner      string `json:"owner"`
}

// CreateRoom creates a new room owned by the given user. slugPrefix is an
// optional human-readable prefix for the generated slug.
func (c *Client) CreateRoom(ctx context.Context, owner, slugPrefix string) (Room, error) {
	body, err := json.Marshal(createRoomRequest{SlugPrefix: slugPrefix, Owner: owner})
	if err != nil {
		return Room{}, fmt.Errorf("failed to encode create room request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/rooms", bytes.NewReader(body))
	if err != nil {
		return Room{}, fmt.Errorf("failed to build create room request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var room Room
	if err := c.doJSON(req, &room); err != nil {
		return Room{}, fmt.Errorf("create room failed: %w", err)
	}
	c.logger.Info().Str("slug", room.Slug).Msg("Room created.")
	return room, nil
}

// GetRoom fetches a room's metadata and snapshot. A 404 maps to
// ErrRoomNotFound; this same call serves as the lightweight existence probe
// after a stream disconnect.
func (c *Client) GetRoom(ctx context.Context, slug string) (Room, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/rooms/"+slug, nil)
	if err != nil {
		return Room{}, fmt.Errorf("failed to build get room request: %w", err)
	}

	var room Room
	if err := c.doJSON(req, &room); err != nil {
		return Room{}, err
	}
	return room, nil
}

// DeleteRoom removes a room and everything in it.
func (c *Client) DeleteRoom(ctx context.Context, slug string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/rooms/"+slug, nil)
	if err != nil {
		return fmt.Errorf("failed to build delete room request: %w", err)
	}
	if err := c.doJSON(req, nil); err != nil {
		return fmt.Errorf("delete room failed: %w", err)
	}
	c.logger.Info().Str("slug", slug).Msg("Room deleted.")
	return nil
}

type saveSnapshotRequest struct {
	Content string `json:"content"`
}

// SaveSnapshot persists a full binary document state server-side. This is
// the only durable persistence path; the local cache is best effort.
func (c *Client) SaveSnapshot(ctx context.Context, slug string, update []byte) error {
	body, err := json.Marshal(saveSnapshotRequest{Content: base64.StdEncoding.EncodeToString(update)})
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/rooms/"+slug+"/save", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build save snapshot request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if err := c.doJSON(req, nil); err != nil {
		return fmt.Errorf("save snapshot failed: %w", err)
	}
	c.logger.Info().Str("slug", slug).Int("update_bytes", len(update)).Msg("Snapshot saved.")
	return nil
}

// ListFiles fetches the room's uploaded file metadata.
func (c *Client) ListFiles(ctx context.Context, slug string) ([]FileInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/rooms/"+slug+"/files", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build list files request: %w", err)
	}

	var files []FileInfo
	if err := c.doJSON(req, &files); err != nil {
		return nil, fmt.Errorf("list files failed: %w", err)
	}
	return files, nil
}

// DeleteFile removes one uploaded file. The server enforces the
// owner-or-uploader rule against the X-User-ID header.
func (c *Client) DeleteFile(ctx context.Context, slug, fileID, userID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/rooms/"+slug+"/files/"+fileID, nil)
	if err != nil {
		return fmt.Errorf("failed to build delete file request: %w", err)
	}
	req.Header.Set("X-User-ID", userID)

	if err := c.doJSON(req, nil); err != nil {
		return fmt.Errorf("delete file failed: %w", err)
	}
	return nil
}

// doJSON executes the request and decodes a JSON response into out when out
// is non-nil. 404 responses map to ErrRoomNotFound.
func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return ErrRoomNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
