// Package transfer coordinates concurrent outbound file uploads for a room:
// each transfer has an independent lifecycle, live throughput estimation and
// cooperative cancellation.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-roomclient/pkg/api"
	"github.com/illmade-knight/go-roomclient/pkg/clock"
)

// Config holds per-room transfer parameters.
type Config struct {
	// RoomSlug is the room files are uploaded into.
	RoomSlug string
	// UploaderID is sent as the X-User-ID header and recorded against each
	// uploaded file.
	UploaderID string
	// MaxFileBytes rejects oversized uploads before any bytes move.
	// Defaults to 200 MiB.
	MaxFileBytes int64
	// ThroughputWindow is the minimum interval between throughput
	// recomputations; inside the window the previous label is retained so
	// the display does not jitter. Defaults to 500ms.
	ThroughputWindow time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = 200 * 1024 * 1024
	}
	if cfg.ThroughputWindow <= 0 {
		cfg.ThroughputWindow = 500 * time.Millisecond
	}
}

// FileAPI is the slice of the HTTP client the coordinator needs for file
// metadata operations.
type FileAPI interface {
	ListFiles(ctx context.Context, slug string) ([]api.FileInfo, error)
	DeleteFile(ctx context.Context, slug, fileID, userID string) error
}

// Upload describes one file handed to Start.
type Upload struct {
	FileName string
	Size     int64
	Reader   io.Reader
}

// Task is a read-only snapshot of one in-flight upload.
type Task struct {
	ID              string
	FileName        string
	ProgressPercent int
	ThroughputLabel string
}

// EventKind classifies upload lifecycle events.
type EventKind int

const (
	// EventProgress reports updated progress or throughput for a task.
	EventProgress EventKind = iota
	// EventCompleted reports a finished upload, carrying the new file's
	// metadata.
	EventCompleted
	// EventFailed reports a failed upload; Err names the offending file.
	EventFailed
	// EventCancelled reports a cancellation: a neutral outcome, never an
	// error.
	EventCancelled
)

// Event is one upload lifecycle notification.
type Event struct {
	Kind EventKind
	Task Task
	File *api.FileInfo
	Err  error
}

// Notifier is invoked whenever the room's file list changes, so other
// observers (a sidebar, another session component) can refresh.
type Notifier func()

// Coordinator manages zero or more concurrent uploads for one room.
type Coordinator struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	fileAPI    FileAPI
	notify     Notifier
	clock      clock.Clock
	logger     zerolog.Logger

	mu            sync.Mutex
	tasks         map[string]*task
	files         []api.FileInfo
	eventHandlers []func(Event)

	wg sync.WaitGroup
}

// NewCoordinator creates a transfer coordinator for one room. notify may be
// nil; apiClient supplies both the metadata operations and the shared HTTP
// transport.
func NewCoordinator(cfg Config, apiClient *api.Client, notify Notifier, c clock.Clock, logger zerolog.Logger) (*Coordinator, error) {
	if cfg.RoomSlug == "" {
		return nil, errors.New("room slug is required")
	}
	if apiClient == nil {
		return nil, errors.New("api client cannot be nil")
	}
	cfg.applyDefaults()
	if c == nil {
		c = clock.NewRealClock()
	}
	return &Coordinator{
		cfg:        cfg,
		baseURL:    apiClient.BaseURL(),
		httpClient: apiClient.HTTPClient(),
		fileAPI:    apiClient,
		notify:     notify,
		clock:      c,
		logger:     logger.With().Str("component", "TransferCoordinator").Str("room", cfg.RoomSlug).Logger(),
		tasks:      make(map[string]*task),
	}, nil
}

// OnEvent registers a callback for upload lifecycle events.
func (c *Coordinator) OnEvent(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandlers = append(c.eventHandlers, fn)
}

// Tasks returns a snapshot of the active uploads.
func (c *Coordinator) Tasks() []Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t.snapshot())
	}
	return out
}

// Files returns the coordinator's current view of the room's file list.
func (c *Coordinator) Files() []api.FileInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]api.FileInfo, len(c.files))
	copy(out, c.files)
	return out
}

// RefreshFiles refetches the room's file metadata, typically in response to
// the shared "file list changed" signal from another participant.
func (c *Coordinator) RefreshFiles(ctx context.Context) error {
	files, err := c.fileAPI.ListFiles(ctx, c.cfg.RoomSlug)
	if err != nil {
		return fmt.Errorf("file list refresh failed: %w", err)
	}
	c.mu.Lock()
	c.files = files
	c.mu.Unlock()
	return nil
}

// Start begins an asynchronous upload and returns its task id. Files over
// the configured size limit are rejected before any bytes move.
func (c *Coordinator) Start(ctx context.Context, up Upload) (string, error) {
	if up.Size > c.cfg.MaxFileBytes {
		return "", fmt.Errorf("upload failed for %s: size %d exceeds the %d byte limit", up.FileName, up.Size, c.cfg.MaxFileBytes)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{
		id:       uuid.New().String(),
		fileName: up.FileName,
		label:    "0 KB/s",
		cancel:   cancel,
		sampler:  newSpeedometer(c.clock, c.cfg.ThroughputWindow),
	}

	c.mu.Lock()
	c.tasks[t.id] = t
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(taskCtx, t, up)

	c.logger.Info().Str("task_id", t.id).Str("file", up.FileName).Int64("size", up.Size).Msg("Upload started.")
	return t.id, nil
}

// Cancel invokes a task's cancellation token. The transfer aborts and is
// surfaced as a neutral cancelled outcome; unknown ids are ignored.
// Cancelling one task never affects the others.
func (c *Coordinator) Cancel(taskID string) {
	c.mu.Lock()
	t, ok := c.tasks[taskID]
	c.mu.Unlock()
	if !ok {
		return
	}
	t.markCancelled()
	t.cancel()
	c.logger.Info().Str("task_id", taskID).Msg("Upload cancelled.")
}

// DeleteFile removes one uploaded file, applying the owner-or-uploader rule
// before calling the server (which enforces it independently).
func (c *Coordinator) DeleteFile(ctx context.Context, fileID string, isRoomOwner bool) error {
	c.mu.Lock()
	var target *api.FileInfo
	for i := range c.files {
		if c.files[i].ID == fileID {
			target = &c.files[i]
			break
		}
	}
	c.mu.Unlock()
	if target == nil {
		return fmt.Errorf("unknown file id %s", fileID)
	}
	if !target.CanBeDeletedBy(c.cfg.UploaderID, isRoomOwner) {
		return fmt.Errorf("not permitted to delete %s", target.Name)
	}

	if err := c.fileAPI.DeleteFile(ctx, c.cfg.RoomSlug, fileID, c.cfg.UploaderID); err != nil {
		return fmt.Errorf("delete failed for %s: %w", target.Name, err)
	}

	c.mu.Lock()
	kept := c.files[:0]
	for _, f := range c.files {
		if f.ID != fileID {
			kept = append(kept, f)
		}
	}
	c.files = kept
	c.mu.Unlock()

	if c.notify != nil {
		c.notify()
	}
	return nil
}

// Close waits for all in-flight uploads to finish or abort.
func (c *Coordinator) Close() error {
	c.logger.Info().Msg("Waiting for in-flight uploads to settle...")
	c.wg.Wait()
	return nil
}

// run streams one multipart upload, reporting progress as the transport
// consumes the request body.
func (c *Coordinator) run(ctx context.Context, t *task, up Upload) {
	defer c.wg.Done()
	defer c.removeTask(t.id)

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	// Encode the multipart body into the pipe; the HTTP transport drains
	// the other end, so large files never buffer in memory.
	go func() {
		var err error
		defer func() { _ = pw.CloseWithError(err) }()
		part, err := form.CreateFormFile("file", up.FileName)
		if err != nil {
			return
		}
		if _, err = io.Copy(part, up.Reader); err != nil {
			return
		}
		err = form.Close()
	}()

	body := &progressReader{
		rc: pr,
		onChunk: func(totalRead int64) {
			c.reportProgress(t, totalRead, up.Size)
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload/"+c.cfg.RoomSlug, body)
	if err != nil {
		c.finishFailed(t, fmt.Errorf("upload failed for %s: %w", up.FileName, err))
		return
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("X-User-ID", c.cfg.UploaderID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if t.cancelled() || errors.Is(err, context.Canceled) {
			c.finishCancelled(t)
			return
		}
		c.finishFailed(t, fmt.Errorf("upload failed for %s: %w", up.FileName, err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if t.cancelled() {
		c.finishCancelled(t)
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.finishFailed(t, fmt.Errorf("upload failed for %s: server returned status %d", up.FileName, resp.StatusCode))
		return
	}

	var created api.FileInfo
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		c.finishFailed(t, fmt.Errorf("upload failed for %s: unreadable server response: %w", up.FileName, err))
		return
	}

	c.mu.Lock()
	c.files = append(c.files, created)
	c.mu.Unlock()

	c.logger.Info().Str("task_id", t.id).Str("file", created.Name).Msg("Upload completed.")
	t.setProgress(100)
	c.emit(Event{Kind: EventCompleted, Task: t.snapshot(), File: &created})
	if c.notify != nil {
		c.notify()
	}
}

// reportProgress updates a task's percent and, at most once per throughput
// window, its speed label.
func (c *Coordinator) reportProgress(t *task, read, total int64) {
	if t.cancelled() {
		// A cancelled token suppresses all further progress callbacks.
		return
	}

	percent := 100
	if total > 0 {
		percent = int(read * 100 / total)
		if percent > 100 {
			percent = 100
		}
	}
	changed := t.setProgress(percent)
	if label, ok := t.sampler.sample(read); ok {
		t.setLabel(label)
		changed = true
	}
	if changed {
		c.emit(Event{Kind: EventProgress, Task: t.snapshot()})
	}
}

func (c *Coordinator) finishCancelled(t *task) {
	c.logger.Debug().Str("task_id", t.id).Msg("Upload aborted by cancellation.")
	c.emit(Event{Kind: EventCancelled, Task: t.snapshot()})
}

func (c *Coordinator) finishFailed(t *task, err error) {
	if t.cancelled() {
		c.finishCancelled(t)
		return
	}
	c.logger.Warn().Err(err).Str("task_id", t.id).Msg("Upload failed.")
	c.emit(Event{Kind: EventFailed, Task: t.snapshot(), Err: err})
}

func (c *Coordinator) removeTask(id string) {
	c.mu.Lock()
	delete(c.tasks, id)
	c.mu.Unlock()
}

func (c *Coordinator) emit(event Event) {
	c.mu.Lock()
	handlers := make([]func(Event), len(c.eventHandlers))
	copy(handlers, c.eventHandlers)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(event)
	}
}

// task is the mutable, internal state of one upload.
type task struct {
	id       string
	fileName string
	cancel   context.CancelFunc
	sampler  *speedometer

	mu        sync.Mutex
	progress  int
	label     string
	aborted   bool
}

func (t *task) snapshot() Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Task{ID: t.id, FileName: t.fileName, ProgressPercent: t.progress, ThroughputLabel: t.label}
}

func (t *task) setProgress(percent int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if percent == t.progress {
		return false
	}
	t.progress = percent
	return true
}

func (t *task) setLabel(label string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.label = label
}

func (t *task) markCancelled() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aborted = true
}

func (t *task) cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

// progressReader counts the bytes the HTTP transport has consumed from the
// request body.
type progressReader struct {
	rc      io.ReadCloser
	read    int64
	onChunk func(totalRead int64)
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if n > 0 {
		r.read += int64(n)
		r.onChunk(r.read)
	}
	return n, err
}

func (r *progressReader) Close() error {
	return r.rc.Close()
}
