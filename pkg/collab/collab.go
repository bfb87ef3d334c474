// Package collab defines the opaque collaborators the room session is built
// around: a CRDT document engine that merges concurrent edits, and a live
// stream transport that carries update frames and presence. The merge
// algorithm and the wire-level reconnection logic both live behind these
// interfaces; nothing in this module reimplements them.
package collab

import (
	"context"
	"io"

	"github.com/illmade-knight/go-roomclient/pkg/profile"
)

// Document is the collaborative document handle for one room visit. It is
// exclusively owned by a single session for its lifetime.
type Document interface {
	// ApplyRemoteUpdate merges a binary update (an incremental frame or a
	// full snapshot) into the document.
	ApplyRemoteUpdate(ctx context.Context, update []byte) error
	// EncodeFullState serializes the complete document state for durable
	// snapshot persistence.
	EncodeFullState(ctx context.Context) ([]byte, error)
	// SetContent replaces the document's content with a local edit.
	SetContent(ctx context.Context, content string) error
	// Content returns the document's current content.
	Content(ctx context.Context) (string, error)
	// OnLocalChange registers a callback fired after every local edit.
	OnLocalChange(fn func())
	// Closer releases the handle.
	io.Closer
}

// StreamStatus reports the live connection's state.
type StreamStatus int

const (
	// StreamDisconnected means the live connection is down; the transport
	// owns any reconnection attempts.
	StreamDisconnected StreamStatus = iota
	// StreamConnected means the live connection is established.
	StreamConnected
)

// String returns the status name for logging.
func (s StreamStatus) String() string {
	if s == StreamConnected {
		return "connected"
	}
	return "disconnected"
}

// Stream is the live bidirectional channel for one room. It carries binary
// CRDT update frames, a shared presence map keyed by connection id, and a
// lightweight metadata-changed signal.
type Stream interface {
	// Connect establishes the live connection. Status transitions,
	// including the initial one, arrive via OnConnectionStatus.
	Connect(ctx context.Context) error
	// OnConnectionStatus registers a callback for connection transitions.
	OnConnectionStatus(fn func(StreamStatus))
	// OnRemoteUpdate registers a callback for incoming CRDT update frames,
	// delivered in transport order.
	OnRemoteUpdate(fn func(update []byte))
	// SendUpdate broadcasts a local CRDT update frame.
	SendUpdate(ctx context.Context, update []byte) error
	// PublishPresence announces the local participant. Publishing the same
	// record twice is harmless; sessions re-announce on every reconnect.
	PublishPresence(ctx context.Context, record profile.PresenceRecord) error
	// ClearPresence withdraws the local participant's presence so others
	// do not see a stale cursor after departure.
	ClearPresence(ctx context.Context) error
	// OnPresenceChange registers a callback for the shared presence map,
	// keyed by connection id.
	OnPresenceChange(fn func(map[string]profile.PresenceRecord))
	// OnMetaChange registers a callback for the room's metadata-changed
	// signal (e.g. the file list was modified by another participant).
	OnMetaChange(fn func())
	// SignalMetaChanged broadcasts the metadata-changed signal.
	SignalMetaChanged(ctx context.Context) error
	// Closer tears the connection down.
	io.Closer
}
