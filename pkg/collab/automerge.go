package collab

import (
	"context"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

const contentKey = "content"

// AutomergeDocument adapts an automerge CRDT document to the Document
// interface. The document keeps the room's content under a single root key;
// concurrent-edit merging is entirely automerge's concern.
type AutomergeDocument struct {
	mu             sync.Mutex
	doc            *automerge.Doc
	changeHandlers []func()
	closed         bool
}

// NewAutomergeDocument creates an empty collaborative document.
func NewAutomergeDocument() *AutomergeDocument {
	return &AutomergeDocument{doc: automerge.New()}
}

// ApplyRemoteUpdate merges a binary update into the document. The update may
// be an incremental frame or a full snapshot; both decode to a set of
// changes that automerge merges without coordination.
func (d *AutomergeDocument) ApplyRemoteUpdate(_ context.Context, update []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("document is closed")
	}

	remote, err := automerge.Load(update)
	if err != nil {
		return fmt.Errorf("failed to load remote update: %w", err)
	}
	changes, err := remote.Changes()
	if err != nil {
		return fmt.Errorf("failed to extract changes from remote update: %w", err)
	}
	if err := d.doc.Apply(changes...); err != nil {
		return fmt.Errorf("failed to apply remote changes: %w", err)
	}
	return nil
}

// EncodeFullState serializes the complete document state.
func (d *AutomergeDocument) EncodeFullState(_ context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("document is closed")
	}
	return d.doc.Save(), nil
}

// SetContent replaces the document content as a local edit and notifies
// local-change subscribers.
func (d *AutomergeDocument) SetContent(_ context.Context, content string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("document is closed")
	}
	if err := d.doc.Path(contentKey).Set(content); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to set content: %w", err)
	}
	if _, err := d.doc.Commit("local edit"); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to commit local edit: %w", err)
	}
	handlers := make([]func(), len(d.changeHandlers))
	copy(handlers, d.changeHandlers)
	d.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
	return nil
}

// Content returns the current document content, or "" for a fresh document.
func (d *AutomergeDocument) Content(_ context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", fmt.Errorf("document is closed")
	}

	value, err := d.doc.Path(contentKey).Get()
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}
	if value.Kind() != automerge.KindStr {
		return "", nil
	}
	return value.Str(), nil
}

// OnLocalChange registers a callback fired after every local edit.
func (d *AutomergeDocument) OnLocalChange(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.changeHandlers = append(d.changeHandlers, fn)
}

// Close releases the handle. Further operations fail.
func (d *AutomergeDocument) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
