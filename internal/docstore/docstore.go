// Package docstore defines the contract of the shared realtime document
// store: a tree of msgpack documents addressed by slash-separated paths,
// with live subscriptions to the direct children of a path.
package docstore

import (
	"context"
	"errors"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrNotFound    = errors.New("document not found")
	ErrInvalidPath = errors.New("invalid path")
	ErrClosed      = errors.New("store closed")
)

// Document is a msgpack-encoded map of fields.
type Document = msgpack.RawMessage

type EventKind string

const (
	EventSnapshot EventKind = "snapshot"
	EventInserted EventKind = "inserted"
	EventUpdated  EventKind = "updated"
	EventRemoved  EventKind = "removed"
)

// Child is a direct child document of a watched path.
type Child struct {
	Key string   `msgpack:"key"`
	Doc Document `msgpack:"doc"`
}

// Event is a change notification for a watched path. Snapshot events carry
// all children in key order; the others carry a single child.
type Event struct {
	Kind     EventKind `msgpack:"kind"`
	Path     string    `msgpack:"path"`
	Key      string    `msgpack:"key,omitempty"`
	Doc      Document  `msgpack:"doc,omitempty"`
	Children []Child   `msgpack:"children,omitempty"`
}

// Store is the document store consumed by the chat core.
type Store interface {
	ReadOnce(ctx context.Context, path string) (Document, error)
	Set(ctx context.Context, path string, doc Document) error
	// Append stores doc under a new child of path and returns its key.
	// Keys are fixed-width so lexicographic order equals insertion order.
	Append(ctx context.Context, path string, doc Document) (string, error)
	// Update merges fields into the existing document at path.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Remove deletes the document at path and everything below it.
	Remove(ctx context.Context, path string) error
	// Subscribe watches the direct children of path. The first event is
	// always a snapshot.
	Subscribe(ctx context.Context, path string) (*Subscription, error)
}

// Disconnecter is implemented by stores that can apply an update on the
// caller's behalf once its connection is gone.
type Disconnecter interface {
	OnDisconnect(ctx context.Context, path string, fields map[string]any) error
}

func Encode(v any) (Document, error) {
	return msgpack.Marshal(v)
}

func Decode(doc Document, v any) error {
	return msgpack.Unmarshal(doc, v)
}

// Merge returns doc with fields shallowly overwritten.
func Merge(doc Document, fields map[string]any) (Document, error) {
	current := map[string]any{}
	if len(doc) > 0 {
		if err := msgpack.Unmarshal(doc, &current); err != nil {
			return nil, err
		}
	}
	for k, v := range fields {
		current[k] = v
	}
	return msgpack.Marshal(current)
}

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Split returns the parent path and the last segment.
func Split(path string) (parent, key string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// ValidatePath rejects empty paths and empty segments.
func ValidatePath(path string) error {
	if path == "" {
		return ErrInvalidPath
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			return ErrInvalidPath
		}
	}
	return nil
}

// IsChild reports whether candidate is a direct child of parent.
func IsChild(parent, candidate string) bool {
	prefix := parent + "/"
	if !strings.HasPrefix(candidate, prefix) {
		return false
	}
	return !strings.Contains(candidate[len(prefix):], "/")
}
