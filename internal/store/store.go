package store

import (
	"context"

	"github.com/cockroachdb/errors"
)

// AnyVersion disables the version check in SetData and Delete.
const AnyVersion = -1

var (
	// ErrVersionConflict means the expected version did not match the stored one.
	ErrVersionConflict = errors.New("version conflict")
	// ErrNoNode means the path does not exist.
	ErrNoNode = errors.New("no such path")
	// ErrNodeExists means Create found the path already present.
	ErrNodeExists = errors.New("path already exists")
	// ErrClosed is returned by every call made after Close.
	ErrClosed = errors.New("store closed")
	// ErrSessionExpired means the store session is gone and must be rebuilt.
	ErrSessionExpired = errors.New("store session expired")
	// ErrNotLeader is returned by replicated stores when a write reaches a follower.
	ErrNotLeader = errors.New("not the leader")
)

// EventType says what happened to a watched path.
type EventType int

const (
	EventCreated EventType = iota + 1
	EventChanged
	EventDeleted
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventChanged:
		return "changed"
	case EventDeleted:
		return "deleted"
	}
	return "unknown"
}

// Event is delivered to watchers after a path changes.
type Event struct {
	Path    string
	Type    EventType
	Version int
}

// WatchFunc receives events for a watched path.
type WatchFunc func(Event)

// VersionedStore is a path-keyed store with per-path versions and
// compare-and-set writes. A path starts at version 0 when created and every
// successful SetData bumps it by one.
type VersionedStore interface {
	// Exists returns the current version of path, or ok=false if it is absent.
	Exists(ctx context.Context, path string) (version int, ok bool, err error)
	// GetData returns the bytes stored at path and their version.
	GetData(ctx context.Context, path string) ([]byte, int, error)
	// Create stores data at a new path. It fails with ErrNodeExists if the
	// path is taken.
	Create(ctx context.Context, path string, data []byte) (int, error)
	// SetData replaces the bytes at path when its version equals
	// expectedVersion (or expectedVersion is AnyVersion) and returns the new
	// version. It fails with ErrVersionConflict or ErrNoNode.
	SetData(ctx context.Context, path string, data []byte, expectedVersion int) (int, error)
	// Delete removes path under the same version rule as SetData.
	Delete(ctx context.Context, path string, expectedVersion int) error
	// List returns every path that starts with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Watch calls fn for every change to path until ctx is cancelled.
	Watch(ctx context.Context, path string, fn WatchFunc) error
	// Close releases the store. Later calls fail with ErrClosed.
	Close() error
}
