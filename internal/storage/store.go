package storage

import (
	"path"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"
)

var (
	// ErrKeyNotFound is returned when a document doesn't exist in the store
	ErrKeyNotFound = errors.New("document not found")
	// ErrStaleVersion is returned when a write carries a version older than
	// the one already recorded for the document
	ErrStaleVersion = errors.New("stale document version")
)

// Store defines the interface for a replica's document storage.
// All implementations must be thread-safe for concurrent access.
//
// Writes are buffered until Commit; Get and List only see committed
// documents. Every document id remembers the highest version written to it,
// including deletes, so writes arriving out of order are rejected.
type Store interface {
	// Add stores a document. A version of zero or less asks the store to
	// assign the next version; the version used is returned.
	Add(id string, doc []byte, version int64) (int64, error)

	// Get retrieves a committed document and its version.
	// Returns ErrKeyNotFound if the document doesn't exist
	Get(id string) ([]byte, int64, error)

	// Delete removes a document under the same version rule as Add.
	// No error if the document doesn't exist
	Delete(id string, version int64) (int64, error)

	// DeleteByQuery deletes every live document whose id matches the glob
	// pattern and returns how many were deleted.
	DeleteByQuery(pattern string) (int, error)

	// Commit makes buffered writes visible.
	Commit()

	// List returns the ids of all committed documents, sorted.
	List() []string

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Docs    int `json:"docs"`    // Number of committed documents
	Bytes   int `json:"bytes"`   // Total size of committed documents
	Pending int `json:"pending"` // Buffered writes waiting for Commit
}

type pendingWrite struct {
	data    []byte
	deleted bool
}

// MemoryStore implements Store with in-memory maps.
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu        sync.RWMutex
	committed map[string][]byte
	pending   map[string]pendingWrite
	versions  map[string]int64
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		committed: make(map[string][]byte),
		pending:   make(map[string]pendingWrite),
		versions:  make(map[string]int64),
	}
}

// nextVersion validates version for id and returns the version to record.
func (m *MemoryStore) nextVersion(id string, version int64) (int64, error) {
	current := m.versions[id]
	if version <= 0 {
		return current + 1, nil
	}
	if version <= current {
		return 0, errors.Wrapf(ErrStaleVersion, "document %s: version %d <= %d", id, version, current)
	}
	return version, nil
}

// Add buffers a document
// Makes a copy of the value to prevent external modification
func (m *MemoryStore) Add(id string, doc []byte, version int64) (int64, error) {
	if id == "" {
		return 0, errors.New("document id must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	v, err := m.nextVersion(id, version)
	if err != nil {
		return 0, err
	}
	stored := make([]byte, len(doc))
	copy(stored, doc)
	m.pending[id] = pendingWrite{data: stored}
	m.versions[id] = v
	return v, nil
}

// Get retrieves a committed document
// Returns a copy of the value to prevent external modification
func (m *MemoryStore) Get(id string) ([]byte, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.committed[id]
	if !exists {
		return nil, 0, ErrKeyNotFound
	}
	result := make([]byte, len(value))
	copy(result, value)
	return result, m.versions[id], nil
}

// Delete buffers a tombstone for id
func (m *MemoryStore) Delete(id string, version int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, err := m.nextVersion(id, version)
	if err != nil {
		return 0, err
	}
	m.pending[id] = pendingWrite{deleted: true}
	m.versions[id] = v
	return v, nil
}

func (m *MemoryStore) DeleteByQuery(pattern string) (int, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, errors.Wrapf(err, "bad delete query %q", pattern)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, id := range m.liveLocked() {
		if ok, _ := path.Match(pattern, id); !ok {
			continue
		}
		m.pending[id] = pendingWrite{deleted: true}
		m.versions[id]++
		n++
	}
	return n, nil
}

// liveLocked returns ids that exist once pending writes are applied.
func (m *MemoryStore) liveLocked() []string {
	var out []string
	for id := range m.committed {
		if p, ok := m.pending[id]; ok && p.deleted {
			continue
		}
		out = append(out, id)
	}
	for id, p := range m.pending {
		if _, ok := m.committed[id]; !ok && !p.deleted {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

func (m *MemoryStore) Commit() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, p := range m.pending {
		if p.deleted {
			delete(m.committed, id)
		} else {
			m.committed[id] = p.data
		}
	}
	m.pending = make(map[string]pendingWrite)
}

// List returns all committed ids
// Returns a copy of the keys to prevent external modification
func (m *MemoryStore) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.committed))
	for key := range m.committed {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalBytes := 0
	for _, value := range m.committed {
		totalBytes += len(value)
	}

	return StoreStats{
		Docs:    len(m.committed),
		Bytes:   totalBytes,
		Pending: len(m.pending),
	}
}
