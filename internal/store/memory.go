package store

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/exp/slices"
)

// Op names a MemoryStore call for fault-injection hooks.
type Op string

const (
	OpExists  Op = "exists"
	OpGet     Op = "get"
	OpCreate  Op = "create"
	OpSetData Op = "setData"
	OpDelete  Op = "delete"
	OpList    Op = "list"
)

// Hook runs before every MemoryStore call. A non-nil error is returned to
// the caller instead of performing the call. Hooks run under the store lock
// and must not call back into the store.
type Hook func(op Op, path string) error

type memEntry struct {
	data    []byte
	version int
}

type memWatch struct {
	ctx context.Context
	fn  WatchFunc
}

// MemoryStore implements VersionedStore in process memory.
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu      sync.RWMutex
	data    map[string]*memEntry
	watches map[string][]*memWatch
	hook    Hook
	closed  bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:    make(map[string]*memEntry),
		watches: make(map[string][]*memWatch),
	}
}

// SetHook installs a fault-injection hook. Pass nil to remove it.
func (m *MemoryStore) SetHook(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = h
}

func (m *MemoryStore) check(ctx context.Context, op Op, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return ErrClosed
	}
	if m.hook != nil {
		return m.hook(op, path)
	}
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, path string) (int, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, OpExists, path); err != nil {
		return 0, false, err
	}
	e, ok := m.data[path]
	if !ok {
		return 0, false, nil
	}
	return e.version, true, nil
}

// GetData returns a copy of the stored bytes
func (m *MemoryStore) GetData(ctx context.Context, path string) ([]byte, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, OpGet, path); err != nil {
		return nil, 0, err
	}
	e, ok := m.data[path]
	if !ok {
		return nil, 0, ErrNoNode
	}
	return append([]byte(nil), e.data...), e.version, nil
}

func (m *MemoryStore) Create(ctx context.Context, path string, data []byte) (int, error) {
	m.mu.Lock()
	if err := m.check(ctx, OpCreate, path); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	if _, ok := m.data[path]; ok {
		m.mu.Unlock()
		return 0, ErrNodeExists
	}
	m.data[path] = &memEntry{data: append([]byte(nil), data...)}
	fire := m.watchersLocked(path)
	m.mu.Unlock()

	notify(fire, Event{Path: path, Type: EventCreated, Version: 0})
	return 0, nil
}

func (m *MemoryStore) SetData(ctx context.Context, path string, data []byte, expectedVersion int) (int, error) {
	m.mu.Lock()
	if err := m.check(ctx, OpSetData, path); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	e, ok := m.data[path]
	if !ok {
		m.mu.Unlock()
		return 0, ErrNoNode
	}
	if expectedVersion != AnyVersion && expectedVersion != e.version {
		m.mu.Unlock()
		return 0, ErrVersionConflict
	}
	e.data = append([]byte(nil), data...)
	e.version++
	v := e.version
	fire := m.watchersLocked(path)
	m.mu.Unlock()

	notify(fire, Event{Path: path, Type: EventChanged, Version: v})
	return v, nil
}

func (m *MemoryStore) Delete(ctx context.Context, path string, expectedVersion int) error {
	m.mu.Lock()
	if err := m.check(ctx, OpDelete, path); err != nil {
		m.mu.Unlock()
		return err
	}
	e, ok := m.data[path]
	if !ok {
		m.mu.Unlock()
		return ErrNoNode
	}
	if expectedVersion != AnyVersion && expectedVersion != e.version {
		m.mu.Unlock()
		return ErrVersionConflict
	}
	delete(m.data, path)
	fire := m.watchersLocked(path)
	m.mu.Unlock()

	notify(fire, Event{Path: path, Type: EventDeleted, Version: e.version})
	return nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, OpList, prefix); err != nil {
		return nil, err
	}
	var out []string
	for p := range m.data {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Watch registers fn for path. Events are delivered on the writer's
// goroutine after the store lock is released, in write order.
func (m *MemoryStore) Watch(ctx context.Context, path string, fn WatchFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.watches[path] = append(m.watches[path], &memWatch{ctx: ctx, fn: fn})
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.watches = make(map[string][]*memWatch)
	return nil
}

// watchersLocked returns live watchers for path and drops cancelled ones.
func (m *MemoryStore) watchersLocked(path string) []WatchFunc {
	ws := m.watches[path]
	live := ws[:0]
	var out []WatchFunc
	for _, w := range ws {
		if w.ctx.Err() != nil {
			continue
		}
		live = append(live, w)
		out = append(out, w.fn)
	}
	if len(live) == 0 {
		delete(m.watches, path)
	} else {
		m.watches[path] = live
	}
	return out
}

func notify(fns []WatchFunc, ev Event) {
	for _, fn := range fns {
		fn(ev)
	}
}
