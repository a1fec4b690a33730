package store

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/raft"
	"golang.org/x/exp/slices"
)

type commandOp string

const (
	cmdCreate  commandOp = "create"
	cmdSetData commandOp = "set"
	cmdDelete  commandOp = "delete"
)

// command is one entry of the raft log.
type command struct {
	Op      commandOp `json:"op"`
	Path    string    `json:"path"`
	Data    []byte    `json:"data,omitempty"`
	Version int       `json:"version"`
}

// applyResult is what Apply hands back through the raft future.
type applyResult struct {
	version int
	err     error
}

type fsmEntry struct {
	Data    []byte `json:"data"`
	Version int    `json:"version"`
}

// pathFSM is the replicated state machine behind RaftStore: a map of path
// to versioned bytes with the same rules as MemoryStore.
type pathFSM struct {
	mu      sync.RWMutex
	data    map[string]*fsmEntry
	watches map[string][]*memWatch
}

func newPathFSM() *pathFSM {
	return &pathFSM{
		data:    make(map[string]*fsmEntry),
		watches: make(map[string][]*memWatch),
	}
}

func (f *pathFSM) Apply(l *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return applyResult{err: errors.Wrap(err, "decode raft command")}
	}

	f.mu.Lock()
	res, ev := f.applyLocked(cmd)
	var fire []WatchFunc
	if res.err == nil {
		fire = f.watchersLocked(cmd.Path)
	}
	f.mu.Unlock()

	notify(fire, ev)
	return res
}

func (f *pathFSM) applyLocked(cmd command) (applyResult, Event) {
	e, ok := f.data[cmd.Path]
	switch cmd.Op {
	case cmdCreate:
		if ok {
			return applyResult{err: ErrNodeExists}, Event{}
		}
		f.data[cmd.Path] = &fsmEntry{Data: cmd.Data}
		return applyResult{}, Event{Path: cmd.Path, Type: EventCreated}
	case cmdSetData:
		if !ok {
			return applyResult{err: ErrNoNode}, Event{}
		}
		if cmd.Version != AnyVersion && cmd.Version != e.Version {
			return applyResult{err: ErrVersionConflict}, Event{}
		}
		e.Data = cmd.Data
		e.Version++
		return applyResult{version: e.Version}, Event{Path: cmd.Path, Type: EventChanged, Version: e.Version}
	case cmdDelete:
		if !ok {
			return applyResult{err: ErrNoNode}, Event{}
		}
		if cmd.Version != AnyVersion && cmd.Version != e.Version {
			return applyResult{err: ErrVersionConflict}, Event{}
		}
		delete(f.data, cmd.Path)
		return applyResult{}, Event{Path: cmd.Path, Type: EventDeleted, Version: e.Version}
	}
	return applyResult{err: errors.Newf("unknown raft command %q", cmd.Op)}, Event{}
}

func (f *pathFSM) get(path string) ([]byte, int, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.data[path]
	if !ok {
		return nil, 0, false
	}
	return append([]byte(nil), e.Data...), e.Version, true
}

func (f *pathFSM) list(prefix string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []string
	for p := range f.data {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

func (f *pathFSM) watch(ctx context.Context, path string, fn WatchFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watches[path] = append(f.watches[path], &memWatch{ctx: ctx, fn: fn})
}

func (f *pathFSM) watchersLocked(path string) []WatchFunc {
	ws := f.watches[path]
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
		delete(f.watches, path)
	} else {
		f.watches[path] = live
	}
	return out
}

func (f *pathFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cp := make(map[string]fsmEntry, len(f.data))
	for p, e := range f.data {
		cp[p] = fsmEntry{Data: append([]byte(nil), e.Data...), Version: e.Version}
	}
	return &pathSnapshot{data: cp}, nil
}

func (f *pathFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var data map[string]fsmEntry
	if err := json.NewDecoder(rc).Decode(&data); err != nil {
		return errors.Wrap(err, "restore snapshot")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = make(map[string]*fsmEntry, len(data))
	for p, e := range data {
		e := e
		f.data[p] = &e
	}
	return nil
}

type pathSnapshot struct {
	data map[string]fsmEntry
}

func (s *pathSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.data); err != nil {
		_ = sink.Cancel()
		return errors.Wrap(err, "persist snapshot")
	}
	return sink.Close()
}

func (s *pathSnapshot) Release() {}
