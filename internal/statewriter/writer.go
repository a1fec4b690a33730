package statewriter

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"
	"golang.org/x/exp/slices"

	"github.com/dreamware/overseer/internal/cluster"
	"github.com/dreamware/overseer/internal/logging"
	"github.com/dreamware/overseer/internal/store"
)

// DefaultThrottle is the minimum spacing between two flushes.
const DefaultThrottle = 50 * time.Millisecond

var (
	// ErrInvalidArgument marks malformed updates.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnknownOperation marks messages naming an operation the writer does not know.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrServer marks flush failures the caller must handle by retrying the
	// higher-level operation: a poisoned writer, a closed store or an
	// expired session.
	ErrServer = errors.New("server error")
)

// StateWriter batches cluster state mutations in memory and flushes the
// collections they touched to a VersionedStore.
//
// All methods are serialized through one mutex, including flushes, so an
// update can never interleave with another update or with a write-out.
type StateWriter struct {
	mu       sync.Mutex
	store    store.VersionedStore
	log      hclog.Logger
	throttle *Throttle
	metrics  *metrics.Metrics

	cs        *cluster.ClusterState
	dirty     bool
	pending   map[string]struct{}
	versions  map[string]int
	failed    map[string]error
	lastErr   error
	conflicts []string
}

// Option configures a StateWriter.
type Option func(*StateWriter)

// WithLogger sets the logger. The default discards output.
func WithLogger(l hclog.Logger) Option {
	return func(w *StateWriter) { w.log = logging.OrNull(l) }
}

// WithThrottle sets the minimum pause between flushes. Zero disables it.
func WithThrottle(d time.Duration) Option {
	return func(w *StateWriter) { w.throttle = NewThrottle(d) }
}

// WithMetrics sets where the writer's counters go. The default is the
// global go-metrics instance.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *StateWriter) { w.metrics = m }
}

// New returns a writer whose in-memory view starts at initial. Versions
// are not tracked until the first flush of each collection.
func New(s store.VersionedStore, initial *cluster.ClusterState, opts ...Option) *StateWriter {
	if initial == nil {
		initial = cluster.NewClusterState()
	}
	w := &StateWriter{
		store:    s,
		log:      hclog.NewNullLogger(),
		throttle: NewThrottle(DefaultThrottle),
		cs:       initial,
		pending:  make(map[string]struct{}),
		versions: make(map[string]int),
		failed:   make(map[string]error),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Open reads every collection from s and returns a writer seeded with it.
func Open(ctx context.Context, s store.VersionedStore, opts ...Option) (*StateWriter, error) {
	cs, err := LoadClusterState(ctx, s)
	if err != nil {
		return nil, err
	}
	return New(s, cs, opts...), nil
}

// LoadClusterState reads every state.json under the collections root.
// Paths that vanish between listing and reading are skipped.
func LoadClusterState(ctx context.Context, s store.VersionedStore) (*cluster.ClusterState, error) {
	paths, err := s.List(ctx, cluster.CollectionsRoot())
	if err != nil {
		return nil, errors.Wrap(err, "list collections")
	}
	var colls []*cluster.DocCollection
	for _, p := range paths {
		if _, ok := cluster.CollectionFromPath(p); !ok {
			continue
		}
		data, version, err := s.GetData(ctx, p)
		if errors.Is(err, store.ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", p)
		}
		c, err := cluster.DecodeCollection(data, version)
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s", p)
		}
		colls = append(colls, c)
	}
	return cluster.NewClusterState(colls...), nil
}

// EnqueueUpdate applies an update to the in-memory state and marks the
// affected collections for the next flush. It returns the resulting
// snapshot.
//
// With incremental false, state is merged over the current view: each
// incoming collection replaces the current one, except that shard state,
// replica state and leadership already known for the same shard and
// replica names are kept. Collections missing from state are retained.
//
// With incremental true, msg is applied instead. An update that changes
// nothing is dropped with a warning and leaves the writer clean.
func (w *StateWriter) EnqueueUpdate(state *cluster.ClusterState, msg Message, incremental bool) (*cluster.ClusterState, error) {
	if !incremental && state == nil {
		return nil, errors.Mark(errors.New("full state update requires a cluster state"), ErrInvalidArgument)
	}
	if incremental {
		if msg == nil {
			return nil, errors.Mark(errors.New("incremental update requires a message"), ErrInvalidArgument)
		}
		if err := msg.validate(); err != nil {
			return nil, err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !incremental {
		w.overwrite(state)
		return w.cs, nil
	}

	mu := newMutation(w.cs)
	msg.apply(mu)
	if len(mu.changed) == 0 {
		w.log.Warn("published state that changed nothing", "operation", msg.Operation())
		w.incr("noop")
		return w.cs, nil
	}
	w.cs = mu.result()
	for name := range mu.changed {
		w.pending[name] = struct{}{}
	}
	w.dirty = true
	return w.cs, nil
}

func (w *StateWriter) overwrite(state *cluster.ClusterState) {
	cs := w.cs
	for _, name := range state.CollectionNames() {
		incoming := state.Collection(name).Clone()
		incoming.Name = name
		mergeLiveState(incoming, w.cs.Collection(name))
		cs = cs.WithCollection(incoming)
		w.pending[name] = struct{}{}
	}
	if state.Len() > 0 {
		w.dirty = true
	}
	w.cs = cs
}

// mergeLiveState copies shard state, replica state and leadership from
// current into incoming wherever both know the same shard and replica.
func mergeLiveState(incoming, current *cluster.DocCollection) {
	if current == nil {
		return
	}
	incoming.Version = current.Version
	for sn, s := range incoming.Slices {
		cur := current.Slices[sn]
		if cur == nil {
			continue
		}
		s.State = cur.State
		for rn, r := range s.Replicas {
			if cr, ok := cur.Replicas[rn]; ok {
				r.State = cr.State
			}
		}
		leader := cur.Leader()
		if leader == nil {
			continue
		}
		if _, ok := s.Replicas[leader.Name]; !ok {
			continue
		}
		for rn, r := range s.Replicas {
			r.Leader = rn == leader.Name
			if r.Leader {
				r.State = cluster.ReplicaActive
			}
		}
	}
}

// WritePendingUpdates flushes every collection changed since the last
// successful flush and returns the current snapshot.
//
// Calls are spaced at least the throttle interval apart. A version
// conflict resynchronizes the tracked version from the store and drops
// this round's change for that collection; the collection is reported by
// Conflicts. A missing path means the collection was deleted externally and
// its version stops being tracked. Other per-collection failures are logged
// and retained, and the next call fails once with ErrServer before the
// failed collections are retried. A closed store or an expired session
// aborts the flush with ErrServer.
func (w *StateWriter) WritePendingUpdates(ctx context.Context) (*cluster.ClusterState, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.throttle.MinimumWaitBetweenActions(ctx); err != nil {
		return w.cs, err
	}
	w.throttle.MarkAttemptingAction()

	if !w.dirty {
		w.log.Trace("not dirty, skipping flush")
		return w.cs, nil
	}

	if len(w.failed) > 0 {
		names := make([]string, 0, len(w.failed))
		for name := range w.failed {
			names = append(names, name)
		}
		slices.Sort(names)
		w.log.Warn("some collection updates failed", "collections", names, "error", w.lastErr)
		err := errors.Mark(errors.Wrapf(w.lastErr, "previous flush failed for %v", names), ErrServer)
		w.failed = make(map[string]error)
		return w.cs, err
	}

	w.incr("flush")
	for _, name := range w.cs.CollectionNames() {
		if _, ok := w.pending[name]; !ok {
			continue
		}
		err := w.writeCollection(ctx, w.cs.Collection(name))
		switch {
		case err == nil:
			delete(w.pending, name)
		case isFatal(err):
			if errors.Is(err, store.ErrSessionExpired) {
				w.log.Error("store session expired during flush", "collection", name, "error", err)
			} else {
				w.log.Info("store closed, abandoning flush", "collection", name, "error", err)
			}
			return w.cs, errors.Mark(errors.Wrapf(err, "flush %s", name), ErrServer)
		default:
			w.log.Error("failed to write collection state", "collection", name, "error", err)
			w.failed[name] = err
			w.lastErr = err
		}
	}
	// Pending names with no collection left in the snapshot have nothing to write.
	for name := range w.pending {
		if w.cs.Collection(name) == nil {
			delete(w.pending, name)
		}
	}
	w.dirty = len(w.pending) > 0
	return w.cs, nil
}

func (w *StateWriter) incr(name string) {
	m := w.metrics
	if m == nil {
		m = metrics.Default()
	}
	m.IncrCounter([]string{"overseer", "statewriter", name}, 1)
}

func isFatal(err error) bool {
	return errors.Is(err, store.ErrClosed) ||
		errors.Is(err, store.ErrSessionExpired) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// writeCollection persists one collection. Conflicts and missing paths are
// handled here and reported as success.
func (w *StateWriter) writeCollection(ctx context.Context, c *cluster.DocCollection) error {
	data, err := cluster.EncodeCollection(c)
	if err != nil {
		return err
	}
	path := cluster.CollectionPath(c.Name)

	tried, tracked := w.versions[c.Name]
	var version int
	if tracked {
		version, err = w.store.SetData(ctx, path, data, tried)
	} else {
		var exists bool
		tried, exists, err = w.store.Exists(ctx, path)
		if err != nil {
			return err
		}
		if exists {
			version, err = w.store.SetData(ctx, path, data, tried)
		} else {
			tried = -1
			version, err = w.store.Create(ctx, path, data)
		}
	}

	switch {
	case err == nil:
		w.versions[c.Name] = version
		w.stampVersion(c, version)
		w.log.Debug("wrote collection state", "collection", c.Name, "version", version, "bytes", len(data))
		return nil
	case errors.Is(err, store.ErrNoNode):
		w.log.Debug("state.json not found, collection likely deleted", "collection", c.Name)
		delete(w.versions, c.Name)
		return nil
	case errors.Is(err, store.ErrVersionConflict), errors.Is(err, store.ErrNodeExists):
		return w.resync(ctx, c.Name, path, tried, err)
	}
	return err
}

func (w *StateWriter) resync(ctx context.Context, name, path string, tried int, cause error) error {
	found, ok, err := w.store.Exists(ctx, path)
	if err != nil {
		return errors.Wrapf(err, "resync version of %s", name)
	}
	if ok {
		w.versions[name] = found
		if c := w.cs.Collection(name); c != nil {
			w.stampVersion(c, found)
		}
	} else {
		delete(w.versions, name)
	}
	w.conflicts = append(w.conflicts, name)
	w.incr("conflict")
	w.log.Warn("cluster state update rejected, local change dropped",
		"collection", name, "tried_version", tried, "found_version", found, "error", cause)
	return nil
}

// stampVersion records the written version on the snapshot's collection.
// The copy shares shards and replicas with c, which are never modified in
// place.
func (w *StateWriter) stampVersion(c *cluster.DocCollection, version int) {
	cp := *c
	cp.Version = version
	w.cs = w.cs.WithCollection(&cp)
}

// DeleteCollection removes a collection from the in-memory state and from
// the store. A path that is already gone is not an error.
func (w *StateWriter) DeleteCollection(ctx context.Context, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.cs = w.cs.WithoutCollection(name)
	delete(w.pending, name)
	delete(w.versions, name)
	delete(w.failed, name)
	w.dirty = len(w.pending) > 0

	err := w.store.Delete(ctx, cluster.CollectionPath(name), store.AnyVersion)
	if err != nil && !errors.Is(err, store.ErrNoNode) {
		return errors.Wrapf(err, "delete collection %s", name)
	}
	return nil
}

// ClusterState returns the current in-memory snapshot. It never touches
// the store.
func (w *StateWriter) ClusterState() *cluster.ClusterState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cs
}

// LastWrittenVersion returns the store version the writer expects the
// collection's state.json to be at.
func (w *StateWriter) LastWrittenVersion(collection string) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.versions[collection]
	return v, ok
}

// Dirty reports whether there are changes waiting to be flushed.
func (w *StateWriter) Dirty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dirty
}

// Conflicts returns the collections whose changes were dropped because of
// version conflicts since the previous call, and clears the list.
func (w *StateWriter) Conflicts() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.conflicts
	w.conflicts = nil
	return out
}

// mutation applies a message to a snapshot copy-on-write: collections are
// cloned the first time they are written and the base is never modified.
type mutation struct {
	base    *cluster.ClusterState
	working map[string]*cluster.DocCollection
	changed map[string]bool
}

func newMutation(base *cluster.ClusterState) *mutation {
	return &mutation{
		base:    base,
		working: make(map[string]*cluster.DocCollection),
		changed: make(map[string]bool),
	}
}

func (m *mutation) read(name string) *cluster.DocCollection {
	if c, ok := m.working[name]; ok {
		return c
	}
	return m.base.Collection(name)
}

func (m *mutation) write(name string) *cluster.DocCollection {
	if c, ok := m.working[name]; ok {
		return c
	}
	c := m.base.Collection(name)
	if c == nil {
		return nil
	}
	c = c.Clone()
	m.working[name] = c
	return c
}

func (m *mutation) touch(name string) {
	m.changed[name] = true
}

// promote makes replica the only leader of shard and marks it active.
func (m *mutation) promote(coll, shard, replica string) {
	s := m.read(coll).Slice(shard)
	if s == nil {
		return
	}
	r := s.Replicas[replica]
	if r == nil || (r.State == cluster.ReplicaActive && onlyLeader(s, replica)) {
		return
	}
	ws := m.write(coll).Slices[shard]
	for rn, r := range ws.Replicas {
		r.Leader = rn == replica
	}
	ws.Replicas[replica].State = cluster.ReplicaActive
	m.touch(coll)
}

func onlyLeader(s *cluster.Slice, name string) bool {
	for rn, r := range s.Replicas {
		if r.Leader != (rn == name) {
			return false
		}
	}
	return true
}

func (m *mutation) result() *cluster.ClusterState {
	names := make([]string, 0, len(m.changed))
	for name := range m.changed {
		names = append(names, name)
	}
	slices.Sort(names)
	cs := m.base
	for _, name := range names {
		cs = cs.WithCollection(m.working[name])
	}
	return cs
}
