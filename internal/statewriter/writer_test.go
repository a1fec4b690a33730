package statewriter

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/overseer/internal/cluster"
	"github.com/dreamware/overseer/internal/store"
	"github.com/dreamware/overseer/internal/telemetry"
)

func booksCollection() *cluster.DocCollection {
	c := cluster.NewDocCollection("books", []string{"shard1", "shard2"}, map[string]string{"replicationFactor": "2"})
	c.Slices["shard1"].Replicas["core_node1"] = &cluster.Replica{
		Name: "core_node1", Node: "n1", Core: "books_shard1_replica_n1",
		Type: cluster.NRT, State: cluster.ReplicaActive, Leader: true,
	}
	c.Slices["shard1"].Replicas["core_node2"] = &cluster.Replica{
		Name: "core_node2", Node: "n2", Core: "books_shard1_replica_n2",
		Type: cluster.NRT, State: cluster.ReplicaActive,
	}
	c.Slices["shard2"].Replicas["core_node3"] = &cluster.Replica{
		Name: "core_node3", Node: "n1", Core: "books_shard2_replica_t3",
		Type: cluster.TLOG, State: cluster.ReplicaDown,
	}
	return c
}

// flushed returns a writer whose books collection has been written once.
func flushed(t *testing.T) (*StateWriter, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	w := New(st, nil, WithThrottle(0))
	_, err := w.EnqueueUpdate(cluster.NewClusterState(booksCollection()), nil, false)
	require.NoError(t, err)
	_, err = w.WritePendingUpdates(context.Background())
	require.NoError(t, err)
	require.False(t, w.Dirty())
	return w, st
}

func countWrites(st *store.MemoryStore) *int {
	n := new(int)
	st.SetHook(func(op store.Op, path string) error {
		if op == store.OpSetData || op == store.OpCreate {
			*n++
		}
		return nil
	})
	return n
}

func replica(t *testing.T, cs *cluster.ClusterState, coll, name string) *cluster.Replica {
	t.Helper()
	_, r := cs.Collection(coll).Replica(name)
	require.NotNil(t, r, "replica %s", name)
	return r
}

func TestEnqueueUpdateRejectsBadInput(t *testing.T) {
	w := New(store.NewMemoryStore(), nil, WithThrottle(0))

	_, err := w.EnqueueUpdate(nil, nil, false)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = w.EnqueueUpdate(nil, nil, true)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = w.EnqueueUpdate(nil, LeaderMessage{Collection: "books"}, true)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	assert.False(t, w.Dirty())
}

func TestFirstFlushCreatesStateJSON(t *testing.T) {
	w, st := flushed(t)

	data, version, err := st.GetData(context.Background(), cluster.CollectionPath("books"))
	require.NoError(t, err)
	assert.Equal(t, 0, version)

	got, err := cluster.DecodeCollection(data, version)
	require.NoError(t, err)
	assert.Equal(t, []string{"shard1", "shard2"}, got.SliceNames())

	v, ok := w.LastWrittenVersion("books")
	require.True(t, ok)
	assert.Equal(t, 0, v)
	assert.Equal(t, 0, w.ClusterState().Collection("books").Version)
}

func TestFlushAdvancesTrackedVersion(t *testing.T) {
	w, st := flushed(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		state := cluster.ReplicaDown
		if i%2 == 0 {
			state = cluster.ReplicaActive
		}
		_, err := w.EnqueueUpdate(nil, StateMessage{Updates: []CoreState{
			{Core: "books_shard1_replica_n2", Collection: "books", State: state},
		}}, true)
		require.NoError(t, err)
		_, err = w.WritePendingUpdates(ctx)
		require.NoError(t, err)

		v, _ := w.LastWrittenVersion("books")
		assert.Equal(t, i, v)
		stored, _, _ := st.Exists(ctx, cluster.CollectionPath("books"))
		assert.Equal(t, i, stored)
	}
}

func TestFlushUsesExistingVersionWhenUntracked(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	path := cluster.CollectionPath("books")
	_, err := st.Create(ctx, path, []byte(`{"books":{"shards":{}}}`))
	require.NoError(t, err)
	_, err = st.SetData(ctx, path, []byte(`{"books":{"shards":{}}}`), 0)
	require.NoError(t, err)

	w := New(st, nil, WithThrottle(0))
	_, err = w.EnqueueUpdate(cluster.NewClusterState(booksCollection()), nil, false)
	require.NoError(t, err)
	_, err = w.WritePendingUpdates(ctx)
	require.NoError(t, err)

	v, ok := w.LastWrittenVersion("books")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Empty(t, w.Conflicts())
}

func TestFullOverwritePreservesLiveState(t *testing.T) {
	w, _ := flushed(t)

	_, err := w.EnqueueUpdate(nil, LeaderMessage{Collection: "books", Shard: "shard1", Core: "core_node2"}, true)
	require.NoError(t, err)
	_, err = w.EnqueueUpdate(nil, ShardStateMessage{Collection: "books", States: map[string]cluster.SliceState{"shard2": cluster.SliceRecovery}}, true)
	require.NoError(t, err)

	other := cluster.NewDocCollection("films", []string{"shard1"}, nil)
	_, err = w.EnqueueUpdate(cluster.NewClusterState(other), nil, false)
	require.NoError(t, err)

	// The incoming books adds a replica but carries stale live state.
	incoming := booksCollection()
	incoming.Slices["shard1"].Replicas["core_node4"] = &cluster.Replica{
		Name: "core_node4", Node: "n3", Core: "books_shard1_replica_p4",
		Type: cluster.PULL, State: cluster.ReplicaRecovering,
	}
	cs, err := w.EnqueueUpdate(cluster.NewClusterState(incoming), nil, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"books", "films"}, cs.CollectionNames())
	assert.False(t, replica(t, cs, "books", "core_node1").Leader)
	assert.True(t, replica(t, cs, "books", "core_node2").Leader)
	assert.Equal(t, cluster.ReplicaActive, replica(t, cs, "books", "core_node2").State)
	assert.Equal(t, cluster.ReplicaRecovering, replica(t, cs, "books", "core_node4").State)
	assert.Equal(t, cluster.SliceRecovery, cs.Collection("books").Slice("shard2").State)
	assert.Len(t, cs.Collection("books").Slice("shard1").Replicas, 3)
	assert.True(t, w.Dirty())

	// The caller's state is not modified by the merge.
	assert.True(t, incoming.Slices["shard1"].Replicas["core_node1"].Leader)
}

func TestNoopStateUpdateLeavesWriterClean(t *testing.T) {
	w, st := flushed(t)
	writes := countWrites(st)
	before := w.ClusterState()

	cs, err := w.EnqueueUpdate(nil, StateMessage{Updates: []CoreState{
		{Core: "books_shard1_replica_n1", Collection: "books", State: cluster.ReplicaActive},
		{Core: "missing_core", Collection: "books", State: cluster.ReplicaDown},
		{Core: "books_shard1_replica_n1", Collection: "nope", State: cluster.ReplicaDown},
	}}, true)
	require.NoError(t, err)
	assert.Same(t, before, cs)
	assert.False(t, w.Dirty())

	_, err = w.WritePendingUpdates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, *writes)
}

func TestStateUpdateIsCopyOnWrite(t *testing.T) {
	w, _ := flushed(t)
	before := w.ClusterState()

	after, err := w.EnqueueUpdate(nil, StateMessage{Updates: []CoreState{
		{Core: "books_shard1_replica_n2", Collection: "books", State: cluster.ReplicaRecovering},
	}}, true)
	require.NoError(t, err)

	assert.Equal(t, cluster.ReplicaActive, replica(t, before, "books", "core_node2").State)
	assert.Equal(t, cluster.ReplicaRecovering, replica(t, after, "books", "core_node2").State)
	assert.True(t, w.Dirty())
}

func TestStateUpdateLeaderPseudoState(t *testing.T) {
	w, _ := flushed(t)

	cs, err := w.EnqueueUpdate(nil, StateMessage{Updates: []CoreState{
		{Core: "books_shard2_replica_t3", Collection: "books", Leader: true},
	}}, true)
	require.NoError(t, err)

	r := replica(t, cs, "books", "core_node3")
	assert.True(t, r.Leader)
	assert.Equal(t, cluster.ReplicaActive, r.State)
}

func TestLeaderMessage(t *testing.T) {
	tests := []struct {
		name    string
		msg     LeaderMessage
		leader  string
		changed bool
	}{
		{"promote follower", LeaderMessage{"books", "shard1", "books_shard1_replica_n2"}, "core_node2", true},
		{"by replica name", LeaderMessage{"books", "shard1", "core_node2"}, "core_node2", true},
		{"already leader", LeaderMessage{"books", "shard1", "core_node1"}, "core_node1", false},
		{"unknown shard", LeaderMessage{"books", "shard9", "core_node2"}, "core_node1", false},
		{"replica of another shard", LeaderMessage{"books", "shard1", "core_node3"}, "core_node1", false},
		{"unknown collection", LeaderMessage{"films", "shard1", "core_node2"}, "core_node1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := flushed(t)
			cs, err := w.EnqueueUpdate(nil, tt.msg, true)
			require.NoError(t, err)
			assert.Equal(t, tt.changed, w.Dirty())

			s := cs.Collection("books").Slice("shard1")
			require.NotNil(t, s.Leader())
			assert.Equal(t, tt.leader, s.Leader().Name)
			leaders := 0
			for _, r := range s.Replicas {
				if r.Leader {
					leaders++
				}
			}
			assert.Equal(t, 1, leaders)
		})
	}
}

func TestShardStateMessage(t *testing.T) {
	w, _ := flushed(t)

	cs, err := w.EnqueueUpdate(nil, ShardStateMessage{Collection: "books", States: map[string]cluster.SliceState{
		"shard1": cluster.SliceActive,
		"shard2": cluster.SliceInactive,
		"shard7": cluster.SliceInactive,
	}}, true)
	require.NoError(t, err)
	assert.True(t, w.Dirty())
	assert.Equal(t, cluster.SliceActive, cs.Collection("books").Slice("shard1").State)
	assert.Equal(t, cluster.SliceInactive, cs.Collection("books").Slice("shard2").State)
	assert.Nil(t, cs.Collection("books").Slice("shard7"))
}

func TestDownNodeMessage(t *testing.T) {
	t.Run("whole collection", func(t *testing.T) {
		w, _ := flushed(t)
		cs, err := w.EnqueueUpdate(nil, DownNodeMessage{Collection: "books"}, true)
		require.NoError(t, err)
		for _, r := range cs.Collection("books").Replicas() {
			assert.Equal(t, cluster.ReplicaDown, r.State, r.Name)
		}
	})

	t.Run("single node", func(t *testing.T) {
		w, _ := flushed(t)
		cs, err := w.EnqueueUpdate(nil, DownNodeMessage{Collection: "books", Node: "n2"}, true)
		require.NoError(t, err)
		assert.Equal(t, cluster.ReplicaActive, replica(t, cs, "books", "core_node1").State)
		assert.Equal(t, cluster.ReplicaDown, replica(t, cs, "books", "core_node2").State)
	})

	t.Run("already down", func(t *testing.T) {
		w, _ := flushed(t)
		_, err := w.EnqueueUpdate(nil, DownNodeMessage{Collection: "books", Node: "n9"}, true)
		require.NoError(t, err)
		assert.False(t, w.Dirty())
	})
}

func TestVersionConflictResyncsTrackedVersion(t *testing.T) {
	w, st := flushed(t)
	ctx := context.Background()
	path := cluster.CollectionPath("books")

	// Another writer bumps the path twice behind our back.
	for i := 0; i < 2; i++ {
		_, err := st.SetData(ctx, path, []byte(`{"books":{"shards":{}}}`), store.AnyVersion)
		require.NoError(t, err)
	}

	_, err := w.EnqueueUpdate(nil, DownNodeMessage{Collection: "books"}, true)
	require.NoError(t, err)
	_, err = w.WritePendingUpdates(ctx)
	require.NoError(t, err)

	v, ok := w.LastWrittenVersion("books")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 2, w.ClusterState().Collection("books").Version)
	assert.Equal(t, []string{"books"}, w.Conflicts())
	assert.Empty(t, w.Conflicts())
	assert.False(t, w.Dirty())

	// The next change is written at the resynchronized version.
	_, err = w.EnqueueUpdate(nil, StateMessage{Updates: []CoreState{
		{Core: "core_node1", Collection: "books", State: cluster.ReplicaActive},
	}}, true)
	require.NoError(t, err)
	_, err = w.WritePendingUpdates(ctx)
	require.NoError(t, err)
	v, _ = w.LastWrittenVersion("books")
	assert.Equal(t, 3, v)
	assert.Equal(t, 3, w.ClusterState().Collection("books").Version)
}

func TestDeletedPathDropsTracking(t *testing.T) {
	w, st := flushed(t)
	ctx := context.Background()
	require.NoError(t, st.Delete(ctx, cluster.CollectionPath("books"), store.AnyVersion))

	_, err := w.EnqueueUpdate(nil, DownNodeMessage{Collection: "books"}, true)
	require.NoError(t, err)
	_, err = w.WritePendingUpdates(ctx)
	require.NoError(t, err)

	_, ok := w.LastWrittenVersion("books")
	assert.False(t, ok)
	assert.False(t, w.Dirty())
}

func TestFailedCollectionPoisonsNextFlush(t *testing.T) {
	st := store.NewMemoryStore()
	w := New(st, nil, WithThrottle(0))
	ctx := context.Background()
	boom := errors.New("disk on fire")

	st.SetHook(func(op store.Op, path string) error {
		if op == store.OpCreate && path == cluster.CollectionPath("books") {
			return boom
		}
		return nil
	})

	films := cluster.NewDocCollection("films", []string{"shard1"}, nil)
	_, err := w.EnqueueUpdate(cluster.NewClusterState(booksCollection(), films), nil, false)
	require.NoError(t, err)

	// One collection failing does not stop the others.
	_, err = w.WritePendingUpdates(ctx)
	require.NoError(t, err)
	assert.True(t, w.Dirty())
	_, ok := w.LastWrittenVersion("films")
	assert.True(t, ok)

	st.SetHook(nil)
	_, err = w.WritePendingUpdates(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrServer))
	assert.True(t, errors.Is(err, boom))

	// The failed collection is retried once the failure has been reported.
	_, err = w.WritePendingUpdates(ctx)
	require.NoError(t, err)
	assert.False(t, w.Dirty())
	v, ok := w.LastWrittenVersion("books")
	require.True(t, ok)
	assert.Equal(t, 0, v)
}

func TestClosedStoreIsServerError(t *testing.T) {
	st := store.NewMemoryStore()
	w := New(st, nil, WithThrottle(0))
	_, err := w.EnqueueUpdate(cluster.NewClusterState(booksCollection()), nil, false)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = w.WritePendingUpdates(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrServer))
	assert.True(t, errors.Is(err, store.ErrClosed))
	assert.True(t, w.Dirty())
}

func TestSessionExpiredIsServerError(t *testing.T) {
	st := store.NewMemoryStore()
	st.SetHook(func(store.Op, string) error { return store.ErrSessionExpired })
	w := New(st, nil, WithThrottle(0))
	_, err := w.EnqueueUpdate(cluster.NewClusterState(booksCollection()), nil, false)
	require.NoError(t, err)

	_, err = w.WritePendingUpdates(context.Background())
	assert.True(t, errors.Is(err, ErrServer))
	assert.True(t, errors.Is(err, store.ErrSessionExpired))
}

func TestDeleteCollection(t *testing.T) {
	w, st := flushed(t)
	ctx := context.Background()

	require.NoError(t, w.DeleteCollection(ctx, "books"))
	assert.Nil(t, w.ClusterState().Collection("books"))
	_, ok, err := st.Exists(ctx, cluster.CollectionPath("books"))
	require.NoError(t, err)
	assert.False(t, ok)
	_, tracked := w.LastWrittenVersion("books")
	assert.False(t, tracked)

	// Deleting again is fine.
	require.NoError(t, w.DeleteCollection(ctx, "books"))
}

func TestOpenLoadsStoredCollections(t *testing.T) {
	_, st := flushed(t)
	ctx := context.Background()
	_, err := st.Create(ctx, "/collections/books/leader_elect", []byte("x"))
	require.NoError(t, err)

	w, err := Open(ctx, st, WithThrottle(0))
	require.NoError(t, err)
	cs := w.ClusterState()
	assert.Equal(t, []string{"books"}, cs.CollectionNames())
	assert.True(t, replica(t, cs, "books", "core_node1").Leader)
	assert.False(t, w.Dirty())
}

func TestWritePendingUpdatesHonoursContext(t *testing.T) {
	w, _ := flushed(t)
	w.throttle = NewThrottle(DefaultThrottle)
	w.throttle.MarkAttemptingAction()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.WritePendingUpdates(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriterCounters(t *testing.T) {
	m, sink := telemetry.NewInmem()
	st := store.NewMemoryStore()
	w := New(st, nil, WithThrottle(0), WithMetrics(m))
	ctx := context.Background()

	_, err := w.EnqueueUpdate(cluster.NewClusterState(booksCollection()), nil, false)
	require.NoError(t, err)
	_, err = w.WritePendingUpdates(ctx)
	require.NoError(t, err)

	_, err = w.EnqueueUpdate(nil, StateMessage{Updates: []CoreState{
		{Core: "missing_core", Collection: "books", State: cluster.ReplicaDown},
	}}, true)
	require.NoError(t, err)

	_, err = st.SetData(ctx, cluster.CollectionPath("books"), []byte(`{"books":{"shards":{}}}`), store.AnyVersion)
	require.NoError(t, err)
	_, err = w.EnqueueUpdate(nil, DownNodeMessage{Collection: "books"}, true)
	require.NoError(t, err)
	_, err = w.WritePendingUpdates(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, telemetry.Counter(sink, "overseer.statewriter.noop"))
	assert.Equal(t, 1, telemetry.Counter(sink, "overseer.statewriter.conflict"))
	assert.Equal(t, 2, telemetry.Counter(sink, "overseer.statewriter.flush"))
}
