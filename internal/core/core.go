package core

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/dreamware/overseer/internal/cluster"
	"github.com/dreamware/overseer/internal/distrib"
	"github.com/dreamware/overseer/internal/storage"
)

// Core is one replica of a collection shard hosted on a node.
// It applies update requests to its own document store.
type Core struct {
	Name       string              // Core name, unique on the node
	Collection string              // Owning collection
	Shard      string              // Owning shard
	Type       cluster.ReplicaType // NRT, TLOG or PULL
	Store      storage.Store       // Documents indexed by this core
	Stats      *CoreStats          // Operation statistics

	mu     sync.RWMutex
	leader bool
}

// CoreStats tracks operational statistics for a core
type CoreStats struct {
	Ops     OperationStats     `json:"ops"`
	Storage storage.StoreStats `json:"storage"`
}

// OperationStats tracks operation counts
type OperationStats struct {
	Adds          uint64 `json:"adds"`
	Deletes       uint64 `json:"deletes"`
	DeleteQueries uint64 `json:"delete_queries"`
	Commits       uint64 `json:"commits"`
	Stale         uint64 `json:"stale"` // Writes dropped for carrying an old version
}

// CoreInfo contains metadata about a core
type CoreInfo struct {
	Name       string              `json:"name"`
	Collection string              `json:"collection"`
	Shard      string              `json:"shard"`
	Type       cluster.ReplicaType `json:"type"`
	Leader     bool                `json:"leader"`
	Docs       int                 `json:"docs"`
	Bytes      int                 `json:"bytes"`
}

// New creates a core backed by in-memory storage
func New(name, collection, shard string, t cluster.ReplicaType) *Core {
	return &Core{
		Name:       name,
		Collection: collection,
		Shard:      shard,
		Type:       t,
		Store:      storage.NewMemoryStore(),
		Stats:      &CoreStats{},
	}
}

// SetLeader records whether this core currently leads its shard.
func (c *Core) SetLeader(leader bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leader = leader
}

// IsLeader reports the last value given to SetLeader.
func (c *Core) IsLeader() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leader
}

// Apply runs the adds, deletes, delete-queries and commit of req in that
// order. Writes without a version get one from the store, and the version
// is written back into req so a leader can forward the exact same update.
// Writes older than what the store already holds are skipped.
func (c *Core) Apply(req *distrib.UpdateRequest) error {
	for i := range req.Adds {
		add := &req.Adds[i]
		id := add.Doc.ID()
		if id == "" {
			return errors.Newf("core %s: document without id", c.Name)
		}
		data, err := json.Marshal(add.Doc)
		if err != nil {
			return errors.Wrapf(err, "core %s: encode document %s", c.Name, id)
		}
		atomic.AddUint64(&c.Stats.Ops.Adds, 1)
		v, err := c.Store.Add(id, data, add.Version)
		if err := c.skipStale(err); err != nil {
			return err
		}
		if v > 0 {
			add.Version = v
		}
	}
	for i := range req.Deletes {
		del := &req.Deletes[i]
		atomic.AddUint64(&c.Stats.Ops.Deletes, 1)
		v, err := c.Store.Delete(del.ID, del.Version)
		if err := c.skipStale(err); err != nil {
			return err
		}
		if v > 0 {
			del.Version = v
		}
	}
	for _, q := range req.DeleteQueries {
		atomic.AddUint64(&c.Stats.Ops.DeleteQueries, 1)
		if _, err := c.Store.DeleteByQuery(q); err != nil {
			return errors.Wrapf(err, "core %s", c.Name)
		}
	}
	if req.Commit != nil {
		atomic.AddUint64(&c.Stats.Ops.Commits, 1)
		c.Store.Commit()
	}
	return nil
}

func (c *Core) skipStale(err error) error {
	if errors.Is(err, storage.ErrStaleVersion) {
		atomic.AddUint64(&c.Stats.Ops.Stale, 1)
		return nil
	}
	return errors.Wrapf(err, "core %s", c.Name)
}

// Get returns a committed document.
func (c *Core) Get(id string) (distrib.Document, int64, error) {
	data, v, err := c.Store.Get(id)
	if err != nil {
		return nil, 0, err
	}
	var doc distrib.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, 0, errors.Wrapf(err, "core %s: decode document %s", c.Name, id)
	}
	return doc, v, nil
}

// OwnsID reports whether coll routes id to this core's shard.
func (c *Core) OwnsID(coll *cluster.DocCollection, id string) bool {
	shard, ok := cluster.ShardForID(coll, id)
	return ok && shard == c.Shard
}

// GetStats returns current core statistics
func (c *Core) GetStats() CoreStats {
	return CoreStats{
		Ops: OperationStats{
			Adds:          atomic.LoadUint64(&c.Stats.Ops.Adds),
			Deletes:       atomic.LoadUint64(&c.Stats.Ops.Deletes),
			DeleteQueries: atomic.LoadUint64(&c.Stats.Ops.DeleteQueries),
			Commits:       atomic.LoadUint64(&c.Stats.Ops.Commits),
			Stale:         atomic.LoadUint64(&c.Stats.Ops.Stale),
		},
		Storage: c.Store.Stats(),
	}
}

// Info returns metadata about the core
func (c *Core) Info() CoreInfo {
	st := c.Store.Stats()
	return CoreInfo{
		Name:       c.Name,
		Collection: c.Collection,
		Shard:      c.Shard,
		Type:       c.Type,
		Leader:     c.IsLeader(),
		Docs:       st.Docs,
		Bytes:      st.Bytes,
	}
}
