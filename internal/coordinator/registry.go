package coordinator

import (
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/overseer/internal/cluster"
	"github.com/dreamware/overseer/internal/placement"
)

// NodeRegistry is the overseer's membership table: every node that has
// registered, the last status it reported, and whether it is considered live.
//
// It is also the placement.AttributeFetcher used when planning replicas, so
// placement always sees the most recent status each node reported through
// registration or health checks.
//
// Thread Safety:
// All methods are safe for concurrent use. Returned slices and values are
// copies.
type NodeRegistry struct {
	mu    sync.RWMutex
	nodes map[string]*nodeEntry
}

type nodeEntry struct {
	info   cluster.NodeInfo
	status *cluster.NodeStatus
	live   bool
}

// NewNodeRegistry returns an empty registry.
func NewNodeRegistry() *NodeRegistry {
	return &NodeRegistry{nodes: make(map[string]*nodeEntry)}
}

// Register adds or updates a node and marks it live. It reports whether the
// node was unknown before.
func (r *NodeRegistry) Register(info cluster.NodeInfo, status *cluster.NodeStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.nodes[info.ID]
	if !exists {
		e = &nodeEntry{}
		r.nodes[info.ID] = e
	}
	e.info = info
	e.live = true
	if status != nil {
		st := copyStatus(*status)
		e.status = &st
	}
	return !exists
}

// ReportStatus records a successful health check. A node that was marked
// down becomes live again. Unknown nodes are ignored.
func (r *NodeRegistry) ReportStatus(id string, status cluster.NodeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[id]
	if !ok {
		return
	}
	st := copyStatus(status)
	e.status = &st
	e.live = true
}

// MarkDown takes a node out of the live set. It reports whether the node was
// live before the call.
func (r *NodeRegistry) MarkDown(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[id]
	if !ok || !e.live {
		return false
	}
	e.live = false
	return true
}

// Nodes returns every registered node ordered by ID.
func (r *NodeRegistry) Nodes() []cluster.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]cluster.NodeInfo, 0, len(r.nodes))
	for _, e := range r.nodes {
		out = append(out, e.info)
	}
	slices.SortFunc(out, func(a, b cluster.NodeInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Node looks up a registered node.
func (r *NodeRegistry) Node(id string) (cluster.NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.nodes[id]
	if !ok {
		return cluster.NodeInfo{}, false
	}
	return e.info, true
}

// IsLive reports whether id is registered and not marked down.
func (r *NodeRegistry) IsLive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.nodes[id]
	return ok && e.live
}

// LiveNodes returns the IDs of live nodes, sorted.
func (r *NodeRegistry) LiveNodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.nodes))
	for id, e := range r.nodes {
		if e.live {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// FetchAttributes implements placement.AttributeFetcher. Nodes that are
// unknown, down or have never reported a status are left out, which makes
// the placement plugin skip them.
func (r *NodeRegistry) FetchAttributes(nodes []string) (*placement.AttributeValues, error) {
	return r.fetch(nodes, nil), nil
}

// WithAssigned returns a fetcher whose core counts also cover the replicas
// cs assigns to a node that the node has not reported yet.
func (r *NodeRegistry) WithAssigned(cs *cluster.ClusterState) placement.AttributeFetcher {
	assigned := make(map[string]int)
	for _, name := range cs.CollectionNames() {
		for _, rep := range cs.Collection(name).Replicas() {
			assigned[rep.Node]++
		}
	}
	return assignedFetcher{r: r, assigned: assigned}
}

type assignedFetcher struct {
	r        *NodeRegistry
	assigned map[string]int
}

func (f assignedFetcher) FetchAttributes(nodes []string) (*placement.AttributeValues, error) {
	return f.r.fetch(nodes, f.assigned), nil
}

func (r *NodeRegistry) fetch(nodes []string, assigned map[string]int) *placement.AttributeValues {
	r.mu.RLock()
	defer r.mu.RUnlock()

	attrs := make(map[string]placement.NodeAttributes, len(nodes))
	for _, id := range nodes {
		e, ok := r.nodes[id]
		if !ok || !e.live || e.status == nil {
			continue
		}
		attrs[id] = placement.NodeAttributes{
			Cores:         max(e.status.Cores, assigned[id]),
			FreeDiskBytes: int64(e.status.FreeDiskBytes),
			Sysprops:      e.status.Sysprops,
		}
	}
	return placement.NewAttributeValues(attrs)
}

func copyStatus(st cluster.NodeStatus) cluster.NodeStatus {
	if st.Sysprops != nil {
		props := make(map[string]string, len(st.Sysprops))
		for k, v := range st.Sysprops {
			props[k] = v
		}
		st.Sysprops = props
	}
	return st
}
