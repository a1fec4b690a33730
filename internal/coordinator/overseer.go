package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/overseer/internal/cluster"
	"github.com/dreamware/overseer/internal/logging"
	"github.com/dreamware/overseer/internal/placement"
	"github.com/dreamware/overseer/internal/statewriter"
	"github.com/dreamware/overseer/internal/store"
)

// DefaultFlushInterval is how often Run flushes pending state.
const DefaultFlushInterval = 100 * time.Millisecond

var (
	// ErrCollectionExists is returned when creating a collection that is
	// already in the cluster state.
	ErrCollectionExists = errors.New("collection already exists")
	// ErrNotFound is returned for unknown collections, shards or nodes.
	ErrNotFound = errors.New("not found")
	// ErrBadRequest marks requests that fail validation.
	ErrBadRequest = errors.New("bad request")
)

// CreateRequest describes a new collection.
type CreateRequest struct {
	Name string `json:"name"`
	// Shards names the shards explicitly. When empty, NumShards shards named
	// shard1..shardN are created.
	Shards     []string          `json:"shards,omitempty"`
	NumShards  int               `json:"num_shards,omitempty"`
	NRT        int               `json:"nrt_replicas"`
	TLOG       int               `json:"tlog_replicas,omitempty"`
	PULL       int               `json:"pull_replicas,omitempty"`
	NodeSet    []string          `json:"node_set,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

func (r CreateRequest) shardNames() []string {
	if len(r.Shards) > 0 {
		return r.Shards
	}
	names := make([]string, r.NumShards)
	for i := range names {
		names[i] = "shard" + strconv.Itoa(i+1)
	}
	return names
}

// AddReplicaRequest asks for one more replica of a shard. Node pins the
// replica to a specific node and skips placement.
type AddReplicaRequest struct {
	Collection string              `json:"collection"`
	Shard      string              `json:"shard"`
	Type       cluster.ReplicaType `json:"type"`
	Node       string              `json:"node,omitempty"`
	NodeSet    []string            `json:"node_set,omitempty"`
}

// Overseer is the control plane. It turns collection commands into
// placement plans and cluster state updates, feeds them to the StateWriter,
// and flushes the writer on a timer.
//
// Topology commands (create, add replica, node failover) are serialized so
// each placement is computed against the state the previous command left.
// Incremental updates published by nodes go straight to the writer.
type Overseer struct {
	writer   *statewriter.StateWriter
	plugin   placement.Plugin
	nodes    *NodeRegistry
	log      hclog.Logger
	interval time.Duration

	mu sync.Mutex
}

// Option configures an Overseer.
type Option func(*Overseer)

func WithLogger(l hclog.Logger) Option {
	return func(o *Overseer) { o.log = logging.OrNull(l) }
}

func WithFlushInterval(d time.Duration) Option {
	return func(o *Overseer) { o.interval = d }
}

// NewOverseer wires a writer, a placement plugin and a node registry.
func NewOverseer(w *statewriter.StateWriter, plugin placement.Plugin, nodes *NodeRegistry, opts ...Option) *Overseer {
	o := &Overseer{
		writer:   w,
		plugin:   plugin,
		nodes:    nodes,
		log:      hclog.NewNullLogger(),
		interval: DefaultFlushInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Nodes returns the registry the overseer plans against.
func (o *Overseer) Nodes() *NodeRegistry { return o.nodes }

// ClusterState returns the writer's current view.
func (o *Overseer) ClusterState() *cluster.ClusterState {
	return o.writer.ClusterState()
}

// Publish applies an incremental update. It is written by the next flush.
func (o *Overseer) Publish(msg statewriter.Message) (*cluster.ClusterState, error) {
	return o.writer.EnqueueUpdate(nil, msg, true)
}

// Flush writes pending updates now.
func (o *Overseer) Flush(ctx context.Context) error {
	_, err := o.writer.WritePendingUpdates(ctx)
	o.reportConflicts()
	return err
}

// CreateCollection places every replica of a new collection, writes its
// state and returns it. The first leader-capable replica of each shard is
// made leader; every replica starts down until its node reports it active.
func (o *Overseer) CreateCollection(ctx context.Context, req CreateRequest) (*cluster.DocCollection, error) {
	if req.Name == "" || strings.ContainsAny(req.Name, "/ ") {
		return nil, errors.Mark(errors.Newf("invalid collection name %q", req.Name), ErrBadRequest)
	}
	shards := req.shardNames()
	if len(shards) == 0 {
		return nil, errors.Mark(errors.New("a collection needs at least one shard"), ErrBadRequest)
	}
	if req.NRT+req.TLOG == 0 {
		return nil, errors.Mark(errors.New("a collection needs at least one NRT or TLOG replica per shard"), ErrBadRequest)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	cs := o.writer.ClusterState()
	if cs.Collection(req.Name) != nil {
		return nil, errors.Wrapf(ErrCollectionExists, "%s", req.Name)
	}

	plan, err := o.plugin.ComputePlacement(cs, placement.Request{
		Collection: req.Name,
		Shards:     shards,
		Nodes:      o.candidates(req.NodeSet),
		NRT:        req.NRT,
		TLOG:       req.TLOG,
		PULL:       req.PULL,
	}, o.nodes.WithAssigned(cs), nil)
	if err != nil {
		return nil, errors.Mark(err, ErrBadRequest)
	}

	coll := cluster.NewDocCollection(req.Name, shards, req.Properties)
	seq := 0
	for _, sn := range coll.SliceNames() {
		for _, rp := range plan.ForShard(sn) {
			seq++
			r := o.newReplica(coll.Name, sn, rp, seq)
			s := coll.Slices[sn]
			if s.Leader() == nil && rp.Type.CanLead() {
				r.Leader = true
			}
			s.Replicas[r.Name] = r
		}
	}

	if _, err := o.writer.EnqueueUpdate(cluster.NewClusterState(coll), nil, false); err != nil {
		return nil, err
	}
	if _, err := o.writer.WritePendingUpdates(ctx); err != nil {
		return nil, errors.Wrapf(err, "write collection %s", req.Name)
	}
	o.log.Info("created collection", "collection", req.Name, "shards", len(shards),
		"replicas", len(plan.Placements))
	return o.writer.ClusterState().Collection(req.Name), nil
}

// AddReplica adds one replica to an existing shard.
func (o *Overseer) AddReplica(ctx context.Context, req AddReplicaRequest) (*cluster.Replica, error) {
	if req.Type == "" {
		req.Type = cluster.NRT
	}
	if _, err := cluster.ParseReplicaType(string(req.Type)); err != nil {
		return nil, errors.Mark(err, ErrBadRequest)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	cs := o.writer.ClusterState()
	existing := cs.Collection(req.Collection)
	if existing == nil {
		return nil, errors.Wrapf(ErrNotFound, "collection %s", req.Collection)
	}
	if existing.Slice(req.Shard) == nil {
		return nil, errors.Wrapf(ErrNotFound, "shard %s/%s", req.Collection, req.Shard)
	}

	var rp placement.ReplicaPlacement
	if req.Node != "" {
		if !o.nodes.IsLive(req.Node) {
			return nil, errors.Wrapf(ErrNotFound, "live node %s", req.Node)
		}
		for _, r := range existing.Slices[req.Shard].Replicas {
			if r.Node == req.Node {
				return nil, errors.Mark(errors.Newf("node %s already hosts %s/%s", req.Node, req.Collection, req.Shard), ErrBadRequest)
			}
		}
		rp = placement.ReplicaPlacement{Shard: req.Shard, Node: req.Node, Type: req.Type}
	} else {
		preq := placement.Request{Collection: req.Collection, Shards: []string{req.Shard}, Nodes: o.candidates(req.NodeSet)}
		switch req.Type {
		case cluster.NRT:
			preq.NRT = 1
		case cluster.TLOG:
			preq.TLOG = 1
		case cluster.PULL:
			preq.PULL = 1
		}
		plan, err := o.plugin.ComputePlacement(cs, preq, o.nodes.WithAssigned(cs), nil)
		if err != nil {
			return nil, errors.Mark(err, ErrBadRequest)
		}
		rp = plan.Placements[0]
	}

	coll := existing.Clone()
	r := o.newReplica(coll.Name, req.Shard, rp, nextReplicaSeq(coll))
	s := coll.Slices[req.Shard]
	if s.Leader() == nil && r.Type.CanLead() {
		r.Leader = true
	}
	s.Replicas[r.Name] = r

	if _, err := o.writer.EnqueueUpdate(cluster.NewClusterState(coll), nil, false); err != nil {
		return nil, err
	}
	if _, err := o.writer.WritePendingUpdates(ctx); err != nil {
		return nil, errors.Wrapf(err, "write collection %s", req.Collection)
	}
	o.log.Info("added replica", "collection", req.Collection, "shard", req.Shard,
		"replica", r.Name, "node", r.Node, "type", r.Type)
	_, out := o.writer.ClusterState().Collection(req.Collection).Replica(r.Name)
	return out, nil
}

// DeleteCollection removes a collection. Nodes hosting it do not need to be
// reachable.
func (o *Overseer) DeleteCollection(ctx context.Context, name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.writer.ClusterState().Collection(name) == nil {
		return errors.Wrapf(ErrNotFound, "collection %s", name)
	}
	if err := o.writer.DeleteCollection(ctx, name); err != nil {
		return err
	}
	o.log.Info("deleted collection", "collection", name)
	return nil
}

// HandleNodeDown marks every replica on nodeID down and moves leadership of
// the shards it led to an active replica on a live node. The changes are
// written by the next flush.
func (o *Overseer) HandleNodeDown(nodeID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.nodes.MarkDown(nodeID)
	cs := o.writer.ClusterState()

	type lostLeader struct{ collection, shard string }
	var lost []lostLeader
	for _, name := range cs.CollectionNames() {
		coll := cs.Collection(name)
		if !coll.HasReplicaOn(nodeID) {
			continue
		}
		for _, sn := range coll.SliceNames() {
			if l := coll.Slices[sn].Leader(); l != nil && l.Node == nodeID {
				lost = append(lost, lostLeader{name, sn})
			}
		}
		if _, err := o.writer.EnqueueUpdate(nil, statewriter.DownNodeMessage{Collection: name, Node: nodeID}, true); err != nil {
			o.log.Error("failed to mark replicas down", "collection", name, "node", nodeID, "error", err)
		}
	}

	cs = o.writer.ClusterState()
	for _, l := range lost {
		next := o.electLeader(cs.Collection(l.collection).Slice(l.shard))
		if next == nil {
			o.log.Warn("no replica can take over leadership", "collection", l.collection, "shard", l.shard)
			continue
		}
		msg := statewriter.LeaderMessage{Collection: l.collection, Shard: l.shard, Core: next.Core}
		if _, err := o.writer.EnqueueUpdate(nil, msg, true); err != nil {
			o.log.Error("failed to move leader", "collection", l.collection, "shard", l.shard, "error", err)
			continue
		}
		o.log.Info("moved shard leader", "collection", l.collection, "shard", l.shard,
			"replica", next.Name, "node", next.Node)
	}
}

// electLeader picks the first active, leader-capable replica on a live
// node in name order.
func (o *Overseer) electLeader(s *cluster.Slice) *cluster.Replica {
	if s == nil {
		return nil
	}
	for _, rn := range s.ReplicaNames() {
		r := s.Replicas[rn]
		if r.Type.CanLead() && r.State == cluster.ReplicaActive && o.nodes.IsLive(r.Node) {
			return r
		}
	}
	return nil
}

// Run flushes pending updates every interval until ctx is done. Flush
// errors are logged and the loop keeps going; a writer that failed once
// recovers on a later flush.
func (o *Overseer) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !o.writer.Dirty() {
				continue
			}
			if err := o.Flush(ctx); err != nil && ctx.Err() == nil {
				switch {
				case errors.Is(err, store.ErrClosed):
					o.log.Info("state store closed, flush skipped")
				case errors.Is(err, statewriter.ErrServer):
					o.log.Warn("state flush failed, will retry", "error", err)
				default:
					o.log.Error("state flush failed", "error", err)
				}
			}
		}
	}
}

func (o *Overseer) reportConflicts() {
	for _, name := range o.writer.Conflicts() {
		o.log.Warn("state update dropped after a version conflict", "collection", name)
	}
}

// candidates returns the live nodes, restricted to nodeSet when given.
func (o *Overseer) candidates(nodeSet []string) []string {
	live := o.nodes.LiveNodes()
	if len(nodeSet) == 0 {
		return live
	}
	out := make([]string, 0, len(nodeSet))
	for _, n := range nodeSet {
		if slices.Contains(live, n) {
			out = append(out, n)
		}
	}
	return out
}

func (o *Overseer) newReplica(collection, shard string, rp placement.ReplicaPlacement, seq int) *cluster.Replica {
	info, _ := o.nodes.Node(rp.Node)
	return &cluster.Replica{
		Name:    fmt.Sprintf("core_node%d", seq),
		Node:    rp.Node,
		Core:    CoreName(collection, shard, rp.Type, seq),
		BaseURL: info.Addr,
		Type:    rp.Type,
		State:   cluster.ReplicaDown,
	}
}

// CoreName builds the core name of a replica: <collection>_<shard>_replica_<t><seq>,
// where t is the lower-cased first letter of the replica type.
func CoreName(collection, shard string, t cluster.ReplicaType, seq int) string {
	return fmt.Sprintf("%s_%s_replica_%s%d", collection, shard, strings.ToLower(string(t)[:1]), seq)
}

// nextReplicaSeq returns one more than the highest core_node<N> in coll.
func nextReplicaSeq(coll *cluster.DocCollection) int {
	highest := 0
	for _, r := range coll.Replicas() {
		n, err := strconv.Atoi(strings.TrimPrefix(r.Name, "core_node"))
		if err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1
}
