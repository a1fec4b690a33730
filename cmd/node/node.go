package main

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/overseer/internal/cluster"
	"github.com/dreamware/overseer/internal/config"
	"github.com/dreamware/overseer/internal/core"
	"github.com/dreamware/overseer/internal/distrib"
	"github.com/dreamware/overseer/internal/logging"
)

// Node hosts the cores the cluster state assigns to it.
//
// Its view of the cluster state is refreshed by polling the overseer, and
// on demand when a request names a core or a leader the cached view does
// not know about yet.
type Node struct {
	ID       string
	Addr     string
	overseer string

	conf      config.Node
	log       hclog.Logger
	transport distrib.Transport

	mu    sync.RWMutex
	cores map[string]*core.Core
	state *cluster.ClusterState
	// seenActive holds the cores the cluster state has shown active.
	seenActive map[string]bool
}

// coreReport is a replica state the node announces for one of its cores.
type coreReport struct {
	core       string
	collection string
	state      cluster.ReplicaState
}

// NewNode creates a node with no cores.
func NewNode(conf config.Node, log hclog.Logger) *Node {
	return &Node{
		ID:         conf.ID,
		Addr:       strings.TrimRight(conf.PublicAddr, "/"),
		overseer:   strings.TrimRight(conf.OverseerAddr, "/"),
		conf:       conf,
		log:        logging.OrNull(log),
		transport:  distrib.HTTPTransport{},
		cores:      make(map[string]*core.Core),
		state:      cluster.NewClusterState(),
		seenActive: make(map[string]bool),
	}
}

// GetCore returns a hosted core or nil.
func (n *Node) GetCore(name string) *core.Core {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.cores[name]
}

// Cores returns the hosted cores ordered by name.
func (n *Node) Cores() []*core.Core {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*core.Core, 0, len(n.cores))
	for _, c := range n.cores {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *core.Core) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// ClusterState returns the cached view.
func (n *Node) ClusterState() *cluster.ClusterState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Status is what GET /health reports and what placement plans against.
func (n *Node) Status() cluster.NodeStatus {
	st := cluster.NodeStatus{
		NodeID:        n.ID,
		Cores:         len(n.Cores()),
		FreeDiskBytes: freeDiskBytes(n.conf.DataDir),
	}
	if n.conf.Zone != "" {
		st.Sysprops = map[string]string{cluster.AvailabilityZoneProp: n.conf.Zone}
	}
	return st
}

// ApplyState installs a new cluster state view. Cores are created for
// replicas assigned to this node and dropped when their replica is gone.
//
// It returns the states to report. A core created here is reported active
// until the state shows it so. A core that was active and has since been
// marked down missed updates while it was down; it is reported recovering
// and never reported active again.
// TODO: copy the leader's documents into a recovering core and then report it active.
func (n *Node) ApplyState(cs *cluster.ClusterState) []coreReport {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.state = cs
	wanted := make(map[string]bool)
	var reports []coreReport
	for _, name := range cs.CollectionNames() {
		coll := cs.Collection(name)
		for _, sn := range coll.SliceNames() {
			s := coll.Slices[sn]
			for _, rn := range s.ReplicaNames() {
				r := s.Replicas[rn]
				if r.Node != n.ID {
					continue
				}
				wanted[r.Core] = true
				c, ok := n.cores[r.Core]
				if !ok {
					c = core.New(r.Core, name, sn, r.Type)
					n.cores[r.Core] = c
					n.log.Info("created core", "core", r.Core, "collection", name, "shard", sn, "type", r.Type)
				}
				c.SetLeader(r.Leader)

				switch {
				case r.State == cluster.ReplicaActive:
					n.seenActive[r.Core] = true
				case r.State == cluster.ReplicaRecovering:
					// already reported
				case n.seenActive[r.Core]:
					reports = append(reports, coreReport{core: r.Core, collection: name, state: cluster.ReplicaRecovering})
				default:
					reports = append(reports, coreReport{core: r.Core, collection: name, state: cluster.ReplicaActive})
				}
			}
		}
	}
	for name := range n.cores {
		if !wanted[name] {
			delete(n.cores, name)
			delete(n.seenActive, name)
			n.log.Info("dropped core", "core", name)
		}
	}
	return reports
}

// Refresh fetches the cluster state from the overseer, applies it and
// publishes the core states ApplyState asks for.
func (n *Node) Refresh(ctx context.Context) (*cluster.ClusterState, error) {
	var cs cluster.ClusterState
	if err := cluster.GetJSON(ctx, n.overseer+"/clusterstate", &cs); err != nil {
		return nil, errors.Wrap(err, "fetch cluster state")
	}
	if reports := n.ApplyState(&cs); len(reports) > 0 {
		if err := n.publishStates(ctx, reports); err != nil {
			n.log.Warn("could not report core states", "error", err)
		}
	}
	return &cs, nil
}

// publishStates sends one STATE message for the given cores.
func (n *Node) publishStates(ctx context.Context, reports []coreReport) error {
	if len(reports) == 0 {
		return nil
	}
	props := map[string]string{"operation": "state"}
	for _, r := range reports {
		props[r.core] = r.collection + "," + string(r.state)
	}
	return cluster.PostJSON(ctx, n.overseer+"/state", props, nil)
}

// LeaderURL implements distrib.LeaderResolver from a fresh cluster state.
func (n *Node) LeaderURL(ctx context.Context, collection, shard string) (string, error) {
	cs, err := n.Refresh(ctx)
	if err != nil {
		return "", err
	}
	l := cs.LeaderFor(collection, shard)
	if l == nil {
		return "", errors.Newf("no leader for %s/%s", collection, shard)
	}
	return l.CoreURL(), nil
}

// lookupCore finds a core, refreshing the view once if it is unknown.
func (n *Node) lookupCore(ctx context.Context, name string) *core.Core {
	if c := n.GetCore(name); c != nil {
		return c
	}
	if _, err := n.Refresh(ctx); err != nil {
		n.log.Debug("refresh for unknown core failed", "core", name, "error", err)
	}
	return n.GetCore(name)
}

// isLeader reports whether c leads its shard, refreshing the view once
// when the cached one says no.
func (n *Node) isLeader(ctx context.Context, c *core.Core) bool {
	if c.IsLeader() {
		return true
	}
	if _, err := n.Refresh(ctx); err != nil {
		return false
	}
	return c.IsLeader()
}

// collection returns a collection from the cached view, refreshing once
// if it is missing.
func (n *Node) collection(ctx context.Context, name string) *cluster.DocCollection {
	if c := n.ClusterState().Collection(name); c != nil {
		return c
	}
	if _, err := n.Refresh(ctx); err != nil {
		return nil
	}
	return n.ClusterState().Collection(name)
}

func (n *Node) newDistributor() *distrib.Distributor {
	return distrib.New(n.transport,
		distrib.WithRetryPause(n.conf.RetryPause),
		distrib.WithLogger(n.log.Named("distrib")))
}

// followers returns Std nodes for the replicas of c's shard other than c
// that are not down.
func (n *Node) followers(c *core.Core) []*distrib.Node {
	s := n.ClusterState().Collection(c.Collection).Slice(c.Shard)
	if s == nil {
		return nil
	}
	var out []*distrib.Node
	for _, rn := range s.ReplicaNames() {
		r := s.Replicas[rn]
		if r.Core == c.Name || r.State == cluster.ReplicaDown {
			continue
		}
		out = append(out, distrib.NodeForReplica(r, c.Collection, c.Shard, n.conf.MaxRetries))
	}
	return out
}

// distribToFollowers copies an update the leader core c has applied to its
// followers and returns the lowest replication factor achieved by any of
// its commands. Followers that could not be updated are reported down.
func (n *Node) distribToFollowers(ctx context.Context, c *core.Core, req *distrib.UpdateRequest) (int, bool) {
	followers := n.followers(c)
	params := map[string]string{
		distrib.ParamDistribUpdate: distrib.FromLeader,
		distrib.ParamDistribFrom:   n.Addr + "/cores/" + c.Name,
	}
	d := n.newDistributor()
	var trackers []*distrib.LeaderTracker
	track := func() distrib.SubmitOption {
		t := distrib.NewLeaderTracker(c.Shard)
		trackers = append(trackers, t)
		return distrib.WithLeaderTracker(t)
	}

	for _, a := range req.Adds {
		cmd := distrib.AddCommand{
			Doc:          a.Doc,
			Version:      a.Version,
			Overwrite:    a.Overwrite,
			CommitWithin: time.Duration(a.CommitWithinMs) * time.Millisecond,
		}
		d.DistribAdd(ctx, cmd, followers, params, track())
	}
	for _, del := range req.Deletes {
		d.DistribDelete(ctx, distrib.DeleteCommand{ID: del.ID, Version: del.Version}, followers, params, track())
	}
	for _, q := range req.DeleteQueries {
		d.DistribDelete(ctx, distrib.DeleteCommand{Query: q}, followers, params)
	}
	if req.Commit != nil {
		d.DistribCommit(ctx, *req.Commit, followers, params)
	}
	d.Finish()

	n.markFailedFollowers(ctx, c, d.Errors())

	if len(trackers) == 0 {
		return 0, false
	}
	rollup := distrib.NewRollupTracker()
	for _, t := range trackers {
		rollup.TestAndSetAchievedRF(t.AchievedRF())
	}
	return rollup.AchievedRF()
}

func (n *Node) markFailedFollowers(ctx context.Context, c *core.Core, errs []*distrib.Error) {
	if len(errs) == 0 {
		return
	}
	failed := make(map[string]bool)
	for _, e := range errs {
		failed[e.Req.Node.URL()] = true
	}
	var down []coreReport
	if s := n.ClusterState().Collection(c.Collection).Slice(c.Shard); s != nil {
		for _, rn := range s.ReplicaNames() {
			if r := s.Replicas[rn]; failed[r.CoreURL()] {
				down = append(down, coreReport{core: r.Core, collection: c.Collection, state: cluster.ReplicaDown})
			}
		}
	}
	n.log.Warn("followers missed updates, reporting them down", "core", c.Name, "followers", len(down))
	if err := n.publishStates(ctx, down); err != nil {
		n.log.Error("could not report followers down", "error", err)
	}
}
