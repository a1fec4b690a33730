package placement

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/dreamware/overseer/internal/cluster"
)

// ErrPlacement marks every *Error so callers can test with errors.Is.
var ErrPlacement = errors.New("placement failed")

// Error reports a request that cannot be satisfied. It names the shard and
// replica type that could not be placed and the constraint that blocked it.
type Error struct {
	Collection string
	Shard      string
	Type       cluster.ReplicaType
	Reason     string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("cannot place")
	if e.Type != "" {
		fmt.Fprintf(&b, " %s replica", e.Type)
	}
	if e.Shard != "" {
		fmt.Fprintf(&b, " for shard %s", e.Shard)
	}
	if e.Collection != "" {
		fmt.Fprintf(&b, " of collection %s", e.Collection)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// Is lets errors.Is(err, ErrPlacement) match.
func (e *Error) Is(target error) bool { return target == ErrPlacement }

// Request asks for new replicas of some shards of a collection. When the
// collection already exists in the cluster state its replicas are taken
// into account; otherwise it is treated as new.
type Request struct {
	Collection string
	Shards     []string
	// Nodes is the candidate set. Only these nodes receive replicas.
	Nodes []string
	NRT   int
	TLOG  int
	PULL  int
}

// Count returns how many replicas of type t each shard needs.
func (r Request) Count(t cluster.ReplicaType) int {
	switch t {
	case cluster.NRT:
		return r.NRT
	case cluster.TLOG:
		return r.TLOG
	case cluster.PULL:
		return r.PULL
	}
	return 0
}

// PerShard is the total number of replicas requested for each shard.
func (r Request) PerShard() int { return r.NRT + r.TLOG + r.PULL }

func (r Request) validate() error {
	if r.Collection == "" {
		return &Error{Reason: "request names no collection"}
	}
	if len(r.Shards) == 0 {
		return &Error{Collection: r.Collection, Reason: "request names no shards"}
	}
	if r.NRT < 0 || r.TLOG < 0 || r.PULL < 0 {
		return &Error{Collection: r.Collection, Reason: "negative replica count"}
	}
	return nil
}

// ReplicaPlacement assigns one new replica of a shard to a node.
type ReplicaPlacement struct {
	Shard string              `json:"shard"`
	Node  string              `json:"node"`
	Type  cluster.ReplicaType `json:"type"`
}

// Plan is the outcome of a placement computation.
type Plan struct {
	Request    Request
	Placements []ReplicaPlacement
}

// ForShard returns the placements of one shard in plan order.
func (p *Plan) ForShard(shard string) []ReplicaPlacement {
	var out []ReplicaPlacement
	for _, rp := range p.Placements {
		if rp.Shard == shard {
			out = append(out, rp)
		}
	}
	return out
}

// PlanFactory builds plans. Plugins never construct a Plan directly.
type PlanFactory interface {
	NewPlan(req Request, placements []ReplicaPlacement) *Plan
}

// DefaultPlanFactory returns plans as given.
type DefaultPlanFactory struct{}

func (DefaultPlanFactory) NewPlan(req Request, placements []ReplicaPlacement) *Plan {
	return &Plan{Request: req, Placements: placements}
}

// AttributeFetcher supplies the node attributes a plugin plans against.
// Plugins call it at most once per computation.
type AttributeFetcher interface {
	FetchAttributes(nodes []string) (*AttributeValues, error)
}

// Plugin computes where new replicas go. Implementations must not modify
// the cluster state or the fetched attributes, and return either a
// complete plan or an error.
type Plugin interface {
	ComputePlacement(cs *cluster.ClusterState, req Request, fetcher AttributeFetcher, factory PlanFactory) (*Plan, error)
}
