package statewriter

import (
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"

	"github.com/dreamware/overseer/internal/cluster"
)

// Operation names a kind of incremental state update.
type Operation string

const (
	OpState            Operation = "state"
	OpLeader           Operation = "leader"
	OpUpdateShardState Operation = "updateshardstate"
	OpDownNode         Operation = "downnode"
)

// leaderPseudoState is accepted in STATE pairs to promote a replica.
const leaderPseudoState = "leader"

// Message is an incremental update. The set of implementations is closed:
// StateMessage, LeaderMessage, ShardStateMessage and DownNodeMessage.
type Message interface {
	Operation() Operation
	validate() error
	apply(m *mutation)
}

// CoreState is one entry of a STATE message.
type CoreState struct {
	Core       string
	Collection string
	State      cluster.ReplicaState
	// Leader promotes the replica instead of setting State.
	Leader bool
}

// StateMessage sets the state of individual replicas.
type StateMessage struct {
	Updates []CoreState
}

// LeaderMessage makes Core the leader of Shard, clearing the flag on its
// siblings and forcing it active.
type LeaderMessage struct {
	Collection string
	Shard      string
	Core       string
}

// ShardStateMessage sets shard-level states within one collection.
type ShardStateMessage struct {
	Collection string
	States     map[string]cluster.SliceState
}

// DownNodeMessage marks replicas of a collection down. With Node empty every
// replica of the collection goes down, otherwise only those on Node.
type DownNodeMessage struct {
	Collection string
	Node       string
}

func (StateMessage) Operation() Operation      { return OpState }
func (LeaderMessage) Operation() Operation     { return OpLeader }
func (ShardStateMessage) Operation() Operation { return OpUpdateShardState }
func (DownNodeMessage) Operation() Operation   { return OpDownNode }

func (m StateMessage) validate() error {
	if len(m.Updates) == 0 {
		return errors.Mark(errors.New("state message has no updates"), ErrInvalidArgument)
	}
	for _, u := range m.Updates {
		if u.Core == "" || u.Collection == "" {
			return errors.Mark(errors.Newf("state update %+v needs core and collection", u), ErrInvalidArgument)
		}
		if !u.Leader && u.State == "" {
			return errors.Mark(errors.Newf("state update for %s has no state", u.Core), ErrInvalidArgument)
		}
	}
	return nil
}

func (m LeaderMessage) validate() error {
	if m.Collection == "" || m.Shard == "" || m.Core == "" {
		return errors.Mark(errors.New("leader message needs collection, shard and core"), ErrInvalidArgument)
	}
	return nil
}

func (m ShardStateMessage) validate() error {
	if m.Collection == "" || len(m.States) == 0 {
		return errors.Mark(errors.New("updateshardstate needs a collection and shard states"), ErrInvalidArgument)
	}
	return nil
}

func (m DownNodeMessage) validate() error {
	if m.Collection == "" {
		return errors.Mark(errors.New("downnode needs a collection"), ErrInvalidArgument)
	}
	return nil
}

func (m StateMessage) apply(mu *mutation) {
	for _, u := range m.Updates {
		coll := mu.read(u.Collection)
		if coll == nil {
			continue
		}
		s, r := coll.Replica(u.Core)
		switch {
		case r == nil:
		case u.Leader:
			mu.promote(u.Collection, s.Name, r.Name)
		case r.State != u.State:
			_, wr := mu.write(u.Collection).Replica(r.Name)
			wr.State = u.State
			mu.touch(u.Collection)
		}
	}
}

func (m LeaderMessage) apply(mu *mutation) {
	coll := mu.read(m.Collection)
	s := coll.Slice(m.Shard)
	if s == nil {
		return
	}
	rs, r := coll.Replica(m.Core)
	if r == nil || rs.Name != s.Name {
		return
	}
	mu.promote(m.Collection, s.Name, r.Name)
}

func (m ShardStateMessage) apply(mu *mutation) {
	coll := mu.read(m.Collection)
	if coll == nil {
		return
	}
	shards := make([]string, 0, len(m.States))
	for name := range m.States {
		shards = append(shards, name)
	}
	slices.Sort(shards)
	for _, name := range shards {
		s := coll.Slice(name)
		if s == nil || s.State == m.States[name] {
			continue
		}
		mu.write(m.Collection).Slices[name].State = m.States[name]
		mu.touch(m.Collection)
	}
}

func (m DownNodeMessage) apply(mu *mutation) {
	coll := mu.read(m.Collection)
	if coll == nil {
		return
	}
	for _, r := range coll.Replicas() {
		if r.State == cluster.ReplicaDown || (m.Node != "" && r.Node != m.Node) {
			continue
		}
		_, wr := mu.write(m.Collection).Replica(r.Name)
		wr.State = cluster.ReplicaDown
		mu.touch(m.Collection)
	}
}

// ParseMessage builds a Message from the flat string form used on the wire:
// an "operation" key plus operation-specific keys.
//
//	state:            <core>=<collection>,<state|leader> for each core
//	leader:           collection, shard, core
//	updateshardstate: collection, then <shard>=<state> for each shard
//	downnode:         collection and optionally node
//
// Unknown operations and malformed values are rejected here, before the
// writer takes its lock.
func ParseMessage(props map[string]string) (Message, error) {
	op := Operation(strings.ToLower(props["operation"]))
	var msg Message
	switch op {
	case OpState:
		var m StateMessage
		for _, core := range sortedKeys(props) {
			if core == "operation" {
				continue
			}
			coll, state, ok := strings.Cut(props[core], ",")
			if !ok {
				return nil, errors.Mark(errors.Newf("state for %s must be collection,state: %q", core, props[core]), ErrInvalidArgument)
			}
			u := CoreState{Core: core, Collection: coll}
			if strings.EqualFold(state, leaderPseudoState) {
				u.Leader = true
			} else {
				rs, err := cluster.ParseReplicaState(state)
				if err != nil {
					return nil, errors.Mark(err, ErrInvalidArgument)
				}
				u.State = rs
			}
			m.Updates = append(m.Updates, u)
		}
		msg = m
	case OpLeader:
		msg = LeaderMessage{Collection: props["collection"], Shard: props["shard"], Core: props["core"]}
	case OpUpdateShardState:
		m := ShardStateMessage{Collection: props["collection"], States: map[string]cluster.SliceState{}}
		for _, shard := range sortedKeys(props) {
			if shard == "operation" || shard == "collection" {
				continue
			}
			ss, err := cluster.ParseSliceState(props[shard])
			if err != nil {
				return nil, errors.Mark(err, ErrInvalidArgument)
			}
			m.States[shard] = ss
		}
		msg = m
	case OpDownNode:
		msg = DownNodeMessage{Collection: props["collection"], Node: props["node"]}
	default:
		return nil, errors.Mark(errors.Newf("unknown operation: %q", props["operation"]), ErrUnknownOperation)
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
