package cluster

import (
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"
)

// ReplicaType describes what a replica does with the updates it receives.
type ReplicaType string

const (
	// NRT replicas index every update and may become leader.
	NRT ReplicaType = "NRT"
	// TLOG replicas keep a transaction log and may become leader.
	TLOG ReplicaType = "TLOG"
	// PULL replicas only copy the index from the leader and never lead.
	PULL ReplicaType = "PULL"
)

// ReplicaTypes lists every replica type in placement order.
var ReplicaTypes = []ReplicaType{NRT, TLOG, PULL}

// CanLead reports whether a replica of this type can be elected leader.
func (t ReplicaType) CanLead() bool {
	return t == NRT || t == TLOG
}

// ParseReplicaType converts a case-insensitive name into a ReplicaType.
func ParseReplicaType(s string) (ReplicaType, error) {
	switch ReplicaType(strings.ToUpper(s)) {
	case NRT:
		return NRT, nil
	case TLOG:
		return TLOG, nil
	case PULL:
		return PULL, nil
	}
	return "", errors.Newf("unknown replica type %q", s)
}

// ReplicaState is the liveness of a single replica.
type ReplicaState string

const (
	ReplicaActive         ReplicaState = "active"
	ReplicaDown           ReplicaState = "down"
	ReplicaRecovering     ReplicaState = "recovering"
	ReplicaRecoveryFailed ReplicaState = "recovery_failed"
)

// ParseReplicaState converts a case-insensitive name into a ReplicaState.
func ParseReplicaState(s string) (ReplicaState, error) {
	switch ReplicaState(strings.ToLower(s)) {
	case ReplicaActive:
		return ReplicaActive, nil
	case ReplicaDown:
		return ReplicaDown, nil
	case ReplicaRecovering:
		return ReplicaRecovering, nil
	case ReplicaRecoveryFailed:
		return ReplicaRecoveryFailed, nil
	}
	return "", errors.Newf("unknown replica state %q", s)
}

// SliceState is the lifecycle state of a whole shard.
type SliceState string

const (
	SliceActive         SliceState = "active"
	SliceInactive       SliceState = "inactive"
	SliceConstruction   SliceState = "construction"
	SliceRecovery       SliceState = "recovery"
	SliceRecoveryFailed SliceState = "recovery_failed"
)

// ParseSliceState converts a case-insensitive name into a SliceState.
func ParseSliceState(s string) (SliceState, error) {
	switch SliceState(strings.ToLower(s)) {
	case SliceActive:
		return SliceActive, nil
	case SliceInactive:
		return SliceInactive, nil
	case SliceConstruction:
		return SliceConstruction, nil
	case SliceRecovery:
		return SliceRecovery, nil
	case SliceRecoveryFailed:
		return SliceRecoveryFailed, nil
	}
	return "", errors.Newf("unknown shard state %q", s)
}

// Replica is one physical copy of a shard hosted by a node.
type Replica struct {
	Name    string       `json:"-"`
	Node    string       `json:"node_name"`
	Core    string       `json:"core"`
	BaseURL string       `json:"base_url,omitempty"`
	Type    ReplicaType  `json:"type"`
	State   ReplicaState `json:"state"`
	Leader  bool         `json:"leader,omitempty"`
}

// CoreURL is the address update requests for this replica are posted to.
func (r *Replica) CoreURL() string {
	return strings.TrimRight(r.BaseURL, "/") + "/cores/" + r.Core
}

// Slice is a shard of a collection. The leader is not stored separately:
// it is whichever member of Replicas carries the leader flag.
type Slice struct {
	Name     string              `json:"-"`
	State    SliceState          `json:"state"`
	Replicas map[string]*Replica `json:"replicas"`
}

// Leader returns the replica flagged as leader, or nil.
func (s *Slice) Leader() *Replica {
	for _, name := range s.ReplicaNames() {
		if r := s.Replicas[name]; r.Leader {
			return r
		}
	}
	return nil
}

// ReplicaNames returns the replica names in sorted order.
func (s *Slice) ReplicaNames() []string {
	names := make([]string, 0, len(s.Replicas))
	for name := range s.Replicas {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DocCollection is a named, sharded dataset together with the store
// version its state.json was last read or written at.
type DocCollection struct {
	Name       string            `json:"-"`
	Slices     map[string]*Slice `json:"shards"`
	Properties map[string]string `json:"properties,omitempty"`
	Version    int               `json:"-"`
}

// NewDocCollection builds an empty collection with the given active shards.
func NewDocCollection(name string, shards []string, props map[string]string) *DocCollection {
	c := &DocCollection{
		Name:       name,
		Slices:     make(map[string]*Slice, len(shards)),
		Properties: make(map[string]string, len(props)),
	}
	for _, s := range shards {
		c.Slices[s] = &Slice{Name: s, State: SliceActive, Replicas: map[string]*Replica{}}
	}
	for k, v := range props {
		c.Properties[k] = v
	}
	return c
}

// Slice looks up a shard by name.
func (c *DocCollection) Slice(name string) *Slice {
	if c == nil {
		return nil
	}
	return c.Slices[name]
}

// SliceNames returns the shard names in sorted order.
func (c *DocCollection) SliceNames() []string {
	names := make([]string, 0, len(c.Slices))
	for name := range c.Slices {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Replica finds a replica by replica name or core name and returns it with
// the shard that holds it.
func (c *DocCollection) Replica(nameOrCore string) (*Slice, *Replica) {
	for _, sn := range c.SliceNames() {
		s := c.Slices[sn]
		if r, ok := s.Replicas[nameOrCore]; ok {
			return s, r
		}
		for _, rn := range s.ReplicaNames() {
			if r := s.Replicas[rn]; r.Core == nameOrCore {
				return s, r
			}
		}
	}
	return nil, nil
}

// Replicas returns every replica of the collection ordered by shard then name.
func (c *DocCollection) Replicas() []*Replica {
	var out []*Replica
	for _, sn := range c.SliceNames() {
		s := c.Slices[sn]
		for _, rn := range s.ReplicaNames() {
			out = append(out, s.Replicas[rn])
		}
	}
	return out
}

// HasReplicaOn reports whether any replica of the collection lives on node.
func (c *DocCollection) HasReplicaOn(node string) bool {
	for _, s := range c.Slices {
		for _, r := range s.Replicas {
			if r.Node == node {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy that can be modified without affecting c.
func (c *DocCollection) Clone() *DocCollection {
	out := &DocCollection{
		Name:       c.Name,
		Version:    c.Version,
		Slices:     make(map[string]*Slice, len(c.Slices)),
		Properties: make(map[string]string, len(c.Properties)),
	}
	for k, v := range c.Properties {
		out.Properties[k] = v
	}
	for name, s := range c.Slices {
		ns := &Slice{Name: s.Name, State: s.State, Replicas: make(map[string]*Replica, len(s.Replicas))}
		for rn, r := range s.Replicas {
			cp := *r
			ns.Replicas[rn] = &cp
		}
		out.Slices[name] = ns
	}
	return out
}

// ClusterState is an immutable snapshot of every collection. Methods that
// change the topology return a new snapshot and leave the receiver intact;
// callers must treat the collections it hands out as read-only.
type ClusterState struct {
	collections map[string]*DocCollection
}

// NewClusterState builds a snapshot from the given collections.
func NewClusterState(colls ...*DocCollection) *ClusterState {
	cs := &ClusterState{collections: make(map[string]*DocCollection, len(colls))}
	for _, c := range colls {
		cs.collections[c.Name] = c
	}
	return cs
}

// Collection returns the named collection or nil.
func (cs *ClusterState) Collection(name string) *DocCollection {
	if cs == nil {
		return nil
	}
	return cs.collections[name]
}

// CollectionNames returns all collection names in sorted order.
func (cs *ClusterState) CollectionNames() []string {
	if cs == nil {
		return nil
	}
	names := make([]string, 0, len(cs.collections))
	for name := range cs.collections {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Len is the number of collections in the snapshot.
func (cs *ClusterState) Len() int {
	if cs == nil {
		return 0
	}
	return len(cs.collections)
}

// WithCollection returns a snapshot in which c replaces any collection of
// the same name.
func (cs *ClusterState) WithCollection(c *DocCollection) *ClusterState {
	out := cs.copyMap(len(cs.collectionsOrNil()) + 1)
	out.collections[c.Name] = c
	return out
}

// WithoutCollection returns a snapshot without the named collection.
func (cs *ClusterState) WithoutCollection(name string) *ClusterState {
	out := cs.copyMap(len(cs.collectionsOrNil()))
	delete(out.collections, name)
	return out
}

// LeaderFor returns the leader replica of a shard, or nil when the
// collection, shard or leader is unknown.
func (cs *ClusterState) LeaderFor(collection, shard string) *Replica {
	s := cs.Collection(collection).Slice(shard)
	if s == nil {
		return nil
	}
	return s.Leader()
}

func (cs *ClusterState) collectionsOrNil() map[string]*DocCollection {
	if cs == nil {
		return nil
	}
	return cs.collections
}

func (cs *ClusterState) copyMap(size int) *ClusterState {
	out := &ClusterState{collections: make(map[string]*DocCollection, size)}
	for k, v := range cs.collectionsOrNil() {
		out.collections[k] = v
	}
	return out
}
