// Package cluster holds the topology model shared by the overseer and the
// data nodes, together with the small HTTP/JSON helpers they use to talk to
// each other.
//
// # Topology
//
// A ClusterState maps collection names to DocCollections. A collection is
// split into Slices (shards), and each slice holds Replicas that live on
// nodes:
//
//	ClusterState
//	└── DocCollection "books" (version 7)
//	    ├── Slice "shard1" (active)
//	    │   ├── core_node1  node-a  NRT   active  leader
//	    │   └── core_node2  node-b  TLOG  active
//	    └── Slice "shard2" (active)
//	        ├── core_node3  node-b  NRT   active  leader
//	        └── core_node4  node-c  PULL  down
//
// The leader of a slice is not a separate field. It is whichever member of
// the replica map carries the leader flag, and Slice.Leader looks it up.
//
// # Snapshots
//
// ClusterState values are immutable once published. WithCollection and
// WithoutCollection return new snapshots sharing every untouched collection
// with the old one. Code that wants to change a collection calls Clone,
// edits the copy and publishes it with WithCollection. Readers may keep a
// snapshot for as long as they like; later writes never reach it.
//
// # Wire format
//
// Each collection is stored at CollectionPath(name), i.e.
// /collections/<name>/state.json, as a single-key JSON object:
//
//	{"books": {"shards": {"shard1": {"state": "active", "replicas": {...}}}}}
//
// The store version is not part of the body. DecodeCollection takes it from
// the store read and records it in DocCollection.Version.
//
// # Communication
//
// Processes exchange JSON over HTTP through PostJSON and GetJSON. Replies
// with a status of 300 or more come back as *StatusError so callers can
// decide on retries by status code.
package cluster
