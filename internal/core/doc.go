// Package core implements the replica cores hosted by a node.
//
// A Core is the node-side half of a replica in the cluster state: it owns the
// documents of one collection shard and applies the update requests that the
// distributor sends to <core url>/update. Counters for every kind of write
// are kept with sync/atomic so stats can be read while updates run.
package core
