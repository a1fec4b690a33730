// Package placement decides which nodes receive new replicas.
//
// A Plugin turns a Request (collection, shards, candidate nodes and
// per-type replica counts) into a Plan using a one-shot snapshot of node
// attributes supplied by an AttributeFetcher. Planning is pure: it performs
// no I/O beyond that fetch and either returns a complete plan or an *Error
// naming the shard and constraint that could not be met.
//
// AffinityPlugin is the stock implementation.
package placement
