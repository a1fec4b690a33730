// Package statewriter keeps the overseer's authoritative view of the cluster
// and persists it, one state.json per collection, to a versioned store.
//
// Updates are either full states merged over the current view or typed
// incremental messages (STATE, LEADER, UPDATESHARDSTATE, DOWNNODE). Both are
// applied copy-on-write under a single lock, so snapshots returned by
// ClusterState are never modified afterwards. WritePendingUpdates writes only
// the collections that changed, using compare-and-set on the version the
// writer last saw for each collection.
package statewriter
