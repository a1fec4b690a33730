// Package store provides the versioned path store the overseer persists
// cluster state to.
//
// Every backend follows the same rules: a path is created at version 0,
// each successful SetData bumps it by one, and writes that name a stale
// version fail with ErrVersionConflict. Three backends are available:
//
//   - MemoryStore for tests and single-process runs
//   - EtcdStore for an external etcd cluster
//   - RaftStore for a self-hosted store replicated with hashicorp/raft
package store
