// Package coordinator implements the overseer: the control plane that owns
// the cluster state of every collection.
//
// # Overview
//
// Nodes register with the overseer and are health checked from then on.
// Collection commands (create, add replica, delete) are planned with a
// placement.Plugin against the attributes nodes report, turned into
// cluster state and handed to a statewriter.StateWriter, which persists
// each collection's state.json in the versioned store. Nodes publish
// incremental updates (replica state, leadership) that are batched by the
// writer and flushed by Run.
//
//	┌──────────────────────────────────────────┐
//	│                OVERSEER                  │
//	├──────────────────────────────────────────┤
//	│  NodeRegistry   ← register, /health      │
//	│       │ attributes                       │
//	│       ▼                                  │
//	│  placement.Plugin → Plan                 │
//	│       │ replicas                         │
//	│       ▼                                  │
//	│  StateWriter → VersionedStore            │
//	│       ▲                                  │
//	│  Publish(Message) ← nodes                │
//	└──────────────────────────────────────────┘
//
// # Core Components
//
// NodeRegistry: membership and last reported status per node. It doubles
// as the placement.AttributeFetcher, so plans always use the freshest core
// counts, free disk and availability zones.
//
// HealthMonitor: polls GET /health on every registered node. Good checks
// refresh the registry; three failures in a row mark the node unhealthy.
//
// Overseer: serializes topology commands, names replicas and cores,
// elects initial leaders, and on node failure marks the node's replicas
// down and moves shard leadership to an active replica on a live node.
//
// # Replica Naming
//
// Replicas are named core_node<N>, with N unique within the collection.
// Cores are named <collection>_<shard>_replica_<t><N>, t being the first
// letter of the replica type (n, t or p).
//
// # Failure Handling
//
// A version conflict while flushing drops that collection's pending change
// and is logged; the next command recomputes from the writer's view. A
// flush that fails with statewriter.ErrServer is retried by the following
// tick of Run.
//
// # Example
//
//	nodes := coordinator.NewNodeRegistry()
//	o := coordinator.NewOverseer(writer, plugin, nodes, coordinator.WithLogger(log))
//	go o.Run(ctx)
//	coll, err := o.CreateCollection(ctx, coordinator.CreateRequest{
//		Name: "books", NumShards: 2, NRT: 2,
//	})
package coordinator
