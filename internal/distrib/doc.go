// Package distrib sends update commands from one core to the other replicas
// of a shard.
//
// A shard leader uses a Distributor with Std nodes to copy adds, deletes and
// commits to its followers. A node that is not the leader uses Forward nodes
// to hand a client update to the shard leader. Failed requests are retried
// after a fixed pause when the node kind allows it. A Forward node looks up
// the current leader before retrying, so an update still lands after a
// leader change.
//
// Basic usage:
//
//	d := distrib.New(distrib.HTTPTransport{}, distrib.WithLogger(log))
//	d.DistribAdd(ctx, distrib.AddCommand{Doc: doc}, followers, params)
//	d.BlockUntilFinished()
//	for _, e := range d.Errors() {
//		log.Warn("replica missed update", "url", e.Req.Node.URL(), "error", e)
//	}
package distrib
