package distrib

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"

	"github.com/dreamware/overseer/internal/cluster"
)

// LeaderResolver looks up the current leader of a shard.
type LeaderResolver interface {
	LeaderURL(ctx context.Context, collection, shard string) (string, error)
}

// LeaderResolverFunc adapts a function to LeaderResolver.
type LeaderResolverFunc func(ctx context.Context, collection, shard string) (string, error)

func (f LeaderResolverFunc) LeaderURL(ctx context.Context, collection, shard string) (string, error) {
	return f(ctx, collection, shard)
}

// NodeKind selects the retry behaviour of a Node.
type NodeKind int

const (
	// Std nodes are followers reached from a leader.
	Std NodeKind = iota
	// Forward nodes are shard leaders reached by a non-leader; retries go
	// to whichever replica leads the shard at the time.
	Forward
)

func (k NodeKind) String() string {
	if k == Forward {
		return "ForwardNode"
	}
	return "StdNode"
}

// Node is a target core for distributed updates.
type Node struct {
	kind       NodeKind
	collection string
	shard      string
	maxRetries int
	resolver   LeaderResolver

	mu  sync.Mutex
	url string
}

// NewStdNode targets a core URL. With maxRetries zero the node never retries.
func NewStdNode(coreURL, collection, shard string, maxRetries int) *Node {
	return &Node{kind: Std, url: coreURL, collection: collection, shard: shard, maxRetries: maxRetries}
}

// NodeForReplica is NewStdNode for a replica of the given shard.
func NodeForReplica(r *cluster.Replica, collection, shard string, maxRetries int) *Node {
	return NewStdNode(r.CoreURL(), collection, shard, maxRetries)
}

// NewForwardNode targets the leader of a shard. On a retriable failure it
// asks resolver for the current leader before trying again.
func NewForwardNode(leaderURL string, resolver LeaderResolver, collection, shard string, maxRetries int) *Node {
	return &Node{kind: Forward, url: leaderURL, resolver: resolver, collection: collection, shard: shard, maxRetries: maxRetries}
}

func (n *Node) Kind() NodeKind     { return n.kind }
func (n *Node) Collection() string { return n.collection }
func (n *Node) Shard() string      { return n.shard }
func (n *Node) MaxRetries() int    { return n.maxRetries }

// URL is the core URL the next attempt goes to.
func (n *Node) URL() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.url
}

func (n *Node) String() string { return fmt.Sprintf("%s: %s", n.kind, n.URL()) }

// laneKey names the ordering lane for requests to n. A Forward node keeps
// its lane when the leader it points at changes.
func (n *Node) laneKey() string {
	if n.kind == Forward {
		return "leader:" + n.collection + "/" + n.shard
	}
	return n.url
}

// checkRetry decides whether the failure described by e is worth another
// attempt. Forward nodes re-resolve the leader as a side effect.
func (n *Node) checkRetry(ctx context.Context, e *Error, log hclog.Logger) bool {
	switch n.kind {
	case Forward:
		if !retriableStatus(e.StatusCode) && !isConnectError(e.Err) {
			return false
		}
		if n.resolver == nil {
			return true
		}
		leader, err := n.resolver.LeaderURL(ctx, n.collection, n.shard)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			// Retry against the same leader.
			log.Warn("could not resolve shard leader", "collection", n.collection, "shard", n.shard, "error", err)
			return true
		}
		n.mu.Lock()
		n.url = leader
		n.mu.Unlock()
		return true
	default:
		if n.maxRetries <= 0 {
			return false
		}
		return retriableStatus(e.StatusCode) || isRetriableNetError(e.Err)
	}
}

func retriableStatus(code int) bool {
	return code == http.StatusNotFound || code == http.StatusForbidden || code == http.StatusServiceUnavailable
}

func isConnectError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "dial"
}

// isRetriableNetError covers failed connects, resets, timeouts and servers
// that hung up without answering.
func isRetriableNetError(err error) bool {
	if isConnectError(err) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
