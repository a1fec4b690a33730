package coordinator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"

	"github.com/dreamware/overseer/internal/cluster"
	"github.com/dreamware/overseer/internal/logging"
)

// Health states reported in NodeHealth.Status.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// CheckFunc checks one node and returns the status it reports.
type CheckFunc func(ctx context.Context, addr string) (cluster.NodeStatus, error)

// NodeHealth tracks the health status of a single node in the cluster.
// It maintains the current status, last successful check time, and failure count.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type NodeHealth struct {
	LastCheck        time.Time          // Timestamp of the last health check attempt
	LastHealthy      time.Time          // Timestamp of the last successful health check
	NodeID           string             // Unique identifier of the node
	Status           string             // Current status: "healthy", "unhealthy", "unknown"
	ConsecutiveFails int                // Number of consecutive failed health checks
	Reported         cluster.NodeStatus // What the node said in its last good check
}

// HealthMonitor performs periodic health checks on all registered nodes in the cluster.
// Each good check hands the node's reported attributes to the status callback;
// a node that fails maxFailures checks in a row triggers the unhealthy callback
// once, which is where replicas get marked down and leaders move.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth                    // Current health status per node
	checkFunc   CheckFunc                                 // Function to perform health check
	onUnhealthy func(nodeID string)                       // Callback when node becomes unhealthy
	onStatus    func(nodeID string, st cluster.NodeStatus) // Callback after every good check
	log         hclog.Logger
	ctx         context.Context    // Context for cancellation
	cancel      context.CancelFunc // Cancel function for shutdown
	interval    time.Duration      // How often to check node health
	timeout     time.Duration      // Per-check timeout
	mu          sync.RWMutex       // Protects nodes map
	wg          sync.WaitGroup     // Wait group for graceful shutdown
	maxFailures int                // Failures before marking unhealthy
}

// NewHealthMonitor creates a new health monitor with the specified check interval.
// The monitor will check each node's /health endpoint every interval.
// Nodes are marked unhealthy after 3 consecutive failures.
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, log)
//	monitor.SetOnStatus(registry.ReportStatus)
//	go monitor.Start(ctx, registry.Nodes)
func NewHealthMonitor(interval time.Duration, log hclog.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	return &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		nodes:       make(map[string]*NodeHealth),
		log:         logging.OrNull(log),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetOnUnhealthy sets the callback function to be invoked when a node becomes unhealthy.
// The callback runs on its own goroutine.
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID string)) {
	h.onUnhealthy = callback
}

// SetOnStatus sets the callback that receives the status of every node that
// passes a check.
func (h *HealthMonitor) SetOnStatus(callback func(nodeID string, st cluster.NodeStatus)) {
	h.onStatus = callback
}

// SetCheckFunction replaces the HTTP check, mostly for tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc CheckFunc) {
	h.checkFunc = checkFunc
}

// Start begins the health monitoring process in the current goroutine.
// It periodically checks all nodes provided by the nodeProvider function.
// This method blocks until the context is canceled or Stop is called.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	if h.checkFunc == nil {
		h.checkFunc = defaultHealthCheck
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.Info("health monitor started", "interval", h.interval)

	h.checkAllNodes(ctx, nodeProvider())

	for {
		select {
		case <-ticker.C:
			h.checkAllNodes(ctx, nodeProvider())
		case <-ctx.Done():
			h.log.Info("health monitor stopping", "reason", "context cancelled")
			return
		case <-h.ctx.Done():
			h.log.Info("health monitor stopping", "reason", "stopped")
			return
		}
	}
}

// Stop gracefully shuts down the health monitor.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// checkAllNodes performs health checks on all provided nodes and forgets
// nodes that are no longer registered.
func (h *HealthMonitor) checkAllNodes(ctx context.Context, nodes []cluster.NodeInfo) {
	currentNodes := make(map[string]bool)

	for _, node := range nodes {
		currentNodes[node.ID] = true
		h.checkNode(ctx, node)
	}

	h.mu.Lock()
	for nodeID := range h.nodes {
		if !currentNodes[nodeID] {
			delete(h.nodes, nodeID)
			h.log.Debug("removed node from health monitoring", "node", nodeID)
		}
	}
	h.mu.Unlock()
}

// checkNode performs a health check on a single node and updates its status.
func (h *HealthMonitor) checkNode(ctx context.Context, node cluster.NodeInfo) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		health = &NodeHealth{
			NodeID:      node.ID,
			Status:      StatusUnknown,
			LastCheck:   time.Now(),
			LastHealthy: time.Now(),
		}
		h.nodes[node.ID] = health
	}
	h.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	st, err := h.checkFunc(cctx, node.Addr)
	cancel()

	h.mu.Lock()
	health.LastCheck = time.Now()

	if err != nil {
		health.ConsecutiveFails++
		h.log.Warn("health check failed", "node", node.ID,
			"attempt", health.ConsecutiveFails, "max", h.maxFailures, "error", err)

		var notify bool
		if health.ConsecutiveFails >= h.maxFailures {
			notify = health.Status != StatusUnhealthy
			health.Status = StatusUnhealthy
		}
		h.mu.Unlock()
		if notify && h.onUnhealthy != nil {
			h.log.Warn("node marked unhealthy", "node", node.ID, "failures", h.maxFailures)
			go h.onUnhealthy(node.ID)
		}
		return
	}

	if health.Status == StatusUnhealthy {
		h.log.Info("node recovered", "node", node.ID)
	}
	health.Status = StatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = time.Now()
	health.Reported = st
	h.mu.Unlock()

	if h.onStatus != nil {
		h.onStatus(node.ID, st)
	}
}

// defaultHealthCheck GETs <addr>/health and decodes the node status.
func defaultHealthCheck(ctx context.Context, addr string) (cluster.NodeStatus, error) {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	var st cluster.NodeStatus
	if err := cluster.GetJSON(ctx, url, &st); err != nil {
		return st, errors.Wrap(err, "health check request failed")
	}
	return st, nil
}

// GetNodeHealth returns a copy of the health status for a specific node,
// or nil if the node is not being monitored.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	if !exists {
		return nil
	}
	cp := *health
	return &cp
}

// GetAllNodeHealth returns a copy of the health status for all monitored nodes.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		cp := *health
		result[id] = &cp
	}
	return result
}

// IsHealthy checks if a specific node is currently healthy.
// Returns false if the node is not monitored or is unhealthy.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	if !exists {
		return false
	}
	return health.Status == StatusHealthy
}
