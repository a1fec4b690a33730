package distrib

import (
	"math"
	"sync"
)

// RollupTracker keeps the lowest replication factor reported by the shard
// leaders an aggregating node forwarded to.
type RollupTracker struct {
	mu       sync.Mutex
	achieved int
}

func NewRollupTracker() *RollupTracker {
	return &RollupTracker{achieved: math.MaxInt}
}

// TestAndSetAchievedRF lowers the tracked factor to rf if rf is smaller.
func (t *RollupTracker) TestAndSetAchievedRF(rf int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rf < t.achieved {
		t.achieved = rf
	}
}

// AchievedRF returns the lowest factor seen, or false if no leader
// reported one.
func (t *RollupTracker) AchievedRF() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.achieved, t.achieved != math.MaxInt
}

// LeaderTracker counts the replicas of one shard that acknowledged an
// update. The leader itself counts, so it starts at one.
type LeaderTracker struct {
	mu       sync.Mutex
	shard    string
	achieved int
}

func NewLeaderTracker(shard string) *LeaderTracker {
	return &LeaderTracker{shard: shard, achieved: 1}
}

// TrackRequestResult records the outcome of a request to a follower.
func (t *LeaderTracker) TrackRequestResult(n *Node, success bool) {
	if !success {
		return
	}
	if n.Shard() != "" && t.shard != "" && n.Shard() != t.shard {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.achieved++
}

func (t *LeaderTracker) AchievedRF() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.achieved
}
