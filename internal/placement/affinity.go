package placement

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/overseer/internal/cluster"
	"github.com/dreamware/overseer/internal/logging"
)

const bytesPerGB = int64(1) << 30

// Config tunes the affinity plugin.
type Config struct {
	// MinimalFreeDiskGB excludes nodes with less free disk than this.
	MinimalFreeDiskGB int64 `yaml:"minimalFreeDiskGB"`
	// DeprioritizedFreeDiskGB makes nodes with less free disk than this
	// eligible only once every better node is used.
	DeprioritizedFreeDiskGB int64 `yaml:"deprioritizedFreeDiskGB"`
	// AvailabilityZoneSysprop is the node sysprop holding its zone.
	AvailabilityZoneSysprop string `yaml:"availabilityZoneSysprop"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		MinimalFreeDiskGB:       20,
		DeprioritizedFreeDiskGB: 100,
		AvailabilityZoneSysprop: cluster.AvailabilityZoneProp,
	}
}

// AffinityPlugin spreads replicas by load, free disk and availability
// zone, never putting two replicas of the same shard on one node.
//
// For every requested shard, and every replica type in turn, each new
// replica goes to the zone holding the fewest replicas of that shard, and
// within the zone to the best ranked node that does not host the shard yet.
// Nodes rank by deprioritization, then fewest cores, then most free disk,
// then name. Each placement bumps the chosen node's core count so one call
// placing many replicas keeps spreading them.
type AffinityPlugin struct {
	conf Config
	log  hclog.Logger
}

// NewAffinityPlugin validates conf and returns a plugin.
func NewAffinityPlugin(conf Config, log hclog.Logger) (*AffinityPlugin, error) {
	if conf.MinimalFreeDiskGB < 0 {
		return nil, errors.Newf("minimalFreeDiskGB must not be negative, got %d", conf.MinimalFreeDiskGB)
	}
	if conf.DeprioritizedFreeDiskGB < conf.MinimalFreeDiskGB {
		return nil, errors.Newf("deprioritizedFreeDiskGB (%d) must be at least minimalFreeDiskGB (%d)",
			conf.DeprioritizedFreeDiskGB, conf.MinimalFreeDiskGB)
	}
	if conf.AvailabilityZoneSysprop == "" {
		conf.AvailabilityZoneSysprop = cluster.AvailabilityZoneProp
	}
	return &AffinityPlugin{conf: conf, log: logging.OrNull(log)}, nil
}

type candidate struct {
	name          string
	zone          string
	cores         int
	freeDisk      int64
	deprioritized bool
	shards        map[string]bool
}

// better reports whether c should receive a replica before o.
func (c *candidate) better(o *candidate) bool {
	if c.deprioritized != o.deprioritized {
		return !c.deprioritized
	}
	if c.cores != o.cores {
		return c.cores < o.cores
	}
	if c.freeDisk != o.freeDisk {
		return c.freeDisk > o.freeDisk
	}
	return c.name < o.name
}

// zoneCounts tracks replicas of one shard per zone.
type zoneCounts struct {
	byType map[cluster.ReplicaType]map[string]int
	total  map[string]int
}

func newZoneCounts() *zoneCounts {
	return &zoneCounts{byType: map[cluster.ReplicaType]map[string]int{}, total: map[string]int{}}
}

func (z *zoneCounts) add(t cluster.ReplicaType, zone string) {
	if z.byType[t] == nil {
		z.byType[t] = map[string]int{}
	}
	z.byType[t][zone]++
	z.total[zone]++
}

// ComputePlacement implements Plugin.
func (p *AffinityPlugin) ComputePlacement(cs *cluster.ClusterState, req Request, fetcher AttributeFetcher, factory PlanFactory) (*Plan, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		factory = DefaultPlanFactory{}
	}

	nodes := append([]string(nil), req.Nodes...)
	slices.Sort(nodes)
	nodes = slices.Compact(nodes)

	attrs, err := fetcher.FetchAttributes(nodes)
	if err != nil {
		return nil, errors.Wrap(err, "fetch node attributes")
	}
	cands := p.candidates(nodes, attrs)

	existing := cs.Collection(req.Collection)
	counts := map[string]*zoneCounts{}
	byName := make(map[string]*candidate, len(cands))
	for _, c := range cands {
		byName[c.name] = c
	}
	if existing != nil {
		for _, sn := range existing.SliceNames() {
			zc := newZoneCounts()
			counts[sn] = zc
			for _, r := range existing.Slices[sn].Replicas {
				c, ok := byName[r.Node]
				if !ok {
					continue
				}
				c.shards[sn] = true
				zc.add(r.Type, c.zone)
			}
		}
	}

	shards := append([]string(nil), req.Shards...)
	slices.Sort(shards)
	shards = slices.Compact(shards)

	var placements []ReplicaPlacement
	for _, shard := range shards {
		if existing != nil && existing.Slice(shard) == nil {
			return nil, &Error{Collection: req.Collection, Shard: shard, Reason: "shard does not exist"}
		}
		free := 0
		for _, c := range cands {
			if !c.shards[shard] {
				free++
			}
		}
		if free < req.PerShard() {
			return nil, &Error{
				Collection: req.Collection,
				Shard:      shard,
				Reason: fmt.Sprintf("%d replicas requested but only %d eligible nodes do not already host the shard",
					req.PerShard(), free),
			}
		}
		zc := counts[shard]
		if zc == nil {
			zc = newZoneCounts()
			counts[shard] = zc
		}
		for _, t := range cluster.ReplicaTypes {
			for i := 0; i < req.Count(t); i++ {
				c := pick(cands, shard, t, zc)
				if c == nil {
					return nil, &Error{Collection: req.Collection, Shard: shard, Type: t, Reason: "no eligible node left"}
				}
				c.cores++
				c.shards[shard] = true
				zc.add(t, c.zone)
				placements = append(placements, ReplicaPlacement{Shard: shard, Node: c.name, Type: t})
			}
		}
	}

	p.log.Debug("computed placement", "collection", req.Collection, "shards", len(shards),
		"replicas", len(placements), "candidates", len(cands))
	return factory.NewPlan(req, placements), nil
}

func (p *AffinityPlugin) candidates(nodes []string, attrs *AttributeValues) []*candidate {
	minFree := p.conf.MinimalFreeDiskGB * bytesPerGB
	deprioritized := p.conf.DeprioritizedFreeDiskGB * bytesPerGB

	out := make([]*candidate, 0, len(nodes))
	for _, n := range nodes {
		cores, ok := attrs.CoreCount(n)
		if !ok {
			p.log.Warn("node has no core count, skipping", "node", n)
			continue
		}
		disk, ok := attrs.FreeDiskBytes(n)
		if !ok {
			p.log.Warn("node has no free disk value, skipping", "node", n)
			continue
		}
		if disk < minFree {
			p.log.Debug("node below minimal free disk, skipping", "node", n,
				"free_gb", disk/bytesPerGB, "min_gb", p.conf.MinimalFreeDiskGB)
			continue
		}
		zone, _ := attrs.Sysprop(n, p.conf.AvailabilityZoneSysprop)
		out = append(out, &candidate{
			name:          n,
			zone:          zone,
			cores:         cores,
			freeDisk:      disk,
			deprioritized: disk < deprioritized,
			shards:        map[string]bool{},
		})
	}
	return out
}

// pick returns the node for the next replica of shard, or nil when every
// candidate already hosts it. Zones with fewer replicas of this type, then
// fewer replicas of the shard overall, go first.
func pick(cands []*candidate, shard string, t cluster.ReplicaType, zc *zoneCounts) *candidate {
	best := map[string]*candidate{}
	var zones []string
	for _, c := range cands {
		if c.shards[shard] {
			continue
		}
		b, ok := best[c.zone]
		if !ok {
			zones = append(zones, c.zone)
		}
		if !ok || c.better(b) {
			best[c.zone] = c
		}
	}
	var (
		chosen     *candidate
		chosenZone string
	)
	for _, z := range zones {
		c := best[z]
		if chosen == nil || zoneBefore(z, c, chosenZone, chosen, t, zc) {
			chosen, chosenZone = c, z
		}
	}
	return chosen
}

func zoneBefore(z string, c *candidate, oz string, o *candidate, t cluster.ReplicaType, zc *zoneCounts) bool {
	if a, b := zc.byType[t][z], zc.byType[t][oz]; a != b {
		return a < b
	}
	if a, b := zc.total[z], zc.total[oz]; a != b {
		return a < b
	}
	return c.better(o)
}
