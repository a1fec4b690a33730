package placement

import "golang.org/x/exp/slices"

// NodeAttributes is what is known about one node when planning.
type NodeAttributes struct {
	Cores         int                `json:"cores"`
	FreeDiskBytes int64              `json:"free_disk_bytes"`
	Sysprops      map[string]string  `json:"sysprops,omitempty"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
}

// AttributeValues is an immutable snapshot of node attributes.
type AttributeValues struct {
	nodes map[string]NodeAttributes
}

// NewAttributeValues copies attrs into a snapshot.
func NewAttributeValues(attrs map[string]NodeAttributes) *AttributeValues {
	av := &AttributeValues{nodes: make(map[string]NodeAttributes, len(attrs))}
	for node, a := range attrs {
		cp := NodeAttributes{Cores: a.Cores, FreeDiskBytes: a.FreeDiskBytes}
		if a.Sysprops != nil {
			cp.Sysprops = make(map[string]string, len(a.Sysprops))
			for k, v := range a.Sysprops {
				cp.Sysprops[k] = v
			}
		}
		if a.Metrics != nil {
			cp.Metrics = make(map[string]float64, len(a.Metrics))
			for k, v := range a.Metrics {
				cp.Metrics[k] = v
			}
		}
		av.nodes[node] = cp
	}
	return av
}

// Nodes returns the nodes the snapshot knows about, sorted.
func (av *AttributeValues) Nodes() []string {
	out := make([]string, 0, len(av.nodes))
	for n := range av.nodes {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

func (av *AttributeValues) CoreCount(node string) (int, bool) {
	a, ok := av.nodes[node]
	return a.Cores, ok
}

func (av *AttributeValues) FreeDiskBytes(node string) (int64, bool) {
	a, ok := av.nodes[node]
	return a.FreeDiskBytes, ok
}

func (av *AttributeValues) Sysprop(node, key string) (string, bool) {
	v, ok := av.nodes[node].Sysprops[key]
	return v, ok
}

func (av *AttributeValues) Metric(node, name string) (float64, bool) {
	v, ok := av.nodes[node].Metrics[name]
	return v, ok
}

// StaticFetcher serves a fixed snapshot, restricted to the requested nodes.
type StaticFetcher struct {
	Values map[string]NodeAttributes
}

func (f StaticFetcher) FetchAttributes(nodes []string) (*AttributeValues, error) {
	sub := make(map[string]NodeAttributes, len(nodes))
	for _, n := range nodes {
		if a, ok := f.Values[n]; ok {
			sub[n] = a
		}
	}
	return NewAttributeValues(sub), nil
}
