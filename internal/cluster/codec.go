package cluster

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
)

const collectionsRoot = "/collections"

// CollectionsRoot is the path prefix under which every state.json lives.
func CollectionsRoot() string { return collectionsRoot + "/" }

// CollectionPath is the store path holding a collection's state.
func CollectionPath(name string) string {
	return collectionsRoot + "/" + name + "/state.json"
}

// CollectionFromPath extracts the collection name from a state.json path.
func CollectionFromPath(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, collectionsRoot+"/")
	if !ok {
		return "", false
	}
	name, ok := strings.CutSuffix(rest, "/state.json")
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// EncodeCollection renders the state.json body: {"<name>": {...}}.
func EncodeCollection(c *DocCollection) ([]byte, error) {
	if c == nil || c.Name == "" {
		return nil, errors.New("cannot encode unnamed collection")
	}
	return json.Marshal(map[string]*DocCollection{c.Name: c})
}

// DecodeCollection parses a state.json body read at the given version.
func DecodeCollection(data []byte, version int) (*DocCollection, error) {
	var wire map[string]*DocCollection
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, errors.Wrap(err, "decode state.json")
	}
	if len(wire) != 1 {
		return nil, errors.Newf("state.json holds %d collections, want 1", len(wire))
	}
	var (
		name string
		c    *DocCollection
	)
	for name, c = range wire {
	}
	if c == nil {
		return nil, errors.Newf("collection %s is null", name)
	}
	c.Name = name
	c.Version = version
	fillNames(c)
	return c, nil
}

func fillNames(c *DocCollection) {
	if c.Slices == nil {
		c.Slices = map[string]*Slice{}
	}
	for sn, s := range c.Slices {
		s.Name = sn
		if s.Replicas == nil {
			s.Replicas = map[string]*Replica{}
		}
		for rn, r := range s.Replicas {
			r.Name = rn
		}
	}
}

// MarshalJSON renders the snapshot as a map of collection name to body.
func (cs *ClusterState) MarshalJSON() ([]byte, error) {
	m := cs.collectionsOrNil()
	if m == nil {
		m = map[string]*DocCollection{}
	}
	return json.Marshal(m)
}

// UnmarshalJSON restores a snapshot produced by MarshalJSON.
func (cs *ClusterState) UnmarshalJSON(data []byte) error {
	var m map[string]*DocCollection
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	cs.collections = make(map[string]*DocCollection, len(m))
	for name, c := range m {
		if c == nil {
			continue
		}
		c.Name = name
		fillNames(c)
		cs.collections[name] = c
	}
	return nil
}
