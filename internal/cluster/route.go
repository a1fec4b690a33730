package cluster

import "hash/fnv"

// ShardForID picks the shard that owns a document id. Shards are taken in
// sorted order and the id is hashed with FNV-1a, so every node that sees the
// same collection routes an id the same way.
func ShardForID(c *DocCollection, id string) (string, bool) {
	names := c.SliceNames()
	if len(names) == 0 {
		return "", false
	}
	h := fnv.New32a()
	h.Write([]byte(id))
	return names[h.Sum32()%uint32(len(names))], true
}
