package main

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/dreamware/overseer/internal/cluster"
	"github.com/dreamware/overseer/internal/core"
	"github.com/dreamware/overseer/internal/distrib"
	"github.com/dreamware/overseer/internal/storage"
)

func (n *Node) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, n.Status())
	})
	mux.HandleFunc("GET /info", n.handleInfo)
	mux.HandleFunc("POST /cores/{core}/update", n.handleCoreUpdate)
	mux.HandleFunc("GET /cores/{core}/docs/{id}", n.handleGetDoc)
	mux.HandleFunc("GET /cores/{core}/stats", n.handleCoreStats)
	mux.HandleFunc("POST /collections/{name}/update", n.handleCollectionUpdate)
	return mux
}

func (n *Node) handleInfo(w http.ResponseWriter, r *http.Request) {
	cores := n.Cores()
	infos := make([]core.CoreInfo, 0, len(cores))
	for _, c := range cores {
		infos = append(infos, c.Info())
	}
	writeJSON(w, http.StatusOK, struct {
		NodeID string          `json:"node_id"`
		Cores  []core.CoreInfo `json:"cores"`
		Count  int             `json:"core_count"`
	}{NodeID: n.ID, Cores: infos, Count: len(infos)})
}

// handleCoreUpdate applies an update to one core. Requests that did not
// come from a leader must land on the shard leader, which then copies the
// update to its followers and reports the replication factor it achieved.
func (n *Node) handleCoreUpdate(w http.ResponseWriter, r *http.Request) {
	var req distrib.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	c := n.lookupCore(ctx, r.PathValue("core"))
	if c == nil {
		http.Error(w, "no such core", http.StatusNotFound)
		return
	}
	fromLeader := req.Param(distrib.ParamDistribUpdate) == distrib.FromLeader
	if !fromLeader && !n.isLeader(ctx, c) {
		http.Error(w, "core "+c.Name+" is not the leader of "+c.Shard, http.StatusServiceUnavailable)
		return
	}
	if err := c.Apply(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var resp distrib.UpdateResponse
	if !fromLeader {
		if rf, ok := n.distribToFollowers(ctx, c, &req); ok {
			resp.ResponseHeader.RF = &rf
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (n *Node) handleGetDoc(w http.ResponseWriter, r *http.Request) {
	c := n.GetCore(r.PathValue("core"))
	if c == nil {
		http.Error(w, "no such core", http.StatusNotFound)
		return
	}
	doc, version, err := c.Get(r.PathValue("id"))
	if errors.Is(err, storage.ErrKeyNotFound) {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Doc     distrib.Document `json:"doc"`
		Version int64            `json:"version"`
	}{Doc: doc, Version: version})
}

func (n *Node) handleCoreStats(w http.ResponseWriter, r *http.Request) {
	c := n.GetCore(r.PathValue("core"))
	if c == nil {
		http.Error(w, "no such core", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c.GetStats())
}

// handleCollectionUpdate is the client entry point. Adds and deletes by id
// go to the leader of the shard that owns the id; delete queries and the
// commit go to every shard leader.
func (n *Node) handleCollectionUpdate(w http.ResponseWriter, r *http.Request) {
	var req distrib.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	name := r.PathValue("name")
	coll := n.collection(ctx, name)
	if coll == nil {
		http.Error(w, "no such collection", http.StatusNotFound)
		return
	}

	route := func(id string) string {
		shard, _ := cluster.ShardForID(coll, id)
		return shard
	}
	for _, a := range req.Adds {
		if a.Doc.ID() == "" {
			http.Error(w, "document without id", http.StatusBadRequest)
			return
		}
	}

	// Only the shards the request touches need a leader.
	touched := make(map[string]bool)
	for _, a := range req.Adds {
		touched[route(a.Doc.ID())] = true
	}
	for _, del := range req.Deletes {
		touched[route(del.ID)] = true
	}
	broadcast := len(req.DeleteQueries) > 0 || req.Commit != nil
	leaders := make(map[string]*distrib.Node)
	var all []*distrib.Node
	for _, shard := range coll.SliceNames() {
		if !broadcast && !touched[shard] {
			continue
		}
		url, err := n.cachedLeaderURL(r, name, shard)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		leaders[shard] = distrib.NewForwardNode(url, n, name, shard, n.conf.MaxRetries)
		all = append(all, leaders[shard])
	}

	params := map[string]string{
		distrib.ParamDistribUpdate: distrib.ToLeader,
		distrib.ParamDistribFrom:   n.Addr,
	}
	d := n.newDistributor()
	rollup := distrib.NewRollupTracker()
	for _, a := range req.Adds {
		cmd := distrib.AddCommand{Doc: a.Doc, Version: a.Version, Overwrite: a.Overwrite}
		d.DistribAdd(ctx, cmd, []*distrib.Node{leaders[route(a.Doc.ID())]}, params, distrib.WithRollupTracker(rollup))
	}
	for _, del := range req.Deletes {
		cmd := distrib.DeleteCommand{ID: del.ID, Version: del.Version}
		d.DistribDelete(ctx, cmd, []*distrib.Node{leaders[route(del.ID)]}, params, distrib.WithRollupTracker(rollup))
	}
	for _, q := range req.DeleteQueries {
		d.DistribDelete(ctx, distrib.DeleteCommand{Query: q}, all, params)
	}
	if req.Commit != nil {
		d.DistribCommit(ctx, *req.Commit, all, params)
	}
	d.Finish()

	if errs := d.Errors(); len(errs) > 0 {
		resp := distrib.UpdateResponse{ResponseHeader: distrib.ResponseHeader{Status: http.StatusBadGateway}}
		for _, e := range errs {
			resp.Errors = append(resp.Errors, e.Error())
		}
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	var resp distrib.UpdateResponse
	if rf, ok := rollup.AchievedRF(); ok {
		resp.ResponseHeader.RF = &rf
	}
	writeJSON(w, http.StatusOK, resp)
}

// cachedLeaderURL prefers the cached view and asks the overseer only when
// it has no leader for the shard.
func (n *Node) cachedLeaderURL(r *http.Request, collection, shard string) (string, error) {
	if l := n.ClusterState().LeaderFor(collection, shard); l != nil {
		return l.CoreURL(), nil
	}
	return n.LeaderURL(r.Context(), collection, shard)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
