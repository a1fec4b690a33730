package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/overseer/internal/cluster"
	"github.com/dreamware/overseer/internal/config"
	"github.com/dreamware/overseer/internal/distrib"
)

// fakeOverseer serves a fixed cluster state and records what nodes send.
type fakeOverseer struct {
	mu         sync.Mutex
	state      *cluster.ClusterState
	published  []map[string]string
	registered []cluster.RegisterRequest
	srv        *httptest.Server
}

func newFakeOverseer(t *testing.T) *fakeOverseer {
	t.Helper()
	f := &fakeOverseer{state: cluster.NewClusterState()}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /clusterstate", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, http.StatusOK, f.state)
	})
	mux.HandleFunc("POST /state", func(w http.ResponseWriter, r *http.Request) {
		var props map[string]string
		if err := json.NewDecoder(r.Body).Decode(&props); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.published = append(f.published, props)
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("POST /register", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.registered = append(f.registered, req)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeOverseer) setState(cs *cluster.ClusterState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = cs
}

func (f *fakeOverseer) registrations() []cluster.RegisterRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cluster.RegisterRequest(nil), f.registered...)
}

func (f *fakeOverseer) messages() []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]string(nil), f.published...)
}

// startNode runs a node behind an httptest server whose address is the
// node's public address.
func startNode(t *testing.T, id, overseer string) (*Node, *httptest.Server) {
	t.Helper()
	srv := httptest.NewUnstartedServer(nil)
	n := NewNode(config.Node{
		ID:           id,
		PublicAddr:   "http://" + srv.Listener.Addr().String(),
		OverseerAddr: overseer,
		Zone:         "az1",
		DataDir:      t.TempDir(),
		MaxRetries:   1,
		RetryPause:   10 * time.Millisecond,
	}, nil)
	srv.Config.Handler = n.routes()
	srv.Start()
	t.Cleanup(srv.Close)
	return n, srv
}

type replicaSpec struct {
	node   *Node
	typ    cluster.ReplicaType
	state  cluster.ReplicaState
	leader bool
}

// oneShard builds collection "books" with a single shard so every id
// routes to shard1.
func oneShard(specs ...replicaSpec) *cluster.ClusterState {
	coll := cluster.NewDocCollection("books", []string{"shard1"}, nil)
	for i, s := range specs {
		name := "core_node" + string(rune('1'+i))
		coll.Slices["shard1"].Replicas[name] = &cluster.Replica{
			Name:    name,
			Node:    s.node.ID,
			Core:    "books_shard1_" + s.node.ID,
			BaseURL: s.node.Addr,
			Type:    s.typ,
			State:   s.state,
			Leader:  s.leader,
		}
	}
	return cluster.NewClusterState(coll)
}

func TestApplyState(t *testing.T) {
	n1 := NewNode(config.Node{ID: "n1", PublicAddr: "http://n1"}, nil)
	n2 := NewNode(config.Node{ID: "n2", PublicAddr: "http://n2"}, nil)

	cs := oneShard(
		replicaSpec{node: n1, typ: cluster.NRT, state: cluster.ReplicaActive, leader: true},
		replicaSpec{node: n2, typ: cluster.PULL, state: cluster.ReplicaDown},
	)
	assert.Empty(t, n1.ApplyState(cs))
	reports := n2.ApplyState(cs)
	require.Len(t, reports, 1)
	assert.Equal(t, coreReport{core: "books_shard1_n2", collection: "books", state: cluster.ReplicaActive}, reports[0])

	c := n1.GetCore("books_shard1_n1")
	require.NotNil(t, c)
	assert.True(t, c.IsLeader())
	assert.Equal(t, "shard1", c.Shard)
	assert.Nil(t, n1.GetCore("books_shard1_n2"))

	f := n2.GetCore("books_shard1_n2")
	require.NotNil(t, f)
	assert.False(t, f.IsLeader())
	assert.Equal(t, cluster.PULL, f.Type)

	t.Run("leader flag follows the state", func(t *testing.T) {
		moved := oneShard(
			replicaSpec{node: n1, typ: cluster.NRT, state: cluster.ReplicaActive},
			replicaSpec{node: n2, typ: cluster.PULL, state: cluster.ReplicaActive},
		)
		n1.ApplyState(moved)
		assert.False(t, c.IsLeader())
		assert.Same(t, c, n1.GetCore("books_shard1_n1"))
	})

	t.Run("cores without a replica are dropped", func(t *testing.T) {
		n1.ApplyState(cluster.NewClusterState())
		assert.Empty(t, n1.Cores())
	})
}

func TestStatus(t *testing.T) {
	n := NewNode(config.Node{ID: "n1", PublicAddr: "http://n1", Zone: "az2", DataDir: t.TempDir()}, nil)
	n.ApplyState(oneShard(replicaSpec{node: n, typ: cluster.NRT, state: cluster.ReplicaActive, leader: true}))

	st := n.Status()
	assert.Equal(t, "n1", st.NodeID)
	assert.Equal(t, 1, st.Cores)
	assert.Equal(t, "az2", st.Sysprops[cluster.AvailabilityZoneProp])

	n.conf.Zone = ""
	assert.Nil(t, n.Status().Sysprops)
}

func TestRefreshReportsNewCoresActive(t *testing.T) {
	ov := newFakeOverseer(t)
	n, _ := startNode(t, "n1", ov.srv.URL)
	ov.setState(oneShard(replicaSpec{node: n, typ: cluster.NRT, state: cluster.ReplicaDown, leader: true}))

	cs, err := n.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"books"}, cs.CollectionNames())
	require.NotNil(t, n.GetCore("books_shard1_n1"))

	msgs := ov.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, map[string]string{"operation": "state", "books_shard1_n1": "books,active"}, msgs[0])
}

func TestRefreshReportsDownedCoreRecovering(t *testing.T) {
	ov := newFakeOverseer(t)
	n, _ := startNode(t, "n1", ov.srv.URL)
	ctx := context.Background()
	spec := replicaSpec{node: n, typ: cluster.NRT, state: cluster.ReplicaActive}

	ov.setState(oneShard(spec))
	_, err := n.Refresh(ctx)
	require.NoError(t, err)
	assert.Empty(t, ov.messages())

	// A leader reported the core down after it missed updates.
	spec.state = cluster.ReplicaDown
	ov.setState(oneShard(spec))
	_, err = n.Refresh(ctx)
	require.NoError(t, err)
	msgs := ov.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, map[string]string{"operation": "state", "books_shard1_n1": "books,recovering"}, msgs[0])

	spec.state = cluster.ReplicaRecovering
	ov.setState(oneShard(spec))
	_, err = n.Refresh(ctx)
	require.NoError(t, err)
	assert.Len(t, ov.messages(), 1)
}

func TestRegister(t *testing.T) {
	ov := newFakeOverseer(t)
	n, srv := startNode(t, "n1", ov.srv.URL)

	require.NoError(t, register(context.Background(), n, n.log))
	regs := ov.registrations()
	require.Len(t, regs, 1)
	got := regs[0]
	assert.Equal(t, cluster.NodeInfo{ID: "n1", Addr: srv.URL}, got.Node)
	require.NotNil(t, got.Status)
	assert.Equal(t, "az1", got.Status.Sysprops[cluster.AvailabilityZoneProp])
}

type cluster3 struct {
	ov      *fakeOverseer
	nodes   []*Node
	servers []*httptest.Server
}

// newCluster3 starts n1 (NRT leader), n2 (NRT) and n3 (PULL), all active.
func newCluster3(t *testing.T) *cluster3 {
	t.Helper()
	c := &cluster3{ov: newFakeOverseer(t)}
	for _, id := range []string{"n1", "n2", "n3"} {
		n, srv := startNode(t, id, c.ov.srv.URL)
		c.nodes = append(c.nodes, n)
		c.servers = append(c.servers, srv)
	}
	cs := oneShard(
		replicaSpec{node: c.nodes[0], typ: cluster.NRT, state: cluster.ReplicaActive, leader: true},
		replicaSpec{node: c.nodes[1], typ: cluster.NRT, state: cluster.ReplicaActive},
		replicaSpec{node: c.nodes[2], typ: cluster.PULL, state: cluster.ReplicaActive},
	)
	c.ov.setState(cs)
	for _, n := range c.nodes {
		n.ApplyState(cs)
	}
	return c
}

func postUpdate(t *testing.T, url string, req distrib.UpdateRequest) (int, distrib.UpdateResponse) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out distrib.UpdateResponse
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func TestClientUpdateReachesEveryReplica(t *testing.T) {
	c := newCluster3(t)

	// Enter through a follower so the update is forwarded to the leader.
	code, resp := postUpdate(t, c.servers[1].URL+"/collections/books/update", distrib.UpdateRequest{
		Adds: []distrib.AddDoc{
			{Doc: distrib.Document{"id": "dune", "title": "Dune"}},
			{Doc: distrib.Document{"id": "emma", "title": "Emma"}},
		},
		Commit: &distrib.CommitOptions{},
	})
	require.Equal(t, http.StatusOK, code, resp.Errors)
	rf, ok := resp.AchievedRF()
	require.True(t, ok)
	assert.Equal(t, 3, rf)

	leaderDoc, leaderVersion, err := c.nodes[0].GetCore("books_shard1_n1").Get("dune")
	require.NoError(t, err)
	assert.Equal(t, "Dune", leaderDoc["title"])
	for _, n := range c.nodes[1:] {
		core := n.GetCore("books_shard1_" + n.ID)
		require.NotNil(t, core)
		doc, v, err := core.Get("dune")
		require.NoError(t, err, n.ID)
		assert.Equal(t, "Dune", doc["title"])
		assert.Equal(t, leaderVersion, v, "follower %s must carry the leader's version", n.ID)
		assert.Equal(t, []string{"dune", "emma"}, core.Store.List())
	}
	assert.Empty(t, c.ov.messages())

	t.Run("delete by id and query", func(t *testing.T) {
		code, resp := postUpdate(t, c.servers[2].URL+"/collections/books/update", distrib.UpdateRequest{
			Deletes:       []distrib.DeleteByID{{ID: "dune"}},
			DeleteQueries: []string{"e*"},
			Commit:        &distrib.CommitOptions{},
		})
		require.Equal(t, http.StatusOK, code, resp.Errors)
		for _, n := range c.nodes {
			assert.Empty(t, n.GetCore("books_shard1_"+n.ID).Store.List(), n.ID)
		}
	})
}

func TestFailedFollowerIsReportedDown(t *testing.T) {
	c := newCluster3(t)
	c.servers[2].Close()

	code, resp := postUpdate(t, c.servers[0].URL+"/cores/books_shard1_n1/update", distrib.UpdateRequest{
		Adds: []distrib.AddDoc{{Doc: distrib.Document{"id": "dune"}}},
	})
	require.Equal(t, http.StatusOK, code)
	rf, ok := resp.AchievedRF()
	require.True(t, ok)
	assert.Equal(t, 2, rf)

	msgs := c.ov.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, map[string]string{"operation": "state", "books_shard1_n3": "books,down"}, msgs[0])
}

func TestClientUpdateNeedsOnlyTouchedLeaders(t *testing.T) {
	ov := newFakeOverseer(t)
	n1, srv := startNode(t, "n1", ov.srv.URL)
	n2, _ := startNode(t, "n2", ov.srv.URL)

	coll := cluster.NewDocCollection("books", []string{"shard1", "shard2"}, nil)
	coll.Slices["shard1"].Replicas["core_node1"] = &cluster.Replica{
		Name: "core_node1", Node: n1.ID, Core: "books_shard1_n1", BaseURL: n1.Addr,
		Type: cluster.NRT, State: cluster.ReplicaActive, Leader: true,
	}
	coll.Slices["shard2"].Replicas["core_node2"] = &cluster.Replica{
		Name: "core_node2", Node: n2.ID, Core: "books_shard2_n2", BaseURL: n2.Addr,
		Type: cluster.NRT, State: cluster.ReplicaDown,
	}
	cs := cluster.NewClusterState(coll)
	ov.setState(cs)
	n1.ApplyState(cs)

	idFor := func(shard string) string {
		for i := 0; ; i++ {
			id := "doc-" + strconv.Itoa(i)
			if s, _ := cluster.ShardForID(coll, id); s == shard {
				return id
			}
		}
	}
	url := srv.URL + "/collections/books/update"

	healthy := idFor("shard1")
	code, resp := postUpdate(t, url, distrib.UpdateRequest{Adds: []distrib.AddDoc{{Doc: distrib.Document{"id": healthy}}}})
	require.Equal(t, http.StatusOK, code, resp.Errors)
	assert.Equal(t, uint64(1), n1.GetCore("books_shard1_n1").GetStats().Ops.Adds)

	code, _ = postUpdate(t, url, distrib.UpdateRequest{Adds: []distrib.AddDoc{{Doc: distrib.Document{"id": idFor("shard2")}}}})
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = postUpdate(t, url, distrib.UpdateRequest{Commit: &distrib.CommitOptions{}})
	assert.Equal(t, http.StatusServiceUnavailable, code, "a commit goes to every shard")
}

func TestCoreUpdateErrors(t *testing.T) {
	c := newCluster3(t)
	doc := distrib.UpdateRequest{Adds: []distrib.AddDoc{{Doc: distrib.Document{"id": "dune"}}}}

	tests := []struct {
		name string
		url  string
		req  distrib.UpdateRequest
		code int
	}{
		{"unknown core", c.servers[0].URL + "/cores/nope/update", doc, http.StatusNotFound},
		{"not the leader", c.servers[1].URL + "/cores/books_shard1_n2/update", doc, http.StatusServiceUnavailable},
		{"document without id", c.servers[0].URL + "/cores/books_shard1_n1/update",
			distrib.UpdateRequest{Adds: []distrib.AddDoc{{Doc: distrib.Document{"title": "x"}}}}, http.StatusBadRequest},
		{"unknown collection", c.servers[0].URL + "/collections/nope/update", doc, http.StatusNotFound},
		{"client document without id", c.servers[0].URL + "/collections/books/update",
			distrib.UpdateRequest{Adds: []distrib.AddDoc{{Doc: distrib.Document{"title": "x"}}}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := postUpdate(t, tt.url, tt.req)
			assert.Equal(t, tt.code, code)
		})
	}

	t.Run("follower accepts updates from its leader", func(t *testing.T) {
		req := doc
		req.Params = map[string]string{distrib.ParamDistribUpdate: distrib.FromLeader}
		code, resp := postUpdate(t, c.servers[1].URL+"/cores/books_shard1_n2/update", req)
		assert.Equal(t, http.StatusOK, code)
		_, ok := resp.AchievedRF()
		assert.False(t, ok)
	})
}

func TestGetDocAndInfo(t *testing.T) {
	c := newCluster3(t)
	core := c.nodes[0].GetCore("books_shard1_n1")
	require.NoError(t, core.Apply(&distrib.UpdateRequest{
		Adds:   []distrib.AddDoc{{Doc: distrib.Document{"id": "dune", "title": "Dune"}}},
		Commit: &distrib.CommitOptions{},
	}))

	var got struct {
		Doc     distrib.Document `json:"doc"`
		Version int64            `json:"version"`
	}
	require.NoError(t, cluster.GetJSON(context.Background(), c.servers[0].URL+"/cores/books_shard1_n1/docs/dune", &got))
	assert.Equal(t, "Dune", got.Doc["title"])
	assert.Equal(t, int64(1), got.Version)

	err := cluster.GetJSON(context.Background(), c.servers[0].URL+"/cores/books_shard1_n1/docs/emma", &got)
	var se *cluster.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)

	var info struct {
		NodeID string `json:"node_id"`
		Count  int    `json:"core_count"`
	}
	require.NoError(t, cluster.GetJSON(context.Background(), c.servers[0].URL+"/info", &info))
	assert.Equal(t, "n1", info.NodeID)
	assert.Equal(t, 1, info.Count)
}
