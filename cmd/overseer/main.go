package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"

	"github.com/dreamware/overseer/internal/cluster"
	"github.com/dreamware/overseer/internal/config"
	"github.com/dreamware/overseer/internal/coordinator"
	"github.com/dreamware/overseer/internal/logging"
	"github.com/dreamware/overseer/internal/telemetry"
	"github.com/dreamware/overseer/internal/placement"
	"github.com/dreamware/overseer/internal/statewriter"
	"github.com/dreamware/overseer/internal/store"
)

func main() {
	log := logging.New("overseer")
	conf, err := config.LoadOverseer()
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	tel, err := telemetry.Setup()
	if err != nil {
		log.Error("cannot install metrics sink", "error", err)
		os.Exit(1)
	}
	defer tel.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, conf, log)
	if err != nil {
		log.Error("cannot open cluster state store", "backend", conf.Store.Backend, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	o, err := newOverseer(ctx, conf, st, log)
	if err != nil {
		log.Error("cannot start overseer", "error", err)
		os.Exit(1)
	}

	monitor := coordinator.NewHealthMonitor(conf.HealthInterval, log.Named("health"))
	monitor.SetOnStatus(o.Nodes().ReportStatus)
	monitor.SetOnUnhealthy(o.HandleNodeDown)

	httpSrv := &http.Server{
		Addr:              conf.Addr,
		Handler:           tel.Mount(newServer(o, log).routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go o.Run(ctx)
	go monitor.Start(ctx, o.Nodes().Nodes)
	go func() {
		log.Info("overseer listening", "addr", conf.Addr, "store", conf.Store.Backend)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	monitor.Stop()
	if err := o.Flush(shutdownCtx); err != nil {
		log.Info("final flush failed", "error", err)
	}
	log.Info("overseer stopped")
}

// openStore builds the configured cluster state backend.
func openStore(ctx context.Context, conf config.Overseer, log hclog.Logger) (store.VersionedStore, error) {
	log = logging.OrNull(log)
	switch conf.Store.Backend {
	case config.BackendEtcd:
		return store.NewEtcdStore(conf.Store.Etcd.EtcdConfig())
	case config.BackendRaft:
		rs, err := store.NewRaftStore(store.RaftConfig{
			NodeID:    conf.Store.Raft.NodeID,
			BindAddr:  conf.Store.Raft.BindAddr,
			DataDir:   conf.Store.Raft.DataDir,
			Bootstrap: conf.Store.Raft.Bootstrap,
			Logger:    log.Named("raft"),
		})
		if err != nil {
			return nil, err
		}
		wctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := rs.WaitForLeader(wctx); err != nil {
			_ = rs.Close()
			return nil, errors.Wrap(err, "raft: no leadership")
		}
		return rs, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

// newOverseer loads the persisted cluster state and wires the engines.
func newOverseer(ctx context.Context, conf config.Overseer, st store.VersionedStore, log hclog.Logger) (*coordinator.Overseer, error) {
	log = logging.OrNull(log)
	writer, err := statewriter.Open(ctx, st, statewriter.WithLogger(log.Named("statewriter")))
	if err != nil {
		return nil, err
	}
	plugin, err := placement.NewAffinityPlugin(conf.Placement, log.Named("placement"))
	if err != nil {
		return nil, err
	}
	return coordinator.NewOverseer(writer, plugin, coordinator.NewNodeRegistry(),
		coordinator.WithLogger(log.Named("coordinator")),
		coordinator.WithFlushInterval(conf.FlushInterval)), nil
}

type server struct {
	o   *coordinator.Overseer
	log hclog.Logger
}

func newServer(o *coordinator.Overseer, log hclog.Logger) *server {
	return &server{o: o, log: logging.OrNull(log)}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("GET /nodes", s.handleListNodes)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /clusterstate", s.handleClusterState)
	mux.HandleFunc("POST /collections", s.handleCreateCollection)
	mux.HandleFunc("DELETE /collections/{name}", s.handleDeleteCollection)
	mux.HandleFunc("POST /collections/{name}/replicas", s.handleAddReplica)
	mux.HandleFunc("POST /state", s.handlePublish)
	return mux
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}
	if s.o.Nodes().Register(req.Node, req.Status) {
		s.log.Info("node registered", "node", req.Node.ID, "addr", req.Node.Addr)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.o.Nodes()
	writeJSON(w, http.StatusOK, struct {
		Nodes []cluster.NodeInfo `json:"nodes"`
		Live  []string           `json:"live"`
	}{Nodes: nodes.Nodes(), Live: nodes.LiveNodes()})
}

func (s *server) handleClusterState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.o.ClusterState())
}

func (s *server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var req coordinator.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	coll, err := s.o.CreateCollection(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cluster.NewClusterState(coll))
}

func (s *server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	if err := s.o.DeleteCollection(r.Context(), r.PathValue("name")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleAddReplica(w http.ResponseWriter, r *http.Request) {
	var req coordinator.AddReplicaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	req.Collection = r.PathValue("name")
	rep, err := s.o.AddReplica(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		Name    string           `json:"name"`
		Replica *cluster.Replica `json:"replica"`
	}{Name: rep.Name, Replica: rep})
}

// handlePublish accepts an incremental update in its flat form, for
// example {"operation":"leader","collection":"books","shard":"shard1","core":"..."}.
func (s *server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var props map[string]string
	if err := json.NewDecoder(r.Body).Decode(&props); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	msg, err := statewriter.ParseMessage(props)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.o.Publish(msg); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, coordinator.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, coordinator.ErrCollectionExists):
		code = http.StatusConflict
	case errors.Is(err, coordinator.ErrBadRequest),
		errors.Is(err, placement.ErrPlacement),
		errors.Is(err, statewriter.ErrInvalidArgument),
		errors.Is(err, statewriter.ErrUnknownOperation):
		code = http.StatusBadRequest
	case errors.Is(err, statewriter.ErrServer):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
