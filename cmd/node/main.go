// Command node hosts replica cores for the overseer's cluster.
//
// A node registers with the overseer, then polls GET /clusterstate to learn
// which cores it hosts and which of them lead their shard. New cores are
// announced active with a STATE message. Updates arrive on two routes:
//
//	POST /collections/{name}/update  client entry, forwarded to shard leaders
//	POST /cores/{core}/update        a leader applies and copies to followers;
//	                                 a follower applies what the leader sent
//
// Configuration comes from NODE_CONFIG (YAML) and NODE_* environment
// variables; NODE_ID and NODE_ADDR are required.
//
//	NODE_ID=node-1 NODE_LISTEN=:8081 NODE_ADDR=http://localhost:8081 \
//	NODE_ZONE=az1 OVERSEER_ADDR=http://localhost:8080 ./node
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"

	"github.com/dreamware/overseer/internal/cluster"
	"github.com/dreamware/overseer/internal/config"
	"github.com/dreamware/overseer/internal/logging"
	"github.com/dreamware/overseer/internal/telemetry"
)

const (
	registerAttempts = 10
	registerPause    = 400 * time.Millisecond
)

func main() {
	log := logging.New("node")
	conf, err := config.LoadNode()
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log = log.With("node", conf.ID)

	tel, err := telemetry.Setup()
	if err != nil {
		log.Error("cannot install metrics sink", "error", err)
		os.Exit(1)
	}
	defer tel.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n := NewNode(conf, log)
	s := &http.Server{
		Addr:              conf.Listen,
		Handler:           tel.Mount(n.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("node listening", "listen", conf.Listen, "public", n.Addr)
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	if err := register(ctx, n, log); err != nil {
		log.Error("failed to register with overseer", "overseer", conf.OverseerAddr, "error", err)
		os.Exit(1)
	}
	go poll(ctx, n, conf.PollInterval, log)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown error", "error", err)
	}
	log.Info("node stopped")
}

// register announces the node, retrying while the overseer starts up.
func register(ctx context.Context, n *Node, log hclog.Logger) error {
	var lastErr error
	for i := 0; i < registerAttempts; i++ {
		st := n.Status()
		body := cluster.RegisterRequest{
			Node:   cluster.NodeInfo{ID: n.ID, Addr: n.Addr},
			Status: &st,
		}
		lastErr = cluster.PostJSON(ctx, n.overseer+"/register", body, nil)
		if lastErr == nil {
			log.Info("registered with overseer", "overseer", n.overseer)
			return nil
		}
		log.Warn("register retry", "attempt", i+1, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(registerPause):
		}
	}
	return errors.Wrapf(lastErr, "after %d attempts", registerAttempts)
}

// poll refreshes the cluster state view until ctx is done.
func poll(ctx context.Context, n *Node, interval time.Duration, log hclog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := n.Refresh(ctx); err != nil && ctx.Err() == nil {
			log.Warn("cluster state refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
