package store

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

const (
	retainSnapshotCount = 2
	defaultApplyTimeout = 10 * time.Second
)

// RaftConfig configures a RaftStore backed by bolt and a TCP transport.
type RaftConfig struct {
	NodeID       string
	BindAddr     string
	DataDir      string
	Bootstrap    bool
	ApplyTimeout time.Duration
	Logger       hclog.Logger
}

// RaftStore implements VersionedStore by replicating every write through a
// hashicorp/raft log. Writes must reach the leader; reads are served from
// the local state machine.
type RaftStore struct {
	raft    *raft.Raft
	fsm     *pathFSM
	timeout time.Duration
	closers []func() error

	mu     sync.RWMutex
	closed bool
}

// NewRaftStore starts a raft node that persists its log in
// <DataDir>/raft.db.
func NewRaftStore(cfg RaftConfig) (*RaftStore, error) {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, errors.Wrap(err, "raft: data dir")
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, errors.Wrap(err, "raft: bind addr")
	}
	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, addr, 3, 10*time.Second, cfg.Logger.Named("transport"))
	if err != nil {
		return nil, errors.Wrap(err, "raft: transport")
	}
	snapshots, err := raft.NewFileSnapshotStoreWithLogger(cfg.DataDir, retainSnapshotCount, cfg.Logger.Named("snapshots"))
	if err != nil {
		return nil, errors.Wrap(err, "raft: snapshot store")
	}
	bolt, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft.db"))
	if err != nil {
		return nil, errors.Wrap(err, "raft: bolt store")
	}

	conf := raft.DefaultConfig()
	conf.LocalID = raft.ServerID(cfg.NodeID)
	conf.Logger = cfg.Logger
	s, err := newRaftStore(conf, bolt, bolt, snapshots, transport, cfg.Bootstrap, cfg.ApplyTimeout)
	if err != nil {
		_ = bolt.Close()
		return nil, err
	}
	s.closers = append(s.closers, transport.Close, bolt.Close)
	return s, nil
}

func newRaftStore(conf *raft.Config, logs raft.LogStore, stable raft.StableStore,
	snaps raft.SnapshotStore, trans raft.Transport, bootstrap bool, timeout time.Duration) (*RaftStore, error) {
	fsm := newPathFSM()
	r, err := raft.NewRaft(conf, fsm, logs, stable, snaps, trans)
	if err != nil {
		return nil, errors.Wrap(err, "raft: new raft")
	}
	if bootstrap {
		f := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: conf.LocalID, Address: trans.LocalAddr()}},
		})
		if err := f.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			return nil, errors.Wrap(err, "raft: bootstrap")
		}
	}
	if timeout == 0 {
		timeout = defaultApplyTimeout
	}
	return &RaftStore{raft: r, fsm: fsm, timeout: timeout}, nil
}

// WaitForLeader blocks until this node is the raft leader.
func (s *RaftStore) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.raft.State() == raft.Leader {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *RaftStore) live() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *RaftStore) propose(ctx context.Context, cmd command) (int, error) {
	if err := s.live(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.raft.State() != raft.Leader {
		return 0, ErrNotLeader
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return 0, errors.Wrap(err, "raft: encode command")
	}
	f := s.raft.Apply(data, s.timeout)
	if err := f.Error(); err != nil {
		switch {
		case errors.Is(err, raft.ErrNotLeader), errors.Is(err, raft.ErrLeadershipLost):
			return 0, ErrNotLeader
		case errors.Is(err, raft.ErrRaftShutdown):
			return 0, ErrClosed
		}
		return 0, errors.Wrapf(err, "raft: apply %s %s", cmd.Op, cmd.Path)
	}
	res, ok := f.Response().(applyResult)
	if !ok {
		return 0, errors.Newf("raft: unexpected apply response %T", f.Response())
	}
	return res.version, res.err
}

func (s *RaftStore) Exists(ctx context.Context, path string) (int, bool, error) {
	if err := s.live(); err != nil {
		return 0, false, err
	}
	_, v, ok := s.fsm.get(path)
	return v, ok, nil
}

func (s *RaftStore) GetData(ctx context.Context, path string) ([]byte, int, error) {
	if err := s.live(); err != nil {
		return nil, 0, err
	}
	data, v, ok := s.fsm.get(path)
	if !ok {
		return nil, 0, ErrNoNode
	}
	return data, v, nil
}

func (s *RaftStore) Create(ctx context.Context, path string, data []byte) (int, error) {
	return s.propose(ctx, command{Op: cmdCreate, Path: path, Data: data})
}

func (s *RaftStore) SetData(ctx context.Context, path string, data []byte, expectedVersion int) (int, error) {
	return s.propose(ctx, command{Op: cmdSetData, Path: path, Data: data, Version: expectedVersion})
}

func (s *RaftStore) Delete(ctx context.Context, path string, expectedVersion int) error {
	_, err := s.propose(ctx, command{Op: cmdDelete, Path: path, Version: expectedVersion})
	return err
}

func (s *RaftStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := s.live(); err != nil {
		return nil, err
	}
	return s.fsm.list(prefix), nil
}

// Watch fires fn after each committed change to path on this node.
func (s *RaftStore) Watch(ctx context.Context, path string, fn WatchFunc) error {
	if err := s.live(); err != nil {
		return err
	}
	s.fsm.watch(ctx, path, fn)
	return nil
}

func (s *RaftStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.raft.Shutdown().Error()
	for _, c := range s.closers {
		if cerr := c(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
