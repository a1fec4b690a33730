// Package config loads the settings of the overseer and node binaries.
//
// Values come from three layers, later ones winning: built-in defaults, an
// optional YAML file, and environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/overseer/internal/distrib"
	"github.com/dreamware/overseer/internal/placement"
	"github.com/dreamware/overseer/internal/store"
)

// Store backends understood by Overseer.Store.Backend.
const (
	BackendMemory = "memory"
	BackendEtcd   = "etcd"
	BackendRaft   = "raft"
)

// Overseer configures the control plane.
type Overseer struct {
	Addr           string           `yaml:"addr"`
	Store          Store            `yaml:"store"`
	FlushInterval  time.Duration    `yaml:"flush_interval"`
	HealthInterval time.Duration    `yaml:"health_interval"`
	Placement      placement.Config `yaml:"placement"`
}

// Store selects and configures the cluster state backend.
type Store struct {
	Backend string `yaml:"backend"`
	Etcd    Etcd   `yaml:"etcd"`
	Raft    Raft   `yaml:"raft"`
}

type Etcd struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Prefix      string        `yaml:"prefix"`
}

type Raft struct {
	NodeID    string `yaml:"node_id"`
	BindAddr  string `yaml:"bind_addr"`
	DataDir   string `yaml:"data_dir"`
	Bootstrap bool   `yaml:"bootstrap"`
}

// EtcdConfig converts the section for store.NewEtcdStore.
func (e Etcd) EtcdConfig() store.EtcdConfig {
	return store.EtcdConfig{Endpoints: e.Endpoints, DialTimeout: e.DialTimeout, Prefix: e.Prefix}
}

// Node configures a data node.
type Node struct {
	ID           string        `yaml:"id"`
	Listen       string        `yaml:"listen"`
	PublicAddr   string        `yaml:"public_addr"`
	OverseerAddr string        `yaml:"overseer_addr"`
	Zone         string        `yaml:"zone"`
	DataDir      string        `yaml:"data_dir"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryPause   time.Duration `yaml:"retry_pause"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultOverseer returns the settings used when nothing is configured.
func DefaultOverseer() Overseer {
	return Overseer{
		Addr: ":8080",
		Store: Store{
			Backend: BackendMemory,
			Etcd:    Etcd{DialTimeout: 5 * time.Second, Prefix: "/overseer"},
			Raft:    Raft{NodeID: "overseer-1", BindAddr: "127.0.0.1:7000", DataDir: "data/raft", Bootstrap: true},
		},
		FlushInterval:  100 * time.Millisecond,
		HealthInterval: 5 * time.Second,
		Placement:      placement.DefaultConfig(),
	}
}

// DefaultNode returns the settings used when nothing is configured.
func DefaultNode() Node {
	return Node{
		Listen:       ":8081",
		OverseerAddr: "http://127.0.0.1:8080",
		DataDir:      ".",
		MaxRetries:   3,
		RetryPause:   distrib.DefaultRetryPause,
		PollInterval: time.Second,
	}
}

// LoadOverseer reads the file named by OVERSEER_CONFIG, if any, then applies
// OVERSEER_* environment overrides.
func LoadOverseer() (Overseer, error) {
	c := DefaultOverseer()
	if err := loadFile(os.Getenv("OVERSEER_CONFIG"), &c); err != nil {
		return c, err
	}
	c.Addr = getenv("OVERSEER_ADDR", c.Addr)
	c.Store.Backend = getenv("OVERSEER_STORE", c.Store.Backend)
	if v := os.Getenv("OVERSEER_ETCD_ENDPOINTS"); v != "" {
		c.Store.Etcd.Endpoints = strings.Split(v, ",")
	}
	c.Store.Raft.NodeID = getenv("OVERSEER_RAFT_ID", c.Store.Raft.NodeID)
	c.Store.Raft.BindAddr = getenv("OVERSEER_RAFT_ADDR", c.Store.Raft.BindAddr)
	c.Store.Raft.DataDir = getenv("OVERSEER_RAFT_DIR", c.Store.Raft.DataDir)

	var err error
	if c.FlushInterval, err = getDuration("OVERSEER_FLUSH_INTERVAL", c.FlushInterval); err != nil {
		return c, err
	}
	if c.HealthInterval, err = getDuration("OVERSEER_HEALTH_INTERVAL", c.HealthInterval); err != nil {
		return c, err
	}
	return c, c.Validate()
}

// Validate checks settings that would otherwise fail late.
func (c Overseer) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendRaft:
	case BackendEtcd:
		if len(c.Store.Etcd.Endpoints) == 0 {
			return errors.New("config: etcd backend needs at least one endpoint")
		}
	default:
		return errors.Newf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.FlushInterval <= 0 || c.HealthInterval <= 0 {
		return errors.New("config: intervals must be positive")
	}
	return nil
}

// LoadNode reads the file named by NODE_CONFIG, if any, then applies the
// NODE_* environment overrides. NODE_ID and NODE_ADDR must be set one way or
// the other.
func LoadNode() (Node, error) {
	c := DefaultNode()
	if err := loadFile(os.Getenv("NODE_CONFIG"), &c); err != nil {
		return c, err
	}
	c.ID = getenv("NODE_ID", c.ID)
	c.Listen = getenv("NODE_LISTEN", c.Listen)
	c.PublicAddr = getenv("NODE_ADDR", c.PublicAddr)
	c.OverseerAddr = getenv("OVERSEER_ADDR", c.OverseerAddr)
	c.Zone = getenv("NODE_ZONE", c.Zone)
	c.DataDir = getenv("NODE_DATA_DIR", c.DataDir)

	var err error
	if c.MaxRetries, err = getInt("NODE_MAX_RETRIES", c.MaxRetries); err != nil {
		return c, err
	}
	if c.RetryPause, err = getDuration("NODE_RETRY_PAUSE", c.RetryPause); err != nil {
		return c, err
	}
	if c.PollInterval, err = getDuration("NODE_POLL_INTERVAL", c.PollInterval); err != nil {
		return c, err
	}
	if c.ID == "" || c.PublicAddr == "" {
		return c, errors.New("config: node id and public address are required (NODE_ID, NODE_ADDR)")
	}
	return c, nil
}

func loadFile(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "config: read %s", path)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "config: parse %s", path)
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, errors.Wrapf(err, "config: %s", k)
	}
	return n, nil
}

func getDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, errors.Wrapf(err, "config: %s", k)
	}
	return d, nil
}
