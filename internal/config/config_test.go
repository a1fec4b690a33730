package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadOverseerDefaults(t *testing.T) {
	t.Setenv("OVERSEER_CONFIG", "")
	c, err := LoadOverseer()
	require.NoError(t, err)
	assert.Equal(t, DefaultOverseer(), c)
	assert.Equal(t, int64(20), c.Placement.MinimalFreeDiskGB)
	assert.Equal(t, int64(100), c.Placement.DeprioritizedFreeDiskGB)
	assert.Equal(t, "availability_zone", c.Placement.AvailabilityZoneSysprop)
}

func TestLoadOverseerFileAndEnv(t *testing.T) {
	p := writeFile(t, `
addr: ":9000"
flush_interval: 250ms
store:
  backend: etcd
  etcd:
    endpoints: ["http://etcd-1:2379"]
placement:
  minimalFreeDiskGB: 5
  deprioritizedFreeDiskGB: 50
  availabilityZoneSysprop: zone
`)
	t.Setenv("OVERSEER_CONFIG", p)
	t.Setenv("OVERSEER_ADDR", ":9100")
	t.Setenv("OVERSEER_ETCD_ENDPOINTS", "http://a:2379,http://b:2379")

	c, err := LoadOverseer()
	require.NoError(t, err)
	assert.Equal(t, ":9100", c.Addr, "env wins over file")
	assert.Equal(t, 250*time.Millisecond, c.FlushInterval)
	assert.Equal(t, 5*time.Second, c.HealthInterval, "default kept")
	assert.Equal(t, BackendEtcd, c.Store.Backend)
	assert.Equal(t, []string{"http://a:2379", "http://b:2379"}, c.Store.Etcd.Endpoints)
	assert.Equal(t, "/overseer", c.Store.Etcd.Prefix)
	assert.Equal(t, int64(5), c.Placement.MinimalFreeDiskGB)
	assert.Equal(t, "zone", c.Placement.AvailabilityZoneSysprop)

	ec := c.Store.Etcd.EtcdConfig()
	assert.Equal(t, c.Store.Etcd.Endpoints, ec.Endpoints)
	assert.Equal(t, 5*time.Second, ec.DialTimeout)
}

func TestLoadOverseerErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		file string
	}{
		{name: "missing file", env: map[string]string{"OVERSEER_CONFIG": "/does/not/exist.yaml"}},
		{name: "bad yaml", file: "addr: [unclosed"},
		{name: "unknown backend", env: map[string]string{"OVERSEER_STORE": "zookeeper"}},
		{name: "etcd without endpoints", env: map[string]string{"OVERSEER_STORE": "etcd"}},
		{name: "bad duration", env: map[string]string{"OVERSEER_FLUSH_INTERVAL": "soon"}},
		{name: "zero interval", env: map[string]string{"OVERSEER_HEALTH_INTERVAL": "0s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OVERSEER_CONFIG", "")
			if tt.file != "" {
				t.Setenv("OVERSEER_CONFIG", writeFile(t, tt.file))
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadOverseer()
			assert.Error(t, err)
		})
	}
}

func TestLoadNode(t *testing.T) {
	t.Run("requires id and address", func(t *testing.T) {
		t.Setenv("NODE_CONFIG", "")
		t.Setenv("NODE_ID", "")
		t.Setenv("NODE_ADDR", "")
		_, err := LoadNode()
		assert.Error(t, err)
	})

	t.Run("file and env", func(t *testing.T) {
		p := writeFile(t, `
id: node-from-file
public_addr: http://10.0.0.1:8081
zone: us-east-1a
max_retries: 5
retry_pause: 1s
`)
		t.Setenv("NODE_CONFIG", p)
		t.Setenv("NODE_ID", "node-7")
		t.Setenv("NODE_ADDR", "")
		t.Setenv("NODE_POLL_INTERVAL", "2s")

		c, err := LoadNode()
		require.NoError(t, err)
		assert.Equal(t, "node-7", c.ID)
		assert.Equal(t, "http://10.0.0.1:8081", c.PublicAddr)
		assert.Equal(t, "us-east-1a", c.Zone)
		assert.Equal(t, 5, c.MaxRetries)
		assert.Equal(t, time.Second, c.RetryPause)
		assert.Equal(t, 2*time.Second, c.PollInterval)
		assert.Equal(t, ":8081", c.Listen)
	})

	t.Run("bad retries", func(t *testing.T) {
		t.Setenv("NODE_CONFIG", "")
		t.Setenv("NODE_ID", "n1")
		t.Setenv("NODE_ADDR", "http://n1")
		t.Setenv("NODE_MAX_RETRIES", "many")
		_, err := LoadNode()
		assert.Error(t, err)
	})
}
