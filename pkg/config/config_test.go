package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"fedstore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_JSON(t *testing.T) {
	path := writeFile(t, "node.json", `{
		"federation_id": "f1",
		"node_id": "node-a",
		"listen_address": ":9000",
		"storage": {"backend": "memory", "capacity": "5GiB"},
		"dht": {"replica_timeout": "2s"},
		"bootstrap_peers": [{"node_id": "node-b", "address": "b:9000"}],
		"quotas": [{"federation_id": "f2", "max_bytes": "1GB"}]
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, types.FederationID("f1"), cfg.FederationID)
	assert.Equal(t, ":9000", cfg.AdvertiseAddress)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, int64(5<<30), cfg.Storage.Capacity.Bytes())
	assert.Equal(t, 2*time.Second, cfg.DHT.ReplicaTimeout.Duration)
	assert.Equal(t, 20, cfg.DHT.BucketSize, "unset fields keep defaults")
	assert.Equal(t, types.FederationID("f1"), cfg.BootstrapPeers[0].FederationID)
	assert.Equal(t, int64(1000000000), cfg.Quotas[0].MaxBytes.Bytes())
}

func TestLoadConfig_YAML(t *testing.T) {
	path := writeFile(t, "node.yaml", `
federation_id: f1
node_id: node-a
listen_address: ":9000"
policy:
  encryption_required: false
  redundancy_factor: 2
  max_versions: 4
federations:
  - id: f2
    active: true
    agreement: true
    endpoints: ["f2.example:7400"]
routes:
  - key_prefix: shared/
    target_federations: [f1, f2]
    priority_order: true
    read_federations: [f1, f2]
    write_federations: [f1]
    admin_federations: [f1]
reap_interval: 5m
dht:
  probe_interval: 10s
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.False(t, cfg.Policy.EncryptionRequired)
	assert.Equal(t, 2, cfg.Policy.RedundancyFactor)
	require.Len(t, cfg.Federations, 1)
	assert.True(t, cfg.Federations[0].Agreement)
	require.Len(t, cfg.Routes, 1)
	assert.Equal(t, []types.FederationID{"f1", "f2"}, cfg.Routes[0].TargetFederations)
	assert.Equal(t, 5*time.Minute, cfg.ReapInterval.Duration)
	assert.Equal(t, 10*time.Second, cfg.DHT.ProbeInterval.Duration)
	assert.Equal(t, 3, cfg.DHT.ProbeFanout, "unset fields keep defaults")
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, "bad.json", `{"storage": {"capacity": "huge"}}`))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, "bad.yaml", "reap_interval: soon\n"))
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FEDSTORE_FEDERATION_ID", "f9")
	t.Setenv("FEDSTORE_NODE_ID", "node-z")
	t.Setenv("FEDSTORE_STORAGE_BACKEND", "memory")
	t.Setenv("FEDSTORE_STORAGE_CAPACITY", "2GB")
	t.Setenv("FEDSTORE_REDUNDANCY_FACTOR", "5")
	t.Setenv("FEDSTORE_REPLICA_TIMEOUT", "750ms")
	t.Setenv("FEDSTORE_BOOTSTRAP_PEERS", "node-a@a:7400, node-b@b:7400")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, types.FederationID("f9"), cfg.FederationID)
	assert.Equal(t, "node-z", cfg.NodeID)
	assert.Equal(t, int64(2000000000), cfg.Storage.Capacity.Bytes())
	assert.Equal(t, 5, cfg.Policy.RedundancyFactor)
	assert.Equal(t, 750*time.Millisecond, cfg.DHT.ReplicaTimeout.Duration)
	assert.Equal(t, []PeerConfig{
		{NodeID: "node-a", Address: "a:7400", FederationID: "f9"},
		{NodeID: "node-b", Address: "b:7400", FederationID: "f9"},
	}, cfg.BootstrapPeers)

	t.Setenv("FEDSTORE_REDUNDANCY_FACTOR", "many")
	_, err = LoadFromEnv()
	assert.Error(t, err)
}

func TestParsePeers(t *testing.T) {
	peers, err := ParsePeers("a@h1:1,,b@h2:2")
	require.NoError(t, err)
	assert.Len(t, peers, 2)

	_, err = ParsePeers("just-an-address:7400")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.FederationID = "f1"
		cfg.NodeID = "n1"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no federation", func(c *Config) { c.FederationID = "" }},
		{"no node id", func(c *Config) { c.NodeID = "" }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "tape" }},
		{"bolt without data dir", func(c *Config) { c.DataDir = "" }},
		{"zero redundancy", func(c *Config) { c.Policy.RedundancyFactor = 0 }},
		{"zero versions", func(c *Config) { c.Policy.MaxVersions = 0 }},
		{"half tls", func(c *Config) { c.TLS.CertFile = "cert.pem" }},
		{"peer without address", func(c *Config) { c.BootstrapPeers = []PeerConfig{{NodeID: "x"}} }},
		{"duplicate federation", func(c *Config) {
			c.Federations = []FederationConfig{{ID: "f2"}, {ID: "f2"}}
		}},
		{"route without targets", func(c *Config) {
			c.Routes = []RouteConfig{{KeyPrefix: "x/", AdminFederations: []types.FederationID{"f1"}}}
		}},
		{"route without admins", func(c *Config) {
			c.Routes = []RouteConfig{{KeyPrefix: "x/", TargetFederations: []types.FederationID{"f1"}}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.FederationID = "f1"
	cfg.NodeID = "n1"
	cfg.Storage.Capacity = DataSize(3 << 30)

	for _, name := range []string{"out.json", "out.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, cfg.Save(path))

			loaded, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, cfg.Storage.Capacity, loaded.Storage.Capacity)
			assert.Equal(t, cfg.DHT.ReplicaTimeout, loaded.DHT.ReplicaTimeout)
			assert.Equal(t, cfg.FederationID, loaded.FederationID)
		})
	}
}
