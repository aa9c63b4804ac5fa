// Package config loads node configuration from JSON or YAML files and
// FEDSTORE_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"fedstore/pkg/types"

	"gopkg.in/yaml.v3"
)

// Storage backends
const (
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

// Config is the configuration of one storage node
type Config struct {
	FederationID types.FederationID `json:"federation_id" yaml:"federation_id"`

	// NodeID seeds the node's DHT identifier; it defaults to the hostname
	NodeID string `json:"node_id" yaml:"node_id"`

	ListenAddress    string `json:"listen_address" yaml:"listen_address"`
	AdvertiseAddress string `json:"advertise_address,omitempty" yaml:"advertise_address,omitempty"`
	MetricsAddress   string `json:"metrics_address,omitempty" yaml:"metrics_address,omitempty"`
	DataDir          string `json:"data_dir" yaml:"data_dir"`

	Storage StorageConfig `json:"storage" yaml:"storage"`
	DHT     DHTConfig     `json:"dht" yaml:"dht"`
	Policy  PolicyConfig  `json:"policy" yaml:"policy"`
	TLS     TLSConfig     `json:"tls,omitempty" yaml:"tls,omitempty"`

	BootstrapPeers []PeerConfig       `json:"bootstrap_peers,omitempty" yaml:"bootstrap_peers,omitempty"`
	Federations    []FederationConfig `json:"federations,omitempty" yaml:"federations,omitempty"`
	Routes         []RouteConfig      `json:"routes,omitempty" yaml:"routes,omitempty"`
	Quotas         []QuotaConfig      `json:"quotas,omitempty" yaml:"quotas,omitempty"`

	ReapInterval   Duration `json:"reap_interval" yaml:"reap_interval"`
	HealthInterval Duration `json:"health_interval" yaml:"health_interval"`
}

// StorageConfig selects and sizes the local store
type StorageConfig struct {
	Backend     string   `json:"backend" yaml:"backend"`
	Capacity    DataSize `json:"capacity" yaml:"capacity"`
	OpenTimeout Duration `json:"open_timeout" yaml:"open_timeout"`
}

// DHTConfig tunes the routing table and replica fan-out
type DHTConfig struct {
	BucketSize     int      `json:"bucket_size" yaml:"bucket_size"`
	MaxPeers       int      `json:"max_peers,omitempty" yaml:"max_peers,omitempty"`
	MaxFailures    int      `json:"max_failures" yaml:"max_failures"`
	Concurrency    int      `json:"concurrency" yaml:"concurrency"`
	LookupPeers    int      `json:"lookup_peers" yaml:"lookup_peers"`
	ReplicaTimeout Duration `json:"replica_timeout" yaml:"replica_timeout"`

	// ProbeInterval is how often a sample of peers is pinged. Zero disables
	// probing.
	ProbeInterval Duration `json:"probe_interval" yaml:"probe_interval"`
	ProbeFanout   int      `json:"probe_fanout" yaml:"probe_fanout"`
	SuspectAfter  Duration `json:"suspect_after" yaml:"suspect_after"`
}

// PolicyConfig is the template for keys written without a policy
type PolicyConfig struct {
	EncryptionRequired bool `json:"encryption_required" yaml:"encryption_required"`
	RedundancyFactor   int  `json:"redundancy_factor" yaml:"redundancy_factor"`
	VersioningEnabled  bool `json:"versioning_enabled" yaml:"versioning_enabled"`
	MaxVersions        int  `json:"max_versions" yaml:"max_versions"`
}

// TLSConfig enables TLS on the gRPC listener and client
type TLSConfig struct {
	CertFile string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty" yaml:"ca_file,omitempty"`
}

// Enabled reports whether TLS is configured
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// PeerConfig is a DHT peer to bootstrap from
type PeerConfig struct {
	NodeID       string             `json:"node_id" yaml:"node_id"`
	Address      string             `json:"address" yaml:"address"`
	FederationID types.FederationID `json:"federation_id,omitempty" yaml:"federation_id,omitempty"`
}

// FederationConfig registers a federation in the directory
type FederationConfig struct {
	ID        types.FederationID `json:"id" yaml:"id"`
	Name      string             `json:"name,omitempty" yaml:"name,omitempty"`
	Active    bool               `json:"active" yaml:"active"`
	Endpoints []string           `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`

	// Agreement records a storage agreement with the local federation
	Agreement bool `json:"agreement" yaml:"agreement"`
}

// RouteConfig declares a router prefix route
type RouteConfig struct {
	KeyPrefix                    string               `json:"key_prefix" yaml:"key_prefix"`
	TargetFederations            []types.FederationID `json:"target_federations" yaml:"target_federations"`
	PriorityOrder                bool                 `json:"priority_order" yaml:"priority_order"`
	ReplicationAcrossFederations bool                 `json:"replication_across_federations" yaml:"replication_across_federations"`
	ReadFederations              []types.FederationID `json:"read_federations" yaml:"read_federations"`
	WriteFederations             []types.FederationID `json:"write_federations" yaml:"write_federations"`
	AdminFederations             []types.FederationID `json:"admin_federations" yaml:"admin_federations"`
}

// QuotaConfig caps one federation's usage on this node
type QuotaConfig struct {
	FederationID types.FederationID `json:"federation_id" yaml:"federation_id"`
	MaxBytes     DataSize           `json:"max_bytes" yaml:"max_bytes"`
	MaxObjects   int64              `json:"max_objects" yaml:"max_objects"`
}

// Default returns a single-node configuration
func Default() *Config {
	return &Config{
		ListenAddress: ":7400",
		DataDir:       "./data",
		Storage: StorageConfig{
			Backend:     BackendBolt,
			Capacity:    DataSize(1 << 30),
			OpenTimeout: Duration{time.Second},
		},
		DHT: DHTConfig{
			BucketSize:     20,
			MaxFailures:    3,
			Concurrency:    8,
			LookupPeers:    8,
			ReplicaTimeout: Duration{5 * time.Second},
			ProbeInterval:  Duration{30 * time.Second},
			ProbeFanout:    3,
			SuspectAfter:   Duration{5 * time.Minute},
		},
		Policy: PolicyConfig{
			EncryptionRequired: true,
			RedundancyFactor:   3,
			MaxVersions:        10,
		},
		ReapInterval:   Duration{time.Minute},
		HealthInterval: Duration{30 * time.Second},
	}
}

// LoadConfig reads path over the defaults. Files ending in .yaml or .yml
// are YAML; anything else is JSON.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.fillDerived()
	return cfg, nil
}

// LoadFromEnv builds a configuration from FEDSTORE_* variables over the
// defaults
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.fillDerived()
	return cfg, nil
}

// ApplyEnv overrides fields from FEDSTORE_* variables that are set.
// FEDSTORE_BOOTSTRAP_PEERS is a comma separated list of node@address.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("FEDSTORE_FEDERATION_ID"); v != "" {
		c.FederationID = types.FederationID(v)
	}
	setString(&c.NodeID, "FEDSTORE_NODE_ID")
	setString(&c.ListenAddress, "FEDSTORE_LISTEN_ADDRESS")
	setString(&c.AdvertiseAddress, "FEDSTORE_ADVERTISE_ADDRESS")
	setString(&c.MetricsAddress, "FEDSTORE_METRICS_ADDRESS")
	setString(&c.DataDir, "FEDSTORE_DATA_DIR")
	setString(&c.Storage.Backend, "FEDSTORE_STORAGE_BACKEND")
	setString(&c.TLS.CertFile, "FEDSTORE_TLS_CERT")
	setString(&c.TLS.KeyFile, "FEDSTORE_TLS_KEY")
	setString(&c.TLS.CAFile, "FEDSTORE_TLS_CA")

	if v := os.Getenv("FEDSTORE_STORAGE_CAPACITY"); v != "" {
		n, err := ParseDataSize(v)
		if err != nil {
			return fmt.Errorf("FEDSTORE_STORAGE_CAPACITY: %w", err)
		}
		c.Storage.Capacity = DataSize(n)
	}
	if v := os.Getenv("FEDSTORE_REDUNDANCY_FACTOR"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FEDSTORE_REDUNDANCY_FACTOR: %w", err)
		}
		c.Policy.RedundancyFactor = n
	}
	if v := os.Getenv("FEDSTORE_REPLICA_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FEDSTORE_REPLICA_TIMEOUT: %w", err)
		}
		c.DHT.ReplicaTimeout = Duration{d}
	}
	if v := os.Getenv("FEDSTORE_BOOTSTRAP_PEERS"); v != "" {
		peers, err := ParsePeers(v)
		if err != nil {
			return fmt.Errorf("FEDSTORE_BOOTSTRAP_PEERS: %w", err)
		}
		c.BootstrapPeers = peers
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// ParsePeers parses "node-b@host:7400,node-c@host:7401"
func ParsePeers(s string) ([]PeerConfig, error) {
	var peers []PeerConfig
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		node, addr, ok := strings.Cut(entry, "@")
		if !ok || node == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer %q, expected node@address", entry)
		}
		peers = append(peers, PeerConfig{NodeID: node, Address: addr})
	}
	return peers, nil
}

// fillDerived sets fields that default from other fields
func (c *Config) fillDerived() {
	if c.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			c.NodeID = host
		}
	}
	if c.AdvertiseAddress == "" {
		c.AdvertiseAddress = c.ListenAddress
	}
	for i := range c.BootstrapPeers {
		if c.BootstrapPeers[i].FederationID == "" {
			c.BootstrapPeers[i].FederationID = c.FederationID
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.FederationID == "" {
		return fmt.Errorf("federation_id is required")
	}
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.ListenAddress == "" {
		return fmt.Errorf("listen_address is required")
	}

	switch c.Storage.Backend {
	case BackendBolt:
		if c.DataDir == "" {
			return fmt.Errorf("data_dir is required for the bolt backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Policy.RedundancyFactor < 1 {
		return fmt.Errorf("policy.redundancy_factor must be at least 1")
	}
	if c.Policy.MaxVersions < 1 {
		return fmt.Errorf("policy.max_versions must be at least 1")
	}
	if c.DHT.BucketSize < 1 {
		return fmt.Errorf("dht.bucket_size must be at least 1")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}

	for _, p := range c.BootstrapPeers {
		if p.NodeID == "" || p.Address == "" {
			return fmt.Errorf("bootstrap peer needs node_id and address")
		}
	}
	seen := map[types.FederationID]bool{c.FederationID: true}
	for _, f := range c.Federations {
		if f.ID == "" {
			return fmt.Errorf("federation entry without id")
		}
		if f.ID != c.FederationID && seen[f.ID] {
			return fmt.Errorf("federation %s listed twice", f.ID)
		}
		seen[f.ID] = true
	}
	for _, r := range c.Routes {
		if len(r.TargetFederations) == 0 {
			return fmt.Errorf("route %q has no target federations", r.KeyPrefix)
		}
		if len(r.AdminFederations) == 0 {
			return fmt.Errorf("route %q has no admin federations", r.KeyPrefix)
		}
	}
	for _, q := range c.Quotas {
		if q.FederationID == "" {
			return fmt.Errorf("quota entry without federation_id")
		}
	}
	return nil
}

// Save writes the configuration as indented JSON, or YAML for .yaml/.yml
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Duration is a time.Duration written as a string such as "30s"
type Duration struct {
	time.Duration
}

// MarshalJSON writes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts "30s" or a number of nanoseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case float64:
		d.Duration = time.Duration(v)
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// MarshalYAML writes the duration as a string
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML accepts "30s"
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}
