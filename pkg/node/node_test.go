package node

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fedstore/pkg/config"
	"fedstore/pkg/dht"
	"fedstore/pkg/federation"
	"fedstore/pkg/types"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/test/bufconn"
)

// cluster routes advertised addresses to in-process listeners
type cluster struct {
	mu        sync.Mutex
	listeners map[string]*bufconn.Listener
}

func newCluster() *cluster {
	return &cluster{listeners: make(map[string]*bufconn.Listener)}
}

func (c *cluster) dial(ctx context.Context, addr string) (net.Conn, error) {
	c.mu.Lock()
	l, ok := c.listeners[addr]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no route to %s", addr)
	}
	return l.DialContext(ctx)
}

func (c *cluster) node(t *testing.T, cfg *config.Config, opts ...Option) *Node {
	t.Helper()
	l := bufconn.Listen(1 << 20)
	c.mu.Lock()
	c.listeners[cfg.AdvertiseAddress] = l
	c.mu.Unlock()

	opts = append([]Option{WithListener(l), WithDialer(c.dial)}, opts...)
	n, err := New(cfg, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { n.Stop() })
	return n
}

func testConfig(fed types.FederationID, nodeID string) *config.Config {
	cfg := config.Default()
	cfg.FederationID = fed
	cfg.NodeID = nodeID
	cfg.ListenAddress = nodeID + ":7400"
	cfg.AdvertiseAddress = nodeID + ":7400"
	cfg.Storage.Backend = config.BackendMemory
	cfg.Policy.RedundancyFactor = 1
	cfg.DHT.ReplicaTimeout = config.Duration{Duration: time.Second}
	return cfg
}

func TestNew_BuildsComponents(t *testing.T) {
	n, err := New(testConfig("f1", "node-a"), zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, types.FederationID("f1"), n.Engine().Federation())
	assert.Equal(t, dht.NewNodeIdentifier("node-a"), n.Self().ID)
	assert.Equal(t, n.Self().ID, n.Engine().NodeID())
	assert.Equal(t, "f1", n.dht.Namespace())
	assert.Nil(t, n.Addr())

	require.NoError(t, n.Stop())
	require.NoError(t, n.Stop(), "stop is idempotent")
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig("f1", "node-a")
	cfg.Policy.RedundancyFactor = 0
	_, err := New(cfg, nil)
	assert.Error(t, err)

	cfg = testConfig("f1", "node-a")
	cfg.TLS = config.TLSConfig{CertFile: "missing.pem", KeyFile: "missing.key"}
	_, err = New(cfg, nil)
	assert.Error(t, err)
}

func TestNew_FailureReleasesStore(t *testing.T) {
	cfg := testConfig("f1", "node-a")
	cfg.Storage.Backend = config.BackendBolt
	cfg.DataDir = t.TempDir()
	cfg.TLS = config.TLSConfig{CertFile: "missing.pem", KeyFile: "missing.key"}

	_, err := New(cfg, zaptest.NewLogger(t))
	require.Error(t, err)

	// the bolt lock was released, so a valid config opens the same file
	cfg.TLS = config.TLSConfig{}
	n, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, n.Stop())
}

func TestNew_ConfiguresRoutesAndQuotas(t *testing.T) {
	cfg := testConfig("f1", "node-a")
	cfg.Federations = []config.FederationConfig{
		{ID: "f2", Active: true, Agreement: true, Endpoints: []string{"node-b:7400"}},
		{ID: "f3", Active: true},
	}
	cfg.Routes = []config.RouteConfig{{
		KeyPrefix:         "shared/",
		TargetFederations: []types.FederationID{"f1", "f2"},
		PriorityOrder:     true,
		ReadFederations:   []types.FederationID{"f1", "f2"},
		WriteFederations:  []types.FederationID{"f1"},
		AdminFederations:  []types.FederationID{"f1"},
	}}
	cfg.Quotas = []config.QuotaConfig{{FederationID: "f1", MaxObjects: 1}}

	n, err := New(cfg, nil)
	require.NoError(t, err)
	defer n.Stop()

	routes := n.Router().Routes()
	require.Len(t, routes, 1)
	assert.True(t, routes[0].AccessPolicy.ReadFederations.Contains("f2"))
	assert.False(t, routes[0].AccessPolicy.WriteFederations.Contains("f2"))
	assert.Equal(t, cfg.Policy.MaxVersions, routes[0].AccessPolicy.MaxVersions)

	assert.True(t, n.directory.HasAgreement(context.Background(), "f1", "f2"))
	assert.False(t, n.directory.HasAgreement(context.Background(), "f1", "f3"))

	ctx := context.Background()
	_, err = n.Engine().Put(ctx, "a", []byte("1"), nil)
	require.NoError(t, err)
	_, err = n.Engine().Put(ctx, "b", []byte("2"), nil)
	assert.ErrorIs(t, err, types.ErrQuotaExceeded)
}

func TestNew_DefaultPolicyFollowsConfig(t *testing.T) {
	cfg := testConfig("f1", "node-a")
	cfg.Policy.EncryptionRequired = false
	cfg.Policy.VersioningEnabled = true
	cfg.Policy.MaxVersions = 3

	n, err := New(cfg, nil)
	require.NoError(t, err)
	defer n.Stop()

	loc, err := n.Engine().Put(context.Background(), "doc", []byte("v1"), nil)
	require.NoError(t, err)
	assert.Nil(t, loc.Encryption)
	assert.True(t, loc.IsVersioned)
	assert.Equal(t, 3, loc.Policy.MaxVersions)
}

func TestNode_BoltStateSurvivesRestart(t *testing.T) {
	cfg := testConfig("f1", "node-a")
	cfg.Storage.Backend = config.BackendBolt
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	ctx := context.Background()

	first, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, first.Prepare(ctx))
	_, err = first.Engine().Put(ctx, "docs/secret", []byte("persisted"), nil)
	require.NoError(t, err)
	require.NoError(t, first.Stop())

	second, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer second.Stop()
	require.NoError(t, second.Prepare(ctx))

	got, err := second.Engine().Get(ctx, "docs/secret")
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got)
}

func TestNode_ReplicatesToBootstrapPeer(t *testing.T) {
	c := newCluster()
	ctx := context.Background()

	b := c.node(t, testConfig("f1", "node-b"))
	require.NoError(t, b.Start(ctx))

	cfgA := testConfig("f1", "node-a")
	cfgA.BootstrapPeers = []config.PeerConfig{{NodeID: "node-b", Address: "node-b:7400", FederationID: "f1"}}
	a := c.node(t, cfgA)
	require.NoError(t, a.Start(ctx))

	require.Equal(t, 1, a.table.Size())
	// b learns a from the bootstrap ping
	assert.Eventually(t, func() bool { return b.table.Size() == 1 }, time.Second, 10*time.Millisecond)

	loc, err := a.Engine().Put(ctx, "docs/a", []byte("replicated"), nil)
	require.NoError(t, err)
	assert.Len(t, loc.StoragePeers, 2)
	assert.True(t, loc.HasSufficientReplicas())

	keys, err := b.store.ListKeys("f1", "")
	require.NoError(t, err)
	assert.NotEmpty(t, keys, "replica landed on the peer")
}

func TestNode_RoutesToPartnerFederation(t *testing.T) {
	c := newCluster()
	ctx := context.Background()

	cfgB := testConfig("f2", "node-b")
	cfgB.Federations = []config.FederationConfig{{ID: "f1", Active: true, Agreement: true}}
	b := c.node(t, cfgB)
	require.NoError(t, b.Start(ctx))

	cfgA := testConfig("f1", "node-a")
	cfgA.Federations = []config.FederationConfig{
		{ID: "f2", Active: true, Agreement: true, Endpoints: []string{"node-b:7400"}},
	}
	cfgA.Routes = []config.RouteConfig{{
		KeyPrefix:         "shared/",
		TargetFederations: []types.FederationID{"f2"},
		ReadFederations:   []types.FederationID{"f1", "f2"},
		WriteFederations:  []types.FederationID{"f1"},
		AdminFederations:  []types.FederationID{"f1"},
	}}
	a := c.node(t, cfgA)
	require.NoError(t, a.Start(ctx))

	loc, err := a.Router().Put(ctx, "shared/report", []byte("cross-federation"), nil)
	require.NoError(t, err)
	assert.Equal(t, "shared/report", loc.Key)

	// the value lives in f2's engine, not f1's
	_, err = a.Engine().Location(ctx, "shared/report")
	assert.ErrorIs(t, err, types.ErrKeyNotFound)
	stored, err := b.Engine().Location(federation.WithRequester(ctx, "f1"), "shared/report")
	require.NoError(t, err)
	assert.True(t, stored.Policy.ReadFederations.Contains("f2"))

	got, err := a.Router().Get(ctx, "shared/report")
	require.NoError(t, err)
	assert.Equal(t, []byte("cross-federation"), got)

	ok, err := a.Router().CheckAccess(ctx, "shared/report", types.AccessAdmin)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNode_ReapsExpiredKeys(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))

	c := newCluster()
	n := c.node(t, testConfig("f1", "node-a"), WithClock(clk))
	ctx := context.Background()

	policy := defaultPolicy(n.cfg)
	expires := clk.Now().Add(30 * time.Second)
	policy.ExpirationTime = &expires
	_, err := n.Engine().Put(ctx, "tmp/a", []byte("short lived"), policy)
	require.NoError(t, err)

	require.NoError(t, n.Start(ctx))

	assert.Eventually(t, func() bool {
		clk.Add(time.Minute)
		return n.Engine().Stats().Keys == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNode_ProbeMarksStoppedPeerInactive(t *testing.T) {
	clk := clock.NewMock()
	c := newCluster()
	ctx := context.Background()

	b := c.node(t, testConfig("f1", "node-b"))
	require.NoError(t, b.Start(ctx))

	cfgA := testConfig("f1", "node-a")
	cfgA.DHT.MaxFailures = 1
	cfgA.BootstrapPeers = []config.PeerConfig{{NodeID: "node-b", Address: "node-b:7400", FederationID: "f1"}}
	a := c.node(t, cfgA, WithClock(clk))
	require.NoError(t, a.Start(ctx))
	require.Equal(t, 1, len(a.table.FindClosestNodes(b.Self().ID, 1)))

	require.NoError(t, b.Stop())

	assert.Eventually(t, func() bool {
		clk.Add(cfgA.DHT.ProbeInterval.Duration)
		return len(a.table.FindClosestNodes(b.Self().ID, 1)) == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestNode_StartTwiceFails(t *testing.T) {
	c := newCluster()
	n := c.node(t, testConfig("f1", "node-a"))
	ctx := context.Background()

	require.NoError(t, n.Start(ctx))
	assert.NotNil(t, n.Addr())
	assert.Error(t, n.Start(ctx))
}

func TestNode_RunStopsWithContext(t *testing.T) {
	c := newCluster()
	n := c.node(t, testConfig("f1", "node-a"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	require.Eventually(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.group != nil
	}, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNode_Status(t *testing.T) {
	n, err := New(testConfig("f1", "node-a"), nil)
	require.NoError(t, err)
	defer n.Stop()

	ctx := context.Background()
	_, err = n.Engine().Put(ctx, "docs/a", []byte("x"), nil)
	require.NoError(t, err)

	st := n.Status(ctx)
	assert.Equal(t, types.FederationID("f1"), st.Federation)
	assert.Equal(t, "node-a:7400", st.Address)
	assert.Equal(t, 1, st.Stats.Keys)
	require.Len(t, st.Locations, 1)
	assert.Equal(t, "docs/a", st.Locations[0].Key)
	assert.Empty(t, st.Peers)
	assert.Equal(t, federation.HealthScore(st.Stats), st.Health)

	assert.Empty(t, n.Status(federation.WithRequester(ctx, "f2")).Locations)
}
