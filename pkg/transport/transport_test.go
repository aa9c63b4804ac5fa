package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"fedstore/pkg/dht"
	"fedstore/pkg/engine"
	"fedstore/pkg/federation"
	"fedstore/pkg/keys"
	"fedstore/pkg/storage"
	"fedstore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

// network routes addresses to in-process listeners
type network struct {
	mu        sync.Mutex
	listeners map[string]*bufconn.Listener
}

func newNetwork() *network {
	return &network{listeners: make(map[string]*bufconn.Listener)}
}

func (n *network) serve(t *testing.T, addr string, register func(*grpc.Server)) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	register(srv)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	n.mu.Lock()
	n.listeners[addr] = lis
	n.mu.Unlock()
}

func (n *network) dial(ctx context.Context, addr string) (net.Conn, error) {
	n.mu.Lock()
	lis, ok := n.listeners[addr]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no route to %s", addr)
	}
	return lis.DialContext(ctx)
}

func (n *network) client(t *testing.T, self dht.PeerRecord) *Client {
	t.Helper()
	c := NewClient(ClientConfig{
		Self:            self,
		Dialer:          n.dial,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}, nil, nil)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestErrorMapping_PreservesSentinels(t *testing.T) {
	for _, s := range sentinelCodes {
		t.Run(s.err.Error(), func(t *testing.T) {
			wire := toStatus(fmt.Errorf("op on %q: %w", "k", s.err))
			assert.ErrorIs(t, fromStatus(wire), s.err)
		})
	}

	assert.NoError(t, fromStatus(toStatus(nil)))
	assert.ErrorIs(t, fromStatus(toStatus(context.DeadlineExceeded)), types.ErrTimeout)
	assert.False(t, types.IsRetryable(fromStatus(toStatus(errors.New("boom")))))
}

func TestClient_ReplicaRoundTrip(t *testing.T) {
	nw := newNetwork()
	remote := storage.NewMemoryStore()

	var contacted []dht.PeerRecord
	var mu sync.Mutex
	nw.serve(t, "peer-1:7000", func(s *grpc.Server) {
		RegisterReplicaServer(s, remote, func(p dht.PeerRecord) {
			mu.Lock()
			contacted = append(contacted, p)
			mu.Unlock()
		}, nil)
	})

	self := dht.PeerRecord{ID: dht.NewNodeIdentifier("self"), Address: "self:7000", FederationID: "f1"}
	c := nw.client(t, self)
	peer := dht.PeerRecord{ID: dht.NewNodeIdentifier("peer-1"), Address: "peer-1:7000"}
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx, peer))
	require.NoError(t, c.Store(ctx, peer, "f1", "docs/a", []byte("replica")))

	stored, err := remote.Get("f1", "docs/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("replica"), stored)

	got, err := c.Fetch(ctx, peer, "f1", "docs/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("replica"), got)

	ok, err := c.Contains(ctx, peer, "f1", "docs/a")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Remove(ctx, peer, "f1", "docs/a"))
	_, err = c.Fetch(ctx, peer, "f1", "docs/a")
	assert.ErrorIs(t, err, types.ErrKeyNotFound)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, contacted)
	assert.Equal(t, self.ID, contacted[0].ID)
	assert.Equal(t, "self:7000", contacted[0].Address)
	assert.Equal(t, "f1", contacted[0].FederationID)
}

func TestClient_DrivesDHTReplication(t *testing.T) {
	nw := newNetwork()
	table := dht.NewRoutingTable(dht.NewNodeIdentifier("local"), dht.RoutingTableConfig{}, nil, nil)

	remotes := map[string]storage.Store{}
	for i := 0; i < 3; i++ {
		addr := fmt.Sprintf("peer-%d:7000", i)
		store := storage.NewMemoryStore()
		remotes[addr] = store
		nw.serve(t, addr, func(s *grpc.Server) { RegisterReplicaServer(s, store, nil, nil) })
		_, err := table.AddNode(dht.PeerRecord{ID: dht.NewNodeIdentifier(addr), Address: addr})
		require.NoError(t, err)
	}

	d := dht.New("f1", table, storage.NewMemoryStore(), nw.client(t, dht.PeerRecord{}), dht.Config{ReplicaTimeout: time.Second}, nil)
	result, err := d.Store(context.Background(), "k", []byte("v"), dht.StoreOptions{Redundancy: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Copies())

	held := 0
	for _, store := range remotes {
		if ok, _ := store.Contains("f1", "k"); ok {
			held++
		}
	}
	assert.Equal(t, 2, held)
}

func TestClient_CircuitOpensOnRepeatedFailures(t *testing.T) {
	nw := newNetwork()
	c := nw.client(t, dht.PeerRecord{})
	peer := dht.PeerRecord{ID: dht.NewNodeIdentifier("gone"), Address: "gone:7000"}

	err := c.Ping(context.Background(), peer)
	assert.ErrorIs(t, err, types.ErrNetwork)
	assert.Equal(t, CircuitOpen, c.State("gone:7000"))

	err = c.Store(context.Background(), peer, "f1", "k", []byte("v"))
	assert.ErrorIs(t, err, types.ErrNetwork)
	assert.Contains(t, err.Error(), "circuit open")
}

func newEngine(t *testing.T, fed types.FederationID) *engine.Engine {
	t.Helper()
	store := storage.NewMemoryStore()
	table := dht.NewRoutingTable(dht.NewNodeIdentifier(fed.String()), dht.RoutingTableConfig{}, nil, nil)
	km, err := keys.NewLocalManager(nil, nil, nil)
	require.NoError(t, err)
	e, err := engine.New(engine.Config{Federation: fed}, engine.Deps{
		Store: store,
		DHT:   dht.New(fed.String(), table, store, nil, dht.Config{}, nil),
		Keys:  km,
	})
	require.NoError(t, err)
	return e
}

func TestRemoteStorage_DelegatesToPartnerEngine(t *testing.T) {
	nw := newNetwork()
	partner := newEngine(t, "f2")
	nw.serve(t, "f2:7000", func(s *grpc.Server) { RegisterStorageServer(s, partner, nil) })

	c := nw.client(t, dht.PeerRecord{})
	remote := c.FederationStorage("f2", "f1", []string{"down:7000", "f2:7000"})
	assert.Equal(t, types.FederationID("f2"), remote.Federation())

	policy := &federation.DataAccessPolicy{
		ReadFederations:    federation.NewFederationSet("f1", "f2"),
		WriteFederations:   federation.NewFederationSet("f1", "f2"),
		AdminFederations:   federation.NewFederationSet("f1", "f2"),
		EncryptionRequired: true,
		RedundancyFactor:   1,
		MaxVersions:        3,
	}
	ctx := federation.WithRequester(context.Background(), "f1")

	loc, err := remote.Put(ctx, "shared/doc", []byte("over the wire"), policy)
	require.NoError(t, err)
	assert.Equal(t, "shared/doc", loc.Key)
	assert.True(t, loc.Policy.ReadFederations.Contains("f1"))

	got, err := remote.Get(ctx, "shared/doc")
	require.NoError(t, err)
	assert.Equal(t, []byte("over the wire"), got)

	ok, err := remote.CheckAccess(ctx, "shared/doc", types.AccessAdmin)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = remote.Get(federation.WithRequester(context.Background(), "f3"), "shared/doc")
	assert.ErrorIs(t, err, types.ErrPermissionDenied)

	require.NoError(t, remote.Delete(ctx, "shared/doc"))
	_, err = remote.Get(ctx, "shared/doc")
	assert.ErrorIs(t, err, types.ErrKeyNotFound)

	// calls without a requester act as the local federation
	_, err = remote.Put(context.Background(), "mine", []byte("v"), nil)
	require.NoError(t, err)
	ok, err = partner.CheckAccess(federation.WithRequester(context.Background(), "f1"), "mine", types.AccessAdmin)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRemoteStorage_NoEndpoints(t *testing.T) {
	c := newNetwork().client(t, dht.PeerRecord{})
	_, err := c.FederationStorage("f2", "f1", nil).Get(context.Background(), "k")
	assert.ErrorIs(t, err, types.ErrRouteNotFound)
}
