// Package node assembles a storage node from its configuration and runs it.
package node

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fedstore/pkg/config"
	"fedstore/pkg/dht"
	"fedstore/pkg/engine"
	"fedstore/pkg/federation"
	"fedstore/pkg/keys"
	"fedstore/pkg/router"
	"fedstore/pkg/storage"
	"fedstore/pkg/transport"
	"fedstore/pkg/types"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// dbFile is the bbolt file under the data directory
const dbFile = "fedstore.db"

// Node is one storage node: a local store, its DHT and engine, the
// federation router, and the gRPC and metrics servers that expose them.
type Node struct {
	cfg    *config.Config
	clock  clock.Clock
	logger *zap.Logger

	store     storage.Store
	keys      *keys.LocalManager
	directory *federation.StaticDirectory
	policies  *federation.PolicyEngine
	table     *dht.RoutingTable
	client    *transport.Client
	dht       *dht.DHT
	quotas    *federation.QuotaManager
	registry  *prometheus.Registry
	metrics   *federation.StorageMetrics
	engine    *engine.Engine
	router    *router.Router
	health    *federation.HealthMonitor

	serverTLS *tls.Config
	server    *grpc.Server
	listener  net.Listener
	http      *http.Server

	mu       sync.Mutex
	prepared bool
	group    *errgroup.Group
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// Option customizes a Node
type Option func(*options)

type options struct {
	clock    clock.Clock
	dialer   func(ctx context.Context, addr string) (net.Conn, error)
	listener net.Listener
}

// WithClock replaces the wall clock
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithListener serves gRPC on l instead of listening on the configured
// address
func WithListener(l net.Listener) Option {
	return func(o *options) { o.listener = l }
}

// WithDialer replaces the network dialer used for outgoing gRPC calls
func WithDialer(dialer func(ctx context.Context, addr string) (net.Conn, error)) Option {
	return func(o *options) { o.dialer = dialer }
}

// New builds a node from cfg. Nothing is served until Start.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (_ *Node, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{
		cfg:      cfg,
		clock:    o.clock,
		logger:   logger.With(zap.String("node_id", cfg.NodeID)),
		listener: o.listener,
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	n.store = store
	defer func() {
		if err != nil {
			store.Close()
		}
	}()

	n.keys, err = keys.NewLocalManager(n.store, n.clock, n.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load keys: %w", err)
	}

	n.directory = buildDirectory(cfg)
	n.policies = federation.NewPolicyEngine(n.directory, n.logger)

	serverTLS, clientTLS, err := buildTLS(cfg.TLS)
	if err != nil {
		return nil, err
	}
	n.serverTLS = serverTLS

	self := n.Self()
	n.table = dht.NewRoutingTable(self.ID, dht.RoutingTableConfig{
		BucketSize:  cfg.DHT.BucketSize,
		MaxPeers:    cfg.DHT.MaxPeers,
		MaxFailures: cfg.DHT.MaxFailures,
	}, n.clock, n.logger)

	client := transport.NewClient(transport.ClientConfig{
		TLS:    clientTLS,
		Self:   self,
		Dialer: o.dialer,
	}, n.clock, n.logger)
	n.client = client
	defer func() {
		if err != nil {
			client.Close()
		}
	}()

	n.dht = dht.New(cfg.FederationID.String(), n.table, n.store, n.client, dht.Config{
		Concurrency:    cfg.DHT.Concurrency,
		ReplicaTimeout: cfg.DHT.ReplicaTimeout.Duration,
		LookupPeers:    cfg.DHT.LookupPeers,
	}, n.logger)

	n.quotas = federation.NewQuotaManager()
	for _, q := range cfg.Quotas {
		n.quotas.SetQuota(q.FederationID, federation.Quota{
			MaxBytes:   q.MaxBytes.Bytes(),
			MaxObjects: q.MaxObjects,
		})
	}

	n.registry = prometheus.NewRegistry()
	n.metrics = federation.NewStorageMetrics(n.registry)

	n.engine, err = engine.New(engine.Config{
		Federation:    cfg.FederationID,
		DefaultPolicy: defaultPolicy(cfg),
	}, engine.Deps{
		Store:     n.store,
		DHT:       n.dht,
		Keys:      n.keys,
		Policies:  n.policies,
		Placement: federation.NewPlacementEngine(cfg.FederationID, 0),
		Quotas:    n.quotas,
		Metrics:   n.metrics,
		Clock:     n.clock,
		Logger:    n.logger,
	})
	if err != nil {
		return nil, err
	}

	n.router = router.New(n.engine, n.directory, n.policies, n.metrics, n.logger)
	if err := n.configureRouter(); err != nil {
		return nil, err
	}

	n.health = federation.NewHealthMonitor(n.metrics, n.engine, cfg.HealthInterval.Duration, n.clock, n.logger)
	return n, nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.Backend == config.BackendMemory {
		return storage.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.OpenBoltStore(filepath.Join(cfg.DataDir, dbFile), cfg.Storage.OpenTimeout.Duration)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return store, nil
}

// buildDirectory registers the local federation and every configured
// partner, with agreements where configured
func buildDirectory(cfg *config.Config) *federation.StaticDirectory {
	dir := federation.NewStaticDirectory(federation.FederationInfo{
		ID:        cfg.FederationID,
		Active:    true,
		Endpoints: []string{cfg.AdvertiseAddress},
	})
	for _, f := range cfg.Federations {
		dir.Register(federation.FederationInfo{
			ID:        f.ID,
			Name:      f.Name,
			Active:    f.Active,
			Endpoints: f.Endpoints,
		})
		if f.Agreement {
			dir.AddAgreement(cfg.FederationID, f.ID)
		}
	}
	return dir
}

// defaultPolicy turns the policy template of cfg into an engine default
func defaultPolicy(cfg *config.Config) *federation.DataAccessPolicy {
	p := federation.DefaultPolicy(cfg.FederationID)
	p.EncryptionRequired = cfg.Policy.EncryptionRequired
	p.RedundancyFactor = cfg.Policy.RedundancyFactor
	p.VersioningEnabled = cfg.Policy.VersioningEnabled
	p.MaxVersions = cfg.Policy.MaxVersions
	return p
}

// RouteFromConfig converts a configured route into a router route whose
// access policy inherits storage settings from the node template
func RouteFromConfig(rc config.RouteConfig, template *federation.DataAccessPolicy) router.StorageRoute {
	policy := template.Clone()
	policy.ReadFederations = federation.NewFederationSet(rc.ReadFederations...)
	policy.WriteFederations = federation.NewFederationSet(rc.WriteFederations...)
	policy.AdminFederations = federation.NewFederationSet(rc.AdminFederations...)
	return router.StorageRoute{
		KeyPrefix:                    rc.KeyPrefix,
		TargetFederations:            rc.TargetFederations,
		AccessPolicy:                 policy,
		PriorityOrder:                rc.PriorityOrder,
		ReplicationAcrossFederations: rc.ReplicationAcrossFederations,
	}
}

// configureRouter registers partner federations and configured routes
func (n *Node) configureRouter() error {
	ctx := context.Background()
	for _, f := range n.cfg.Federations {
		if !f.Agreement || !f.Active || len(f.Endpoints) == 0 {
			continue
		}
		remote := n.client.FederationStorage(f.ID, n.cfg.FederationID, f.Endpoints)
		if err := n.router.RegisterFederationStorage(ctx, remote); err != nil {
			return fmt.Errorf("failed to register federation %s: %w", f.ID, err)
		}
	}

	template := defaultPolicy(n.cfg)
	for _, rc := range n.cfg.Routes {
		if err := n.router.AddRoute(RouteFromConfig(rc, template)); err != nil {
			return err
		}
	}
	return nil
}

// Self is this node's DHT record
func (n *Node) Self() dht.PeerRecord {
	return dht.PeerRecord{
		ID:           dht.NewNodeIdentifier(n.cfg.NodeID),
		Address:      n.cfg.AdvertiseAddress,
		FederationID: n.cfg.FederationID.String(),
		IsActive:     true,
	}
}

// Engine returns the node's storage engine
func (n *Node) Engine() *engine.Engine {
	return n.engine
}

// Router returns the node's federation router
func (n *Node) Router() *router.Router {
	return n.router
}

// Registry returns the node's metrics registry
func (n *Node) Registry() *prometheus.Registry {
	return n.registry
}

// Addr returns the gRPC listen address once Start has run
func (n *Node) Addr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// Prepare restores persisted state and contacts bootstrap peers. Start
// calls it; commands that use the engine without serving call it directly.
func (n *Node) Prepare(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.prepared {
		return nil
	}

	recovered, err := n.engine.Recover(ctx)
	if err != nil {
		n.logger.Warn("Some persisted keys could not be restored", zap.Error(err))
	}

	seeds := make([]dht.PeerRecord, 0, len(n.cfg.BootstrapPeers))
	for _, p := range n.cfg.BootstrapPeers {
		seeds = append(seeds, dht.PeerRecord{
			ID:           dht.NewNodeIdentifier(p.NodeID),
			Address:      p.Address,
			FederationID: p.FederationID.String(),
			IsActive:     true,
		})
	}
	added := n.dht.Bootstrap(ctx, seeds)

	n.logger.Info("Node prepared",
		zap.String("federation", n.cfg.FederationID.String()),
		zap.Int("recovered_keys", recovered),
		zap.Int("bootstrap_peers", added))
	n.prepared = true
	return nil
}

// Start prepares the node and serves gRPC alongside its background loops
// (expiry reaping, peer probing, health) and, when configured, the metrics
// endpoint. It returns once
// everything is running; Wait blocks until they stop.
func (n *Node) Start(ctx context.Context) error {
	if err := n.Prepare(ctx); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.group != nil {
		return fmt.Errorf("node already started")
	}

	if n.listener == nil {
		l, err := net.Listen("tcp", n.cfg.ListenAddress)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", n.cfg.ListenAddress, err)
		}
		n.listener = l
	}

	var serverOpts []grpc.ServerOption
	if n.serverTLS != nil {
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(n.serverTLS)))
		n.logger.Info("TLS enabled for node")
	}
	n.server = grpc.NewServer(serverOpts...)
	transport.RegisterReplicaServer(n.server, n.store, n.learnPeer, n.logger)
	transport.RegisterStorageServer(n.server, n.engine, n.logger)

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	g, runCtx := errgroup.WithContext(runCtx)
	n.group = g

	listener := n.listener
	g.Go(func() error {
		n.logger.Info("Node serving",
			zap.String("address", listener.Addr().String()),
			zap.String("federation", n.cfg.FederationID.String()))
		if err := n.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		n.health.Run()
		return nil
	})

	g.Go(func() error {
		n.reapLoop(runCtx)
		return nil
	})

	g.Go(func() error {
		n.probeLoop(runCtx)
		return nil
	})

	if n.cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		n.health.RegisterHandlers(mux, n.registry)
		n.http = &http.Server{
			Addr:              n.cfg.MetricsAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		server := n.http
		g.Go(func() error {
			return federation.ListenAndServe(server, n.logger)
		})
	}

	// the first failure takes the rest down
	g.Go(func() error {
		<-runCtx.Done()
		n.shutdownServers()
		return nil
	})
	return nil
}

// Wait blocks until the node's servers stop and returns the first error
func (n *Node) Wait() error {
	n.mu.Lock()
	g := n.group
	n.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Run starts the node and blocks until ctx is cancelled or a server fails
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	err := n.Wait()
	return multierr.Append(err, n.Stop())
}

// learnPeer adds peers that contact this node to the routing table
func (n *Node) learnPeer(rec dht.PeerRecord) {
	if rec.ID == n.table.LocalID() {
		return
	}
	if rec.FederationID == "" {
		rec.FederationID = n.cfg.FederationID.String()
	}
	if _, err := n.table.AddNode(rec); err != nil && !errors.Is(err, types.ErrRoutingTableFull) {
		n.logger.Debug("Ignoring contact from peer",
			zap.String("address", rec.Address),
			zap.Error(err))
	}
}

func (n *Node) reapLoop(ctx context.Context) {
	interval := n.cfg.ReapInterval.Duration
	if interval <= 0 {
		return
	}
	ticker := n.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := n.engine.ReapExpired(ctx); err != nil {
				n.logger.Warn("Failed to reap expired keys", zap.Error(err))
			}
		}
	}
}

// probeLoop keeps peer liveness current between replica calls
func (n *Node) probeLoop(ctx context.Context) {
	interval := n.cfg.DHT.ProbeInterval.Duration
	if interval <= 0 {
		return
	}
	liveness := dht.LivenessConfig{
		Fanout:       n.cfg.DHT.ProbeFanout,
		SuspectAfter: n.cfg.DHT.SuspectAfter.Duration,
	}
	ticker := n.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := n.dht.Probe(ctx, liveness)
			if result.Failed > 0 || result.Suspected > 0 {
				n.logger.Debug("Probe round",
					zap.Int("probed", result.Probed),
					zap.Int("failed", result.Failed),
					zap.Int("suspected", result.Suspected))
			}
		}
	}
}

func (n *Node) shutdownServers() {
	n.health.Stop()
	if n.server != nil {
		n.server.GracefulStop()
	}
	if n.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.http.Shutdown(ctx); err != nil {
			n.logger.Warn("Metrics server shutdown failed", zap.Error(err))
		}
	}
}

// Stop shuts the node down and closes its store. It is safe to call more
// than once and on a node that was never started.
func (n *Node) Stop() error {
	var err error
	n.stopOnce.Do(func() {
		n.mu.Lock()
		cancel, g := n.cancel, n.group
		n.mu.Unlock()

		if cancel != nil {
			cancel()
			g.Wait()
		} else {
			n.health.Stop()
		}

		err = multierr.Combine(n.client.Close(), n.store.Close())
		n.logger.Info("Node stopped")
	})
	return err
}

// Status is a point-in-time view of a node for operators
type Status struct {
	Federation types.FederationID         `json:"federation"`
	NodeID     string                     `json:"node_id"`
	Address    string                     `json:"address"`
	Health     float64                    `json:"health"`
	Stats      federation.StorageStats    `json:"stats"`
	Peers      []dht.PeerRecord           `json:"peers"`
	Locations  []*federation.DataLocation `json:"locations"`
	Routes     []router.StorageRoute      `json:"routes"`
}

// Status reports the node's inventory as seen by ctx's requester
func (n *Node) Status(ctx context.Context) Status {
	stats := n.engine.Stats()
	return Status{
		Federation: n.cfg.FederationID,
		NodeID:     n.cfg.NodeID,
		Address:    n.cfg.AdvertiseAddress,
		Health:     federation.HealthScore(stats),
		Stats:      stats,
		Peers:      n.table.Peers(),
		Locations:  n.engine.Locations(ctx, ""),
		Routes:     n.router.Routes(),
	}
}
