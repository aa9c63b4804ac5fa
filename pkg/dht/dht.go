package dht

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fedstore/pkg/storage"
	"fedstore/pkg/types"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultConcurrency bounds parallel replica pushes per operation
	DefaultConcurrency = 8
	// DefaultReplicaTimeout bounds a single remote call
	DefaultReplicaTimeout = 5 * time.Second
	// DefaultLookupPeers is how many nearest peers Get and Exists consult
	DefaultLookupPeers = 8
)

// Config tunes a DHT
type Config struct {
	Concurrency    int
	ReplicaTimeout time.Duration
	LookupPeers    int
}

// StoreOptions controls replica fan-out for one Store call
type StoreOptions struct {
	// Redundancy is the number of remote peers to push a copy to
	Redundancy int
	// Filter excludes peers from fan-out when it returns false
	Filter func(PeerRecord) bool
}

// StoreResult reports where a value landed
type StoreResult struct {
	Local    bool
	Replicas []PeerRecord
	Failures error
}

// Copies returns the number of durable copies, local included
func (r StoreResult) Copies() int {
	n := len(r.Replicas)
	if r.Local {
		n++
	}
	return n
}

// DHT stores values locally and replicates them to the peers nearest each
// key. Each instance is bound to one namespace of the local store.
type DHT struct {
	namespace string
	table     *RoutingTable
	store     storage.Store
	transport Transport
	config    Config
	logger    *zap.Logger
}

// New creates a DHT over table, persisting locally in store under namespace
func New(namespace string, table *RoutingTable, store storage.Store, transport Transport, cfg Config, logger *zap.Logger) *DHT {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.ReplicaTimeout <= 0 {
		cfg.ReplicaTimeout = DefaultReplicaTimeout
	}
	if cfg.LookupPeers <= 0 {
		cfg.LookupPeers = DefaultLookupPeers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DHT{
		namespace: namespace,
		table:     table,
		store:     store,
		transport: transport,
		config:    cfg,
		logger:    logger.With(zap.String("namespace", namespace)),
	}
}

// Table returns the routing table
func (d *DHT) Table() *RoutingTable {
	return d.table
}

// Namespace returns the local store namespace
func (d *DHT) Namespace() string {
	return d.namespace
}

// Bootstrap pings each seed peer and adds the reachable ones
func (d *DHT) Bootstrap(ctx context.Context, seeds []PeerRecord) int {
	added := 0
	for _, seed := range seeds {
		if d.transport != nil {
			pctx, cancel := context.WithTimeout(ctx, d.config.ReplicaTimeout)
			err := d.transport.Ping(pctx, seed)
			cancel()
			if err != nil {
				d.logger.Warn("Bootstrap peer unreachable",
					zap.String("address", seed.Address),
					zap.Error(err))
				continue
			}
		}
		if ok, err := d.table.AddNode(seed); err == nil && ok {
			added++
		}
	}
	return added
}

// Store writes value locally and pushes copies to the nearest active peers.
// Individual remote failures are absorbed. ErrInsufficientReplicas is
// returned only when no copy landed anywhere. Cancelling ctx abandons pending
// pushes and returns the copies completed so far.
func (d *DHT) Store(ctx context.Context, key string, value []byte, opts StoreOptions) (StoreResult, error) {
	var result StoreResult

	localErr := d.store.Put(d.namespace, key, value)
	if localErr != nil {
		d.logger.Warn("Local write failed", zap.String("key", key), zap.Error(localErr))
		result.Failures = multierr.Append(result.Failures, fmt.Errorf("local: %w", localErr))
	} else {
		result.Local = true
	}

	if opts.Redundancy > 0 && d.transport != nil {
		targets := d.selectPeers(key, opts.Redundancy, opts.Filter)
		replicas, failures := d.push(ctx, targets, key, value)
		result.Replicas = replicas
		result.Failures = multierr.Append(result.Failures, failures)
	}

	if result.Copies() == 0 {
		return result, fmt.Errorf("store %s: %w", key, multierr.Append(types.ErrInsufficientReplicas, result.Failures))
	}

	d.logger.Debug("Stored value",
		zap.String("key", key),
		zap.Bool("local", result.Local),
		zap.Int("replicas", len(result.Replicas)))
	return result, nil
}

func (d *DHT) selectPeers(key string, n int, filter func(PeerRecord) bool) []PeerRecord {
	// over-fetch so filtered peers can be skipped
	candidates := d.table.FindClosestNodes(KeyIdentifier(key), n*2+BucketSize)
	selected := make([]PeerRecord, 0, n)
	for _, peer := range candidates {
		if filter != nil && !filter(peer) {
			continue
		}
		selected = append(selected, peer)
		if len(selected) == n {
			break
		}
	}
	return selected
}

func (d *DHT) push(ctx context.Context, targets []PeerRecord, key string, value []byte) ([]PeerRecord, error) {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		replicas []PeerRecord
		failures error
	)

	sem := semaphore.NewWeighted(int64(d.config.Concurrency))
	for _, peer := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			failures = multierr.Append(failures, fmt.Errorf("replication abandoned: %w", err))
			mu.Unlock()
			break
		}

		wg.Add(1)
		go func(peer PeerRecord) {
			defer wg.Done()
			defer sem.Release(1)

			rctx, cancel := context.WithTimeout(ctx, d.config.ReplicaTimeout)
			defer cancel()

			err := d.transport.Store(rctx, peer, d.namespace, key, value)
			if err == nil {
				d.table.MarkSeen(peer.ID)
			} else {
				d.table.MarkFailure(peer.ID)
				d.logger.Warn("Replica push failed",
					zap.String("key", key),
					zap.String("peer", peer.ID.Short()),
					zap.String("address", peer.Address),
					zap.Error(err))
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = multierr.Append(failures, fmt.Errorf("peer %s: %w", peer.ID.Short(), err))
				return
			}
			replicas = append(replicas, peer)
		}(peer)
	}
	wg.Wait()

	return replicas, failures
}

// Get returns the first copy of key accepted by validate, trying the local
// store, then the given holders, then the nearest peers. A corrupt local copy
// is repaired from the first valid remote copy.
func (d *DHT) Get(ctx context.Context, key string, validate func([]byte) error, holders ...NodeIdentifier) ([]byte, error) {
	var invalid error

	value, err := d.store.Get(d.namespace, key)
	localCorrupt := false
	switch {
	case err == nil:
		if verr := check(validate, value); verr == nil {
			return value, nil
		} else {
			localCorrupt = true
			invalid = verr
			d.logger.Warn("Local copy failed validation", zap.String("key", key), zap.Error(verr))
		}
	case !errors.Is(err, types.ErrKeyNotFound):
		d.logger.Warn("Local read failed", zap.String("key", key), zap.Error(err))
	}

	if d.transport != nil {
		for _, peer := range d.lookupPeers(key, holders) {
			if ctx.Err() != nil {
				break
			}

			fctx, cancel := context.WithTimeout(ctx, d.config.ReplicaTimeout)
			remote, ferr := d.transport.Fetch(fctx, peer, d.namespace, key)
			cancel()

			if ferr != nil {
				if !errors.Is(ferr, types.ErrKeyNotFound) {
					d.table.MarkFailure(peer.ID)
				}
				continue
			}
			d.table.MarkSeen(peer.ID)

			if verr := check(validate, remote); verr != nil {
				invalid = verr
				d.logger.Warn("Remote copy failed validation",
					zap.String("key", key),
					zap.String("peer", peer.ID.Short()),
					zap.Error(verr))
				continue
			}

			if localCorrupt {
				if perr := d.store.Put(d.namespace, key, remote); perr != nil {
					d.logger.Warn("Failed to repair local copy", zap.String("key", key), zap.Error(perr))
				}
			}
			return remote, nil
		}
	}

	if invalid != nil {
		return nil, invalid
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("get %s: %w: %v", key, types.ErrTimeout, ctx.Err())
	}
	return nil, fmt.Errorf("get %s: %w", key, types.ErrKeyNotFound)
}

func check(validate func([]byte) error, value []byte) error {
	if validate == nil {
		return nil
	}
	return validate(value)
}

// lookupPeers returns known holders first, followed by the nearest active
// peers not already listed
func (d *DHT) lookupPeers(key string, holders []NodeIdentifier) []PeerRecord {
	seen := make(map[NodeIdentifier]bool)
	peers := []PeerRecord{}

	for _, id := range holders {
		if id == d.table.LocalID() || seen[id] {
			continue
		}
		if rec, ok := d.table.Peer(id); ok && rec.IsActive {
			seen[id] = true
			peers = append(peers, rec)
		}
	}
	for _, rec := range d.table.FindClosestNodes(KeyIdentifier(key), d.config.LookupPeers) {
		if !seen[rec.ID] {
			seen[rec.ID] = true
			peers = append(peers, rec)
		}
	}
	return peers
}

// Exists reports whether any reachable copy of key exists
func (d *DHT) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := d.store.Contains(d.namespace, key)
	if err == nil && ok {
		return true, nil
	}
	if d.transport == nil {
		return false, err
	}

	for _, peer := range d.lookupPeers(key, nil) {
		cctx, cancel := context.WithTimeout(ctx, d.config.ReplicaTimeout)
		found, cerr := d.transport.Contains(cctx, peer, d.namespace, key)
		cancel()
		if cerr != nil {
			d.table.MarkFailure(peer.ID)
			continue
		}
		d.table.MarkSeen(peer.ID)
		if found {
			return true, nil
		}
	}
	return false, nil
}

// Remove deletes the local copy and asks holders and the nearest peers to
// drop theirs. Remote failures are logged and returned as a combined error
// alongside a nil local error; callers treat them as best-effort.
func (d *DHT) Remove(ctx context.Context, key string, holders ...NodeIdentifier) (local error, remote error) {
	local = d.store.Delete(d.namespace, key)
	if d.transport == nil {
		return local, nil
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	sem := semaphore.NewWeighted(int64(d.config.Concurrency))
	for _, peer := range d.lookupPeers(key, holders) {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			remote = multierr.Append(remote, err)
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func(peer PeerRecord) {
			defer wg.Done()
			defer sem.Release(1)

			rctx, cancel := context.WithTimeout(ctx, d.config.ReplicaTimeout)
			defer cancel()

			if err := d.transport.Remove(rctx, peer, d.namespace, key); err != nil {
				d.logger.Debug("Remote remove failed",
					zap.String("key", key),
					zap.String("peer", peer.ID.Short()),
					zap.Error(err))
				mu.Lock()
				remote = multierr.Append(remote, fmt.Errorf("peer %s: %w", peer.ID.Short(), err))
				mu.Unlock()
			}
		}(peer)
	}
	wg.Wait()

	return local, remote
}

// ListKeys lists local keys with prefix
func (d *DHT) ListKeys(prefix string) ([]string, error) {
	return d.store.ListKeys(d.namespace, prefix)
}
