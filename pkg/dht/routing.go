package dht

import (
	"fmt"
	"sort"
	"sync"

	"fedstore/pkg/types"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// RoutingTableConfig tunes a RoutingTable
type RoutingTableConfig struct {
	// BucketSize is k. Zero means BucketSize.
	BucketSize int
	// MaxPeers caps the total number of peers. Zero means unbounded.
	MaxPeers int
	// MaxFailures is the number of consecutive failed contacts after which a
	// peer is marked inactive. Zero means 3.
	MaxFailures int
}

// RoutingTable organizes known peers into k-buckets by XOR distance from
// the local identifier
type RoutingTable struct {
	mu       sync.RWMutex
	localID  NodeIdentifier
	buckets  [NumBuckets]*RoutingBucket
	failures map[NodeIdentifier]int
	size     int
	config   RoutingTableConfig
	clock    clock.Clock
	logger   *zap.Logger
}

// NewRoutingTable creates an empty routing table for localID
func NewRoutingTable(localID NodeIdentifier, cfg RoutingTableConfig, clk clock.Clock, logger *zap.Logger) *RoutingTable {
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = BucketSize
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rt := &RoutingTable{
		localID:  localID,
		failures: make(map[NodeIdentifier]int),
		config:   cfg,
		clock:    clk,
		logger:   logger,
	}
	for i := range rt.buckets {
		rt.buckets[i] = newRoutingBucket(cfg.BucketSize)
	}
	return rt
}

// LocalID returns the identifier the table is centered on
func (rt *RoutingTable) LocalID() NodeIdentifier {
	return rt.localID
}

// AddNode inserts or refreshes a peer. A peer already present is moved to the
// most recently seen position. A full bucket evicts its least recently seen
// peer. It returns true when the peer is in the table afterwards.
func (rt *RoutingTable) AddNode(rec PeerRecord) (bool, error) {
	if rec.ID.IsZero() || rec.ID == rt.localID {
		return false, fmt.Errorf("add node %s: %w", rec.ID.Short(), types.ErrInvalidNodeID)
	}
	idx := BucketIndex(rt.localID, rec.ID)

	if rec.LastSeen.IsZero() {
		rec.LastSeen = rt.clock.Now()
	}
	rec.IsActive = true

	rt.mu.Lock()
	defer rt.mu.Unlock()

	bucket := rt.buckets[idx]
	_, known := bucket.get(rec.ID)
	if !known && rt.config.MaxPeers > 0 && rt.size >= rt.config.MaxPeers && !bucket.full() {
		return false, fmt.Errorf("add node %s: %w", rec.ID.Short(), types.ErrRoutingTableFull)
	}

	evicted := bucket.upsert(rec)
	delete(rt.failures, rec.ID)
	if !known {
		rt.size++
	}
	if evicted != nil {
		rt.size--
		delete(rt.failures, evicted.ID)
		rt.logger.Debug("Evicted least recently seen peer",
			zap.String("evicted", evicted.ID.Short()),
			zap.String("added", rec.ID.Short()),
			zap.Int("bucket", idx))
	}
	return true, nil
}

// Remove drops a peer from the table
func (rt *RoutingTable) Remove(id NodeIdentifier) bool {
	idx := BucketIndex(rt.localID, id)
	if idx < 0 {
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.buckets[idx].remove(id) {
		rt.size--
		delete(rt.failures, id)
		return true
	}
	return false
}

// Peer returns a copy of the record for id
func (rt *RoutingTable) Peer(id NodeIdentifier) (PeerRecord, bool) {
	idx := BucketIndex(rt.localID, id)
	if idx < 0 {
		return PeerRecord{}, false
	}

	rt.mu.RLock()
	defer rt.mu.RUnlock()

	rec, ok := rt.buckets[idx].get(id)
	if !ok {
		return PeerRecord{}, false
	}
	return *rec, true
}

// MarkSeen records a successful contact with id
func (rt *RoutingTable) MarkSeen(id NodeIdentifier) {
	idx := BucketIndex(rt.localID, id)
	if idx < 0 {
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rec, ok := rt.buckets[idx].touch(id); ok {
		rec.LastSeen = rt.clock.Now()
		rec.IsActive = true
		delete(rt.failures, id)
	}
}

// MarkFailure records a failed contact. The peer becomes inactive after
// MaxFailures consecutive failures. It reports whether the peer is now inactive.
func (rt *RoutingTable) MarkFailure(id NodeIdentifier) bool {
	idx := BucketIndex(rt.localID, id)
	if idx < 0 {
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	rec, ok := rt.buckets[idx].get(id)
	if !ok {
		return false
	}
	rt.failures[id]++
	if rt.failures[id] >= rt.config.MaxFailures && rec.IsActive {
		rec.IsActive = false
		rt.logger.Info("Peer marked inactive",
			zap.String("peer", id.Short()),
			zap.Int("failures", rt.failures[id]))
	}
	return !rec.IsActive
}

// MarkInactive excludes a peer from FindClosestNodes until it is seen again
func (rt *RoutingTable) MarkInactive(id NodeIdentifier) {
	idx := BucketIndex(rt.localID, id)
	if idx < 0 {
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rec, ok := rt.buckets[idx].get(id); ok {
		rec.IsActive = false
	}
}

// FindClosestNodes returns up to k active peers ordered by ascending XOR
// distance to target
func (rt *RoutingTable) FindClosestNodes(target NodeIdentifier, k int) []PeerRecord {
	if k <= 0 {
		return nil
	}

	rt.mu.RLock()
	candidates := make([]PeerRecord, 0, rt.size)
	for _, bucket := range rt.buckets {
		if bucket.Len() == 0 {
			continue
		}
		for _, rec := range bucket.Peers() {
			if rec.IsActive {
				candidates = append(candidates, rec)
			}
		}
	}
	rt.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return CompareDistance(candidates[i].ID, candidates[j].ID, target) < 0
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// Size returns the number of peers in the table
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.size
}

// BucketLen returns the number of peers in bucket idx
func (rt *RoutingTable) BucketLen(idx int) int {
	if idx < 0 || idx >= NumBuckets {
		return 0
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.buckets[idx].Len()
}

// Peers returns every known peer, active or not
func (rt *RoutingTable) Peers() []PeerRecord {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	out := make([]PeerRecord, 0, rt.size)
	for _, bucket := range rt.buckets {
		out = append(out, bucket.Peers()...)
	}
	return out
}
