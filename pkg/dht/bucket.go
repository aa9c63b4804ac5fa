package dht

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// BucketSize is the Kademlia k parameter
const BucketSize = 20

// PeerRecord describes a known peer
type PeerRecord struct {
	ID           NodeIdentifier `json:"id"`
	Address      string         `json:"address"`
	FederationID string         `json:"federation_id,omitempty"`
	LastSeen     time.Time      `json:"last_seen"`
	IsActive     bool           `json:"is_active"`
}

// RoutingBucket holds up to BucketSize peers ordered by recency of contact.
// It is not safe for concurrent use; RoutingTable serializes access.
type RoutingBucket struct {
	lru  *simplelru.LRU[NodeIdentifier, *PeerRecord]
	size int
}

func newRoutingBucket(size int) *RoutingBucket {
	// simplelru only errors on a non-positive size
	lru, _ := simplelru.NewLRU[NodeIdentifier, *PeerRecord](size, nil)
	return &RoutingBucket{lru: lru, size: size}
}

// upsert inserts or refreshes a peer. When the bucket is full the least
// recently seen peer is evicted and returned.
func (b *RoutingBucket) upsert(rec PeerRecord) (evicted *PeerRecord) {
	if existing, ok := b.lru.Get(rec.ID); ok {
		*existing = rec
		return nil
	}
	if b.lru.Len() >= b.size {
		_, oldest, ok := b.lru.RemoveOldest()
		if ok {
			evicted = oldest
		}
	}
	stored := rec
	b.lru.Add(rec.ID, &stored)
	return evicted
}

func (b *RoutingBucket) get(id NodeIdentifier) (*PeerRecord, bool) {
	return b.lru.Peek(id)
}

// touch moves the peer to the most recently seen position
func (b *RoutingBucket) touch(id NodeIdentifier) (*PeerRecord, bool) {
	return b.lru.Get(id)
}

func (b *RoutingBucket) remove(id NodeIdentifier) bool {
	return b.lru.Remove(id)
}

// Len returns the number of peers in the bucket
func (b *RoutingBucket) Len() int {
	return b.lru.Len()
}

func (b *RoutingBucket) full() bool {
	return b.lru.Len() >= b.size
}

// Peers returns copies ordered from least to most recently seen
func (b *RoutingBucket) Peers() []PeerRecord {
	out := make([]PeerRecord, 0, b.lru.Len())
	for _, id := range b.lru.Keys() {
		if rec, ok := b.lru.Peek(id); ok {
			out = append(out, *rec)
		}
	}
	return out
}
