package dht

import "context"

// Transport moves replica payloads between peers. Implementations are
// expected to apply their own retry and backoff.
type Transport interface {
	Store(ctx context.Context, peer PeerRecord, namespace, key string, value []byte) error
	Fetch(ctx context.Context, peer PeerRecord, namespace, key string) ([]byte, error)
	Remove(ctx context.Context, peer PeerRecord, namespace, key string) error
	Contains(ctx context.Context, peer PeerRecord, namespace, key string) (bool, error)
	Ping(ctx context.Context, peer PeerRecord) error
}
