package dht

import (
	"context"
	"fmt"
	"sync"

	"fedstore/pkg/storage"
	"fedstore/pkg/types"
)

// MemoryTransport connects peers inside one process. Each address maps to a
// storage.Store. Addresses can be taken down to simulate failed peers.
type MemoryTransport struct {
	mu     sync.RWMutex
	peers  map[string]storage.Store
	down   map[string]bool
	delays map[string]chan struct{}
}

// NewMemoryTransport creates an empty in-process network
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		peers:  make(map[string]storage.Store),
		down:   make(map[string]bool),
		delays: make(map[string]chan struct{}),
	}
}

// Register attaches store at address
func (m *MemoryTransport) Register(address string, store storage.Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[address] = store
}

// SetDown makes calls to address fail with ErrNetwork
func (m *MemoryTransport) SetDown(address string, down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down[address] = down
}

// Block makes calls to address hang until the context ends or Unblock is called
func (m *MemoryTransport) Block(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.delays[address]; !ok {
		m.delays[address] = make(chan struct{})
	}
}

// Unblock releases calls held by Block
func (m *MemoryTransport) Unblock(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.delays[address]; ok {
		close(ch)
		delete(m.delays, address)
	}
}

func (m *MemoryTransport) resolve(ctx context.Context, peer PeerRecord) (storage.Store, error) {
	m.mu.RLock()
	store, ok := m.peers[peer.Address]
	down := m.down[peer.Address]
	wait := m.delays[peer.Address]
	m.mu.RUnlock()

	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w", peer.Address, types.ErrTimeout)
		}
	}
	if !ok || down {
		return nil, fmt.Errorf("%s unreachable: %w", peer.Address, types.ErrNetwork)
	}
	return store, nil
}

func (m *MemoryTransport) Store(ctx context.Context, peer PeerRecord, namespace, key string, value []byte) error {
	store, err := m.resolve(ctx, peer)
	if err != nil {
		return err
	}
	return store.Put(namespace, key, value)
}

func (m *MemoryTransport) Fetch(ctx context.Context, peer PeerRecord, namespace, key string) ([]byte, error) {
	store, err := m.resolve(ctx, peer)
	if err != nil {
		return nil, err
	}
	return store.Get(namespace, key)
}

func (m *MemoryTransport) Remove(ctx context.Context, peer PeerRecord, namespace, key string) error {
	store, err := m.resolve(ctx, peer)
	if err != nil {
		return err
	}
	return store.Delete(namespace, key)
}

func (m *MemoryTransport) Contains(ctx context.Context, peer PeerRecord, namespace, key string) (bool, error) {
	store, err := m.resolve(ctx, peer)
	if err != nil {
		return false, err
	}
	return store.Contains(namespace, key)
}

func (m *MemoryTransport) Ping(ctx context.Context, peer PeerRecord) error {
	_, err := m.resolve(ctx, peer)
	return err
}
