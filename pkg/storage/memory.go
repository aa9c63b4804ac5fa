package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"fedstore/pkg/types"
)

// MemoryStore is an in-process Store used by tests and ephemeral nodes
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[string][]byte
	closed     bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		namespaces: make(map[string]map[string][]byte),
	}
}

// Put stores a copy of value
func (m *MemoryStore) Put(namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("memory store is closed")
	}

	ns, exists := m.namespaces[namespace]
	if !exists {
		ns = make(map[string][]byte)
		m.namespaces[namespace] = ns
	}
	ns[key] = copyBytes(value)
	return nil
}

// Get returns a copy of the stored value
func (m *MemoryStore) Get(namespace, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.namespaces[namespace][key]
	if !exists {
		return nil, fmt.Errorf("%s/%s: %w", namespace, key, types.ErrKeyNotFound)
	}
	return copyBytes(value), nil
}

// Delete removes key if present
func (m *MemoryStore) Delete(namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ns, exists := m.namespaces[namespace]; exists {
		delete(ns, key)
	}
	return nil
}

// Contains reports whether key is present
func (m *MemoryStore) Contains(namespace, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.namespaces[namespace][key]
	return exists, nil
}

// ListKeys returns sorted keys with the given prefix
func (m *MemoryStore) ListKeys(namespace, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := []string{}
	for key := range m.namespaces[namespace] {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close marks the store closed
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
