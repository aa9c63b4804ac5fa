package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fedstore/pkg/types"

	"go.etcd.io/bbolt"
)

// BoltStore persists namespaces as bbolt buckets in a single file
type BoltStore struct {
	db *bbolt.DB
}

// Compile-time interface checks.
var (
	_ Store = (*BoltStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// OpenBoltStore opens or creates the database at path. The parent directory
// is created when missing.
func OpenBoltStore(path string, timeout time.Duration) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("storage: create directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("storage: open bolt db: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Put writes value into the namespace bucket, creating it if needed
func (s *BoltStore) Put(namespace, key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return fmt.Errorf("storage: create bucket %q: %w", namespace, err)
		}
		if err := bucket.Put([]byte(key), value); err != nil {
			return fmt.Errorf("storage: put %s/%s: %w", namespace, key, err)
		}
		return nil
	})
}

// Get returns a copy of the stored value. bbolt values are only valid inside
// the transaction.
func (s *BoltStore) Get(namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return fmt.Errorf("%s/%s: %w", namespace, key, types.ErrKeyNotFound)
		}
		data := bucket.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", namespace, key, types.ErrKeyNotFound)
		}
		value = copyBytes(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Delete removes key if present
func (s *BoltStore) Delete(namespace, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

// Contains reports whether key is present
func (s *BoltStore) Contains(namespace, key string) (bool, error) {
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket != nil {
			found = bucket.Get([]byte(key)) != nil
		}
		return nil
	})
	return found, err
}

// ListKeys walks the bucket with a cursor seeked to prefix. Keys come back
// in byte order, which bbolt maintains.
func (s *BoltStore) ListKeys(namespace, prefix string) ([]string, error) {
	keys := []string{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		p := []byte(prefix)
		c := bucket.Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", namespace, err)
	}
	return keys, nil
}
