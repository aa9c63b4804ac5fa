package storage

import (
	"encoding/hex"
	"strings"

	sha256 "github.com/minio/sha256-simd"
)

// Store is the single-peer persistence primitive. Keys live in namespaces,
// one namespace per federation, so two federations sharing a peer never see
// each other's entries.
type Store interface {
	// Put writes value under key, replacing any previous value
	Put(namespace, key string, value []byte) error

	// Get returns the value for key or an error wrapping types.ErrKeyNotFound
	Get(namespace, key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(namespace, key string) error

	// Contains reports whether key is present
	Contains(namespace, key string) (bool, error)

	// ListKeys returns the keys in namespace starting with prefix, sorted
	ListKeys(namespace, prefix string) ([]string, error)

	// Close releases underlying resources
	Close() error
}

// ContentHash returns the lowercase hex SHA-256 digest of data
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyContent reports whether data matches the expected content hash
func VerifyContent(data []byte, expected string) bool {
	return strings.EqualFold(ContentHash(data), expected)
}

// copyBytes returns a copy so callers can never alias stored buffers
func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
