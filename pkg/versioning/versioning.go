// Package versioning keeps a bounded, append-only history of the values
// written to each versioned key.
package versioning

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"fedstore/pkg/keys"
	"fedstore/pkg/types"

	"github.com/google/uuid"
)

// VersionRecord describes one stored version of a key
type VersionRecord struct {
	VersionID   string             `json:"version_id"`
	StorageKey  string             `json:"storage_key"`
	CreatedAt   time.Time          `json:"created_at"`
	SizeBytes   int64              `json:"size_bytes"`
	ContentHash string             `json:"content_hash"`
	CreatedBy   types.FederationID `json:"created_by,omitempty"`
	Comment     string             `json:"comment,omitempty"`
	Encryption  *keys.Metadata     `json:"encryption_metadata,omitempty"`
}

// NewVersionID returns an id of the form v-<unix seconds>-<8 hex>
func NewVersionID(now time.Time) string {
	return fmt.Sprintf("v-%d-%s", now.Unix(), uuid.NewString()[:8])
}

// StorageKey is where the bytes of version id of key are stored
func StorageKey(key, id string) string {
	return key + ".versions/" + id
}

// History is the version list of one key, oldest first
type History struct {
	Key         string          `json:"key"`
	MaxVersions int             `json:"max_versions"`
	Records     []VersionRecord `json:"records"`
}

// append adds rec and returns the records dropped to stay within MaxVersions
func (h *History) append(rec VersionRecord) []VersionRecord {
	h.Records = append(h.Records, rec)
	return h.prune()
}

func (h *History) prune() []VersionRecord {
	if h.MaxVersions <= 0 || len(h.Records) <= h.MaxVersions {
		return nil
	}
	excess := len(h.Records) - h.MaxVersions
	pruned := append([]VersionRecord(nil), h.Records[:excess]...)
	h.Records = append([]VersionRecord(nil), h.Records[excess:]...)
	return pruned
}

func (h *History) clone() *History {
	out := *h
	out.Records = append([]VersionRecord(nil), h.Records...)
	return &out
}

// Manager holds the histories of every versioned key
type Manager struct {
	mu        sync.RWMutex
	histories map[string]*History
}

// NewManager creates an empty version manager
func NewManager() *Manager {
	return &Manager{
		histories: make(map[string]*History),
	}
}

// Enable starts versioning key. It returns false when key was already
// versioned, leaving its history untouched.
func (m *Manager) Enable(key string, maxVersions int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.histories[key]; ok {
		return false
	}
	m.histories[key] = &History{Key: key, MaxVersions: maxVersions}
	return true
}

// IsVersioned reports whether key has a history
func (m *Manager) IsVersioned(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.histories[key]
	return ok
}

// Append records a new version and returns any records pruned to respect
// the history bound
func (m *Manager) Append(key string, rec VersionRecord) ([]VersionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.histories[key]
	if !ok {
		return nil, fmt.Errorf("%q: %w", key, types.ErrNotVersioned)
	}
	return h.append(rec), nil
}

// List returns the versions of key, newest first
func (m *Manager) List(key string) ([]VersionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.histories[key]
	if !ok {
		return nil, fmt.Errorf("%q: %w", key, types.ErrNotVersioned)
	}
	out := make([]VersionRecord, len(h.Records))
	for i, rec := range h.Records {
		out[len(h.Records)-1-i] = rec
	}
	return out, nil
}

// Get returns version id of key
func (m *Manager) Get(key, id string) (VersionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.histories[key]
	if !ok {
		return VersionRecord{}, fmt.Errorf("%q: %w", key, types.ErrNotVersioned)
	}
	for _, rec := range h.Records {
		if rec.VersionID == id {
			return rec, nil
		}
	}
	return VersionRecord{}, fmt.Errorf("%q version %s: %w", key, id, types.ErrVersionNotFound)
}

// Current returns the newest version of key
func (m *Manager) Current(key string) (VersionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.histories[key]
	if !ok {
		return VersionRecord{}, fmt.Errorf("%q: %w", key, types.ErrNotVersioned)
	}
	if len(h.Records) == 0 {
		return VersionRecord{}, fmt.Errorf("%q has no versions: %w", key, types.ErrVersionNotFound)
	}
	return h.Records[len(h.Records)-1], nil
}

// Replace overwrites the record with the same VersionID, used when a
// version blob is re-encrypted
func (m *Manager) Replace(key string, rec VersionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.histories[key]
	if !ok {
		return fmt.Errorf("%q: %w", key, types.ErrNotVersioned)
	}
	for i := range h.Records {
		if h.Records[i].VersionID == rec.VersionID {
			h.Records[i] = rec
			return nil
		}
	}
	return fmt.Errorf("%q version %s: %w", key, rec.VersionID, types.ErrVersionNotFound)
}

// SetMaxVersions changes the bound for key, pruning immediately
func (m *Manager) SetMaxVersions(key string, maxVersions int) ([]VersionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.histories[key]
	if !ok {
		return nil, fmt.Errorf("%q: %w", key, types.ErrNotVersioned)
	}
	h.MaxVersions = maxVersions
	return h.prune(), nil
}

// Delete drops the history of key and returns its records
func (m *Manager) Delete(key string) []VersionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.histories[key]
	if !ok {
		return nil
	}
	delete(m.histories, key)
	return h.Records
}

// Snapshot returns a copy of the history of key
func (m *Manager) Snapshot(key string) (*History, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.histories[key]
	if !ok {
		return nil, false
	}
	return h.clone(), true
}

// Restore installs a previously persisted history
func (m *Manager) Restore(h *History) {
	m.mu.Lock()
	defer m.mu.Unlock()

	restored := h.clone()
	sort.SliceStable(restored.Records, func(i, j int) bool {
		return restored.Records[i].CreatedAt.Before(restored.Records[j].CreatedAt)
	})
	restored.prune()
	m.histories[h.Key] = restored
}

// Keys returns every versioned key, sorted
func (m *Manager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.histories))
	for key := range m.histories {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
