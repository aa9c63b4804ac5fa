package federation

import (
	"sort"
	"strings"
	"sync"
	"time"

	"fedstore/pkg/keys"
)

// DataLocation is the per-key record of where a value lives and how it is
// protected
type DataLocation struct {
	Key          string            `json:"key"`
	StoragePeers []string          `json:"storage_peers"`
	Policy       *DataAccessPolicy `json:"policy"`
	ContentHash  string            `json:"content_hash"`
	SizeBytes    int64             `json:"size_bytes"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Encryption   *keys.Metadata    `json:"encryption_metadata,omitempty"`
	IsVersioned  bool              `json:"is_versioned"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// HasSufficientReplicas reports whether the key meets its redundancy factor
func (l *DataLocation) HasSufficientReplicas() bool {
	if l.Policy == nil {
		return len(l.StoragePeers) >= 1
	}
	return len(l.StoragePeers) >= l.Policy.RedundancyFactor
}

// IsExpired reports whether the key's policy has expired at now
func (l *DataLocation) IsExpired(now time.Time) bool {
	return l.Policy.IsExpired(now)
}

// Clone returns a deep copy
func (l *DataLocation) Clone() *DataLocation {
	if l == nil {
		return nil
	}
	out := *l
	out.StoragePeers = append([]string(nil), l.StoragePeers...)
	out.Policy = l.Policy.Clone()
	out.Encryption = l.Encryption.Clone()
	if l.Metadata != nil {
		out.Metadata = make(map[string]string, len(l.Metadata))
		for k, v := range l.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// LocationTracker holds the DataLocation of every key owned by one engine.
// Concurrent writers resolve by last-writer-wins on UpdatedAt.
type LocationTracker struct {
	mu        sync.RWMutex
	locations map[string]*DataLocation
}

// NewLocationTracker creates an empty tracker
func NewLocationTracker() *LocationTracker {
	return &LocationTracker{
		locations: make(map[string]*DataLocation),
	}
}

// Upsert stores loc unless the tracked record is strictly newer. The original
// CreatedAt is kept across updates. It reports whether loc was applied.
func (t *LocationTracker) Upsert(loc *DataLocation) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	stored := loc.Clone()
	if existing, ok := t.locations[loc.Key]; ok {
		if existing.UpdatedAt.After(loc.UpdatedAt) {
			return false
		}
		if !existing.CreatedAt.IsZero() {
			stored.CreatedAt = existing.CreatedAt
		}
	}
	t.locations[loc.Key] = stored
	return true
}

// Update applies fn to a copy of the record for key and stores the result.
// It reports whether the key was tracked.
func (t *LocationTracker) Update(key string, fn func(*DataLocation)) (*DataLocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.locations[key]
	if !ok {
		return nil, false
	}
	updated := existing.Clone()
	fn(updated)
	t.locations[key] = updated
	return updated.Clone(), true
}

// Get returns a copy of the record for key
func (t *LocationTracker) Get(key string) (*DataLocation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	loc, ok := t.locations[key]
	if !ok {
		return nil, false
	}
	return loc.Clone(), true
}

// Remove drops the record for key
func (t *LocationTracker) Remove(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.locations[key]
	delete(t.locations, key)
	return ok
}

// List returns copies of records whose key starts with prefix, sorted by key
func (t *LocationTracker) List(prefix string) []*DataLocation {
	t.mu.RLock()
	out := make([]*DataLocation, 0, len(t.locations))
	for key, loc := range t.locations {
		if strings.HasPrefix(key, prefix) {
			out = append(out, loc.Clone())
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Expired returns the keys whose policy has expired at now
func (t *LocationTracker) Expired(now time.Time) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	for key, loc := range t.locations {
		if loc.IsExpired(now) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// UnderReplicated returns the keys below their redundancy factor
func (t *LocationTracker) UnderReplicated() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	for key, loc := range t.locations {
		if !loc.HasSufficientReplicas() {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of tracked keys
func (t *LocationTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.locations)
}
