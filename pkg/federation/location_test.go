package federation

import (
	"testing"
	"time"

	"fedstore/pkg/keys"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataLocation_HasSufficientReplicas(t *testing.T) {
	tests := []struct {
		name       string
		peers      int
		redundancy int
	}{
		{"below", 1, 3},
		{"exact", 3, 3},
		{"above", 5, 3},
		{"empty", 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := DefaultPolicy(fed1)
			policy.RedundancyFactor = tt.redundancy
			loc := &DataLocation{Key: "k", Policy: policy, StoragePeers: make([]string, tt.peers)}
			assert.Equal(t, tt.peers >= tt.redundancy, loc.HasSufficientReplicas())
		})
	}
}

func TestLocationTracker_LastWriterWins(t *testing.T) {
	tracker := NewLocationTracker()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := &DataLocation{Key: "k", ContentHash: "a", CreatedAt: base, UpdatedAt: base, Policy: DefaultPolicy(fed1)}
	require.True(t, tracker.Upsert(first))

	newer := &DataLocation{Key: "k", ContentHash: "b", CreatedAt: base.Add(time.Minute), UpdatedAt: base.Add(time.Minute), Policy: DefaultPolicy(fed1)}
	require.True(t, tracker.Upsert(newer))

	stale := &DataLocation{Key: "k", ContentHash: "c", UpdatedAt: base.Add(30 * time.Second), Policy: DefaultPolicy(fed1)}
	assert.False(t, tracker.Upsert(stale))

	got, ok := tracker.Get("k")
	require.True(t, ok)
	assert.Equal(t, "b", got.ContentHash)
	assert.Equal(t, base, got.CreatedAt, "creation time survives updates")
}

func TestLocationTracker_CopiesAreIndependent(t *testing.T) {
	tracker := NewLocationTracker()
	loc := &DataLocation{
		Key:          "k",
		StoragePeers: []string{"a"},
		Policy:       DefaultPolicy(fed1),
		Encryption:   &keys.Metadata{KeyID: "key", IV: []byte{1}},
		Metadata:     map[string]string{"owner": "fed-1"},
	}
	tracker.Upsert(loc)

	loc.StoragePeers[0] = "mutated"
	loc.Metadata["owner"] = "mutated"

	got, _ := tracker.Get("k")
	assert.Equal(t, []string{"a"}, got.StoragePeers)
	assert.Equal(t, "fed-1", got.Metadata["owner"])

	got.Encryption.IV[0] = 9
	again, _ := tracker.Get("k")
	assert.Equal(t, byte(1), again.Encryption.IV[0])
}

func TestLocationTracker_Queries(t *testing.T) {
	tracker := NewLocationTracker()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)

	expiring := DefaultPolicy(fed1)
	expiring.ExpirationTime = &past
	expiring.RedundancyFactor = 1

	tracker.Upsert(&DataLocation{Key: "docs/a", Policy: expiring, StoragePeers: []string{"n1"}})
	tracker.Upsert(&DataLocation{Key: "docs/b", Policy: DefaultPolicy(fed1), StoragePeers: []string{"n1"}})
	tracker.Upsert(&DataLocation{Key: "img/c", Policy: DefaultPolicy(fed1), StoragePeers: []string{"n1", "n2", "n3"}})

	assert.Equal(t, 3, tracker.Len())
	assert.Len(t, tracker.List("docs/"), 2)
	assert.Equal(t, []string{"docs/a"}, tracker.Expired(now))
	assert.Equal(t, []string{"docs/b"}, tracker.UnderReplicated())

	updated, ok := tracker.Update("docs/b", func(l *DataLocation) { l.StoragePeers = append(l.StoragePeers, "n2", "n3") })
	require.True(t, ok)
	assert.True(t, updated.HasSufficientReplicas())
	assert.Empty(t, tracker.UnderReplicated())

	_, ok = tracker.Update("missing", func(*DataLocation) {})
	assert.False(t, ok)

	assert.True(t, tracker.Remove("img/c"))
	assert.False(t, tracker.Remove("img/c"))
}
