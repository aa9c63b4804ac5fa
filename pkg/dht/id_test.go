package dht

import (
	"strings"
	"testing"

	"fedstore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistance_Symmetry(t *testing.T) {
	seeds := []string{"alpha", "beta", "gamma", "delta", "node-1", "node-2", ""}

	for _, x := range seeds {
		a := NewNodeIdentifier(x)
		assert.True(t, Distance(a, a).IsZero(), "distance(a,a) must be zero for %q", x)

		for _, y := range seeds {
			b := NewNodeIdentifier(y)
			assert.Equal(t, Distance(a, b), Distance(b, a), "distance must be symmetric for %q/%q", x, y)
		}
	}
}

func TestCompareDistance(t *testing.T) {
	var target, near, far NodeIdentifier
	near[IDLength-1] = 0x01
	far[0] = 0x80

	assert.Equal(t, -1, CompareDistance(near, far, target))
	assert.Equal(t, 1, CompareDistance(far, near, target))
	assert.Equal(t, 0, CompareDistance(near, near, target))
}

func TestBucketIndex(t *testing.T) {
	var local NodeIdentifier

	tests := []struct {
		name     string
		mutate   func(id *NodeIdentifier)
		expected int
	}{
		{"first bit", func(id *NodeIdentifier) { id[0] = 0x80 }, 0},
		{"second bit", func(id *NodeIdentifier) { id[0] = 0x40 }, 1},
		{"ninth bit", func(id *NodeIdentifier) { id[1] = 0x80 }, 8},
		{"last bit", func(id *NodeIdentifier) { id[IDLength-1] = 0x01 }, NumBuckets - 1},
		{"identical", func(id *NodeIdentifier) {}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := local
			tt.mutate(&other)
			assert.Equal(t, tt.expected, BucketIndex(local, other))
		})
	}
}

func TestParseNodeIdentifier(t *testing.T) {
	id := NewNodeIdentifier("peer")

	parsed, err := ParseNodeIdentifier(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseNodeIdentifier("abcd")
	assert.ErrorIs(t, err, types.ErrInvalidNodeID)

	_, err = ParseNodeIdentifier(strings.Repeat("zz", IDLength))
	assert.ErrorIs(t, err, types.ErrInvalidNodeID)
}
