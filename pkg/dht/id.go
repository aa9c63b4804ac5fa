package dht

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/bits"

	"fedstore/pkg/types"

	sha256 "github.com/minio/sha256-simd"
)

// IDLength is the width of a NodeIdentifier in bytes
const IDLength = 32

// NumBuckets is one bucket per bit of the identifier space
const NumBuckets = IDLength * 8

// NodeIdentifier is a fixed-width peer identifier in the XOR metric space
type NodeIdentifier [IDLength]byte

// NewNodeIdentifier derives an identifier from an arbitrary seed such as a
// public key or node name
func NewNodeIdentifier(seed string) NodeIdentifier {
	return NodeIdentifier(sha256.Sum256([]byte(seed)))
}

// KeyIdentifier maps a storage key into the identifier space
func KeyIdentifier(key string) NodeIdentifier {
	return NodeIdentifier(sha256.Sum256([]byte("key:" + key)))
}

// ParseNodeIdentifier decodes a hex identifier
func ParseNodeIdentifier(s string) (NodeIdentifier, error) {
	var id NodeIdentifier
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("%w: %v", types.ErrInvalidNodeID, err)
	}
	if len(raw) != IDLength {
		return id, fmt.Errorf("%w: expected %d bytes, got %d", types.ErrInvalidNodeID, IDLength, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// String returns the hex form
func (id NodeIdentifier) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an abbreviated form for logs
func (id NodeIdentifier) Short() string {
	return hex.EncodeToString(id[:4])
}

// IsZero reports whether the identifier is unset
func (id NodeIdentifier) IsZero() bool {
	return id == NodeIdentifier{}
}

// Distance returns the XOR distance between a and b
func Distance(a, b NodeIdentifier) NodeIdentifier {
	var d NodeIdentifier
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CompareDistance compares the distances of a and b to target.
// It returns -1 when a is closer, 1 when b is closer and 0 on a tie.
func CompareDistance(a, b, target NodeIdentifier) int {
	da := Distance(a, target)
	db := Distance(b, target)
	return bytes.Compare(da[:], db[:])
}

// CommonPrefixLen counts the leading bits shared by a and b
func CommonPrefixLen(a, b NodeIdentifier) int {
	d := Distance(a, b)
	for i, v := range d {
		if v != 0 {
			return i*8 + bits.LeadingZeros8(v)
		}
	}
	return NumBuckets
}

// BucketIndex is the position of the first set bit of the distance between
// local and other. Identical ids return -1.
func BucketIndex(local, other NodeIdentifier) int {
	cpl := CommonPrefixLen(local, other)
	if cpl == NumBuckets {
		return -1
	}
	return cpl
}
