// Package keys manages federation-scoped encryption keys and the grants that
// let other federations decrypt data sealed under them.
package keys

import (
	"context"
	"time"

	"fedstore/pkg/types"
)

// EncryptionXChaCha20Poly1305 identifies the only cipher LocalManager produces
const EncryptionXChaCha20Poly1305 = "xchacha20-poly1305"

// Metadata travels with every encrypted value
type Metadata struct {
	KeyID          string    `json:"key_id"`
	IV             []byte    `json:"iv"`
	Tag            []byte    `json:"tag"`
	EncryptionType string    `json:"encryption_type"`
	CreatedAt      time.Time `json:"created_at"`
}

// Clone returns a deep copy
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	out := *m
	out.IV = append([]byte(nil), m.IV...)
	out.Tag = append([]byte(nil), m.Tag...)
	return &out
}

// Scope selects the key used by Encrypt. A known KeyID is reused; otherwise a
// fresh key is generated and granted to Federations.
type Scope struct {
	KeyID       string
	Federations []types.FederationID
}

// Manager is the encryption key manager used by the storage engine
type Manager interface {
	// Encrypt seals plaintext under the key chosen by scope
	Encrypt(ctx context.Context, scope Scope, plaintext, aad []byte) ([]byte, *Metadata, error)

	// Decrypt opens ciphertext for requester. It fails with
	// types.ErrAccessDenied when requester holds no grant for the key.
	Decrypt(ctx context.Context, requester types.FederationID, meta *Metadata, ciphertext, aad []byte) ([]byte, error)

	GrantAccess(ctx context.Context, federation types.FederationID, keyID string) error
	RevokeAccess(ctx context.Context, federation types.FederationID, keyID string) error
	HasAccess(federation types.FederationID, keyID string) bool
	Grants(keyID string) ([]types.FederationID, error)

	// Rotate creates a new key carrying the grants of keyID and returns its id.
	// The old key stays usable until destroyed.
	Rotate(ctx context.Context, keyID string) (string, error)

	DestroyKey(ctx context.Context, keyID string) error
}
