package keys

import (
	"context"
	"testing"

	"fedstore/pkg/storage"
	"fedstore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	fedA types.FederationID = "fed-a"
	fedB types.FederationID = "fed-b"
)

func newTestManager(t *testing.T) *LocalManager {
	t.Helper()
	m, err := NewLocalManager(nil, nil, nil)
	require.NoError(t, err)
	return m
}

func TestLocalManager_EncryptDecrypt(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	plaintext := []byte("confidential report")
	aad := []byte("docs/report")

	ciphertext, meta, err := m.Encrypt(ctx, Scope{Federations: []types.FederationID{fedA}}, plaintext, aad)
	require.NoError(t, err)
	require.NotNil(t, meta)

	assert.NotEqual(t, plaintext, ciphertext)
	assert.Len(t, ciphertext, len(plaintext))
	assert.Len(t, meta.IV, 24)
	assert.Len(t, meta.Tag, 16)
	assert.Equal(t, EncryptionXChaCha20Poly1305, meta.EncryptionType)

	decrypted, err := m.Decrypt(ctx, fedA, meta, ciphertext, aad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)

	// wrong associated data fails authentication
	_, err = m.Decrypt(ctx, fedA, meta, ciphertext, []byte("other/key"))
	assert.ErrorIs(t, err, types.ErrDataCorruption)
}

func TestLocalManager_GrantRequiredForDecrypt(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	ciphertext, meta, err := m.Encrypt(ctx, Scope{Federations: []types.FederationID{fedA}}, []byte("secret"), nil)
	require.NoError(t, err)

	_, err = m.Decrypt(ctx, fedB, meta, ciphertext, nil)
	assert.ErrorIs(t, err, types.ErrAccessDenied)
	assert.False(t, m.HasAccess(fedB, meta.KeyID))

	require.NoError(t, m.GrantAccess(ctx, fedB, meta.KeyID))
	plaintext, err := m.Decrypt(ctx, fedB, meta, ciphertext, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), plaintext)

	require.NoError(t, m.RevokeAccess(ctx, fedB, meta.KeyID))
	_, err = m.Decrypt(ctx, fedB, meta, ciphertext, nil)
	assert.ErrorIs(t, err, types.ErrAccessDenied)

	assert.ErrorIs(t, m.GrantAccess(ctx, fedB, "unknown"), types.ErrKeyNotFound)
}

func TestLocalManager_ReusesScopedKey(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, first, err := m.Encrypt(ctx, Scope{Federations: []types.FederationID{fedA}}, []byte("v1"), nil)
	require.NoError(t, err)

	_, second, err := m.Encrypt(ctx, Scope{KeyID: first.KeyID}, []byte("v2"), nil)
	require.NoError(t, err)
	assert.Equal(t, first.KeyID, second.KeyID)
	assert.NotEqual(t, first.IV, second.IV)

	// an unknown key id falls back to a fresh key
	_, third, err := m.Encrypt(ctx, Scope{KeyID: "gone", Federations: []types.FederationID{fedA}}, []byte("v3"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, "gone", third.KeyID)
}

func TestLocalManager_RotateCarriesGrants(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, meta, err := m.Encrypt(ctx, Scope{Federations: []types.FederationID{fedA, fedB}}, []byte("x"), nil)
	require.NoError(t, err)

	newID, err := m.Rotate(ctx, meta.KeyID)
	require.NoError(t, err)
	assert.NotEqual(t, meta.KeyID, newID)

	grants, err := m.Grants(newID)
	require.NoError(t, err)
	assert.Equal(t, []types.FederationID{fedA, fedB}, grants)
}

func TestLocalManager_DestroyKey(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	ciphertext, meta, err := m.Encrypt(ctx, Scope{Federations: []types.FederationID{fedA}}, []byte("x"), nil)
	require.NoError(t, err)

	require.NoError(t, m.DestroyKey(ctx, meta.KeyID))
	require.NoError(t, m.DestroyKey(ctx, meta.KeyID))

	_, err = m.Decrypt(ctx, fedA, meta, ciphertext, nil)
	assert.ErrorIs(t, err, types.ErrAccessDenied)
}

func TestLocalManager_Persistence(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	m, err := NewLocalManager(store, nil, nil)
	require.NoError(t, err)

	ciphertext, meta, err := m.Encrypt(ctx, Scope{Federations: []types.FederationID{fedA}}, []byte("durable"), nil)
	require.NoError(t, err)
	require.NoError(t, m.GrantAccess(ctx, fedB, meta.KeyID))

	reloaded, err := NewLocalManager(store, nil, nil)
	require.NoError(t, err)

	plaintext, err := reloaded.Decrypt(ctx, fedB, meta, ciphertext, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), plaintext)
}
