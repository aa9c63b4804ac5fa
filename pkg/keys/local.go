package keys

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"fedstore/pkg/storage"
	"fedstore/pkg/types"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	sha256 "github.com/minio/sha256-simd"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	masterKeyLen = 32
	subkeyInfo   = "fedstore-object"

	// keyNamespace holds persisted key records in the local store
	keyNamespace = "_keys"
)

type keyRecord struct {
	ID     string                      `json:"id"`
	Master []byte                      `json:"master"`
	Grants map[types.FederationID]bool `json:"grants"`
}

// LocalManager keeps keys in process, optionally persisting them to a
// storage.Store. Each key has a random master secret. Every encryption
// derives a fresh subkey with HKDF-SHA256 salted by the random IV.
type LocalManager struct {
	mu     sync.RWMutex
	keys   map[string]*keyRecord
	store  storage.Store
	clock  clock.Clock
	logger *zap.Logger
}

// NewLocalManager creates a key manager. A nil store keeps keys in memory only.
func NewLocalManager(store storage.Store, clk clock.Clock, logger *zap.Logger) (*LocalManager, error) {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &LocalManager{
		keys:   make(map[string]*keyRecord),
		store:  store,
		clock:  clk,
		logger: logger,
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *LocalManager) load() error {
	if m.store == nil {
		return nil
	}
	ids, err := m.store.ListKeys(keyNamespace, "")
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}
	for _, id := range ids {
		raw, err := m.store.Get(keyNamespace, id)
		if err != nil {
			return fmt.Errorf("failed to load key %s: %w", id, err)
		}
		var rec keyRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("failed to decode key %s: %w", id, err)
		}
		if rec.Grants == nil {
			rec.Grants = make(map[types.FederationID]bool)
		}
		m.keys[rec.ID] = &rec
	}
	if len(ids) > 0 {
		m.logger.Info("Loaded encryption keys", zap.Int("count", len(ids)))
	}
	return nil
}

// persist writes a snapshot of rec. Callers pass a copy taken under the lock.
func (m *LocalManager) persist(rec keyRecord) error {
	if m.store == nil {
		return nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode key %s: %w", rec.ID, err)
	}
	return m.store.Put(keyNamespace, rec.ID, raw)
}

func snapshot(rec *keyRecord) keyRecord {
	out := keyRecord{
		ID:     rec.ID,
		Master: append([]byte(nil), rec.Master...),
		Grants: make(map[types.FederationID]bool, len(rec.Grants)),
	}
	for f := range rec.Grants {
		out.Grants[f] = true
	}
	return out
}

func (m *LocalManager) newKey(grants []types.FederationID) (keyRecord, error) {
	master := make([]byte, masterKeyLen)
	if _, err := rand.Read(master); err != nil {
		return keyRecord{}, fmt.Errorf("failed to generate key: %w", err)
	}

	rec := &keyRecord{
		ID:     uuid.NewString(),
		Master: master,
		Grants: make(map[types.FederationID]bool, len(grants)),
	}
	for _, f := range grants {
		rec.Grants[f] = true
	}

	m.mu.Lock()
	m.keys[rec.ID] = rec
	snap := snapshot(rec)
	m.mu.Unlock()

	return snap, m.persist(snap)
}

func deriveSubkey(master, iv []byte) ([]byte, error) {
	subkey := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, master, iv, []byte(subkeyInfo))
	if _, err := io.ReadFull(r, subkey); err != nil {
		return nil, fmt.Errorf("failed to derive subkey: %w", err)
	}
	return subkey, nil
}

// Encrypt seals plaintext with XChaCha20-Poly1305
func (m *LocalManager) Encrypt(ctx context.Context, scope Scope, plaintext, aad []byte) ([]byte, *Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var master []byte
	keyID := scope.KeyID
	if keyID != "" {
		m.mu.RLock()
		if rec, ok := m.keys[keyID]; ok {
			master = rec.Master
		}
		m.mu.RUnlock()
	}
	if master == nil {
		rec, err := m.newKey(scope.Federations)
		if err != nil {
			return nil, nil, err
		}
		keyID = rec.ID
		master = rec.Master
		m.logger.Debug("Generated encryption key",
			zap.String("key_id", keyID),
			zap.Int("grants", len(scope.Federations)))
	}

	iv := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	subkey, err := deriveSubkey(master, iv)
	if err != nil {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.NewX(subkey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	sealed := aead.Seal(nil, iv, plaintext, aad)
	split := len(sealed) - aead.Overhead()

	meta := &Metadata{
		KeyID:          keyID,
		IV:             iv,
		Tag:            append([]byte(nil), sealed[split:]...),
		EncryptionType: EncryptionXChaCha20Poly1305,
		CreatedAt:      m.clock.Now(),
	}
	return sealed[:split], meta, nil
}

// Decrypt opens ciphertext if requester holds a grant for the key
func (m *LocalManager) Decrypt(ctx context.Context, requester types.FederationID, meta *Metadata, ciphertext, aad []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("missing encryption metadata: %w", types.ErrAccessDenied)
	}
	if meta.EncryptionType != EncryptionXChaCha20Poly1305 {
		return nil, fmt.Errorf("unsupported encryption type %q", meta.EncryptionType)
	}

	m.mu.RLock()
	rec, ok := m.keys[meta.KeyID]
	var master []byte
	granted := false
	if ok {
		master = rec.Master
		granted = rec.Grants[requester]
	}
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("key %s unavailable: %w", meta.KeyID, types.ErrAccessDenied)
	}
	if !granted {
		return nil, fmt.Errorf("federation %s has no grant for key %s: %w", requester, meta.KeyID, types.ErrAccessDenied)
	}

	subkey, err := deriveSubkey(master, meta.IV)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(subkey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(meta.Tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, meta.Tag...)

	plaintext, err := aead.Open(nil, meta.IV, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", types.ErrDataCorruption)
	}
	return plaintext, nil
}

func (m *LocalManager) setGrant(federation types.FederationID, keyID string, granted bool) error {
	m.mu.Lock()
	rec, ok := m.keys[keyID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("encryption key %s: %w", keyID, types.ErrKeyNotFound)
	}
	if granted {
		rec.Grants[federation] = true
	} else {
		delete(rec.Grants, federation)
	}
	snap := snapshot(rec)
	m.mu.Unlock()

	return m.persist(snap)
}

// GrantAccess lets federation decrypt values sealed under keyID
func (m *LocalManager) GrantAccess(ctx context.Context, federation types.FederationID, keyID string) error {
	if err := m.setGrant(federation, keyID, true); err != nil {
		return err
	}
	m.logger.Info("Granted key access", zap.String("federation", federation.String()), zap.String("key_id", keyID))
	return nil
}

// RevokeAccess removes a grant. Revoking a missing grant is a no-op.
func (m *LocalManager) RevokeAccess(ctx context.Context, federation types.FederationID, keyID string) error {
	if err := m.setGrant(federation, keyID, false); err != nil {
		return err
	}
	m.logger.Info("Revoked key access", zap.String("federation", federation.String()), zap.String("key_id", keyID))
	return nil
}

// HasAccess reports whether federation holds a grant for keyID
func (m *LocalManager) HasAccess(federation types.FederationID, keyID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.keys[keyID]
	return ok && rec.Grants[federation]
}

// Grants lists the federations holding a grant for keyID, sorted
func (m *LocalManager) Grants(keyID string) ([]types.FederationID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("encryption key %s: %w", keyID, types.ErrKeyNotFound)
	}
	out := make([]types.FederationID, 0, len(rec.Grants))
	for f := range rec.Grants {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Rotate creates a replacement key with the same grants
func (m *LocalManager) Rotate(ctx context.Context, keyID string) (string, error) {
	grants, err := m.Grants(keyID)
	if err != nil {
		return "", err
	}
	rec, err := m.newKey(grants)
	if err != nil {
		return "", err
	}
	m.logger.Info("Rotated encryption key", zap.String("old_key_id", keyID), zap.String("key_id", rec.ID))
	return rec.ID, nil
}

// DestroyKey forgets the key. Data sealed under it becomes unreadable.
func (m *LocalManager) DestroyKey(ctx context.Context, keyID string) error {
	m.mu.Lock()
	_, ok := m.keys[keyID]
	delete(m.keys, keyID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if m.store != nil {
		if err := m.store.Delete(keyNamespace, keyID); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", keyID, err)
		}
	}
	m.logger.Debug("Destroyed encryption key", zap.String("key_id", keyID))
	return nil
}

var _ Manager = (*LocalManager)(nil)
