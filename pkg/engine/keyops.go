package engine

import (
	"context"
	"fmt"

	"fedstore/pkg/federation"
	"fedstore/pkg/keys"
	"fedstore/pkg/types"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// locationForKeyID finds the data key sealed under keyID, either currently
// or through a retained version
func (e *Engine) locationForKeyID(keyID string) (*federation.DataLocation, error) {
	now := e.clock.Now()
	for _, loc := range e.locations.List("") {
		if loc.IsExpired(now) {
			continue
		}
		if loc.Encryption != nil && loc.Encryption.KeyID == keyID {
			return loc, nil
		}
		if e.keyReferencedByVersions(loc.Key, keyID) {
			return loc, nil
		}
	}
	return nil, fmt.Errorf("encryption key %s: %w", keyID, types.ErrKeyNotFound)
}

// KeyID returns the encryption key id of key, if encrypted
func (e *Engine) KeyID(ctx context.Context, key string) (string, error) {
	loc, err := e.Location(ctx, key)
	if err != nil {
		return "", err
	}
	if loc.Encryption == nil {
		return "", fmt.Errorf("%q is not encrypted: %w", key, types.ErrKeyNotFound)
	}
	return loc.Encryption.KeyID, nil
}

// GrantFederationKeyAccess lets fed decrypt data sealed under keyID. It
// requires admin access to the data the key protects. A grant never
// bypasses the read policy.
func (e *Engine) GrantFederationKeyAccess(ctx context.Context, fed types.FederationID, keyID string) (err error) {
	start := e.clock.Now()
	defer func() { e.observe("grant_key", start, err) }()

	loc, err := e.locationForKeyID(keyID)
	if err != nil {
		return err
	}
	if err := e.authorize("grant_key", loc.Policy, e.requester(ctx), types.AccessAdmin, loc.Key); err != nil {
		return err
	}
	if err := e.policies.ValidateFederation(ctx, fed); err != nil {
		return err
	}
	return e.keys.GrantAccess(ctx, fed, keyID)
}

// RevokeFederationKeyAccess removes fed's grant for keyID
func (e *Engine) RevokeFederationKeyAccess(ctx context.Context, fed types.FederationID, keyID string) (err error) {
	start := e.clock.Now()
	defer func() { e.observe("revoke_key", start, err) }()

	loc, err := e.locationForKeyID(keyID)
	if err != nil {
		return err
	}
	if err := e.authorize("revoke_key", loc.Policy, e.requester(ctx), types.AccessAdmin, loc.Key); err != nil {
		return err
	}
	return e.keys.RevokeAccess(ctx, fed, keyID)
}

// RotateKey re-encrypts the current value and every retained version of key
// under a fresh key carrying the old key's grants. The old key is destroyed
// once nothing references it.
func (e *Engine) RotateKey(ctx context.Context, key string) (newKeyID string, err error) {
	start := e.clock.Now()
	defer func() { e.observe("rotate_key", start, err) }()

	requester := e.requester(ctx)
	loc, err := e.lookup(key)
	if err != nil {
		return "", err
	}
	if err := e.authorize("rotate_key", loc.Policy, requester, types.AccessAdmin, key); err != nil {
		return "", err
	}
	if loc.Encryption == nil {
		return "", fmt.Errorf("%q is not encrypted: %w", key, types.ErrInvalidPolicy)
	}
	oldKeyID := loc.Encryption.KeyID

	plaintext, err := e.readPlaintext(ctx, requester, key, key, loc, loc.Encryption, loc.ContentHash)
	if err != nil {
		return "", err
	}

	newKeyID, err = e.keys.Rotate(ctx, oldKeyID)
	if err != nil {
		return "", err
	}

	ciphertext, meta, err := e.reseal(ctx, key, newKeyID, plaintext)
	if err != nil {
		return "", err
	}
	result, err := e.replicate(ctx, key, ciphertext, loc.Policy)
	if err != nil {
		return "", err
	}

	now := e.clock.Now()
	e.locations.Update(key, func(l *federation.DataLocation) {
		l.Encryption = meta
		l.StoragePeers = e.storagePeers(result)
		l.UpdatedAt = now
	})

	var failures error
	if loc.IsVersioned {
		failures = e.rotateVersions(ctx, requester, loc, oldKeyID, newKeyID)
	}

	if failures == nil {
		if err := e.keys.DestroyKey(ctx, oldKeyID); err != nil {
			e.logger.Warn("Failed to destroy rotated key", zap.String("key_id", oldKeyID), zap.Error(err))
		}
	} else {
		e.logger.Warn("Some versions were not re-encrypted, keeping old key",
			zap.String("key", key),
			zap.String("key_id", oldKeyID),
			zap.Error(failures))
	}

	e.persist(key)
	e.logger.Info("Rotated encryption key",
		zap.String("key", key),
		zap.String("old_key_id", oldKeyID),
		zap.String("key_id", newKeyID))
	return newKeyID, nil
}

func (e *Engine) reseal(ctx context.Context, key, keyID string, plaintext []byte) ([]byte, *keys.Metadata, error) {
	ciphertext, meta, err := e.keys.Encrypt(ctx, keys.Scope{KeyID: keyID}, plaintext, e.aad(key))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encrypt %q: %w", key, err)
	}
	if meta.KeyID != keyID {
		return nil, nil, fmt.Errorf("key %s vanished during rotation", keyID)
	}
	return ciphertext, meta, nil
}

func (e *Engine) rotateVersions(ctx context.Context, requester types.FederationID, loc *federation.DataLocation, oldKeyID, newKeyID string) error {
	records, err := e.versions.List(loc.Key)
	if err != nil {
		return err
	}

	var failures error
	for _, rec := range records {
		if rec.Encryption == nil || rec.Encryption.KeyID != oldKeyID {
			continue
		}
		plaintext, err := e.readPlaintext(ctx, requester, loc.Key, rec.StorageKey, loc, rec.Encryption, rec.ContentHash)
		if err != nil {
			failures = multierr.Append(failures, fmt.Errorf("version %s: %w", rec.VersionID, err))
			continue
		}
		ciphertext, meta, err := e.reseal(ctx, loc.Key, newKeyID, plaintext)
		if err != nil {
			failures = multierr.Append(failures, err)
			continue
		}
		if _, err := e.replicate(ctx, rec.StorageKey, ciphertext, loc.Policy); err != nil {
			failures = multierr.Append(failures, fmt.Errorf("version %s: %w", rec.VersionID, err))
			continue
		}
		rec.Encryption = meta
		if err := e.versions.Replace(loc.Key, rec); err != nil {
			failures = multierr.Append(failures, err)
		}
	}
	return failures
}
