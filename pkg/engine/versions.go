package engine

import (
	"context"
	"fmt"

	"fedstore/pkg/federation"
	"fedstore/pkg/types"
	"fedstore/pkg/versioning"

	"go.uber.org/zap"
)

// recordVersion stores raw as a new version of loc and prunes the history
func (e *Engine) recordVersion(ctx context.Context, requester types.FederationID, loc *federation.DataLocation, raw []byte, comment string) {
	id := versioning.NewVersionID(loc.UpdatedAt)
	rec := versioning.VersionRecord{
		VersionID:   id,
		StorageKey:  versioning.StorageKey(loc.Key, id),
		CreatedAt:   loc.UpdatedAt,
		SizeBytes:   loc.SizeBytes,
		ContentHash: loc.ContentHash,
		CreatedBy:   requester,
		Comment:     comment,
		Encryption:  loc.Encryption.Clone(),
	}

	if _, err := e.replicate(ctx, rec.StorageKey, raw, loc.Policy); err != nil {
		e.logger.Warn("Failed to store version, history not extended",
			zap.String("key", loc.Key),
			zap.String("version_id", id),
			zap.Error(err))
		return
	}

	pruned, err := e.versions.Append(loc.Key, rec)
	if err != nil {
		e.logger.Warn("Failed to record version", zap.String("key", loc.Key), zap.Error(err))
		return
	}
	for _, old := range pruned {
		e.removeVersionBlob(ctx, loc, old)
	}
	e.metrics.ObserveVersions(1, len(pruned))
}

// removeVersionBlob deletes the stored bytes of rec, best effort
func (e *Engine) removeVersionBlob(ctx context.Context, loc *federation.DataLocation, rec versioning.VersionRecord) {
	local, remote := e.dht.Remove(ctx, rec.StorageKey, holders(loc)...)
	if err := local; err != nil {
		e.logger.Warn("Failed to delete version blob", zap.String("storage_key", rec.StorageKey), zap.Error(err))
	}
	if remote != nil {
		e.logger.Debug("Some version replicas could not be removed", zap.String("storage_key", rec.StorageKey), zap.Error(remote))
	}
}

// boundHistory applies maxVersions to the existing history of loc and
// deletes the blobs of pruned versions
func (e *Engine) boundHistory(ctx context.Context, loc *federation.DataLocation, maxVersions int) {
	pruned, err := e.versions.SetMaxVersions(loc.Key, maxVersions)
	if err != nil || len(pruned) == 0 {
		return
	}
	for _, rec := range pruned {
		e.removeVersionBlob(ctx, loc, rec)
	}
	e.metrics.ObserveVersions(0, len(pruned))
}

// keyReferencedByVersions reports whether any retained version of key is
// sealed under keyID
func (e *Engine) keyReferencedByVersions(key, keyID string) bool {
	records, err := e.versions.List(key)
	if err != nil {
		return false
	}
	for _, rec := range records {
		if rec.Encryption != nil && rec.Encryption.KeyID == keyID {
			return true
		}
	}
	return false
}

// versioned returns the live location of a versioned key after a read check
func (e *Engine) versioned(ctx context.Context, op, key string) (*federation.DataLocation, types.FederationID, error) {
	requester := e.requester(ctx)
	loc, err := e.lookup(key)
	if err != nil {
		return nil, requester, err
	}
	if err := e.authorize(op, loc.Policy, requester, types.AccessRead, key); err != nil {
		return nil, requester, err
	}
	if !loc.IsVersioned {
		return nil, requester, fmt.Errorf("%q: %w", key, types.ErrNotVersioned)
	}
	return loc, requester, nil
}

// ListVersions returns the versions of key, newest first
func (e *Engine) ListVersions(ctx context.Context, key string) (versions []versioning.VersionRecord, err error) {
	start := e.clock.Now()
	defer func() { e.observe("list_versions", start, err) }()

	if _, _, err := e.versioned(ctx, "list_versions", key); err != nil {
		return nil, err
	}
	return e.versions.List(key)
}

// GetVersion returns the plaintext of one version of key
func (e *Engine) GetVersion(ctx context.Context, key, versionID string) (value []byte, err error) {
	start := e.clock.Now()
	defer func() { e.observe("get_version", start, err) }()

	loc, requester, err := e.versioned(ctx, "get_version", key)
	if err != nil {
		return nil, err
	}
	rec, err := e.versions.Get(key, versionID)
	if err != nil {
		return nil, err
	}
	return e.readPlaintext(ctx, requester, key, rec.StorageKey, loc, rec.Encryption, rec.ContentHash)
}

// RevertToVersion writes the content of versionID back as the current value.
// It is a full put: write access is re-checked, the value is re-encrypted
// and a new version is appended.
func (e *Engine) RevertToVersion(ctx context.Context, key, versionID string) (loc *federation.DataLocation, err error) {
	start := e.clock.Now()
	defer func() { e.observe("revert", start, err) }()

	requester := e.requester(ctx)
	current, err := e.lookup(key)
	if err != nil {
		return nil, err
	}
	if err := e.authorize("revert", current.Policy, requester, types.AccessWrite, key); err != nil {
		return nil, err
	}

	value, err := e.GetVersion(ctx, key, versionID)
	if err != nil {
		return nil, err
	}

	return e.write(ctx, requester, key, value, current.Policy, current, writeOptions{
		appendVersion: true,
		comment:       "revert to " + versionID,
	})
}

// EnableVersioning starts keeping history for key, seeding it with the
// current value. It is a no-op for a key that is already versioned. A
// non-positive maxVersions keeps the policy's bound.
func (e *Engine) EnableVersioning(ctx context.Context, key string, maxVersions int) (err error) {
	start := e.clock.Now()
	defer func() { e.observe("enable_versioning", start, err) }()

	requester := e.requester(ctx)
	loc, err := e.lookup(key)
	if err != nil {
		return err
	}
	if err := e.authorize("enable_versioning", loc.Policy, requester, types.AccessAdmin, key); err != nil {
		return err
	}
	if loc.IsVersioned {
		return nil
	}
	return e.seedHistory(ctx, requester, loc, maxVersions)
}

// seedHistory marks loc versioned and records its current value as the
// first version
func (e *Engine) seedHistory(ctx context.Context, requester types.FederationID, loc *federation.DataLocation, maxVersions int) error {
	key := loc.Key
	_, raw, err := e.readVerified(ctx, requester, key, key, loc, loc.Encryption, loc.ContentHash)
	if err != nil {
		return fmt.Errorf("failed to read current value of %q: %w", key, err)
	}

	if maxVersions <= 0 {
		maxVersions = loc.Policy.MaxVersions
	}
	updated, ok := e.locations.Update(key, func(l *federation.DataLocation) {
		l.IsVersioned = true
		l.Policy.VersioningEnabled = true
		l.Policy.MaxVersions = maxVersions
	})
	if !ok {
		return fmt.Errorf("%q: %w", key, types.ErrKeyNotFound)
	}

	e.versions.Enable(key, maxVersions)
	e.recordVersion(ctx, requester, updated, raw, "initial version")
	e.persist(key)

	e.logger.Info("Enabled versioning", zap.String("key", key), zap.Int("max_versions", maxVersions))
	return nil
}
