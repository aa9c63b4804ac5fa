package engine

import (
	"context"
	"fmt"

	"fedstore/pkg/federation"
	"fedstore/pkg/types"

	"go.uber.org/zap"
)

// UpdatePolicy replaces the policy of an existing key. It requires admin
// access. Federations that lose read access lose their key grants, and new
// admin federations gain one. Toggling encryption rewrites the value.
func (e *Engine) UpdatePolicy(ctx context.Context, key string, policy *federation.DataAccessPolicy) (loc *federation.DataLocation, err error) {
	start := e.clock.Now()
	defer func() { e.observe("update_policy", start, err) }()

	requester := e.requester(ctx)
	current, err := e.lookup(key)
	if err != nil {
		return nil, err
	}
	if err := e.authorize("update_policy", current.Policy, requester, types.AccessAdmin, key); err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if err := e.policies.ValidateFederations(ctx, policy); err != nil {
		return nil, err
	}
	policy = policy.Clone()

	if policy.EncryptionRequired != current.Policy.EncryptionRequired {
		plaintext, err := e.readPlaintext(ctx, requester, key, key, current, current.Encryption, current.ContentHash)
		if err != nil {
			return nil, fmt.Errorf("failed to read %q for re-encryption: %w", key, err)
		}
		if _, err := e.write(ctx, requester, key, plaintext, policy, current, writeOptions{}); err != nil {
			return nil, err
		}
	} else {
		e.locations.Update(key, func(l *federation.DataLocation) {
			l.Policy = policy
			l.UpdatedAt = e.clock.Now()
		})
		if current.Encryption != nil {
			e.reconcileGrants(ctx, current.Encryption.KeyID, policy)
		}
	}

	switch {
	case policy.VersioningEnabled && !current.IsVersioned:
		updated, err := e.lookup(key)
		if err != nil {
			return nil, err
		}
		if err := e.seedHistory(ctx, requester, updated, policy.MaxVersions); err != nil {
			return nil, err
		}
	case current.IsVersioned && policy.MaxVersions != current.Policy.MaxVersions:
		e.boundHistory(ctx, current, policy.MaxVersions)
	}

	e.persist(key)
	e.logger.Info("Updated policy",
		zap.String("key", key),
		zap.Strings("readers", toStrings(policy.EffectiveReaders().Slice())),
		zap.Int("redundancy", policy.RedundancyFactor))

	return e.lookup(key)
}

// reconcileGrants revokes grants of federations that can no longer read and
// grants every admin federation
func (e *Engine) reconcileGrants(ctx context.Context, keyID string, policy *federation.DataAccessPolicy) {
	grants, err := e.keys.Grants(keyID)
	if err != nil {
		e.logger.Warn("Failed to list key grants", zap.String("key_id", keyID), zap.Error(err))
		return
	}

	readers := policy.EffectiveReaders()
	granted := federation.NewFederationSet(grants...)
	for _, fed := range grants {
		if readers.Contains(fed) {
			continue
		}
		if err := e.keys.RevokeAccess(ctx, fed, keyID); err != nil {
			e.logger.Warn("Failed to revoke key grant", zap.String("federation", fed.String()), zap.Error(err))
		}
	}
	for fed := range policy.AdminFederations {
		if granted.Contains(fed) {
			continue
		}
		if err := e.keys.GrantAccess(ctx, fed, keyID); err != nil {
			e.logger.Warn("Failed to grant key to admin", zap.String("federation", fed.String()), zap.Error(err))
		}
	}
}

func toStrings(ids []types.FederationID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
