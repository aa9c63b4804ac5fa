package federation

import (
	"context"
	"fmt"
	"time"

	"fedstore/pkg/types"

	"go.uber.org/zap"
)

// PolicyEngine evaluates DataAccessPolicy decisions. Evaluation is pure; only
// CreateMultiFederationPolicy consults the directory.
type PolicyEngine struct {
	directory Directory
	logger    *zap.Logger
}

// NewPolicyEngine creates a policy engine validating ids against directory
func NewPolicyEngine(directory Directory, logger *zap.Logger) *PolicyEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PolicyEngine{
		directory: directory,
		logger:    logger,
	}
}

// CanRead is true for members of the read, write or admin sets
func (pe *PolicyEngine) CanRead(p *DataAccessPolicy, fed types.FederationID) bool {
	if p == nil {
		return false
	}
	return p.ReadFederations.Contains(fed) || pe.CanWrite(p, fed)
}

// CanWrite is true for members of the write or admin sets
func (pe *PolicyEngine) CanWrite(p *DataAccessPolicy, fed types.FederationID) bool {
	if p == nil {
		return false
	}
	return p.WriteFederations.Contains(fed) || pe.CanAdmin(p, fed)
}

// CanAdmin is true for members of the admin set
func (pe *PolicyEngine) CanAdmin(p *DataAccessPolicy, fed types.FederationID) bool {
	if p == nil {
		return false
	}
	return p.AdminFederations.Contains(fed)
}

// Allowed dispatches on access
func (pe *PolicyEngine) Allowed(p *DataAccessPolicy, fed types.FederationID, access types.AccessType) bool {
	switch access {
	case types.AccessRead:
		return pe.CanRead(p, fed)
	case types.AccessWrite:
		return pe.CanWrite(p, fed)
	case types.AccessAdmin:
		return pe.CanAdmin(p, fed)
	default:
		return false
	}
}

// Authorize returns an error wrapping types.ErrPermissionDenied when fed
// lacks access on key
func (pe *PolicyEngine) Authorize(p *DataAccessPolicy, fed types.FederationID, access types.AccessType, key string) error {
	if pe.Allowed(p, fed, access) {
		return nil
	}
	pe.logger.Debug("Permission denied",
		zap.String("federation", fed.String()),
		zap.String("access", access.String()),
		zap.String("key", key))
	return fmt.Errorf("federation %s lacks %s access to %q: %w", fed, access, key, types.ErrPermissionDenied)
}

// IsExpired reports whether p has expired at now
func (pe *PolicyEngine) IsExpired(p *DataAccessPolicy, now time.Time) bool {
	return p.IsExpired(now)
}

// CreateMultiFederationPolicy builds a policy spanning several federations.
// Every id must be known and active in the directory.
func (pe *PolicyEngine) CreateMultiFederationPolicy(ctx context.Context, read, write, admin []types.FederationID, redundancy int) (*DataAccessPolicy, error) {
	policy := &DataAccessPolicy{
		ReadFederations:    NewFederationSet(read...),
		WriteFederations:   NewFederationSet(write...),
		AdminFederations:   NewFederationSet(admin...),
		EncryptionRequired: true,
		RedundancyFactor:   redundancy,
		MaxVersions:        DefaultMaxVersions,
	}

	if err := pe.ValidateFederations(ctx, policy); err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return policy, nil
}

// ValidateFederation checks one federation against the directory
func (pe *PolicyEngine) ValidateFederation(ctx context.Context, id types.FederationID) error {
	if pe.directory == nil {
		return nil
	}
	return ValidateFederation(ctx, pe.directory, id)
}

// ValidateFederations checks every federation named by p against the
// directory
func (pe *PolicyEngine) ValidateFederations(ctx context.Context, p *DataAccessPolicy) error {
	if pe.directory == nil {
		return nil
	}
	for _, id := range p.Federations() {
		if err := ValidateFederation(ctx, pe.directory, id); err != nil {
			return err
		}
	}
	return nil
}
