package federation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"fedstore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	fed1 types.FederationID = "fed-1"
	fed2 types.FederationID = "fed-2"
	fed3 types.FederationID = "fed-3"
)

func TestPolicyEngine_Hierarchy(t *testing.T) {
	pe := NewPolicyEngine(nil, nil)
	feds := []types.FederationID{fed1, fed2, fed3}

	// every combination of memberships for three federations across three sets
	for mask := 0; mask < 1<<9; mask++ {
		policy := &DataAccessPolicy{
			ReadFederations:  NewFederationSet(),
			WriteFederations: NewFederationSet(),
			AdminFederations: NewFederationSet(),
		}
		for i, f := range feds {
			if mask&(1<<(i*3)) != 0 {
				policy.ReadFederations.Add(f)
			}
			if mask&(1<<(i*3+1)) != 0 {
				policy.WriteFederations.Add(f)
			}
			if mask&(1<<(i*3+2)) != 0 {
				policy.AdminFederations.Add(f)
			}
		}

		for _, f := range append(feds, "outsider") {
			if pe.CanAdmin(policy, f) && !pe.CanWrite(policy, f) {
				t.Fatalf("mask %d: %s can admin but not write", mask, f)
			}
			if pe.CanWrite(policy, f) && !pe.CanRead(policy, f) {
				t.Fatalf("mask %d: %s can write but not read", mask, f)
			}
		}
	}
}

func TestPolicyEngine_Authorize(t *testing.T) {
	pe := NewPolicyEngine(nil, nil)
	policy := &DataAccessPolicy{
		ReadFederations:  NewFederationSet(fed2),
		WriteFederations: NewFederationSet(fed3),
		AdminFederations: NewFederationSet(fed1),
		RedundancyFactor: 1,
		MaxVersions:      1,
	}

	tests := []struct {
		fed     types.FederationID
		access  types.AccessType
		allowed bool
	}{
		{fed1, types.AccessRead, true},
		{fed1, types.AccessWrite, true},
		{fed1, types.AccessAdmin, true},
		{fed2, types.AccessRead, true},
		{fed2, types.AccessWrite, false},
		{fed2, types.AccessAdmin, false},
		{fed3, types.AccessRead, true},
		{fed3, types.AccessWrite, true},
		{fed3, types.AccessAdmin, false},
		{"outsider", types.AccessRead, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%s", tt.fed, tt.access), func(t *testing.T) {
			err := pe.Authorize(policy, tt.fed, tt.access, "doc")
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, types.ErrPermissionDenied)
			}
		})
	}

	if pe.Allowed(nil, fed1, types.AccessRead) {
		t.Error("nil policy must deny")
	}
}

func TestPolicyEngine_IsExpired(t *testing.T) {
	pe := NewPolicyEngine(nil, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	policy := DefaultPolicy(fed1)
	if pe.IsExpired(policy, now) {
		t.Error("policy without expiration should not expire")
	}

	past := now.Add(-time.Second)
	policy.ExpirationTime = &past
	if !pe.IsExpired(policy, now) {
		t.Error("policy should be expired")
	}

	future := now.Add(time.Hour)
	policy.ExpirationTime = &future
	if pe.IsExpired(policy, now) {
		t.Error("policy should not be expired yet")
	}
}

func TestPolicyEngine_CreateMultiFederationPolicy(t *testing.T) {
	dir := NewStaticDirectory(
		FederationInfo{ID: fed1, Active: true},
		FederationInfo{ID: fed2, Active: true},
		FederationInfo{ID: fed3, Active: false},
	)
	pe := NewPolicyEngine(dir, nil)
	ctx := context.Background()

	policy, err := pe.CreateMultiFederationPolicy(ctx,
		[]types.FederationID{fed1, fed2}, []types.FederationID{fed1}, []types.FederationID{fed1}, 2)
	require.NoError(t, err)
	assert.True(t, pe.CanRead(policy, fed2))
	assert.False(t, pe.CanWrite(policy, fed2))
	assert.Equal(t, 2, policy.RedundancyFactor)
	assert.True(t, policy.EncryptionRequired)
	assert.Equal(t, DefaultMaxVersions, policy.MaxVersions)

	_, err = pe.CreateMultiFederationPolicy(ctx,
		[]types.FederationID{"ghost"}, nil, []types.FederationID{fed1}, 1)
	assert.ErrorIs(t, err, types.ErrUnknownFederation)

	_, err = pe.CreateMultiFederationPolicy(ctx,
		[]types.FederationID{fed3}, nil, []types.FederationID{fed1}, 1)
	assert.ErrorIs(t, err, types.ErrUnknownFederation)

	_, err = pe.CreateMultiFederationPolicy(ctx, nil, nil, []types.FederationID{fed1}, 0)
	assert.ErrorIs(t, err, types.ErrInvalidPolicy)
}

func TestDataAccessPolicy_JSON(t *testing.T) {
	policy := DefaultPolicy(fed1)
	policy.ReadFederations.Add(fed2)

	clone := policy.Clone()
	clone.ReadFederations.Add(fed3)
	if policy.ReadFederations.Contains(fed3) {
		t.Error("Clone must not share sets")
	}

	raw, err := policy.ReadFederations.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `["fed-1","fed-2"]`, string(raw))

	var decoded FederationSet
	require.NoError(t, decoded.UnmarshalJSON(raw))
	assert.True(t, decoded.Contains(fed2))

	assert.Equal(t, []types.FederationID{fed1, fed2}, policy.Federations())
}

func TestDataAccessPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultPolicy(fed1).Validate())

	noAdmin := DefaultPolicy(fed1)
	noAdmin.AdminFederations = NewFederationSet()
	if err := noAdmin.Validate(); !errors.Is(err, types.ErrInvalidPolicy) {
		t.Errorf("Expected ErrInvalidPolicy, got %v", err)
	}

	var nilPolicy *DataAccessPolicy
	assert.ErrorIs(t, nilPolicy.Validate(), types.ErrInvalidPolicy)
}
