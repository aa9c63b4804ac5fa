package federation

import (
	"context"
	"testing"

	"fedstore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticDirectory(t *testing.T) {
	ctx := context.Background()
	dir := NewStaticDirectory(FederationInfo{ID: fed1, Name: "One", Active: true})
	dir.Register(FederationInfo{ID: fed2, Active: true})

	info, err := dir.Lookup(ctx, fed1)
	require.NoError(t, err)
	assert.Equal(t, "One", info.Name)

	_, err = dir.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrUnknownFederation)

	assert.NoError(t, ValidateFederation(ctx, dir, fed2))
	dir.Deactivate(fed2)
	assert.ErrorIs(t, ValidateFederation(ctx, dir, fed2), types.ErrUnknownFederation)

	assert.True(t, dir.HasAgreement(ctx, fed1, fed1))
	assert.False(t, dir.HasAgreement(ctx, fed1, fed2))
	dir.AddAgreement(fed2, fed1)
	assert.True(t, dir.HasAgreement(ctx, fed1, fed2))
	dir.RemoveAgreement(fed1, fed2)
	assert.False(t, dir.HasAgreement(ctx, fed2, fed1))

	list := dir.List()
	require.Len(t, list, 2)
	assert.Equal(t, fed1, list[0].ID)
}

func TestRequesterContext(t *testing.T) {
	_, ok := RequesterFromContext(context.Background())
	assert.False(t, ok)

	fed, ok := RequesterFromContext(WithRequester(context.Background(), fed2))
	assert.True(t, ok)
	assert.Equal(t, fed2, fed)
}
