package federation

import (
	"context"

	"fedstore/pkg/types"
)

type requesterKey struct{}

// WithRequester attaches the requesting federation to ctx
func WithRequester(ctx context.Context, fed types.FederationID) context.Context {
	return context.WithValue(ctx, requesterKey{}, fed)
}

// RequesterFromContext returns the requesting federation, if any
func RequesterFromContext(ctx context.Context) (types.FederationID, bool) {
	fed, ok := ctx.Value(requesterKey{}).(types.FederationID)
	return fed, ok && fed != ""
}
