package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fedstore/pkg/types"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// sentinelCodes maps the storage error taxonomy onto gRPC codes. Several
// sentinels share a code; the receiving side tells them apart by the
// sentinel text carried in the status message.
var sentinelCodes = []struct {
	err  error
	code codes.Code
}{
	{types.ErrKeyNotFound, codes.NotFound},
	{types.ErrVersionNotFound, codes.NotFound},
	{types.ErrPermissionDenied, codes.PermissionDenied},
	{types.ErrAccessDenied, codes.Unauthenticated},
	{types.ErrDataCorruption, codes.DataLoss},
	{types.ErrUnknownFederation, codes.FailedPrecondition},
	{types.ErrNotVersioned, codes.FailedPrecondition},
	{types.ErrRouteNotFound, codes.Unimplemented},
	{types.ErrQuotaExceeded, codes.ResourceExhausted},
	{types.ErrInsufficientReplicas, codes.Aborted},
	{types.ErrInvalidPolicy, codes.InvalidArgument},
	{types.ErrInvalidNodeID, codes.InvalidArgument},
	{types.ErrRoutingTableFull, codes.ResourceExhausted},
	{types.ErrTimeout, codes.DeadlineExceeded},
	{types.ErrNetwork, codes.Unavailable},
}

// toStatus converts a storage error into a gRPC status error
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, s := range sentinelCodes {
		if errors.Is(err, s.err) {
			return status.Error(s.code, err.Error())
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// fromStatus converts a gRPC error back into the storage error taxonomy
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	msg := st.Message()
	for _, s := range sentinelCodes {
		if s.code == st.Code() && strings.Contains(msg, s.err.Error()) {
			return fmt.Errorf("remote: %s: %w", msg, s.err)
		}
	}

	switch st.Code() {
	case codes.Unavailable:
		return fmt.Errorf("remote: %s: %w", msg, types.ErrNetwork)
	case codes.DeadlineExceeded:
		return fmt.Errorf("remote: %s: %w", msg, types.ErrTimeout)
	case codes.Canceled:
		return fmt.Errorf("remote: %s: %w", msg, context.Canceled)
	case codes.NotFound:
		return fmt.Errorf("remote: %s: %w", msg, types.ErrKeyNotFound)
	case codes.PermissionDenied:
		return fmt.Errorf("remote: %s: %w", msg, types.ErrPermissionDenied)
	}
	return fmt.Errorf("remote: %s", msg)
}
