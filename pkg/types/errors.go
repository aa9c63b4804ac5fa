package types

import (
	"context"
	"errors"
)

// Error taxonomy shared by every storage component. Returned errors wrap one
// of these so callers can tell "not allowed" from "does not exist" from
// "not enough reachable replicas".
var (
	ErrPermissionDenied     = errors.New("permission denied")
	ErrRouteNotFound        = errors.New("route not found")
	ErrKeyNotFound          = errors.New("key not found")
	ErrAccessDenied         = errors.New("access denied: no key grant")
	ErrDataCorruption       = errors.New("data corruption: content hash mismatch")
	ErrUnknownFederation    = errors.New("unknown federation")
	ErrTimeout              = errors.New("timeout")
	ErrNetwork              = errors.New("network error")
	ErrInsufficientReplicas = errors.New("insufficient reachable replicas")
	ErrInvalidNodeID        = errors.New("invalid node id")
	ErrRoutingTableFull     = errors.New("routing table full")
	ErrNotVersioned         = errors.New("key is not versioned")
	ErrVersionNotFound      = errors.New("version not found")
	ErrQuotaExceeded        = errors.New("storage quota exceeded")
	ErrInvalidPolicy        = errors.New("invalid access policy")
)

// IsRetryable reports whether err is a transient failure worth retrying
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNetwork) ||
		errors.Is(err, context.DeadlineExceeded)
}
