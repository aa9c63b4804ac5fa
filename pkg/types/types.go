package types

import "fmt"

// FederationID identifies an administrative group of cooperating nodes
type FederationID string

// String returns the federation id as a plain string
func (f FederationID) String() string {
	return string(f)
}

// AccessType is the kind of operation being authorized against a policy
type AccessType int

const (
	AccessRead AccessType = iota
	AccessWrite
	AccessAdmin
)

// String returns a lowercase name for the access type
func (a AccessType) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ParseAccessType parses the names produced by AccessType.String
func ParseAccessType(s string) (AccessType, error) {
	switch s {
	case "read":
		return AccessRead, nil
	case "write":
		return AccessWrite, nil
	case "admin":
		return AccessAdmin, nil
	default:
		return 0, fmt.Errorf("unknown access type %q", s)
	}
}
