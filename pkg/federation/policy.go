package federation

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"fedstore/pkg/types"
)

const (
	// DefaultRedundancyFactor is the replica target for new policies
	DefaultRedundancyFactor = 3
	// DefaultMaxVersions bounds version history for new policies
	DefaultMaxVersions = 10
)

// FederationSet is an unordered set of federation ids. It marshals as a
// sorted JSON array.
type FederationSet map[types.FederationID]struct{}

// NewFederationSet builds a set from ids
func NewFederationSet(ids ...types.FederationID) FederationSet {
	s := make(FederationSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports membership
func (s FederationSet) Contains(id types.FederationID) bool {
	_, ok := s[id]
	return ok
}

// Add inserts id
func (s FederationSet) Add(id types.FederationID) {
	s[id] = struct{}{}
}

// Slice returns the members sorted
func (s FederationSet) Slice() []types.FederationID {
	out := make([]types.FederationID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns a copy
func (s FederationSet) Clone() FederationSet {
	out := make(FederationSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

func (s FederationSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

func (s *FederationSet) UnmarshalJSON(data []byte) error {
	var ids []types.FederationID
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewFederationSet(ids...)
	return nil
}

// DataAccessPolicy governs which federations may read, write and administer
// a key, and how the key is stored
type DataAccessPolicy struct {
	ReadFederations    FederationSet `json:"read_federations"`
	WriteFederations   FederationSet `json:"write_federations"`
	AdminFederations   FederationSet `json:"admin_federations"`
	EncryptionRequired bool          `json:"encryption_required"`
	RedundancyFactor   int           `json:"redundancy_factor"`
	ExpirationTime     *time.Time    `json:"expiration_time,omitempty"`
	VersioningEnabled  bool          `json:"versioning_enabled"`
	MaxVersions        int           `json:"max_versions"`
}

// DefaultPolicy gives owner full control, with encryption on and
// versioning off
func DefaultPolicy(owner types.FederationID) *DataAccessPolicy {
	return &DataAccessPolicy{
		ReadFederations:    NewFederationSet(owner),
		WriteFederations:   NewFederationSet(owner),
		AdminFederations:   NewFederationSet(owner),
		EncryptionRequired: true,
		RedundancyFactor:   DefaultRedundancyFactor,
		MaxVersions:        DefaultMaxVersions,
	}
}

// Validate checks structural constraints
func (p *DataAccessPolicy) Validate() error {
	if p == nil {
		return fmt.Errorf("nil policy: %w", types.ErrInvalidPolicy)
	}
	if p.RedundancyFactor < 1 {
		return fmt.Errorf("redundancy factor %d must be at least 1: %w", p.RedundancyFactor, types.ErrInvalidPolicy)
	}
	if p.MaxVersions < 1 {
		return fmt.Errorf("max versions %d must be at least 1: %w", p.MaxVersions, types.ErrInvalidPolicy)
	}
	if len(p.AdminFederations) == 0 {
		return fmt.Errorf("policy has no admin federation: %w", types.ErrInvalidPolicy)
	}
	return nil
}

// Clone returns a deep copy
func (p *DataAccessPolicy) Clone() *DataAccessPolicy {
	if p == nil {
		return nil
	}
	out := *p
	out.ReadFederations = p.ReadFederations.Clone()
	out.WriteFederations = p.WriteFederations.Clone()
	out.AdminFederations = p.AdminFederations.Clone()
	if p.ExpirationTime != nil {
		t := *p.ExpirationTime
		out.ExpirationTime = &t
	}
	return &out
}

// Federations returns every federation named by the policy, sorted
func (p *DataAccessPolicy) Federations() []types.FederationID {
	all := p.ReadFederations.Clone()
	for id := range p.WriteFederations {
		all.Add(id)
	}
	for id := range p.AdminFederations {
		all.Add(id)
	}
	return all.Slice()
}

// EffectiveReaders is read ∪ write ∪ admin
func (p *DataAccessPolicy) EffectiveReaders() FederationSet {
	return NewFederationSet(p.Federations()...)
}

// IsExpired reports whether the policy has an expiration time at or before now
func (p *DataAccessPolicy) IsExpired(now time.Time) bool {
	return p != nil && p.ExpirationTime != nil && !now.Before(*p.ExpirationTime)
}
