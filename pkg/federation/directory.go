package federation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"fedstore/pkg/types"
)

// FederationInfo is what the directory knows about a federation
type FederationInfo struct {
	ID        types.FederationID `json:"id" yaml:"id"`
	Name      string             `json:"name,omitempty" yaml:"name,omitempty"`
	Active    bool               `json:"active" yaml:"active"`
	Endpoints []string           `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
}

// Directory is a read-only view of known federations and the agreements
// between them
type Directory interface {
	Lookup(ctx context.Context, id types.FederationID) (FederationInfo, error)
	HasAgreement(ctx context.Context, a, b types.FederationID) bool
}

// ValidateFederation fails with types.ErrUnknownFederation unless id is known
// and active
func ValidateFederation(ctx context.Context, dir Directory, id types.FederationID) error {
	info, err := dir.Lookup(ctx, id)
	if err != nil {
		return err
	}
	if !info.Active {
		return fmt.Errorf("federation %s is inactive: %w", id, types.ErrUnknownFederation)
	}
	return nil
}

type agreementKey struct {
	a, b types.FederationID
}

func newAgreementKey(a, b types.FederationID) agreementKey {
	if b < a {
		a, b = b, a
	}
	return agreementKey{a: a, b: b}
}

// StaticDirectory is an in-memory Directory populated from configuration
type StaticDirectory struct {
	mu          sync.RWMutex
	federations map[types.FederationID]FederationInfo
	agreements  map[agreementKey]bool
}

// NewStaticDirectory creates a directory holding infos
func NewStaticDirectory(infos ...FederationInfo) *StaticDirectory {
	d := &StaticDirectory{
		federations: make(map[types.FederationID]FederationInfo),
		agreements:  make(map[agreementKey]bool),
	}
	for _, info := range infos {
		d.federations[info.ID] = info
	}
	return d
}

// Register adds or replaces a federation
func (d *StaticDirectory) Register(info FederationInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.federations[info.ID] = info
}

// Deactivate marks a federation inactive
func (d *StaticDirectory) Deactivate(id types.FederationID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if info, ok := d.federations[id]; ok {
		info.Active = false
		d.federations[id] = info
	}
}

// AddAgreement records a bilateral agreement between a and b
func (d *StaticDirectory) AddAgreement(a, b types.FederationID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agreements[newAgreementKey(a, b)] = true
}

// RemoveAgreement ends the agreement between a and b
func (d *StaticDirectory) RemoveAgreement(a, b types.FederationID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.agreements, newAgreementKey(a, b))
}

// Lookup returns the info for id
func (d *StaticDirectory) Lookup(ctx context.Context, id types.FederationID) (FederationInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	info, ok := d.federations[id]
	if !ok {
		return FederationInfo{}, fmt.Errorf("federation %s: %w", id, types.ErrUnknownFederation)
	}
	return info, nil
}

// HasAgreement reports whether a and b have an agreement. A federation always
// agrees with itself.
func (d *StaticDirectory) HasAgreement(ctx context.Context, a, b types.FederationID) bool {
	if a == b {
		return true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.agreements[newAgreementKey(a, b)]
}

// List returns every known federation sorted by id
func (d *StaticDirectory) List() []FederationInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]FederationInfo, 0, len(d.federations))
	for _, info := range d.federations {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var _ Directory = (*StaticDirectory)(nil)
