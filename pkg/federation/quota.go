package federation

import (
	"fmt"
	"sync"

	"fedstore/pkg/types"
)

// Quota caps a federation's footprint. Zero fields are unlimited.
type Quota struct {
	MaxBytes   int64 `json:"max_bytes" yaml:"max_bytes"`
	MaxObjects int64 `json:"max_objects" yaml:"max_objects"`
}

// Usage is a federation's current footprint
type Usage struct {
	Bytes   int64 `json:"bytes"`
	Objects int64 `json:"objects"`
}

// QuotaManager tracks per-federation storage usage against quotas
type QuotaManager struct {
	mu     sync.Mutex
	quotas map[types.FederationID]Quota
	usage  map[types.FederationID]*Usage
}

// NewQuotaManager creates a manager with no limits
func NewQuotaManager() *QuotaManager {
	return &QuotaManager{
		quotas: make(map[types.FederationID]Quota),
		usage:  make(map[types.FederationID]*Usage),
	}
}

// SetQuota sets the limits for fed
func (qm *QuotaManager) SetQuota(fed types.FederationID, q Quota) {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	qm.quotas[fed] = q
}

// Quota returns the limits for fed
func (qm *QuotaManager) Quota(fed types.FederationID) Quota {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	return qm.quotas[fed]
}

// Usage returns the current usage of fed
func (qm *QuotaManager) Usage(fed types.FederationID) Usage {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	if u, ok := qm.usage[fed]; ok {
		return *u
	}
	return Usage{}
}

// Reserve charges fed for delta bytes, plus one object when newObject is set.
// Negative deltas always succeed. It fails with types.ErrQuotaExceeded
// without charging anything.
func (qm *QuotaManager) Reserve(fed types.FederationID, delta int64, newObject bool) error {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	u, ok := qm.usage[fed]
	if !ok {
		u = &Usage{}
		qm.usage[fed] = u
	}
	q := qm.quotas[fed]

	if q.MaxBytes > 0 && delta > 0 && u.Bytes+delta > q.MaxBytes {
		return fmt.Errorf("federation %s would use %d of %d bytes: %w", fed, u.Bytes+delta, q.MaxBytes, types.ErrQuotaExceeded)
	}
	if q.MaxObjects > 0 && newObject && u.Objects+1 > q.MaxObjects {
		return fmt.Errorf("federation %s would hold %d of %d objects: %w", fed, u.Objects+1, q.MaxObjects, types.ErrQuotaExceeded)
	}

	u.Bytes += delta
	if u.Bytes < 0 {
		u.Bytes = 0
	}
	if newObject {
		u.Objects++
	}
	return nil
}

// Charge records usage without enforcing limits, for state reloaded at
// startup
func (qm *QuotaManager) Charge(fed types.FederationID, bytes int64, objects int64) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	u, ok := qm.usage[fed]
	if !ok {
		u = &Usage{}
		qm.usage[fed] = u
	}
	u.Bytes += bytes
	u.Objects += objects
}

// Release returns bytes, and one object when object is set, to fed
func (qm *QuotaManager) Release(fed types.FederationID, bytes int64, object bool) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	u, ok := qm.usage[fed]
	if !ok {
		return
	}
	u.Bytes -= bytes
	if u.Bytes < 0 {
		u.Bytes = 0
	}
	if object && u.Objects > 0 {
		u.Objects--
	}
}
