package federation

import (
	"sort"
	"sync"
	"time"

	"fedstore/pkg/types"
)

// StoragePeer is a peer's self-reported storage advertisement. It guides
// replica placement but is not authoritative for whether data exists.
type StoragePeer struct {
	NodeID           string             `json:"node_id"`
	Address          string             `json:"address"`
	FederationID     types.FederationID `json:"federation_id"`
	StorageCapacity  int64              `json:"storage_capacity"`
	AvailableSpace   int64              `json:"available_space"`
	LatencyMs        float64            `json:"latency_ms"`
	UptimePercentage float64            `json:"uptime_percentage"`
	Tags             map[string]string  `json:"tags,omitempty"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// PlacementMetrics tracks placement decisions
type PlacementMetrics struct {
	TotalPlacements           int64
	LocalPlacements           int64
	CrossFederationPlacements int64
	RejectedPeers             int64
}

// PlacementEngine filters replica targets using peer advertisements
type PlacementEngine struct {
	mu sync.RWMutex

	peers           map[string]*StoragePeer
	localFederation types.FederationID

	// MinUptime excludes advertised peers below this uptime percentage
	minUptime float64

	metrics *PlacementMetrics
}

// NewPlacementEngine creates a placement engine for localFederation
func NewPlacementEngine(localFederation types.FederationID, minUptime float64) *PlacementEngine {
	return &PlacementEngine{
		peers:           make(map[string]*StoragePeer),
		localFederation: localFederation,
		minUptime:       minUptime,
		metrics:         &PlacementMetrics{},
	}
}

// Advertise adds or replaces a peer advertisement
func (pe *PlacementEngine) Advertise(peer StoragePeer) {
	pe.mu.Lock()
	defer pe.mu.Unlock()

	stored := peer
	pe.peers[peer.NodeID] = &stored
}

// Withdraw removes a peer advertisement
func (pe *PlacementEngine) Withdraw(nodeID string) {
	pe.mu.Lock()
	defer pe.mu.Unlock()

	delete(pe.peers, nodeID)
}

// Peer returns the advertisement for nodeID
func (pe *PlacementEngine) Peer(nodeID string) (StoragePeer, bool) {
	pe.mu.RLock()
	defer pe.mu.RUnlock()

	peer, ok := pe.peers[nodeID]
	if !ok {
		return StoragePeer{}, false
	}
	return *peer, true
}

// Peers returns all advertisements sorted by node id
func (pe *PlacementEngine) Peers() []StoragePeer {
	pe.mu.RLock()
	defer pe.mu.RUnlock()

	out := make([]StoragePeer, 0, len(pe.peers))
	for _, peer := range pe.peers {
		out = append(out, *peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Eligible reports whether nodeID may receive a replica of size bytes.
// Peers without an advertisement are eligible.
func (pe *PlacementEngine) Eligible(nodeID string, size int64) bool {
	pe.mu.Lock()
	defer pe.mu.Unlock()

	peer, ok := pe.peers[nodeID]
	if !ok {
		return true
	}
	if peer.StorageCapacity > 0 && peer.AvailableSpace < size {
		pe.metrics.RejectedPeers++
		return false
	}
	if pe.minUptime > 0 && peer.UptimePercentage > 0 && peer.UptimePercentage < pe.minUptime {
		pe.metrics.RejectedPeers++
		return false
	}
	return true
}

// RecordPlacement updates metrics and deducts size from the advertised free
// space of each target
func (pe *PlacementEngine) RecordPlacement(nodeIDs []string, size int64) {
	pe.mu.Lock()
	defer pe.mu.Unlock()

	pe.metrics.TotalPlacements++

	local := false
	federations := make(map[types.FederationID]bool)
	for _, id := range nodeIDs {
		peer, ok := pe.peers[id]
		if !ok {
			continue
		}
		if peer.FederationID == pe.localFederation {
			local = true
		}
		federations[peer.FederationID] = true
		if peer.StorageCapacity > 0 {
			peer.AvailableSpace -= size
			if peer.AvailableSpace < 0 {
				peer.AvailableSpace = 0
			}
		}
	}

	if local {
		pe.metrics.LocalPlacements++
	}
	if len(federations) > 1 {
		pe.metrics.CrossFederationPlacements++
	}
}

// GetMetrics returns placement metrics
func (pe *PlacementEngine) GetMetrics() *PlacementMetrics {
	pe.mu.RLock()
	defer pe.mu.RUnlock()

	metrics := *pe.metrics
	return &metrics
}
