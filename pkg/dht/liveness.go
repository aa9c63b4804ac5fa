package dht

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// DefaultProbeFanout is the number of peers probed per round
const DefaultProbeFanout = 3

// LivenessConfig tunes Probe
type LivenessConfig struct {
	// Fanout peers are pinged per round. Zero means DefaultProbeFanout.
	Fanout int
	// SuspectAfter marks an active peer inactive once it has not been seen
	// for this long. Zero disables the check.
	SuspectAfter time.Duration
}

// ProbeResult summarizes one probe round
type ProbeResult struct {
	Probed    int
	Failed    int
	Suspected int
}

// Probe pings a random sample of known peers, inactive ones included so a
// recovered peer can rejoin, and then marks peers silent for longer than
// SuspectAfter as inactive.
func (d *DHT) Probe(ctx context.Context, cfg LivenessConfig) ProbeResult {
	var result ProbeResult
	if cfg.Fanout <= 0 {
		cfg.Fanout = DefaultProbeFanout
	}

	peers := d.table.Peers()
	if d.transport != nil {
		for _, peer := range selectProbePeers(peers, cfg.Fanout) {
			if ctx.Err() != nil {
				return result
			}
			result.Probed++

			pctx, cancel := context.WithTimeout(ctx, d.config.ReplicaTimeout)
			err := d.transport.Ping(pctx, peer)
			cancel()
			if err != nil {
				result.Failed++
				if d.table.MarkFailure(peer.ID) {
					d.logger.Debug("Probe failed", zap.String("peer", peer.ID.Short()), zap.Error(err))
				}
				continue
			}
			d.table.MarkSeen(peer.ID)
		}
	}

	if cfg.SuspectAfter > 0 {
		result.Suspected = d.suspectSilent(cfg.SuspectAfter)
	}
	return result
}

// selectProbePeers shuffles peers and keeps up to fanout of them
func selectProbePeers(peers []PeerRecord, fanout int) []PeerRecord {
	rand.Shuffle(len(peers), func(i, j int) {
		peers[i], peers[j] = peers[j], peers[i]
	})
	if fanout > len(peers) {
		fanout = len(peers)
	}
	return peers[:fanout]
}

// suspectSilent marks active peers not seen within after as inactive and
// returns how many it marked
func (d *DHT) suspectSilent(after time.Duration) int {
	now := d.table.clock.Now()
	marked := 0
	// re-read the table so peers seen during this round are not suspected
	for _, peer := range d.table.Peers() {
		if !peer.IsActive || now.Sub(peer.LastSeen) <= after {
			continue
		}
		d.table.MarkInactive(peer.ID)
		marked++
		d.logger.Info("Peer suspected",
			zap.String("peer", peer.ID.Short()),
			zap.Duration("silent", now.Sub(peer.LastSeen)))
	}
	return marked
}
