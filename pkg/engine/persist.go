package engine

import (
	"context"
	"encoding/json"
	"strings"

	"fedstore/pkg/federation"
	"fedstore/pkg/types"
	"fedstore/pkg/versioning"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	locationPrefix = "loc/"
	historyPrefix  = "ver/"
)

// metaNamespace holds the engine's location and version records, apart
// from the data namespace the DHT replicates
func (e *Engine) metaNamespace() string {
	return e.federation.String() + "/_meta"
}

// persist writes the current location and history of key to the local
// store, or deletes them when key is gone. Failures are logged; the
// in-memory state stays authoritative.
func (e *Engine) persist(key string) {
	ns := e.metaNamespace()

	if loc, ok := e.locations.Get(key); ok {
		if err := e.putJSON(ns, locationPrefix+key, loc); err != nil {
			e.logger.Warn("Failed to persist location", zap.String("key", key), zap.Error(err))
		}
	} else if err := e.store.Delete(ns, locationPrefix+key); err != nil {
		e.logger.Warn("Failed to delete persisted location", zap.String("key", key), zap.Error(err))
	}

	if h, ok := e.versions.Snapshot(key); ok {
		if err := e.putJSON(ns, historyPrefix+key, h); err != nil {
			e.logger.Warn("Failed to persist version history", zap.String("key", key), zap.Error(err))
		}
	} else if err := e.store.Delete(ns, historyPrefix+key); err != nil {
		e.logger.Warn("Failed to delete persisted history", zap.String("key", key), zap.Error(err))
	}
}

func (e *Engine) putJSON(ns, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return e.store.Put(ns, key, data)
}

// Recover reloads persisted locations and histories, re-charging quotas for
// every recovered key. It returns the number of keys recovered. Records that
// fail to decode are skipped and reported.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	ns := e.metaNamespace()

	locKeys, err := e.store.ListKeys(ns, locationPrefix)
	if err != nil {
		return 0, err
	}

	var errs error
	recovered := 0
	for _, k := range locKeys {
		if err := ctx.Err(); err != nil {
			return recovered, multierr.Append(errs, err)
		}

		data, err := e.store.Get(ns, k)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		var loc federation.DataLocation
		if err := json.Unmarshal(data, &loc); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if loc.Key != strings.TrimPrefix(k, locationPrefix) || loc.Policy == nil {
			errs = multierr.Append(errs, types.ErrDataCorruption)
			continue
		}
		if !e.locations.Upsert(&loc) {
			continue
		}

		owner := e.federation
		if o, ok := loc.Metadata[ownerMetadataKey]; ok {
			owner = types.FederationID(o)
		}
		e.quotas.Charge(owner, loc.SizeBytes, 1)
		recovered++
	}

	verKeys, err := e.store.ListKeys(ns, historyPrefix)
	if err != nil {
		return recovered, multierr.Append(errs, err)
	}
	for _, k := range verKeys {
		data, err := e.store.Get(ns, k)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		var h versioning.History
		if err := json.Unmarshal(data, &h); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if _, ok := e.locations.Get(h.Key); !ok {
			continue
		}
		e.versions.Restore(&h)
	}

	e.logger.Info("Recovered storage state",
		zap.Int("keys", recovered),
		zap.Int("histories", len(e.versions.Keys())))
	return recovered, errs
}
