// Package engine implements the distributed storage engine of one
// federation: access checks, optional encryption, replicated writes through
// the DHT, replica tracking and version history.
package engine

import (
	"context"
	"fmt"
	"time"

	"fedstore/pkg/dht"
	"fedstore/pkg/federation"
	"fedstore/pkg/keys"
	"fedstore/pkg/storage"
	"fedstore/pkg/types"
	"fedstore/pkg/versioning"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ownerMetadataKey records the federation charged for a key's quota
const ownerMetadataKey = "owner"

// Config holds the engine's identity and policy template
type Config struct {
	Federation types.FederationID

	// DefaultPolicy is the template for keys written without a policy.
	// Its federation sets are replaced by the writer and the engine's own
	// federation. Nil means federation.DefaultPolicy.
	DefaultPolicy *federation.DataAccessPolicy
}

// Deps are the collaborators an Engine is built from. Store, DHT and Keys
// are required.
type Deps struct {
	Store     storage.Store
	DHT       *dht.DHT
	Keys      keys.Manager
	Policies  *federation.PolicyEngine
	Placement *federation.PlacementEngine
	Quotas    *federation.QuotaManager
	Metrics   *federation.StorageMetrics
	Clock     clock.Clock
	Logger    *zap.Logger
}

// Engine is the DistributedStorageEngine of one federation
type Engine struct {
	federation    types.FederationID
	nodeID        dht.NodeIdentifier
	defaultPolicy *federation.DataAccessPolicy

	store     storage.Store
	dht       *dht.DHT
	keys      keys.Manager
	policies  *federation.PolicyEngine
	locations *federation.LocationTracker
	versions  *versioning.Manager
	placement *federation.PlacementEngine
	quotas    *federation.QuotaManager
	metrics   *federation.StorageMetrics
	clock     clock.Clock
	logger    *zap.Logger
}

// New creates an engine
func New(cfg Config, deps Deps) (*Engine, error) {
	if cfg.Federation == "" {
		return nil, fmt.Errorf("engine: federation id is required")
	}
	if deps.Store == nil || deps.DHT == nil || deps.Keys == nil {
		return nil, fmt.Errorf("engine: store, dht and key manager are required")
	}

	template := cfg.DefaultPolicy
	if template == nil {
		template = federation.DefaultPolicy(cfg.Federation)
	}
	if template.RedundancyFactor < 1 || template.MaxVersions < 1 {
		return nil, fmt.Errorf("engine: default policy: %w", types.ErrInvalidPolicy)
	}

	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Policies == nil {
		deps.Policies = federation.NewPolicyEngine(nil, deps.Logger)
	}
	if deps.Placement == nil {
		deps.Placement = federation.NewPlacementEngine(cfg.Federation, 0)
	}
	if deps.Quotas == nil {
		deps.Quotas = federation.NewQuotaManager()
	}

	return &Engine{
		federation:    cfg.Federation,
		nodeID:        deps.DHT.Table().LocalID(),
		defaultPolicy: template.Clone(),
		store:         deps.Store,
		dht:           deps.DHT,
		keys:          deps.Keys,
		policies:      deps.Policies,
		locations:     federation.NewLocationTracker(),
		versions:      versioning.NewManager(),
		placement:     deps.Placement,
		quotas:        deps.Quotas,
		metrics:       deps.Metrics,
		clock:         deps.Clock,
		logger:        deps.Logger.With(zap.String("federation", cfg.Federation.String())),
	}, nil
}

// Federation returns the federation this engine serves
func (e *Engine) Federation() types.FederationID {
	return e.federation
}

// NodeID returns the local node identifier
func (e *Engine) NodeID() dht.NodeIdentifier {
	return e.nodeID
}

// Policies returns the policy engine
func (e *Engine) Policies() *federation.PolicyEngine {
	return e.policies
}

func (e *Engine) requester(ctx context.Context) types.FederationID {
	if fed, ok := federation.RequesterFromContext(ctx); ok {
		return fed
	}
	return e.federation
}

func (e *Engine) observe(op string, start time.Time, err error) {
	e.metrics.ObserveOperation(op, err, e.clock.Since(start))
}

func (e *Engine) authorize(op string, policy *federation.DataAccessPolicy, fed types.FederationID, access types.AccessType, key string) error {
	if err := e.policies.Authorize(policy, fed, access, key); err != nil {
		e.metrics.ObserveDenial(op)
		return err
	}
	return nil
}

// aad binds a ciphertext to its federation and key
func (e *Engine) aad(key string) []byte {
	return []byte(e.federation.String() + "\x00" + key)
}

// lookup returns the live location of key. Expired keys are reported as
// missing.
func (e *Engine) lookup(key string) (*federation.DataLocation, error) {
	loc, ok := e.locations.Get(key)
	if !ok || loc.IsExpired(e.clock.Now()) {
		return nil, fmt.Errorf("%q: %w", key, types.ErrKeyNotFound)
	}
	return loc, nil
}

func (e *Engine) newPolicy(writer types.FederationID) *federation.DataAccessPolicy {
	policy := e.defaultPolicy.Clone()
	owners := []types.FederationID{writer, e.federation}
	policy.ReadFederations = federation.NewFederationSet(owners...)
	policy.WriteFederations = federation.NewFederationSet(owners...)
	policy.AdminFederations = federation.NewFederationSet(owners...)
	return policy
}

// holders converts tracked peer ids into node identifiers, skipping
// malformed entries
func holders(loc *federation.DataLocation) []dht.NodeIdentifier {
	out := make([]dht.NodeIdentifier, 0, len(loc.StoragePeers))
	for _, s := range loc.StoragePeers {
		if id, err := dht.ParseNodeIdentifier(s); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func (e *Engine) storagePeers(result dht.StoreResult) []string {
	peers := make([]string, 0, result.Copies())
	if result.Local {
		peers = append(peers, e.nodeID.String())
	}
	for _, p := range result.Replicas {
		peers = append(peers, p.ID.String())
	}
	return peers
}

func (e *Engine) placementFilter(size int) func(dht.PeerRecord) bool {
	return func(p dht.PeerRecord) bool {
		return e.placement.Eligible(p.ID.String(), int64(size))
	}
}

// replicate stores raw under storageKey with the fan-out of policy
func (e *Engine) replicate(ctx context.Context, storageKey string, raw []byte, policy *federation.DataAccessPolicy) (dht.StoreResult, error) {
	result, err := e.dht.Store(ctx, storageKey, raw, dht.StoreOptions{
		Redundancy: policy.RedundancyFactor,
		Filter:     e.placementFilter(len(raw)),
	})
	failures := len(multierr.Errors(result.Failures))
	e.metrics.ObserveReplication(result.Copies(), failures)
	if err != nil {
		return result, err
	}

	remote := make([]string, 0, len(result.Replicas))
	for _, p := range result.Replicas {
		remote = append(remote, p.ID.String())
	}
	e.placement.RecordPlacement(remote, int64(len(raw)))
	return result, nil
}

// readRaw fetches the stored bytes of storageKey accepted by validate
func (e *Engine) readRaw(ctx context.Context, storageKey string, loc *federation.DataLocation, validate func([]byte) error) ([]byte, error) {
	return e.dht.Get(ctx, storageKey, validate, holders(loc)...)
}

// open decrypts raw when meta is present
func (e *Engine) open(ctx context.Context, requester types.FederationID, key string, meta *keys.Metadata, raw []byte) ([]byte, error) {
	if meta == nil {
		return raw, nil
	}
	return e.keys.Decrypt(ctx, requester, meta, raw, e.aad(key))
}

// readPlaintext returns the verified plaintext of a stored blob
func (e *Engine) readPlaintext(ctx context.Context, requester types.FederationID, key, storageKey string, loc *federation.DataLocation, meta *keys.Metadata, hash string) ([]byte, error) {
	plaintext, _, err := e.readVerified(ctx, requester, key, storageKey, loc, meta, hash)
	return plaintext, err
}

// readVerified returns the plaintext of a stored blob together with the raw
// copy it was opened from. The grant is checked up front so a missing grant
// is never mistaken for corruption.
func (e *Engine) readVerified(ctx context.Context, requester types.FederationID, key, storageKey string, loc *federation.DataLocation, meta *keys.Metadata, hash string) (plaintext, raw []byte, err error) {
	if meta != nil && !e.keys.HasAccess(requester, meta.KeyID) {
		e.metrics.ObserveDecryptDenial()
		return nil, nil, fmt.Errorf("federation %s cannot decrypt %q: %w", requester, key, types.ErrAccessDenied)
	}

	validate := func(candidate []byte) error {
		pt, err := e.open(ctx, requester, key, meta, candidate)
		if err != nil {
			return err
		}
		if !storage.VerifyContent(pt, hash) {
			return fmt.Errorf("%q content hash mismatch: %w", storageKey, types.ErrDataCorruption)
		}
		plaintext = pt
		return nil
	}

	raw, err = e.readRaw(ctx, storageKey, loc, validate)
	if err != nil {
		return nil, nil, err
	}
	return plaintext, raw, nil
}

// writeOptions tune the shared write path
type writeOptions struct {
	appendVersion bool
	comment       string
}

// write encrypts, replicates and records value under key. Callers have
// already authorized the request against policy.
func (e *Engine) write(ctx context.Context, requester types.FederationID, key string, value []byte, policy *federation.DataAccessPolicy, existing *federation.DataLocation, opts writeOptions) (*federation.DataLocation, error) {
	owner := requester
	delta := int64(len(value))
	if existing != nil {
		if o, ok := existing.Metadata[ownerMetadataKey]; ok {
			owner = types.FederationID(o)
		}
		delta -= existing.SizeBytes
	}
	if err := e.quotas.Reserve(owner, delta, existing == nil); err != nil {
		return nil, err
	}
	release := func() { e.quotas.Release(owner, delta, existing == nil) }

	raw := value
	var meta *keys.Metadata
	if policy.EncryptionRequired {
		scope := keys.Scope{Federations: append(policy.AdminFederations.Slice(), requester)}
		if existing != nil && existing.Encryption != nil {
			scope.KeyID = existing.Encryption.KeyID
		}
		ciphertext, m, err := e.keys.Encrypt(ctx, scope, value, e.aad(key))
		if err != nil {
			release()
			return nil, fmt.Errorf("failed to encrypt %q: %w", key, err)
		}
		raw, meta = ciphertext, m
	}

	result, err := e.replicate(ctx, key, raw, policy)
	if err != nil {
		release()
		return nil, err
	}
	if result.Failures != nil {
		e.logger.Debug("Partial replication",
			zap.String("key", key),
			zap.Int("copies", result.Copies()),
			zap.Error(result.Failures))
	}
	if !result.Local {
		e.logger.Warn("Local copy failed, relying on remote replicas",
			zap.String("key", key),
			zap.Int("replicas", len(result.Replicas)))
	}

	// a previous key that is no longer referenced is destroyed
	if existing != nil && existing.Encryption != nil && (meta == nil || meta.KeyID != existing.Encryption.KeyID) {
		if !e.keyReferencedByVersions(key, existing.Encryption.KeyID) {
			if err := e.keys.DestroyKey(ctx, existing.Encryption.KeyID); err != nil {
				e.logger.Warn("Failed to destroy unused key", zap.String("key_id", existing.Encryption.KeyID), zap.Error(err))
			}
		}
	}

	now := e.clock.Now()
	loc := &federation.DataLocation{
		Key:          key,
		StoragePeers: e.storagePeers(result),
		Policy:       policy.Clone(),
		ContentHash:  storage.ContentHash(value),
		SizeBytes:    int64(len(value)),
		CreatedAt:    now,
		UpdatedAt:    now,
		Encryption:   meta,
		IsVersioned:  policy.VersioningEnabled || (existing != nil && existing.IsVersioned),
		Metadata:     map[string]string{ownerMetadataKey: owner.String()},
	}
	if existing != nil {
		for k, v := range existing.Metadata {
			if _, set := loc.Metadata[k]; !set {
				loc.Metadata[k] = v
			}
		}
	}

	if !e.locations.Upsert(loc) {
		e.logger.Info("Write superseded by a newer update", zap.String("key", key))
	}

	if loc.IsVersioned {
		if !e.versions.Enable(key, policy.MaxVersions) {
			e.boundHistory(ctx, loc, policy.MaxVersions)
		}
		if opts.appendVersion {
			e.recordVersion(ctx, requester, loc, raw, opts.comment)
		}
	}

	e.persist(key)

	e.logger.Debug("Stored value",
		zap.String("key", key),
		zap.String("requester", requester.String()),
		zap.Int("size", len(value)),
		zap.Int("copies", result.Copies()),
		zap.Bool("encrypted", meta != nil))

	stored, ok := e.locations.Get(key)
	if !ok {
		return loc, nil
	}
	return stored, nil
}

// Put stores value under key. The policy is the supplied one, else the
// key's existing policy, else a default owned by the writer. Replacing an
// existing key's policy requires admin access.
func (e *Engine) Put(ctx context.Context, key string, value []byte, policy *federation.DataAccessPolicy) (loc *federation.DataLocation, err error) {
	start := e.clock.Now()
	defer func() { e.observe("put", start, err) }()

	requester := e.requester(ctx)
	existing, lerr := e.lookup(key)
	if lerr != nil {
		existing = nil
		if stale, ok := e.locations.Get(key); ok {
			// expired key: clear it before writing afresh
			if err := e.remove(ctx, stale); err != nil {
				return nil, err
			}
		}
	}

	var effective *federation.DataAccessPolicy
	switch {
	case policy != nil:
		if existing != nil {
			if err := e.authorize("put", existing.Policy, requester, types.AccessAdmin, key); err != nil {
				return nil, err
			}
		}
		if err := policy.Validate(); err != nil {
			return nil, err
		}
		if err := e.policies.ValidateFederations(ctx, policy); err != nil {
			return nil, err
		}
		effective = policy.Clone()
	case existing != nil:
		effective = existing.Policy
	default:
		effective = e.newPolicy(requester)
	}

	if err := e.authorize("put", effective, requester, types.AccessWrite, key); err != nil {
		return nil, err
	}

	loc, err = e.write(ctx, requester, key, value, effective, existing, writeOptions{appendVersion: true})
	if err != nil {
		return nil, err
	}
	// a replaced policy keeps the key, so grants follow the new read set
	if policy != nil && existing != nil && loc.Encryption != nil {
		e.reconcileGrants(ctx, loc.Encryption.KeyID, effective)
	}
	return loc, nil
}

// Get returns the plaintext stored under key
func (e *Engine) Get(ctx context.Context, key string) (value []byte, err error) {
	start := e.clock.Now()
	defer func() { e.observe("get", start, err) }()

	requester := e.requester(ctx)
	loc, err := e.lookup(key)
	if err != nil {
		return nil, err
	}
	if err := e.authorize("get", loc.Policy, requester, types.AccessRead, key); err != nil {
		return nil, err
	}

	return e.readPlaintext(ctx, requester, key, key, loc, loc.Encryption, loc.ContentHash)
}

// Delete removes key, its replicas, its version history and its encryption
// key. Deleting a key that does not exist is a no-op.
func (e *Engine) Delete(ctx context.Context, key string) (err error) {
	start := e.clock.Now()
	defer func() { e.observe("delete", start, err) }()

	loc, ok := e.locations.Get(key)
	if !ok {
		return nil
	}
	if err := e.authorize("delete", loc.Policy, e.requester(ctx), types.AccessAdmin, key); err != nil {
		return err
	}
	return e.remove(ctx, loc)
}

// remove deletes every trace of loc without access checks
func (e *Engine) remove(ctx context.Context, loc *federation.DataLocation) error {
	key := loc.Key

	local, remote := e.dht.Remove(ctx, key, holders(loc)...)
	if local != nil {
		return fmt.Errorf("failed to delete %q: %w", key, local)
	}
	if remote != nil {
		e.logger.Warn("Some replicas could not be removed", zap.String("key", key), zap.Error(remote))
	}

	keyIDs := map[string]bool{}
	if loc.Encryption != nil {
		keyIDs[loc.Encryption.KeyID] = true
	}
	for _, rec := range e.versions.Delete(key) {
		e.removeVersionBlob(ctx, loc, rec)
		if rec.Encryption != nil {
			keyIDs[rec.Encryption.KeyID] = true
		}
	}

	e.locations.Remove(key)
	for id := range keyIDs {
		if err := e.keys.DestroyKey(ctx, id); err != nil {
			e.logger.Warn("Failed to destroy key", zap.String("key_id", id), zap.Error(err))
		}
	}

	owner := e.federation
	if o, ok := loc.Metadata[ownerMetadataKey]; ok {
		owner = types.FederationID(o)
	}
	e.quotas.Release(owner, loc.SizeBytes, true)

	e.persist(key)
	e.logger.Info("Deleted key", zap.String("key", key))
	return nil
}

// CheckAccess reports whether the requester may perform access on key. For
// a key that does not exist, write and admin are allowed since the writer
// would own it, while read fails with ErrKeyNotFound.
func (e *Engine) CheckAccess(ctx context.Context, key string, access types.AccessType) (bool, error) {
	loc, err := e.lookup(key)
	if err != nil {
		if access == types.AccessRead {
			return false, err
		}
		return true, nil
	}
	return e.policies.Allowed(loc.Policy, e.requester(ctx), access), nil
}

// Location returns the tracked location of key if the requester can read it
func (e *Engine) Location(ctx context.Context, key string) (*federation.DataLocation, error) {
	loc, err := e.lookup(key)
	if err != nil {
		return nil, err
	}
	if err := e.authorize("location", loc.Policy, e.requester(ctx), types.AccessRead, key); err != nil {
		return nil, err
	}
	return loc, nil
}

// Locations returns the live locations readable by the requester
func (e *Engine) Locations(ctx context.Context, prefix string) []*federation.DataLocation {
	requester := e.requester(ctx)
	now := e.clock.Now()

	all := e.locations.List(prefix)
	out := make([]*federation.DataLocation, 0, len(all))
	for _, loc := range all {
		if loc.IsExpired(now) || !e.policies.CanRead(loc.Policy, requester) {
			continue
		}
		out = append(out, loc)
	}
	return out
}

// ListKeys returns the keys with prefix readable by the requester
func (e *Engine) ListKeys(ctx context.Context, prefix string) []string {
	locs := e.Locations(ctx, prefix)
	out := make([]string, 0, len(locs))
	for _, loc := range locs {
		out = append(out, loc.Key)
	}
	return out
}

// ReapExpired removes every key whose policy has expired
func (e *Engine) ReapExpired(ctx context.Context) (int, error) {
	reaped := 0
	var errs []error

	for _, key := range e.locations.Expired(e.clock.Now()) {
		loc, ok := e.locations.Get(key)
		if !ok {
			continue
		}
		if err := e.remove(ctx, loc); err != nil {
			errs = append(errs, err)
			continue
		}
		reaped++
	}
	if reaped > 0 {
		e.logger.Info("Reaped expired keys", zap.Int("count", reaped))
	}
	return reaped, multierr.Combine(errs...)
}

// Stats reports inventory for health monitoring
func (e *Engine) Stats() federation.StorageStats {
	peers := e.dht.Table().Peers()
	active := 0
	for _, p := range peers {
		if p.IsActive {
			active++
		}
	}
	return federation.StorageStats{
		Keys:            e.locations.Len(),
		UnderReplicated: len(e.locations.UnderReplicated()),
		Peers:           len(peers),
		ActivePeers:     active,
	}
}

// AddPeer advertises a storage peer and adds it to the routing table
func (e *Engine) AddPeer(peer federation.StoragePeer) error {
	id, err := dht.ParseNodeIdentifier(peer.NodeID)
	if err != nil {
		return err
	}
	if _, err := e.dht.Table().AddNode(dht.PeerRecord{
		ID:           id,
		Address:      peer.Address,
		FederationID: peer.FederationID.String(),
	}); err != nil {
		return err
	}
	if peer.UpdatedAt.IsZero() {
		peer.UpdatedAt = e.clock.Now()
	}
	e.placement.Advertise(peer)
	return nil
}

// RemovePeer withdraws a storage peer
func (e *Engine) RemovePeer(nodeID string) error {
	id, err := dht.ParseNodeIdentifier(nodeID)
	if err != nil {
		return err
	}
	e.dht.Table().Remove(id)
	e.placement.Withdraw(nodeID)
	return nil
}
