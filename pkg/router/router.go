// Package router multiplexes the storage engines of several federations
// behind one key space using prefix routes.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"fedstore/pkg/federation"
	"fedstore/pkg/types"

	"go.uber.org/zap"
)

// Storage is what the router delegates to: the local engine or a proxy for
// another federation's engine
type Storage interface {
	Put(ctx context.Context, key string, value []byte, policy *federation.DataAccessPolicy) (*federation.DataLocation, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	CheckAccess(ctx context.Context, key string, access types.AccessType) (bool, error)
	Federation() types.FederationID
}

// StorageRoute sends keys with KeyPrefix to TargetFederations
type StorageRoute struct {
	KeyPrefix         string                       `json:"key_prefix"`
	TargetFederations []types.FederationID         `json:"target_federations"`
	AccessPolicy      *federation.DataAccessPolicy `json:"access_policy"`

	// PriorityOrder falls over to the next target on retryable failures
	PriorityOrder bool `json:"priority_order"`

	// ReplicationAcrossFederations copies successful puts to every other
	// available target
	ReplicationAcrossFederations bool `json:"replication_across_federations"`
}

// Validate checks that the route can be served
func (r StorageRoute) Validate() error {
	if len(r.TargetFederations) == 0 {
		return fmt.Errorf("route %q has no target federations: %w", r.KeyPrefix, types.ErrInvalidPolicy)
	}
	if r.AccessPolicy == nil {
		return fmt.Errorf("route %q has no access policy: %w", r.KeyPrefix, types.ErrInvalidPolicy)
	}
	return r.AccessPolicy.Validate()
}

func (r StorageRoute) targets(fed types.FederationID) bool {
	for _, t := range r.TargetFederations {
		if t == fed {
			return true
		}
	}
	return false
}

// Router is the FederationStorageRouter
type Router struct {
	federation types.FederationID
	local      Storage
	directory  federation.Directory
	policies   *federation.PolicyEngine
	metrics    *federation.StorageMetrics
	logger     *zap.Logger

	mu      sync.RWMutex
	routes  []StorageRoute
	remotes map[types.FederationID]Storage
}

// New creates a router in front of local. A nil directory accepts every
// registration.
func New(local Storage, directory federation.Directory, policies *federation.PolicyEngine, metrics *federation.StorageMetrics, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policies == nil {
		policies = federation.NewPolicyEngine(directory, logger)
	}
	return &Router{
		federation: local.Federation(),
		local:      local,
		directory:  directory,
		policies:   policies,
		metrics:    metrics,
		logger:     logger.With(zap.String("component", "router")),
		remotes:    make(map[types.FederationID]Storage),
	}
}

// AddRoute appends route. Routes are matched in insertion order.
func (r *Router) AddRoute(route StorageRoute) error {
	if err := route.Validate(); err != nil {
		return err
	}
	route.AccessPolicy = route.AccessPolicy.Clone()
	route.TargetFederations = append([]types.FederationID(nil), route.TargetFederations...)

	r.mu.Lock()
	r.routes = append(r.routes, route)
	r.mu.Unlock()

	r.logger.Info("Added storage route",
		zap.String("prefix", route.KeyPrefix),
		zap.Int("targets", len(route.TargetFederations)))
	return nil
}

// Routes returns the configured routes in match order
func (r *Router) Routes() []StorageRoute {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StorageRoute, len(r.routes))
	copy(out, r.routes)
	return out
}

// RegisterFederationStorage makes another federation's storage available as
// a route target. The federation must be active and have a storage
// agreement with the local federation.
func (r *Router) RegisterFederationStorage(ctx context.Context, storage Storage) error {
	fed := storage.Federation()
	if fed == r.federation {
		return fmt.Errorf("federation %s is the local federation: %w", fed, types.ErrInvalidPolicy)
	}
	if r.directory != nil {
		if err := federation.ValidateFederation(ctx, r.directory, fed); err != nil {
			return err
		}
		if !r.directory.HasAgreement(ctx, r.federation, fed) {
			return fmt.Errorf("no storage agreement between %s and %s: %w", r.federation, fed, types.ErrPermissionDenied)
		}
	}

	r.mu.Lock()
	r.remotes[fed] = storage
	r.mu.Unlock()

	r.logger.Info("Registered federation storage", zap.String("federation", fed.String()))
	return nil
}

// UnregisterFederationStorage removes a remote federation's storage
func (r *Router) UnregisterFederationStorage(fed types.FederationID) {
	r.mu.Lock()
	delete(r.remotes, fed)
	r.mu.Unlock()
}

func (r *Router) requester(ctx context.Context) types.FederationID {
	if fed, ok := federation.RequesterFromContext(ctx); ok {
		return fed
	}
	return r.federation
}

// resolution is the outcome of matching a key against the routes
type resolution struct {
	route      *StorageRoute
	candidates []Storage
}

// resolve matches key and checks access on the route policy. The local
// storage comes first when targeted, then registered targets in route order.
func (r *Router) resolve(ctx context.Context, key string, access types.AccessType) (resolution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.routes {
		route := r.routes[i]
		if !strings.HasPrefix(key, route.KeyPrefix) {
			continue
		}

		if err := r.policies.Authorize(route.AccessPolicy, r.requester(ctx), access, key); err != nil {
			r.metrics.ObserveDenial("route")
			return resolution{}, fmt.Errorf("route %q: %w", route.KeyPrefix, err)
		}

		var candidates []Storage
		if route.targets(r.federation) {
			candidates = append(candidates, r.local)
		}
		for _, fed := range route.TargetFederations {
			if s, ok := r.remotes[fed]; ok {
				candidates = append(candidates, s)
			}
		}
		if len(candidates) == 0 {
			return resolution{}, fmt.Errorf("no storage available for %v: %w", route.TargetFederations, types.ErrRouteNotFound)
		}
		return resolution{route: &route, candidates: candidates}, nil
	}

	return resolution{candidates: []Storage{r.local}}, nil
}

func (res resolution) failover() bool {
	return res.route != nil && res.route.PriorityOrder
}

func (res resolution) replicate() bool {
	return res.route != nil && res.route.ReplicationAcrossFederations
}

// GetStorageForKey returns the storage that serves key for access
func (r *Router) GetStorageForKey(ctx context.Context, key string, access types.AccessType) (Storage, error) {
	res, err := r.resolve(ctx, key, access)
	if err != nil {
		return nil, err
	}
	return res.candidates[0], nil
}

// attempt runs fn against the candidates, moving to the next one on a
// retryable failure when the route allows it. It returns the index of the
// storage that succeeded.
func (r *Router) attempt(res resolution, op, key string, fn func(Storage) error) (int, error) {
	var err error
	for i, s := range res.candidates {
		if err = fn(s); err == nil {
			return i, nil
		}
		if !res.failover() || !types.IsRetryable(err) || i == len(res.candidates)-1 {
			return i, err
		}
		r.metrics.ObserveFailover()
		r.logger.Warn("Storage target failed, trying next",
			zap.String("op", op),
			zap.String("key", key),
			zap.String("federation", s.Federation().String()),
			zap.Error(err))
	}
	return -1, err
}

// Put stores value in the federation the key routes to
func (r *Router) Put(ctx context.Context, key string, value []byte, policy *federation.DataAccessPolicy) (*federation.DataLocation, error) {
	res, err := r.resolve(ctx, key, types.AccessWrite)
	if err != nil {
		return nil, err
	}

	var loc *federation.DataLocation
	primary, err := r.attempt(res, "put", key, func(s Storage) error {
		var perr error
		loc, perr = s.Put(ctx, key, value, policy)
		return perr
	})
	if err != nil {
		return nil, err
	}

	if res.replicate() {
		for i, s := range res.candidates {
			if i == primary {
				continue
			}
			if _, err := s.Put(ctx, key, value, policy); err != nil {
				r.logger.Warn("Cross-federation copy failed",
					zap.String("key", key),
					zap.String("federation", s.Federation().String()),
					zap.Error(err))
			}
		}
	}
	return loc, nil
}

// Get reads key from the federation it routes to
func (r *Router) Get(ctx context.Context, key string) ([]byte, error) {
	res, err := r.resolve(ctx, key, types.AccessRead)
	if err != nil {
		return nil, err
	}

	var value []byte
	_, err = r.attempt(res, "get", key, func(s Storage) error {
		var gerr error
		value, gerr = s.Get(ctx, key)
		return gerr
	})
	return value, err
}

// Delete removes key. Routes replicating across federations delete every
// copy; failures on secondary copies are logged.
func (r *Router) Delete(ctx context.Context, key string) error {
	res, err := r.resolve(ctx, key, types.AccessAdmin)
	if err != nil {
		return err
	}

	primary, err := r.attempt(res, "delete", key, func(s Storage) error {
		return s.Delete(ctx, key)
	})
	if err != nil {
		return err
	}

	if res.replicate() {
		for i, s := range res.candidates {
			if i == primary {
				continue
			}
			if err := s.Delete(ctx, key); err != nil {
				r.logger.Warn("Cross-federation delete failed",
					zap.String("key", key),
					zap.String("federation", s.Federation().String()),
					zap.Error(err))
			}
		}
	}
	return nil
}

// CheckAccess reports whether the requester may perform access on key.
// Route-level refusals answer false without an error.
func (r *Router) CheckAccess(ctx context.Context, key string, access types.AccessType) (bool, error) {
	s, err := r.GetStorageForKey(ctx, key, access)
	if err != nil {
		return false, nil
	}
	return s.CheckAccess(ctx, key, access)
}

// CreateMultiFederationPolicy builds a policy whose federations are all
// known to the directory
func (r *Router) CreateMultiFederationPolicy(ctx context.Context, read, write, admin []types.FederationID, redundancy int) (*federation.DataAccessPolicy, error) {
	return r.policies.CreateMultiFederationPolicy(ctx, read, write, admin, redundancy)
}
