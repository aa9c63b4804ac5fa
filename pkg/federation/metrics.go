package federation

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StorageMetrics tracks storage engine and router metrics. All methods are
// safe on a nil receiver.
type StorageMetrics struct {
	// Operation metrics
	Operations       *prometheus.CounterVec
	OperationLatency *prometheus.HistogramVec

	// Access metrics
	PermissionDenials *prometheus.CounterVec
	DecryptDenials    prometheus.Counter

	// Replication metrics
	ReplicaFailures  prometheus.Counter
	ReplicasAchieved prometheus.Histogram
	RouteFailovers   prometheus.Counter

	// Version metrics
	VersionsCreated prometheus.Counter
	VersionsPruned  prometheus.Counter

	// Inventory metrics
	KeysTotal           prometheus.Gauge
	UnderReplicatedKeys prometheus.Gauge
	PeersTotal          prometheus.Gauge
	PeersActive         prometheus.Gauge

	// Health metrics
	ClusterHealth   prometheus.Gauge
	LastHealthCheck prometheus.Gauge
}

// NewStorageMetrics creates and registers Prometheus metrics
func NewStorageMetrics(registry prometheus.Registerer) *StorageMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &StorageMetrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fedstore_operations_total",
			Help: "Total number of storage operations by kind and result",
		}, []string{"operation", "result"}),
		OperationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fedstore_operation_latency_seconds",
			Help:    "Storage operation latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		PermissionDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fedstore_permission_denials_total",
			Help: "Total number of requests rejected by access policy",
		}, []string{"operation"}),
		DecryptDenials: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedstore_decrypt_denials_total",
			Help: "Total number of reads rejected for lack of a key grant",
		}),

		ReplicaFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedstore_replica_failures_total",
			Help: "Total number of failed remote replica pushes",
		}),
		ReplicasAchieved: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fedstore_replicas_achieved",
			Help:    "Number of copies achieved per put, local included",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 8, 13},
		}),
		RouteFailovers: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedstore_route_failovers_total",
			Help: "Total number of router failovers to a lower priority federation",
		}),

		VersionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedstore_versions_created_total",
			Help: "Total number of version records created",
		}),
		VersionsPruned: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedstore_versions_pruned_total",
			Help: "Total number of version records pruned",
		}),

		KeysTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fedstore_keys_total",
			Help: "Number of keys tracked by this node",
		}),
		UnderReplicatedKeys: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fedstore_under_replicated_keys",
			Help: "Number of keys below their redundancy factor",
		}),
		PeersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fedstore_peers_total",
			Help: "Number of peers in the routing table",
		}),
		PeersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fedstore_peers_active",
			Help: "Number of active peers in the routing table",
		}),

		ClusterHealth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fedstore_cluster_health_score",
			Help: "Overall storage health score (0-100)",
		}),
		LastHealthCheck: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fedstore_last_health_check_timestamp",
			Help: "Timestamp of last health check",
		}),
	}
}

// ObserveOperation records one operation outcome
func (m *StorageMetrics) ObserveOperation(op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.Operations.WithLabelValues(op, result).Inc()
	m.OperationLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveDenial records a policy rejection
func (m *StorageMetrics) ObserveDenial(op string) {
	if m == nil {
		return
	}
	m.PermissionDenials.WithLabelValues(op).Inc()
}

// ObserveDecryptDenial records a read rejected for lack of a key grant
func (m *StorageMetrics) ObserveDecryptDenial() {
	if m == nil {
		return
	}
	m.DecryptDenials.Inc()
}

// ObserveReplication records the copies achieved and failed by one put
func (m *StorageMetrics) ObserveReplication(copies, failures int) {
	if m == nil {
		return
	}
	m.ReplicasAchieved.Observe(float64(copies))
	m.ReplicaFailures.Add(float64(failures))
}

// ObserveVersions records created and pruned version records
func (m *StorageMetrics) ObserveVersions(created, pruned int) {
	if m == nil {
		return
	}
	m.VersionsCreated.Add(float64(created))
	m.VersionsPruned.Add(float64(pruned))
}

// ObserveFailover records a router failover
func (m *StorageMetrics) ObserveFailover() {
	if m == nil {
		return
	}
	m.RouteFailovers.Inc()
}

// StorageStats is a point-in-time inventory sampled by HealthMonitor
type StorageStats struct {
	Keys            int `json:"keys"`
	UnderReplicated int `json:"under_replicated"`
	Peers           int `json:"peers"`
	ActivePeers     int `json:"active_peers"`
}

// StatsSource reports storage inventory
type StatsSource interface {
	Stats() StorageStats
}

// HealthMonitor periodically samples a StatsSource into gauges and computes
// a health score
type HealthMonitor struct {
	mu sync.RWMutex

	metrics       *StorageMetrics
	source        StatsSource
	clock         clock.Clock
	logger        *zap.Logger
	checkInterval time.Duration

	lastCheck time.Time
	lastStats StorageStats
	health    float64
	stopChan  chan struct{}
	stopOnce  sync.Once
}

// NewHealthMonitor creates a health monitor
func NewHealthMonitor(metrics *StorageMetrics, source StatsSource, interval time.Duration, clk clock.Clock, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{
		metrics:       metrics,
		source:        source,
		clock:         clk,
		logger:        logger,
		checkInterval: interval,
		stopChan:      make(chan struct{}),
	}
}

// Run performs health checks until Stop is called
func (hm *HealthMonitor) Run() {
	ticker := hm.clock.Ticker(hm.checkInterval)
	defer ticker.Stop()

	hm.Check()

	for {
		select {
		case <-ticker.C:
			hm.Check()
		case <-hm.stopChan:
			return
		}
	}
}

// Stop ends Run
func (hm *HealthMonitor) Stop() {
	hm.stopOnce.Do(func() { close(hm.stopChan) })
}

// Check samples the source once
func (hm *HealthMonitor) Check() {
	stats := hm.source.Stats()
	health := HealthScore(stats)
	now := hm.clock.Now()

	hm.mu.Lock()
	hm.lastCheck = now
	hm.lastStats = stats
	hm.health = health
	hm.mu.Unlock()

	if hm.metrics != nil {
		hm.metrics.KeysTotal.Set(float64(stats.Keys))
		hm.metrics.UnderReplicatedKeys.Set(float64(stats.UnderReplicated))
		hm.metrics.PeersTotal.Set(float64(stats.Peers))
		hm.metrics.PeersActive.Set(float64(stats.ActivePeers))
		hm.metrics.ClusterHealth.Set(health)
		hm.metrics.LastHealthCheck.Set(float64(now.Unix()))
	}

	hm.logger.Debug("Health check completed",
		zap.Float64("health", health),
		zap.Int("keys", stats.Keys),
		zap.Int("under_replicated", stats.UnderReplicated),
		zap.Int("active_peers", stats.ActivePeers))
}

// HealthScore weighs replica sufficiency (40%) and peer liveness (30%) on top
// of a 30% base for a running node
func HealthScore(s StorageStats) float64 {
	health := 30.0

	if s.Keys > 0 {
		health += 40 * float64(s.Keys-s.UnderReplicated) / float64(s.Keys)
	} else {
		health += 40
	}

	if s.Peers > 0 {
		health += 30 * float64(s.ActivePeers) / float64(s.Peers)
	} else {
		health += 30
	}

	if health > 100 {
		health = 100
	}
	return health
}

// GetHealth returns the last computed score and its time
func (hm *HealthMonitor) GetHealth() (float64, time.Time) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.health, hm.lastCheck
}

// RegisterHandlers registers health and metrics endpoints on mux. A nil
// gatherer serves the default registry.
func (hm *HealthMonitor) RegisterHandlers(mux *http.ServeMux, gatherer prometheus.Gatherer) {
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/health/live", hm.handleLiveness)
	mux.HandleFunc("/health/ready", hm.handleReadiness)
	if gatherer == nil {
		mux.Handle("/metrics", promhttp.Handler())
	} else {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	health, lastCheck, stats := hm.health, hm.lastCheck, hm.lastStats
	hm.mu.RUnlock()

	status := "healthy"
	statusCode := http.StatusOK
	if health < 50 {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else if health < 80 {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       status,
		"health_score": health,
		"last_check":   lastCheck.Format(time.RFC3339),
		"stats":        stats,
	})
}

func (hm *HealthMonitor) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (hm *HealthMonitor) handleReadiness(w http.ResponseWriter, r *http.Request) {
	health, _ := hm.GetHealth()
	if health > 30 {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("NOT READY"))
}

// ListenAndServe runs server until it is shut down. It returns nil after a
// graceful Shutdown.
func ListenAndServe(server *http.Server, logger *zap.Logger) error {
	logger.Info("Starting metrics server", zap.String("address", server.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
