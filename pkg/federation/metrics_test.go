package federation

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticStats StorageStats

func (s staticStats) Stats() StorageStats { return StorageStats(s) }

func TestStorageMetrics_Observe(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewStorageMetrics(registry)

	metrics.ObserveOperation("put", nil, 10*time.Millisecond)
	metrics.ObserveOperation("put", errors.New("boom"), time.Millisecond)
	metrics.ObserveDenial("get")
	metrics.ObserveDecryptDenial()
	metrics.ObserveReplication(3, 2)
	metrics.ObserveVersions(1, 1)
	metrics.ObserveFailover()

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Operations.WithLabelValues("put", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Operations.WithLabelValues("put", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PermissionDenials.WithLabelValues("get")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DecryptDenials))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ReplicaFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.VersionsPruned))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RouteFailovers))

	// nil metrics are a no-op
	var none *StorageMetrics
	none.ObserveOperation("put", nil, time.Second)
	none.ObserveReplication(1, 0)
}

func TestHealthScore(t *testing.T) {
	tests := []struct {
		name     string
		stats    StorageStats
		expected float64
	}{
		{"empty node", StorageStats{}, 100},
		{"all healthy", StorageStats{Keys: 10, Peers: 4, ActivePeers: 4}, 100},
		{"half under-replicated", StorageStats{Keys: 10, UnderReplicated: 5, Peers: 4, ActivePeers: 4}, 80},
		{"no active peers", StorageStats{Keys: 10, UnderReplicated: 10, Peers: 4}, 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, HealthScore(tt.stats), 0.001)
		})
	}
}

func TestHealthMonitor_CheckAndEndpoints(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewStorageMetrics(registry)
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))

	monitor := NewHealthMonitor(metrics, staticStats{Keys: 4, UnderReplicated: 4, Peers: 2, ActivePeers: 0}, time.Minute, clk, nil)
	monitor.Check()

	health, last := monitor.GetHealth()
	assert.InDelta(t, 30.0, health, 0.001)
	assert.Equal(t, clk.Now(), last)
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.UnderReplicatedKeys))

	mux := http.NewServeMux()
	monitor.RegisterHandlers(mux, registry)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body["status"])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "fedstore_under_replicated_keys 4"))
}

func TestHealthMonitor_RunStops(t *testing.T) {
	clk := clock.NewMock()
	monitor := NewHealthMonitor(nil, staticStats{}, time.Second, clk, nil)

	done := make(chan struct{})
	go func() {
		monitor.Run()
		close(done)
	}()

	monitor.Stop()
	monitor.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
