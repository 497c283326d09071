package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tablestore/internal/metrics"
	"github.com/devrev/pairdb/tablestore/internal/storage/diskmanager"
)

func newServer(t *testing.T, withDisk bool) (*MetricsServer, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetrics()
	var dm *diskmanager.DiskManager
	if withDisk {
		var err error
		dm, err = diskmanager.New(diskmanager.DefaultConfig(t.TempDir()), zap.NewNop())
		require.NoError(t, err)
	}
	return NewMetricsServer(&MetricsServerConfig{Port: 0}, m, dm, zap.NewNop()), m
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestMetricsEndpoint(t *testing.T) {
	s, m := newServer(t, false)
	m.RecordFetch(42)

	rec := get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "tablestore_cursor_rows_fetched_total 42"))
}

func TestHealthAndReady(t *testing.T) {
	s, _ := newServer(t, false)

	rec := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])

	rec = get(t, s.Handler(), "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	s, _ = newServer(t, true)
	rec = get(t, s.Handler(), "/ready")
	body = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "disk_usage_percent")
	assert.Contains(t, []string{"ready", "not_ready"}, body["status"])
}

func TestUpdateSystemMetrics(t *testing.T) {
	s, m := newServer(t, true)
	s.updateSystemMetrics()

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	var goroutines float64
	for _, mf := range families {
		if mf.GetName() == "tablestore_system_goroutines" {
			goroutines = mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Greater(t, goroutines, 0.0)
}
