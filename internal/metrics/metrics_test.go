package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsWith_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)
	m.AggBarsTotal.WithLabelValues("14400").Add(3)
	m.AlertsTotal.WithLabelValues("streak").Inc()
	m.ObserveCycle(2*time.Second, 42)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.AggBarsTotal.WithLabelValues("14400")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CyclesTotal))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.LastCycleSymbols))

	assert.Panics(t, func() { NewMetricsWith(reg) }, "duplicate registration must panic")
}

func TestHealthStatus_Report(t *testing.T) {
	h := NewHealthStatus()
	_, code := h.Report()
	assert.Equal(t, http.StatusServiceUnavailable, code)

	h.PostgresOK = true
	h.SQLiteOK = true
	r, code := h.Report()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", r.Status)

	h.RedisEnabled = true
	r, _ = h.Report()
	assert.Equal(t, "degraded", r.Status)

	h.PostgresOK = false
	r, _ = h.Report()
	assert.Equal(t, "unhealthy", r.Status)
}

func TestHealthStatus_ServeHTTP(t *testing.T) {
	h := NewHealthStatus()
	h.PostgresOK = true
	h.SQLiteOK = true
	h.SetEnabledTFs([]int{14400, 86400})
	h.SetCycle(time.Now(), errors.New("3 symbols failed"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, []int{14400, 86400}, body.EnabledTFs)
	assert.Equal(t, "3 symbols failed", body.LastCycleError)
	assert.NotEmpty(t, body.LastCycleAt)
}
