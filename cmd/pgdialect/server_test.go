package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koustreak/pgdialect/internal/dialect"
	"github.com/koustreak/pgdialect/internal/logger"
	"github.com/koustreak/pgdialect/internal/metrics"
)

type stubSource struct{}

func (stubSource) ID() string { return "pool-1" }

func (stubSource) State() dialect.State {
	return dialect.State{Connection: dialect.ConnectionState{Count: 2, InUse: 1}, Pending: 3}
}

func newTestRouter(t *testing.T, probe probeFunc) (http.Handler, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewPoolCollector(namespace, stubSource{}))
	hm := metrics.NewHTTPMetrics(namespace, reg)
	return newRouter(stubSource{}, probe, reg, hm, logger.Nop()), reg
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	h, _ := newTestRouter(t, func(context.Context) error { return nil })
	rec := get(h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	h, _ = newTestRouter(t, func(context.Context) error { return errors.New("connection refused") })
	rec = get(h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestState(t *testing.T) {
	h, _ := newTestRouter(t, func(context.Context) error { return nil })
	rec := get(h, "/state")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ID    string        `json:"id"`
		State dialect.State `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "pool-1", body.ID)
	assert.Equal(t, stubSource{}.State(), body.State)
	assert.Contains(t, rec.Body.String(), `"inUse":1`)
}

func TestMetricsEndpoint(t *testing.T) {
	h, reg := newTestRouter(t, func(context.Context) error { return nil })
	get(h, "/state")

	rec := get(h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `pgdialect_pool_pending_statements{pool_id="pool-1"} 3`)

	n, err := testutil.GatherAndCount(reg, "pgdialect_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series each for /state and /metrics")
	assert.True(t, strings.Contains(rec.Body.String(), `path="/state"`))
}
