package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_ExposesStandardAndCustomCollectors(t *testing.T) {
	p := Init(BuildInfo{Version: "test", Revision: "abc123"})

	p.ObserveHTTP(http.MethodGet, "/tiles", 200, 5*time.Millisecond)
	p.ObserveTile("vector", "ok", 2*time.Millisecond)
	p.IncCache("tile", "hit")
	p.IncCache("tile", "miss")
	p.ObserveUpstreamRead("https", "ok", 1024)
	p.IncAnalytics("nearest", "ok")
	p.IncProbe("ok")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	body := rr.Body.String()
	assert.Contains(t, body, "go_goroutines")
	assert.Contains(t, body, `geobase_build_info{revision="abc123",version="test"} 1`)
	assert.Contains(t, body, `geobase_http_requests_total{method="GET",route="/tiles",status="200"} 1`)
	assert.Contains(t, body, `geobase_tiles_served_total{kind="vector",outcome="ok"} 1`)
	assert.Contains(t, body, `geobase_cache_results_total{cache="tile",outcome="hit"} 1`)
	assert.Contains(t, body, `geobase_upstream_read_bytes_total 1024`)
	assert.Contains(t, body, `geobase_probe_results_total{status="ok"} 1`)
}

func TestProvider_CountersAccumulate(t *testing.T) {
	p := Init(BuildInfo{})

	for i := 0; i < 3; i++ {
		p.IncCache("source", "hit")
	}
	assert.InDelta(t, 3, testutil.ToFloat64(p.cacheResults.WithLabelValues("source", "hit")), 0)
}

func TestProvider_IsolatedRegistries(t *testing.T) {
	a := Init(BuildInfo{})
	b := Init(BuildInfo{})
	a.IncProbe("error")

	rr := httptest.NewRecorder()
	b.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.False(t, strings.Contains(rr.Body.String(), `geobase_probe_results_total{status="error"}`))
}
