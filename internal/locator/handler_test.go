package locator

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fourma/bikelocator/internal/analytics"
	"github.com/fourma/bikelocator/internal/bikes/cache"
	"github.com/fourma/bikelocator/internal/catalog"
	"github.com/fourma/bikelocator/internal/resolver"
	"github.com/fourma/bikelocator/pkg/health"
	"github.com/fourma/bikelocator/pkg/metrics"
	pkgmw "github.com/fourma/bikelocator/pkg/middleware"
)

type testAPI struct {
	server  *httptest.Server
	fetcher *fakeFetcher
	agg     *analytics.Aggregator
	metrics *metrics.Metrics
}

func newTestAPI(t *testing.T, withCache bool, limiter *pkgmw.RateLimiter) *testAPI {
	t.Helper()
	c, err := catalog.Campus(catalog.LastWins)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg, reg)
	agg := analytics.NewAggregator()
	f := &fakeFetcher{avail: twoBikes()}

	opts := []Option{WithTracker(agg), WithMetrics(m)}
	if withCache {
		opts = append(opts, WithCache(cache.New(&memStore{data: map[string][]byte{}}, time.Minute, m)))
	}
	svc := New(resolver.New(c), f, opts...)

	srv := httptest.NewServer(NewRouter(RouterConfig{
		Handler:        NewHandler(svc, c),
		Health:         health.NewChecker(),
		Analytics:      analytics.NewHandler(agg),
		Metrics:        m,
		Limiter:        limiter,
		RequestTimeout: 5 * time.Second,
	}))
	t.Cleanup(srv.Close)
	return &testAPI{server: srv, fetcher: f, agg: agg, metrics: m}
}

func (a *testAPI) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, a.server.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestBikesEndpoint(t *testing.T) {
	api := newTestAPI(t, false, nil)

	resp := api.do(t, http.MethodGet, "/api/v1/bikes?q="+url.QueryEscape("听5"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get(pkgmw.RequestIDHeader))

	body := decode[map[string]any](t, resp)
	assert.Equal(t, "听5", body["query"])
	assert.Equal(t, true, body["match_found"])
	assert.Equal(t, "听海苑5号楼", body["matched_name"])
	assert.Equal(t, "Found 2 bikes near 听海苑5号楼.", body["message"])
	data := body["bike_data"].(map[string]any)
	assert.Equal(t, 2.0, data["total"])
	assert.Len(t, data["cars"], 2)

	stats := api.agg.Stats()
	assert.Equal(t, int64(1), stats.TotalQueries)
}

func TestBikesEndpointNoMatchKeepsNullFields(t *testing.T) {
	api := newTestAPI(t, false, nil)

	resp := api.do(t, http.MethodGet, "/api/v1/bikes?q="+url.QueryEscape("完全不相关的词语"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"query": "完全不相关的词语",
		"match_found": false,
		"matched_name": null,
		"message": "No matching location found for query: '完全不相关的词语'",
		"bike_data": null
	}`, string(raw))
	assert.Zero(t, api.fetcher.callCount())
}

func TestBikesEndpointRequiresQuery(t *testing.T) {
	api := newTestAPI(t, false, nil)

	for _, path := range []string{"/api/v1/bikes", "/api/v1/bikes?q=", "/api/v1/bikes?q=%20%20"} {
		resp := api.do(t, http.MethodGet, path)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
		body := decode[map[string]string](t, resp)
		assert.Contains(t, body["error"], "'q' is required")
	}
}

func TestResolveEndpoint(t *testing.T) {
	api := newTestAPI(t, false, nil)

	resp := api.do(t, http.MethodGet, "/api/v1/resolve?q="+url.QueryEscape("听海苑5号"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[resolveResponse](t, resp)
	assert.True(t, body.MatchFound)
	assert.Equal(t, 70, body.Threshold)
	require.NotNil(t, body.Location)
	assert.Equal(t, "听海苑5号楼", body.Location.Name)

	resp = api.do(t, http.MethodGet, "/api/v1/resolve?threshold=95&q="+url.QueryEscape("听海苑5号"))
	body = decode[resolveResponse](t, resp)
	assert.False(t, body.MatchFound)
	assert.Nil(t, body.Location)

	for _, bad := range []string{"abc", "-1", "101"} {
		resp = api.do(t, http.MethodGet, "/api/v1/resolve?q=x&threshold="+bad)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, bad)
	}
	assert.Zero(t, api.fetcher.callCount())
}

func TestCatalogEndpoint(t *testing.T) {
	api := newTestAPI(t, false, nil)

	resp := api.do(t, http.MethodGet, "/api/v1/catalog")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Count     int                `json:"count"`
		Locations []catalog.Location `json:"locations"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 6, body.Count)
	assert.Equal(t, "711便利店", body.Locations[0].Name)

	resp = api.do(t, http.MethodGet, "/api/v1/catalog?format=geojson")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/geo+json", resp.Header.Get("Content-Type"))
	fc := decode[map[string]any](t, resp)
	assert.Equal(t, "FeatureCollection", fc["type"])

	resp = api.do(t, http.MethodGet, "/api/v1/catalog?format=kml")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCacheEndpoint(t *testing.T) {
	api := newTestAPI(t, true, nil)
	api.do(t, http.MethodGet, "/api/v1/bikes?q="+url.QueryEscape("听5"))
	api.do(t, http.MethodGet, "/api/v1/bikes?q="+url.QueryEscape("听5"))
	assert.Equal(t, 1, api.fetcher.callCount())

	resp := api.do(t, http.MethodDelete, "/api/v1/cache")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, true, body["invalidated"])
	assert.Equal(t, 1.0, body["hits"])

	api.do(t, http.MethodGet, "/api/v1/bikes?q="+url.QueryEscape("听5"))
	assert.Equal(t, 2, api.fetcher.callCount())

	disabled := newTestAPI(t, false, nil)
	resp = disabled.do(t, http.MethodDelete, "/api/v1/cache")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAnalyticsEndpoint(t *testing.T) {
	api := newTestAPI(t, false, nil)
	api.do(t, http.MethodGet, "/api/v1/bikes?q="+url.QueryEscape("听5"))
	api.do(t, http.MethodGet, "/api/v1/bikes?q="+url.QueryEscape("完全不相关的词语"))

	resp := api.do(t, http.MethodGet, "/api/v1/analytics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[analytics.Stats](t, resp)
	assert.Equal(t, int64(2), stats.TotalQueries)
	assert.Equal(t, int64(1), stats.NoMatch)
}

func TestHealthAndUnknownRoutes(t *testing.T) {
	api := newTestAPI(t, false, nil)

	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/health/live").StatusCode)
	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/health/ready").StatusCode)
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/api/v1/nope").StatusCode)
	assert.Equal(t, http.StatusMethodNotAllowed, api.do(t, http.MethodPost, "/api/v1/bikes").StatusCode)

	assert.Equal(t, 1.0, testutil.ToFloat64(
		api.metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/health/live", "200")))
}

func TestRateLimitedRoutes(t *testing.T) {
	api := newTestAPI(t, false, pkgmw.NewRateLimiter(1, time.Hour))

	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/api/v1/catalog").StatusCode)
	resp := api.do(t, http.MethodGet, "/api/v1/catalog")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/health/live").StatusCode,
		"health checks are not rate limited")
}

func TestResponsesAreCompressed(t *testing.T) {
	api := newTestAPI(t, false, nil)

	req, err := http.NewRequest(http.MethodGet, api.server.URL+"/api/v1/catalog?format=geojson", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultTransport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
	zr, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	var fc map[string]any
	require.NoError(t, json.NewDecoder(zr).Decode(&fc))
	assert.Equal(t, "FeatureCollection", fc["type"])
}
