package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"leadflow/internal/config"
	"leadflow/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.GET("/api/automations", ok)
	r.POST("/jobs/process-events", ok)
	return r
}

func do(r http.Handler, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, nil)
	req.RemoteAddr = "10.0.0.1:1234"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimit_Disabled(t *testing.T) {
	r := newRouter(RateLimit(config.RateLimitingConfig{Enabled: false}))
	for i := 0; i < 50; i++ {
		assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/automations", nil).Code)
	}
}

func TestRateLimit_BurstThenRefill(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	r := newRouter(rateLimit(config.RateLimitingConfig{Enabled: true, RequestsPerMinute: 60, Burst: 3}, clock))

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/automations", nil).Code)
	}
	before, _ := metrics.RateLimitSnapshot()
	w := do(r, http.MethodGet, "/api/automations", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/problem+json")
	after, by := metrics.RateLimitSnapshot()
	assert.Equal(t, before+1, after)
	assert.NotZero(t, by["global"])

	// one token per second at 60 rpm
	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/automations", nil).Code)
}

func TestRateLimit_PathOverrideAndWhitelist(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	cfg := config.RateLimitingConfig{
		Enabled: true, RequestsPerMinute: 600, Burst: 100,
		Paths: []config.PathRateLimitConfig{{Enabled: true, Prefix: "/jobs", RequestsPerMinute: 1, Burst: 1}},
	}
	r := newRouter(rateLimit(cfg, func() time.Time { return now }))

	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/jobs/process-events", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, http.MethodPost, "/jobs/process-events", nil).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/automations", nil).Code)

	cfg.WhitelistIPs = []string{"10.0.0.1"}
	r = newRouter(rateLimit(cfg, func() time.Time { return now }))
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/jobs/process-events", nil).Code)
	}
}

func TestJobAuth(t *testing.T) {
	open := newRouter(JobAuth(""))
	assert.Equal(t, http.StatusOK, do(open, http.MethodPost, "/jobs/process-events", nil).Code)

	r := newRouter(JobAuth("s3cret"))
	cases := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong", map[string]string{JobTokenHeader: "nope"}, http.StatusUnauthorized},
		{"header", map[string]string{JobTokenHeader: "s3cret"}, http.StatusOK},
		{"bearer", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"bearer lowercase", map[string]string{"Authorization": "bearer s3cret"}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, do(r, http.MethodPost, "/jobs/process-events", tc.headers).Code)
		})
	}
}

func TestCORS(t *testing.T) {
	r := newRouter(CORS(config.CORSConfig{Enabled: true, AllowedOrigins: []string{"https://app.example.com"}, AllowedMethods: []string{"GET", "POST"}}))

	w := do(r, http.MethodOptions, "/api/automations", map[string]string{"Origin": "https://app.example.com"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "OPTIONS")

	w = do(r, http.MethodGet, "/api/automations", map[string]string{"Origin": "https://evil.example.com"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
