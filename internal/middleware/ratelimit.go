package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"leadflow/internal/config"
	"leadflow/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/moogar0880/problems"
)

// tokenBucket refills ratePerSec tokens up to burst.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	ratePerSec float64
	burst      float64
}

func newBucket(rpm, burst int, now time.Time) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: now,
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// limiter holds one bucket per client key.
type limiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	prefix  string
	rpm     int
	burst   int
}

func (l *limiter) bucket(key string, now time.Time) *tokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b := newBucket(l.rpm, l.burst, now)
	l.buckets[key] = b
	return b
}

// RateLimit 按客户端 IP 限流；路径前缀覆盖优先，其次全局
func RateLimit(rl config.RateLimitingConfig) gin.HandlerFunc {
	return rateLimit(rl, time.Now)
}

func rateLimit(rl config.RateLimitingConfig, now func() time.Time) gin.HandlerFunc {
	if !rl.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	var paths []*limiter
	for _, p := range rl.Paths {
		if !p.Enabled || p.RequestsPerMinute <= 0 || p.Prefix == "" {
			continue
		}
		paths = append(paths, &limiter{buckets: map[string]*tokenBucket{}, prefix: p.Prefix, rpm: p.RequestsPerMinute, burst: p.Burst})
	}
	var global *limiter
	if rl.RequestsPerMinute > 0 {
		global = &limiter{buckets: map[string]*tokenBucket{}, prefix: "global", rpm: rl.RequestsPerMinute, burst: rl.Burst}
	}
	whitelisted := make(map[string]struct{}, len(rl.WhitelistIPs))
	for _, ip := range rl.WhitelistIPs {
		whitelisted[strings.TrimSpace(ip)] = struct{}{}
	}

	return func(c *gin.Context) {
		key := c.ClientIP()
		if key == "" {
			key = "unknown"
		}
		if _, ok := whitelisted[key]; ok {
			c.Next()
			return
		}
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		l := global
		for _, pl := range paths {
			if strings.HasPrefix(path, pl.prefix) {
				l = pl
				break
			}
		}
		if l != nil && !l.bucket(key, now()).allow(now()) {
			metrics.IncRateLimitDrop(l.prefix)
			abortProblem(c, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		c.Next()
	}
}

func abortProblem(c *gin.Context, status int, typ, detail string) {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Request.URL.Path).
		WithType(typ).
		WithDetail(detail)
	c.Header("Content-Type", problems.ProblemMediaType)
	c.AbortWithStatusJSON(status, p)
}
