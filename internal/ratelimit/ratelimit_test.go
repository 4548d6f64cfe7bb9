package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newLimiter(rpm, burst int) *Limiter {
	return New(Config{
		RequestsPerMinute: rpm,
		BurstSize:         burst,
		CleanupInterval:   time.Minute,
	})
}

func TestAllowWithinBurst(t *testing.T) {
	limiter := newLimiter(60, 5)
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		if !limiter.Allow("203.0.113.10") {
			t.Errorf("request %d should be allowed within burst", i)
		}
	}
	if limiter.Allow("203.0.113.10") {
		t.Error("request after burst should be denied")
	}
}

func TestTokensReplenish(t *testing.T) {
	limiter := newLimiter(600, 1) // 10 tokens per second
	defer limiter.Stop()

	if !limiter.Allow("203.0.113.10") {
		t.Fatal("first request should be allowed")
	}
	if limiter.Allow("203.0.113.10") {
		t.Fatal("second immediate request should be denied")
	}

	time.Sleep(110 * time.Millisecond)

	if !limiter.Allow("203.0.113.10") {
		t.Error("request should be allowed after replenishment")
	}
}

func TestClientsLimitedIndependently(t *testing.T) {
	limiter := newLimiter(60, 3)
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("203.0.113.10")
	}
	if limiter.Allow("203.0.113.10") {
		t.Error("exhausted client should be limited")
	}
	if !limiter.Allow("203.0.113.99") {
		t.Error("a different client should be unaffected")
	}
}

func TestMiddlewareReturns429(t *testing.T) {
	limiter := newLimiter(60, 1)
	defer limiter.Stop()

	router := gin.New()
	router.Use(limiter.Middleware())
	router.GET("/v1/plans", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/plans", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/plans", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", w.Code)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 60 || cfg.BurstSize != 10 || cfg.CleanupInterval != time.Minute {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
