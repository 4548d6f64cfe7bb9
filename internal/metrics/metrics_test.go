package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestStatusBucket(t *testing.T) {
	for code, want := range map[int]string{
		100: "1xx",
		200: "2xx",
		201: "2xx",
		301: "3xx",
		400: "4xx",
		404: "4xx",
		500: "5xx",
		503: "5xx",
	} {
		if got := statusBucket(code); got != want {
			t.Errorf("statusBucket(%d) = %s, want %s", code, got, want)
		}
	}
}

func scrape(t *testing.T, r *gin.Engine) string {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("scrape: expected 200, got %d", w.Code)
	}
	return w.Body.String()
}

func TestMetricsEndpoint(t *testing.T) {
	r := gin.New()
	r.GET("/metrics", Handler())

	body := scrape(t, r)

	// Gauges always appear; counters and histograms only after the first
	// observation.
	for _, name := range []string{
		"settlement_reconciliation_drift",
		"settlement_goroutines",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected metrics output to contain %s", name)
		}
	}

	WebhookEventsTotal.WithLabelValues("charge.success", "processed").Inc()

	if body = scrape(t, r); !strings.Contains(body, "settlement_webhook_events_total") {
		t.Error("expected settlement_webhook_events_total after incrementing")
	}
}

func TestMiddlewareRecordsRequests(t *testing.T) {
	r := gin.New()
	r.Use(Middleware())
	r.GET("/metrics", Handler())
	r.GET("/v1/plans", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"plans": []string{}})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/plans", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	if body := scrape(t, r); !strings.Contains(body, "settlement_http_requests_total") {
		t.Error("expected settlement_http_requests_total after a request")
	}
}
