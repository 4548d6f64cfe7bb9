package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/ccmarketers/settlement/internal/config"
	"github.com/ccmarketers/settlement/internal/money"
	"github.com/ccmarketers/settlement/internal/payments"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockGateway implements payments.Gateway for testing
type mockGateway struct{}

func (m *mockGateway) InitializeFunding(ctx context.Context, req payments.FundingInit) (*payments.FundingSession, error) {
	return &payments.FundingSession{
		AuthorizationURL: "https://checkout.example/" + req.Reference,
		AccessCode:       "ac_mock",
		Reference:        req.Reference,
	}, nil
}

func (m *mockGateway) VerifyTransaction(ctx context.Context, reference string) (*payments.VerifiedTransaction, error) {
	return &payments.VerifiedTransaction{Reference: reference, Status: "success"}, nil
}

func (m *mockGateway) CreateTransferRecipient(ctx context.Context, req payments.RecipientRequest) (string, error) {
	return "RCP_mock", nil
}

func (m *mockGateway) InitiateTransfer(ctx context.Context, req payments.TransferRequest) error {
	return nil
}

func (m *mockGateway) ResolveAccount(ctx context.Context, accountNumber, bankCode string) (*payments.ResolvedAccount, error) {
	return &payments.ResolvedAccount{AccountNumber: accountNumber, AccountName: "Mock Holder"}, nil
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		GatewayName:       "paystack",
		GatewaySecretKey:  "sk_test_secret",
		GatewayCurrency:   "NGN",
		EscrowFeeRate:     money.MustParse("0.20"),
		MinWithdrawal:     money.MustParse("10.00"),
		SignupBonus:       money.MustParse("5.00"),
		PlatformAccountID: "platform",
		RateLimitRPS:      1000,
	}
}

// newTestServer creates a server with an in-memory store and a mock gateway
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithGateway(&mockGateway{}))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"POST:/webhooks/paystack",
		"GET:/v1/users/:id/wallet",
		"POST:/v1/users/:id/funding",
		"POST:/v1/users/:id/withdrawals",
		"POST:/v1/tasks/:id/escrow",
		"POST:/v1/escrows/:id/release",
		"GET:/v1/users/:id/referral-code",
		"POST:/v1/referrals",
		"PUT:/v1/admin/commission-tiers",
		"GET:/v1/plans",
		"POST:/v1/users/:id/subscriptions",
		"GET:/v1/admin/reconcile",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

func TestInvalidIDParamRejected(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/users/not%20valid/wallet", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed id, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Funding flow through the HTTP surface
// ---------------------------------------------------------------------------

func TestFundingWebhookCreditsWallet(t *testing.T) {
	s := newTestServer(t)

	// Initialize a funding session
	body := `{"email":"adv@example.com","amount":"250.00"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/users/adv-1/funding", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var initResp struct {
		Reference string `json:"reference"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &initResp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if initResp.Reference == "" {
		t.Fatal("Expected a gateway reference")
	}

	// Deliver the signed charge.success webhook, twice
	event := fmt.Sprintf(`{"event":"charge.success","data":{"reference":"%s","amount":25000,"status":"success"}}`, initResp.Reference)
	for i := 0; i < 2; i++ {
		w = httptest.NewRecorder()
		req = httptest.NewRequest("POST", "/webhooks/paystack", strings.NewReader(event))
		req.Header.Set("X-Paystack-Signature", sign("sk_test_secret", []byte(event)))
		s.router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("Webhook delivery %d: expected 200, got %d: %s", i+1, w.Code, w.Body.String())
		}
	}

	// Wallet credited exactly once
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/users/adv-1/wallet", nil)
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var walletResp struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &walletResp); err != nil {
		t.Fatalf("Failed to parse wallet response: %v", err)
	}
	balance, err := decimal.NewFromString(walletResp.Balance)
	if err != nil {
		t.Fatalf("Balance %q is not a decimal: %v", walletResp.Balance, err)
	}
	if !balance.Equal(money.MustParse("250.00")) {
		t.Errorf("Balance = %s, want 250.00", walletResp.Balance)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := newTestServer(t)

	event := `{"event":"charge.success","data":{"reference":"PS_unknown","status":"success"}}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/webhooks/paystack", strings.NewReader(event))
	req.Header.Set("X-Paystack-Signature", sign("wrong_secret", []byte(event)))
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad signature, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Conservation check endpoint
// ---------------------------------------------------------------------------

func TestReconcileEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/admin/reconcile", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp struct {
		Match bool   `json:"match"`
		Diff  string `json:"diff"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if !resp.Match {
		t.Errorf("Empty system should balance, diff %s", resp.Diff)
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
