package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/ccmarketers/settlement/internal/money"
	"github.com/ccmarketers/settlement/internal/wallet"
)

const testSecret = "sk_test_secret"

type fakeGateway struct {
	transferErr  error
	transferReqs []TransferRequest
	initReqs     []FundingInit
}

func (f *fakeGateway) InitializeFunding(_ context.Context, req FundingInit) (*FundingSession, error) {
	f.initReqs = append(f.initReqs, req)
	return &FundingSession{
		AuthorizationURL: "https://checkout.test/" + req.Reference,
		AccessCode:       "ac_" + req.Reference,
		Reference:        req.Reference,
	}, nil
}

func (f *fakeGateway) VerifyTransaction(_ context.Context, reference string) (*VerifiedTransaction, error) {
	return &VerifiedTransaction{Reference: reference, Status: "success"}, nil
}

func (f *fakeGateway) CreateTransferRecipient(_ context.Context, _ RecipientRequest) (string, error) {
	return "RCP_test", nil
}

func (f *fakeGateway) InitiateTransfer(_ context.Context, req TransferRequest) error {
	f.transferReqs = append(f.transferReqs, req)
	return f.transferErr
}

func (f *fakeGateway) ResolveAccount(_ context.Context, accountNumber, _ string) (*ResolvedAccount, error) {
	return &ResolvedAccount{AccountNumber: accountNumber, AccountName: "Test Account"}, nil
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	wallets  *wallet.MemoryStore
	walletSv *wallet.Service
	gateway  *fakeGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	wallets := wallet.NewMemoryStore()
	store := NewMemoryStore(wallets)
	gw := &fakeGateway{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := NewService(store, gw, wallet.NewService(wallets), Config{
		GatewayName:   "paystack",
		SecretKey:     testSecret,
		Currency:      "NGN",
		CallbackURL:   "https://app.test/callback",
		MinWithdrawal: money.MustParse("10.00"),
	}, logger)

	walletSv := wallet.NewService(wallets).WithReservations(svc)
	return &fixture{svc: svc, store: store, wallets: wallets, walletSv: walletSv, gateway: gw}
}

func sign(body []byte) string {
	mac := hmac.New(sha512.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func webhookBody(event, reference string, amountMinor int64) []byte {
	return []byte(fmt.Sprintf(
		`{"event":%q,"data":{"reference":%q,"amount":%d,"status":"success"}}`,
		event, reference, amountMinor))
}

func (f *fixture) mainBalance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	w, err := f.wallets.Wallet(context.Background(), userID, wallet.KindMain)
	if err != nil {
		t.Fatalf("load wallet: %v", err)
	}
	return w.Balance
}

func TestFundingWebhookCreditsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payment, session, err := f.svc.InitializeFunding(ctx, "user-1", "user@test.com", money.MustParse("500.00"))
	if err != nil {
		t.Fatalf("InitializeFunding failed: %v", err)
	}
	if session.AuthorizationURL == "" {
		t.Fatal("expected a checkout URL")
	}

	body := webhookBody("charge.success", payment.GatewayReference, 50000)

	// Deliver the same webhook five times.
	for i := 0; i < 5; i++ {
		if err := f.svc.HandleWebhook(ctx, body, sign(body)); err != nil {
			t.Fatalf("delivery %d failed: %v", i, err)
		}
	}

	if got := f.mainBalance(t, "user-1"); !got.Equal(money.MustParse("500.00")) {
		t.Errorf("expected balance 500.00 after replays, got %s", money.Format(got))
	}

	txns, _ := f.wallets.Transactions(ctx, "user-1", 10)
	if len(txns) != 1 {
		t.Fatalf("expected exactly one wallet transaction, got %d", len(txns))
	}
	if txns[0].Category != wallet.CategoryFunding || txns[0].Reference != payment.InternalReference {
		t.Errorf("unexpected transaction: category=%s reference=%s", txns[0].Category, txns[0].Reference)
	}

	settled, _ := f.svc.Payment(ctx, payment.GatewayReference)
	if settled.Status != StatusSuccess || settled.CompletedAt == nil {
		t.Errorf("payment not settled: status=%s", settled.Status)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)

	body := webhookBody("charge.success", "PS_bogus", 1000)
	err := f.svc.HandleWebhook(context.Background(), body, "deadbeef")
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	// Nothing recorded for an unauthentic delivery.
	if _, alreadyProcessed, _ := f.store.RecordEvent(context.Background(), "paystack", "PS_bogus", "charge.success", body); alreadyProcessed {
		t.Error("unauthentic webhook left a processed event")
	}
}

func TestUnknownReferenceAcked(t *testing.T) {
	f := newFixture(t)

	body := webhookBody("charge.success", "PS_never_seen", 1000)
	if err := f.svc.HandleWebhook(context.Background(), body, sign(body)); err != nil {
		t.Fatalf("unknown reference should be acked, got %v", err)
	}

	// The event is recorded and marked processed so the gateway stops.
	_, alreadyProcessed, err := f.store.RecordEvent(context.Background(), "paystack", "PS_never_seen", "charge.success", body)
	if err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}
	if !alreadyProcessed {
		t.Error("unknown-reference event was not marked processed")
	}
}

func TestUnhandledEventRecordedAndAcked(t *testing.T) {
	f := newFixture(t)

	body := webhookBody("subscription.create", "SUB_001", 0)
	if err := f.svc.HandleWebhook(context.Background(), body, sign(body)); err != nil {
		t.Fatalf("unhandled event should be acked, got %v", err)
	}
}

func TestWithdrawalLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.wallets.Credit(ctx, wallet.CreditRequest{
		UserID: "user-1", Amount: money.MustParse("200.00"), Category: wallet.CategoryFunding,
	})

	payment, err := f.svc.RequestWithdrawal(ctx, "user-1", money.MustParse("80.00"), "RCP_test")
	if err != nil {
		t.Fatalf("RequestWithdrawal failed: %v", err)
	}
	if payment.Status != StatusPending {
		t.Fatalf("expected pending withdrawal, got %s", payment.Status)
	}

	// Pre-debited immediately.
	if got := f.mainBalance(t, "user-1"); !got.Equal(money.MustParse("120.00")) {
		t.Errorf("expected 120.00 after pre-debit, got %s", money.Format(got))
	}

	// Pending amount reserves available balance.
	available, err := f.walletSv.AvailableBalance(ctx, "user-1")
	if err != nil {
		t.Fatalf("AvailableBalance failed: %v", err)
	}
	if !available.Equal(money.MustParse("40.00")) {
		t.Errorf("expected available 40.00 (120 balance - 80 pending), got %s", money.Format(available))
	}

	// transfer.success flips audit state only.
	body := webhookBody("transfer.success", payment.GatewayReference, 8000)
	if err := f.svc.HandleWebhook(ctx, body, sign(body)); err != nil {
		t.Fatalf("transfer.success failed: %v", err)
	}
	if got := f.mainBalance(t, "user-1"); !got.Equal(money.MustParse("120.00")) {
		t.Errorf("transfer.success must not touch the wallet, got %s", money.Format(got))
	}
	settled, _ := f.svc.Payment(ctx, payment.GatewayReference)
	if settled.Status != StatusSuccess {
		t.Errorf("expected success, got %s", settled.Status)
	}
}

func TestFailedWithdrawalRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.wallets.Credit(ctx, wallet.CreditRequest{
		UserID: "user-1", Amount: money.MustParse("200.00"), Category: wallet.CategoryFunding,
	})

	payment, err := f.svc.RequestWithdrawal(ctx, "user-1", money.MustParse("80.00"), "RCP_test")
	if err != nil {
		t.Fatalf("RequestWithdrawal failed: %v", err)
	}

	body := webhookBody("transfer.failed", payment.GatewayReference, 8000)
	for i := 0; i < 3; i++ {
		if err := f.svc.HandleWebhook(ctx, body, sign(body)); err != nil {
			t.Fatalf("delivery %d failed: %v", i, err)
		}
	}

	// Refunded exactly once.
	if got := f.mainBalance(t, "user-1"); !got.Equal(money.MustParse("200.00")) {
		t.Errorf("expected full refund to 200.00, got %s", money.Format(got))
	}
	settled, _ := f.svc.Payment(ctx, payment.GatewayReference)
	if settled.Status != StatusFailed {
		t.Errorf("expected failed, got %s", settled.Status)
	}
}

func TestWithdrawalBelowMinimum(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RequestWithdrawal(context.Background(), "user-1", money.MustParse("5.00"), "RCP_test")
	if !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("expected ErrBelowMinimum, got %v", err)
	}
}

func TestWithdrawalGatewayRefusalRefundsImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.wallets.Credit(ctx, wallet.CreditRequest{
		UserID: "user-1", Amount: money.MustParse("100.00"), Category: wallet.CategoryFunding,
	})
	f.gateway.transferErr = errors.New("transfer not permitted")

	_, err := f.svc.RequestWithdrawal(ctx, "user-1", money.MustParse("50.00"), "RCP_test")
	if err == nil {
		t.Fatal("expected an error from the refused transfer")
	}

	if got := f.mainBalance(t, "user-1"); !got.Equal(money.MustParse("100.00")) {
		t.Errorf("refused withdrawal must refund in full, got %s", money.Format(got))
	}
}

func TestFundingWithdrawalRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payment, _, err := f.svc.InitializeFunding(ctx, "user-1", "user@test.com", money.MustParse("100.00"))
	if err != nil {
		t.Fatalf("InitializeFunding failed: %v", err)
	}
	body := webhookBody("charge.success", payment.GatewayReference, 10000)
	if err := f.svc.HandleWebhook(ctx, body, sign(body)); err != nil {
		t.Fatalf("funding webhook failed: %v", err)
	}

	wd, err := f.svc.RequestWithdrawal(ctx, "user-1", money.MustParse("100.00"), "RCP_test")
	if err != nil {
		t.Fatalf("RequestWithdrawal failed: %v", err)
	}
	body = webhookBody("transfer.success", wd.GatewayReference, 10000)
	if err := f.svc.HandleWebhook(ctx, body, sign(body)); err != nil {
		t.Fatalf("withdrawal webhook failed: %v", err)
	}

	// Fund X then withdraw X returns the wallet to its starting balance.
	if got := f.mainBalance(t, "user-1"); !got.IsZero() {
		t.Errorf("expected zero balance after round trip, got %s", money.Format(got))
	}
}

func TestVerifySignatureConstantTimeShape(t *testing.T) {
	f := newFixture(t)

	body := []byte(`{"event":"charge.success"}`)
	if !f.svc.VerifySignature(body, sign(body)) {
		t.Error("valid signature rejected")
	}
	if f.svc.VerifySignature(body, sign([]byte("other"))) {
		t.Error("signature for different body accepted")
	}
}
