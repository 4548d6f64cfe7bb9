package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/ccmarketers/settlement/internal/idgen"
	"github.com/ccmarketers/settlement/internal/metrics"
	"github.com/ccmarketers/settlement/internal/money"
	"github.com/ccmarketers/settlement/internal/traces"
	"github.com/ccmarketers/settlement/internal/wallet"
)

// Wallets is the slice of the wallet service withdrawals need.
type Wallets interface {
	Debit(ctx context.Context, req wallet.DebitRequest) (*wallet.Transaction, error)
}

// Service drives funding and withdrawal settlement. It owns the webhook
// entry point: verify the signature, pass the idempotency guard, then hand
// the event to the store's transactional completion ops.
// FundingHook is called after a funding settles, outside the settlement
// transaction. Used to trigger commission cascades; failures are logged,
// never propagated, since the funding itself has already committed.
type FundingHook func(ctx context.Context, userID string, amount decimal.Decimal)

type Service struct {
	store         Store
	gateway       Gateway
	wallets       Wallets
	gatewayName   string
	secretKey     string
	currency      string
	callbackURL   string
	minWithdrawal decimal.Decimal
	onFunding     FundingHook
	logger        *slog.Logger
}

// Config carries the gateway-facing settings the service needs.
type Config struct {
	GatewayName   string
	SecretKey     string
	Currency      string
	CallbackURL   string
	MinWithdrawal decimal.Decimal
}

func NewService(store Store, gateway Gateway, wallets Wallets, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:         store,
		gateway:       gateway,
		wallets:       wallets,
		gatewayName:   cfg.GatewayName,
		secretKey:     cfg.SecretKey,
		currency:      cfg.Currency,
		callbackURL:   cfg.CallbackURL,
		minWithdrawal: cfg.MinWithdrawal,
		logger:        logger,
	}
}

// WithFundingHook registers the post-settlement funding callback.
func (s *Service) WithFundingHook(hook FundingHook) *Service {
	s.onFunding = hook
	return s
}

// PendingWithdrawals satisfies wallet.ReservationSource so pre-debited but
// unsettled withdrawals reduce the available balance.
func (s *Service) PendingWithdrawals(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.store.PendingWithdrawals(ctx, userID)
}

// InitializeFunding creates a pending funding record and opens a hosted
// checkout session with the gateway.
func (s *Service) InitializeFunding(ctx context.Context, userID, email string, amount decimal.Decimal) (*PaymentTransaction, *FundingSession, error) {
	if !amount.IsPositive() {
		return nil, nil, money.ErrInvalidAmount
	}

	p := &PaymentTransaction{
		ID:                idgen.WithPrefix("pay_"),
		UserID:            userID,
		Type:              TypeFunding,
		Amount:            amount,
		Currency:          s.currency,
		GatewayReference:  idgen.Reference("PS"),
		InternalReference: idgen.Reference("TXN"),
		Status:            StatusPending,
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		return nil, nil, err
	}

	session, err := s.gateway.InitializeFunding(ctx, FundingInit{
		Email:       email,
		Amount:      amount,
		Currency:    s.currency,
		Reference:   p.GatewayReference,
		CallbackURL: s.callbackURL,
		UserID:      userID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initialize funding with gateway: %w", err)
	}

	s.logger.Info("funding initialized",
		"user", userID, "reference", p.GatewayReference, "amount", money.Format(amount))
	return p, session, nil
}

// RequestWithdrawal pre-debits the user's main wallet, records a pending
// withdrawal, and asks the gateway to transfer. A gateway refusal refunds
// immediately; settlement otherwise arrives by webhook.
func (s *Service) RequestWithdrawal(ctx context.Context, userID string, amount decimal.Decimal, recipientCode string) (*PaymentTransaction, error) {
	if amount.LessThan(s.minWithdrawal) {
		return nil, fmt.Errorf("%w: minimum is %s", ErrBelowMinimum, money.Format(s.minWithdrawal))
	}

	ctx, span := traces.StartSpan(ctx, "payments.RequestWithdrawal",
		traces.UserID(userID), traces.Amount(money.Format(amount)))
	defer span.End()

	p := &PaymentTransaction{
		ID:                idgen.WithPrefix("pay_"),
		UserID:            userID,
		Type:              TypeWithdrawal,
		Amount:            amount,
		Currency:          s.currency,
		GatewayReference:  idgen.Reference("WD"),
		InternalReference: idgen.Reference("TXN"),
		Status:            StatusPending,
		RecipientCode:     recipientCode,
	}

	// Debit first so the withdrawal can never overdraw; the payment row
	// records the liability to refund if the transfer fails.
	if _, err := s.wallets.Debit(ctx, wallet.DebitRequest{
		UserID:      userID,
		Kind:        wallet.KindMain,
		Amount:      amount,
		Category:    wallet.CategoryWithdrawal,
		Reference:   p.InternalReference,
		Description: "Withdrawal " + p.GatewayReference,
	}); err != nil {
		return nil, err
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		return nil, err
	}

	if err := s.gateway.InitiateTransfer(ctx, TransferRequest{
		Amount:        amount,
		RecipientCode: recipientCode,
		Reason:        "Wallet withdrawal",
		Reference:     p.GatewayReference,
	}); err != nil {
		s.logger.Warn("gateway refused transfer, refunding",
			"user", userID, "reference", p.GatewayReference, "error", err)
		refunded, refundErr := s.store.MarkWithdrawalFailed(ctx, p.InternalReference)
		if refundErr != nil {
			s.logger.Error("withdrawal refund failed, manual intervention required",
				"user", userID, "reference", p.GatewayReference, "error", refundErr)
			return nil, refundErr
		}
		metrics.WithdrawalsTotal.WithLabelValues("refused").Inc()
		return refunded, fmt.Errorf("initiate transfer: %w", err)
	}

	metrics.WithdrawalsTotal.WithLabelValues("initiated").Inc()
	s.logger.Info("withdrawal initiated",
		"user", userID, "reference", p.GatewayReference, "amount", money.Format(amount))
	return p, nil
}

// VerifySignature recomputes the gateway's HMAC-SHA512 over the raw body
// and compares in constant time.
func (s *Service) VerifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha512.New, []byte(s.secretKey))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// webhookPayload is the envelope the gateway posts.
type webhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"`
		Status    string `json:"status"`
	} `json:"data"`
}

// HandleWebhook processes one inbound delivery. Idempotent no-ops return
// nil so the HTTP layer acks with 200 and the gateway stops retrying.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	if !s.VerifySignature(body, signature) {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "invalid_signature").Inc()
		return ErrInvalidSignature
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("%w: malformed payload", ErrInvalidSignature)
	}
	if payload.Event == "" || payload.Data.Reference == "" {
		return fmt.Errorf("%w: missing event or reference", ErrInvalidSignature)
	}

	ctx, span := traces.StartSpan(ctx, "payments.HandleWebhook",
		traces.WebhookEvent(payload.Event), traces.Reference(payload.Data.Reference))
	defer span.End()

	event, alreadyProcessed, err := s.store.RecordEvent(ctx, s.gatewayName, payload.Data.Reference, payload.Event, body)
	if err != nil {
		return fmt.Errorf("record webhook event: %w", err)
	}
	if alreadyProcessed {
		metrics.WebhookEventsTotal.WithLabelValues(payload.Event, "duplicate").Inc()
		s.logger.Info("webhook already processed",
			"event", payload.Event, "reference", payload.Data.Reference)
		return nil
	}

	switch payload.Event {
	case "charge.success":
		var pt *PaymentTransaction
		var settled bool
		pt, settled, err = s.store.CompleteFunding(ctx, payload.Data.Reference, event.ID)
		if err == nil && settled && s.onFunding != nil {
			s.onFunding(ctx, pt.UserID, pt.Amount)
		}
	case "transfer.success":
		_, err = s.store.CompleteWithdrawal(ctx, payload.Data.Reference, event.ID)
		if err == nil {
			metrics.WithdrawalsTotal.WithLabelValues("success").Inc()
		}
	case "transfer.failed", "transfer.reversed":
		_, err = s.store.FailWithdrawal(ctx, payload.Data.Reference, event.ID)
		if err == nil {
			metrics.WithdrawalsTotal.WithLabelValues("failed").Inc()
		}
	default:
		// Unknown event families are recorded for audit and acked so the
		// gateway does not redeliver them forever.
		metrics.WebhookEventsTotal.WithLabelValues(payload.Event, "unhandled").Inc()
		s.logger.Info("unhandled webhook event", "event", payload.Event, "reference", payload.Data.Reference)
		return s.store.MarkEventProcessed(ctx, event.ID)
	}

	if errors.Is(err, ErrUnknownReference) {
		// Local/gateway desync: log for operators, ack the delivery.
		metrics.WebhookEventsTotal.WithLabelValues(payload.Event, "unknown_reference").Inc()
		s.logger.Warn("webhook reference does not match any payment",
			"event", payload.Event, "reference", payload.Data.Reference)
		return s.store.MarkEventProcessed(ctx, event.ID)
	}
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(payload.Event, "error").Inc()
		span.RecordError(err)
		return fmt.Errorf("process %s for %s: %w", payload.Event, payload.Data.Reference, err)
	}

	metrics.WebhookEventsTotal.WithLabelValues(payload.Event, "processed").Inc()
	s.logger.Info("webhook processed", "event", payload.Event, "reference", payload.Data.Reference)
	return nil
}

// Payment returns a payment by gateway reference.
func (s *Service) Payment(ctx context.Context, gatewayRef string) (*PaymentTransaction, error) {
	return s.store.PaymentByGatewayRef(ctx, gatewayRef)
}

// Payments lists a user's payment history, newest first.
func (s *Service) Payments(ctx context.Context, userID string, limit int) ([]*PaymentTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListPayments(ctx, userID, limit)
}

// CreateRecipient registers a bank account with the gateway after
// resolving that it exists.
func (s *Service) CreateRecipient(ctx context.Context, name, accountNumber, bankCode string) (string, error) {
	resolved, err := s.gateway.ResolveAccount(ctx, accountNumber, bankCode)
	if err != nil {
		return "", fmt.Errorf("resolve account: %w", err)
	}
	if resolved.AccountName != "" {
		name = resolved.AccountName
	}
	return s.gateway.CreateTransferRecipient(ctx, RecipientRequest{
		Name:          name,
		AccountNumber: accountNumber,
		BankCode:      bankCode,
		Currency:      s.currency,
	})
}
