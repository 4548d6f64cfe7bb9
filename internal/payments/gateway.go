package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ccmarketers/settlement/internal/circuitbreaker"
	"github.com/ccmarketers/settlement/internal/money"
	"github.com/ccmarketers/settlement/internal/retry"
)

// Gateway is the outbound payment-gateway surface the settlement service
// depends on. The production implementation is Client (Paystack); tests
// substitute a fake.
type Gateway interface {
	InitializeFunding(ctx context.Context, req FundingInit) (*FundingSession, error)
	VerifyTransaction(ctx context.Context, reference string) (*VerifiedTransaction, error)
	CreateTransferRecipient(ctx context.Context, req RecipientRequest) (string, error)
	InitiateTransfer(ctx context.Context, req TransferRequest) error
	ResolveAccount(ctx context.Context, accountNumber, bankCode string) (*ResolvedAccount, error)
}

// FundingInit starts a hosted checkout for a deposit.
type FundingInit struct {
	Email       string
	Amount      decimal.Decimal
	Currency    string
	Reference   string
	CallbackURL string
	UserID      string
}

// FundingSession is the gateway's answer to a funding initialization.
type FundingSession struct {
	AuthorizationURL string `json:"authorizationUrl"`
	AccessCode       string `json:"accessCode"`
	Reference        string `json:"reference"`
}

// VerifiedTransaction is the gateway's view of a transaction, used to
// confirm state out-of-band of webhooks.
type VerifiedTransaction struct {
	Reference string
	Status    string
	Amount    decimal.Decimal
}

// RecipientRequest registers a bank account as a transfer destination.
type RecipientRequest struct {
	Name          string
	AccountNumber string
	BankCode      string
	Currency      string
}

// TransferRequest pays out to a previously created recipient.
type TransferRequest struct {
	Amount        decimal.Decimal
	RecipientCode string
	Reason        string
	Reference     string
}

// ResolvedAccount is the gateway's confirmation of bank account ownership.
type ResolvedAccount struct {
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
}

// ErrGatewayUnavailable is returned when the circuit to a gateway endpoint
// family is open and requests are being rejected without attempting them.
var ErrGatewayUnavailable = errors.New("payments: gateway unavailable")

// Client talks to a Paystack-compatible REST API. Amounts cross the wire
// in integer minor units; 4xx responses are permanent, 5xx and transport
// errors are retried with backoff. A circuit breaker per endpoint family
// sheds calls when the gateway is persistently failing.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
}

// NewClient creates a gateway client.
func NewClient(baseURL, secretKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		breaker:    circuitbreaker.New(5, 30*time.Second),
	}
}

// breakerKey groups paths into endpoint families: /transaction/verify/ref
// and /transaction/initialize share gateway health, so they share a circuit.
func breakerKey(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexAny(path, "/?"); i >= 0 {
		path = path[:i]
	}
	return path
}

type apiEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// call performs one authenticated request and decodes the envelope's data
// field into out (which may be nil).
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	key := breakerKey(path)
	if !c.breaker.Allow(key) {
		return fmt.Errorf("%w: circuit open for %s", ErrGatewayUnavailable, key)
	}
	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		var reader io.Reader
		if body != nil {
			encoded, err := json.Marshal(body)
			if err != nil {
				return retry.Permanent(fmt.Errorf("encode request: %w", err))
			}
			reader = bytes.NewReader(encoded)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.secretKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.breaker.RecordFailure(key)
			return fmt.Errorf("gateway request: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			c.breaker.RecordFailure(key)
			return fmt.Errorf("read gateway response: %w", err)
		}

		if resp.StatusCode >= 500 {
			c.breaker.RecordFailure(key)
			return fmt.Errorf("gateway %s %s: status %d", method, path, resp.StatusCode)
		}

		// The gateway answered coherently; a 4xx is our problem, not an
		// availability signal.
		c.breaker.RecordSuccess(key)

		var envelope apiEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return retry.Permanent(fmt.Errorf("decode gateway response: %w", err))
		}
		if resp.StatusCode >= 400 || !envelope.Status {
			return retry.Permanent(fmt.Errorf("gateway %s %s: %s (status %d)", method, path, envelope.Message, resp.StatusCode))
		}
		if out != nil && len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, out); err != nil {
				return retry.Permanent(fmt.Errorf("decode gateway data: %w", err))
			}
		}
		return nil
	})
	return err
}

func (c *Client) InitializeFunding(ctx context.Context, req FundingInit) (*FundingSession, error) {
	payload := map[string]any{
		"email":        req.Email,
		"amount":       money.ToMinorUnits(req.Amount),
		"currency":     req.Currency,
		"reference":    req.Reference,
		"callback_url": req.CallbackURL,
		"metadata":     map[string]any{"user_id": req.UserID},
	}

	var data struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	}
	if err := c.call(ctx, http.MethodPost, "/transaction/initialize", payload, &data); err != nil {
		return nil, err
	}
	return &FundingSession{
		AuthorizationURL: data.AuthorizationURL,
		AccessCode:       data.AccessCode,
		Reference:        data.Reference,
	}, nil
}

func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*VerifiedTransaction, error) {
	var data struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
		Amount    int64  `json:"amount"`
	}
	if err := c.call(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &data); err != nil {
		return nil, err
	}
	return &VerifiedTransaction{
		Reference: data.Reference,
		Status:    data.Status,
		Amount:    money.FromMinorUnits(data.Amount),
	}, nil
}

func (c *Client) CreateTransferRecipient(ctx context.Context, req RecipientRequest) (string, error) {
	payload := map[string]any{
		"type":           "nuban",
		"name":           req.Name,
		"account_number": req.AccountNumber,
		"bank_code":      req.BankCode,
		"currency":       req.Currency,
	}

	var data struct {
		RecipientCode string `json:"recipient_code"`
	}
	if err := c.call(ctx, http.MethodPost, "/transferrecipient", payload, &data); err != nil {
		return "", err
	}
	return data.RecipientCode, nil
}

func (c *Client) InitiateTransfer(ctx context.Context, req TransferRequest) error {
	payload := map[string]any{
		"source":    "balance",
		"amount":    money.ToMinorUnits(req.Amount),
		"recipient": req.RecipientCode,
		"reason":    req.Reason,
		"reference": req.Reference,
	}
	return c.call(ctx, http.MethodPost, "/transfer", payload, nil)
}

func (c *Client) ResolveAccount(ctx context.Context, accountNumber, bankCode string) (*ResolvedAccount, error) {
	query := url.Values{
		"account_number": {accountNumber},
		"bank_code":      {bankCode},
	}

	var data ResolvedAccount
	if err := c.call(ctx, http.MethodGet, "/bank/resolve?"+query.Encode(), nil, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
