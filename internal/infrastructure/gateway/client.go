package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
	"github.com/escrow-hub/escrow-hub/internal/domain/transaction"
)

const maxErrorBody = 4 << 10

// Config holds the gateway credentials and endpoints.
type Config struct {
	BaseURL   string
	KeyID     string
	KeySecret string
	// PayoutAccount is the platform account payouts are drawn from.
	PayoutAccount string
	Timeout       time.Duration
}

// Client talks to a Razorpay-compatible REST API.
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
}

// NewClient creates a gateway client. httpClient may be nil.
func NewClient(cfg Config, httpClient *http.Client, logger zerolog.Logger) (*Client, error) {
	if cfg.KeyID == "" || cfg.KeySecret == "" {
		return nil, fmt.Errorf("gateway key id and secret are required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("invalid gateway base url %q", cfg.BaseURL)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: logger.With().Str("component", "gateway").Logger(),
	}, nil
}

type orderBody struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt,omitempty"`
	Notes    map[string]string `json:"notes,omitempty"`
}

func (c *Client) CreateOrder(ctx context.Context, req transaction.OrderRequest) (*transaction.Order, error) {
	var out transaction.Order
	err := c.do(ctx, http.MethodPost, "/orders", "", orderBody{
		Amount:   req.AmountMinor,
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Notes:    req.Notes,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, apperr.Wrap(transaction.ErrGateway, fmt.Errorf("order response without id"))
	}
	return &out, nil
}

type bankAccount struct {
	Name          string `json:"name"`
	IFSC          string `json:"ifsc"`
	AccountNumber string `json:"account_number"`
}

type vpa struct {
	Address string `json:"address"`
}

type contact struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Reference string `json:"reference_id,omitempty"`
}

type fundAccount struct {
	AccountType string       `json:"account_type"`
	BankAccount *bankAccount `json:"bank_account,omitempty"`
	VPA         *vpa         `json:"vpa,omitempty"`
	Contact     contact      `json:"contact"`
}

type payoutBody struct {
	AccountNumber string      `json:"account_number"`
	Amount        int64       `json:"amount"`
	Currency      string      `json:"currency"`
	Mode          string      `json:"mode"`
	Purpose       string      `json:"purpose"`
	FundAccount   fundAccount `json:"fund_account"`
	Reference     string      `json:"reference_id,omitempty"`
	Narration     string      `json:"narration,omitempty"`
}

func (c *Client) CreatePayout(ctx context.Context, req transaction.PayoutRequest) (*transaction.Payout, error) {
	body := payoutBody{
		AccountNumber: c.cfg.PayoutAccount,
		Amount:        req.AmountMinor,
		Currency:      req.Currency,
		Purpose:       "payout",
		Reference:     req.Reference,
		Narration:     "Escrow release",
		FundAccount: fundAccount{
			Contact: contact{Name: req.Destination.AccountHolder, Type: "vendor", Reference: req.TransactionID.String()},
		},
	}
	switch req.Method {
	case transaction.PayoutBank:
		body.Mode = "IMPS"
		body.FundAccount.AccountType = "bank_account"
		body.FundAccount.BankAccount = &bankAccount{
			Name:          req.Destination.AccountHolder,
			IFSC:          req.Destination.IFSC,
			AccountNumber: req.Destination.AccountNumber,
		}
	case transaction.PayoutUPI:
		body.Mode = "UPI"
		body.FundAccount.AccountType = "vpa"
		body.FundAccount.VPA = &vpa{Address: req.Destination.UPIID}
	default:
		return nil, apperr.Validation("unsupported payout method %q", req.Method)
	}
	if body.FundAccount.Contact.Name == "" {
		body.FundAccount.Contact.Name = "seller"
	}

	// The idempotency key is per method so a UPI fallback is not collapsed
	// into the failed bank attempt.
	key := req.Reference + ":" + string(req.Method)
	var out transaction.Payout
	if err := c.do(ctx, http.MethodPost, "/payouts", key, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Refund(ctx context.Context, req transaction.RefundRequest) (*transaction.Refund, error) {
	if req.PaymentID == "" {
		return nil, apperr.Validation("payment id is required for a refund")
	}
	var out transaction.Refund
	path := "/payments/" + url.PathEscape(req.PaymentID) + "/refund"
	if err := c.do(ctx, http.MethodPost, path, "", map[string]int64{"amount": req.AmountMinor}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type errorBody struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// StatusError is a non-2xx gateway response.
type StatusError struct {
	Status      int
	Code        string
	Description string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned %d %s: %s", e.Status, e.Code, e.Description)
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode gateway request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.SetBasicAuth(c.cfg.KeyID, c.cfg.KeySecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("X-Payout-Idempotency", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(transaction.ErrGateway, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("gateway request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := &StatusError{Status: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil {
			se.Code = eb.Error.Code
			se.Description = eb.Error.Description
		}
		return apperr.Wrap(transaction.ErrGateway, se)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(transaction.ErrGateway, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
