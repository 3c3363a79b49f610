// Package ledgerapi is the HTTP client for the external funds ledger.
//
// Requests are signed with the service's secp256k1 key. Transport failures,
// timeouts, 429 and 5xx replies map to domain.ErrLedgerUnavailable; any
// other non-2xx reply is a terminal domain.ErrLedgerRejected.
package ledgerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/boxmeout/settlement/internal/crypto"
	"github.com/boxmeout/settlement/internal/domain"
)

// Header names carried by signed ledger requests.
const (
	HeaderAddress   = "X-Ledger-Address"
	HeaderTimestamp = "X-Ledger-Timestamp"
	HeaderSignature = "X-Ledger-Signature"
	HeaderIdemKey   = "Idempotency-Key"
)

// Client implements domain.LedgerClient over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	now        func() time.Time
}

// New creates a Client. signer may be nil for ledgers that authenticate at
// the network layer.
func New(baseURL string, timeout time.Duration, signer *crypto.Signer) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		signer:     signer,
		now:        time.Now,
	}
}

type escrowRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

type escrowResponse struct {
	ReceiptID string `json:"receipt_id"`
}

type releaseRequest struct {
	ReceiptID string          `json:"receipt_id"`
	ToUserID  string          `json:"to_user_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// Escrow holds amount from userID.
func (c *Client) Escrow(ctx context.Context, key, userID string, amount decimal.Decimal) (string, error) {
	var out escrowResponse
	err := c.do(ctx, http.MethodPost, "/v1/escrows", key, escrowRequest{UserID: userID, Amount: amount}, &out)
	if err != nil {
		return "", fmt.Errorf("ledgerapi: escrow %s: %w", key, err)
	}
	if out.ReceiptID == "" {
		return "", fmt.Errorf("ledgerapi: escrow %s: %w: empty receipt", key, domain.ErrLedgerUnavailable)
	}
	return out.ReceiptID, nil
}

// Release pays amount out of receiptID to toUserID.
func (c *Client) Release(ctx context.Context, key, receiptID, toUserID string, amount decimal.Decimal) error {
	body := releaseRequest{ReceiptID: receiptID, ToUserID: toUserID, Amount: amount}
	if err := c.do(ctx, http.MethodPost, "/v1/releases", key, body, nil); err != nil {
		return fmt.Errorf("ledgerapi: release %s: %w", key, err)
	}
	return nil
}

// Refund returns what is still held on receiptID to its owner.
func (c *Client) Refund(ctx context.Context, receiptID string) error {
	path := fmt.Sprintf("/v1/receipts/%s/refund", url.PathEscape(receiptID))
	if err := c.do(ctx, http.MethodPost, path, "refund:"+receiptID, nil, nil); err != nil {
		return fmt.Errorf("ledgerapi: refund %s: %w", receiptID, err)
	}
	return nil
}

// do signs and sends one request and decodes a JSON reply into out.
func (c *Client) do(ctx context.Context, method, path, idemKey string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = b
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdemKey, idemKey)

	if c.signer != nil {
		ts := c.now().Unix()
		sig, err := c.signer.SignRequest(method, path, body, ts)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrSigningFailed, err)
		}
		req.Header.Set(HeaderAddress, c.signer.Address().Hex())
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(HeaderSignature, sig)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrLedgerUnavailable, err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%w: decode response: %v", domain.ErrLedgerUnavailable, err)
		}
	}
	return nil
}

// checkHTTPStatus maps non-2xx status codes onto the ledger error classes.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	msg := string(body)
	switch {
	case statusCode == http.StatusTooManyRequests, statusCode == http.StatusRequestTimeout, statusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrLedgerUnavailable, statusCode, msg)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %w: HTTP %d: %s", domain.ErrLedgerRejected, domain.ErrUnauthorized, statusCode, msg)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrLedgerRejected, statusCode, msg)
	}
}

var _ domain.LedgerClient = (*Client)(nil)
