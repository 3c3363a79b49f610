// Package oracleapi reads market consensus from the external oracle feed.
package oracleapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/boxmeout/settlement/internal/crypto"
	"github.com/boxmeout/settlement/internal/domain"
)

// Consensus states reported by the oracle.
const (
	StatusPending = "PENDING"
	StatusFinal   = "FINAL"
)

// Client implements domain.OracleSignal over HTTP with HMAC-signed
// requests.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       *crypto.HMACAuth
}

// New creates a Client. auth may be nil for public feeds.
func New(baseURL string, timeout time.Duration, auth *crypto.HMACAuth) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		auth:       auth,
	}
}

// consensusResponse is the body of GET /v1/markets/{id}/consensus.
type consensusResponse struct {
	MarketID string `json:"market_id"`
	Status   string `json:"status"`
	Outcome  string `json:"outcome"`
}

// ConsensusOutcome returns the agreed outcome of marketID. ok is false
// while the oracle has no final answer, including when it does not know
// the market yet.
func (c *Client) ConsensusOutcome(ctx context.Context, marketID string) (domain.Outcome, bool, error) {
	path := fmt.Sprintf("/v1/markets/%s/consensus", url.PathEscape(marketID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, false, fmt.Errorf("oracleapi: create request: %w", err)
	}
	if c.auth != nil {
		for k, v := range c.auth.Headers(http.MethodGet, path, "") {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("oracleapi: consensus %s: %w", marketID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, false, fmt.Errorf("oracleapi: read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, false, nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return 0, false, fmt.Errorf("oracleapi: consensus %s: %w: %s", marketID, domain.ErrUnauthorized, body)
	case resp.StatusCode == http.StatusTooManyRequests:
		return 0, false, fmt.Errorf("oracleapi: consensus %s: %w", marketID, domain.ErrRateLimited)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return 0, false, fmt.Errorf("oracleapi: consensus %s: HTTP %d: %s", marketID, resp.StatusCode, body)
	}

	var cr consensusResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return 0, false, fmt.Errorf("oracleapi: decode consensus: %w", err)
	}
	if !strings.EqualFold(cr.Status, StatusFinal) {
		return 0, false, nil
	}
	outcome, err := domain.ParseOutcome(cr.Outcome)
	if err != nil {
		return 0, false, fmt.Errorf("oracleapi: consensus %s: %w", marketID, err)
	}
	return outcome, true, nil
}

var _ domain.OracleSignal = (*Client)(nil)
