package ledgerapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/boxmeout/settlement/internal/crypto"
	"github.com/boxmeout/settlement/internal/domain"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func newClient(t *testing.T, h http.HandlerFunc) (*Client, *crypto.Signer) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	signer, err := crypto.NewSigner(testKey, 1)
	require.NoError(t, err)
	c := New(srv.URL, time.Second, signer)
	c.now = func() time.Time { return time.Unix(1700000000, 0) }
	return c, signer
}

func TestEscrowSignsRequest(t *testing.T) {
	var signer *crypto.Signer
	c, signer := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
		require.NoError(t, err)
		addr, err := crypto.RecoverRequest(1, r.Method, r.URL.Path, body, ts, r.Header.Get(HeaderSignature))
		require.NoError(t, err)
		require.Equal(t, signer.Address().Hex(), addr.Hex())
		require.Equal(t, addr.Hex(), r.Header.Get(HeaderAddress))
		require.Equal(t, "esc-1", r.Header.Get(HeaderIdemKey))

		var req escrowRequest
		require.NoError(t, json.Unmarshal(body, &req))
		require.Equal(t, "alice", req.UserID)
		require.True(t, req.Amount.Equal(decimal.RequireFromString("12.5")))

		_ = json.NewEncoder(w).Encode(escrowResponse{ReceiptID: "rcpt-1"})
	})

	receipt, err := c.Escrow(context.Background(), "esc-1", "alice", decimal.RequireFromString("12.5"))
	require.NoError(t, err)
	require.Equal(t, "rcpt-1", receipt)
}

func TestReleaseAndRefundPaths(t *testing.T) {
	var paths []string
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	ctx := context.Background()

	require.NoError(t, c.Release(ctx, "rel-1", "rcpt-1", "bob", decimal.NewFromInt(3)))
	require.NoError(t, c.Refund(ctx, "rcpt-1"))
	require.Equal(t, []string{"/v1/releases", "/v1/receipts/rcpt-1/refund"}, paths)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"server error", http.StatusBadGateway, domain.ErrLedgerUnavailable},
		{"throttled", http.StatusTooManyRequests, domain.ErrLedgerUnavailable},
		{"insufficient funds", http.StatusUnprocessableEntity, domain.ErrLedgerRejected},
		{"forbidden", http.StatusForbidden, domain.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			})
			err := c.Release(context.Background(), "k", "r", "u", decimal.NewFromInt(1))
			require.ErrorIs(t, err, tt.want)
			require.Equal(t, tt.status >= 500 || tt.status == 429, domain.Retryable(err))
		})
	}
}

func TestUnreachableLedgerIsRetryable(t *testing.T) {
	c := New("http://127.0.0.1:1", 200*time.Millisecond, nil)
	_, err := c.Escrow(context.Background(), "k", "alice", decimal.NewFromInt(1))
	require.ErrorIs(t, err, domain.ErrLedgerUnavailable)
}

func TestEmptyReceiptIsRetryable(t *testing.T) {
	c, _ := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	_, err := c.Escrow(context.Background(), "k", "alice", decimal.NewFromInt(1))
	require.ErrorIs(t, err, domain.ErrLedgerUnavailable)
}
