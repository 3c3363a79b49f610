package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Header names carried by HMAC-authenticated oracle requests.
const (
	HeaderAPIKey     = "X-Api-Key"
	HeaderTimestamp  = "X-Api-Timestamp"
	HeaderPassphrase = "X-Api-Passphrase"
	HeaderSignature  = "X-Api-Signature"
)

// HMACAuth holds API credentials for the oracle feed.
type HMACAuth struct {
	Key        string
	Secret     string // base64 encoded; used raw if it does not decode
	Passphrase string
}

// Headers returns the auth headers for a request signed now.
func (h HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt signs timestamp+method+path+body with HMAC-SHA256 and returns
// the auth headers.
func (h HMACAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderAPIKey:     h.Key,
		HeaderTimestamp:  ts,
		HeaderPassphrase: h.Passphrase,
		HeaderSignature:  h.sign(ts + method + path + body),
	}
}

// Verify reports whether sig is the signature of the given request at ts.
func (h HMACAuth) Verify(method, path, body, ts, sig string) bool {
	want := h.sign(ts + method + path + body)
	return hmac.Equal([]byte(want), []byte(sig))
}

func (h HMACAuth) sign(message string) string {
	secret, err := base64.StdEncoding.DecodeString(h.Secret)
	if err != nil {
		secret = []byte(h.Secret)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String redacts the credentials for logging.
func (h HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
