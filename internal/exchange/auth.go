package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"okx-triarb/internal/config"
)

// Auth signs OKX v5 REST requests. Every private endpoint carries an
// HMAC-SHA256 signature over "timestamp + method + requestPath [+ body]"
// with the API secret, base64-encoded, plus the key and passphrase headers.
type Auth struct {
	apiKey     string
	secretKey  string
	passphrase string
	simulated  bool
}

// NewAuth creates an Auth instance from config.
func NewAuth(cfg config.APIConfig) *Auth {
	return &Auth{
		apiKey:     cfg.ApiKey,
		secretKey:  cfg.SecretKey,
		passphrase: cfg.Passphrase,
		simulated:  cfg.Simulated,
	}
}

// HasCredentials returns whether the full API key triplet is configured.
func (a *Auth) HasCredentials() bool {
	return a.apiKey != "" && a.secretKey != "" && a.passphrase != ""
}

// Sign computes the request signature for the given timestamp, HTTP method,
// request path (including query string) and raw body.
func (a *Auth) Sign(timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(a.secretKey))
	mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Headers generates the authentication headers for a private endpoint.
// The timestamp must be ISO 8601 with millisecond precision in UTC.
func (a *Auth) Headers(method, path, body string) map[string]string {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	headers := map[string]string{
		"OK-ACCESS-KEY":        a.apiKey,
		"OK-ACCESS-SIGN":       a.Sign(timestamp, method, path, body),
		"OK-ACCESS-TIMESTAMP":  timestamp,
		"OK-ACCESS-PASSPHRASE": a.passphrase,
	}
	if a.simulated {
		headers["x-simulated-trading"] = "1"
	}
	return headers
}
