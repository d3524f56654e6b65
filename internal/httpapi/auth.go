package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	customerHeader         = "X-Customer-Id"
	webhookTimestampHeader = "X-Relaycrm-Timestamp"
	webhookSignatureHeader = "X-Relaycrm-Signature"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

// customerClaims are issued by the UI backend for a signed-in customer.
// The customer id is read from customerId, falling back to sub.
type customerClaims struct {
	jwt.RegisteredClaims
	CustomerID string `json:"customerId,omitempty"`
}

// identity is the customer a request acts for and how it was established.
type identity struct {
	CustomerID string
	Source     string
}

// resolveIdentity establishes the caller's customer from, in order: a bearer
// token, the X-Customer-Id header, or the customerId query parameter. A bearer
// token that is present but invalid is rejected rather than skipped.
func (s *Server) resolveIdentity(r *http.Request, now time.Time) (identity, *authError) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		customerID, err := parseCustomerBearer(authHeader, s.cfg.JWTSecret, now)
		if err != nil {
			return identity{}, err
		}
		return identity{CustomerID: customerID, Source: "bearer"}, nil
	}
	if s.cfg.AllowHeaderIdentity {
		if customerID := strings.TrimSpace(r.Header.Get(customerHeader)); customerID != "" {
			return identity{CustomerID: customerID, Source: "header"}, nil
		}
	}
	if s.cfg.AllowQueryIdentity {
		if customerID := strings.TrimSpace(r.URL.Query().Get("customerId")); customerID != "" {
			return identity{CustomerID: customerID, Source: "query"}, nil
		}
	}
	return identity{}, unauthorized("customer identity required")
}

func parseCustomerBearer(authHeader, jwtSecret string, now time.Time) (string, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", unauthorized("missing or invalid bearer token")
	}
	if jwtSecret == "" {
		return "", unauthorized("bearer authentication is not configured")
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	claims := &customerClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", unauthorized("token expired")
		}
		return "", unauthorized("invalid bearer token")
	}
	if !token.Valid {
		return "", unauthorized("invalid bearer token")
	}
	customerID := strings.TrimSpace(claims.CustomerID)
	if customerID == "" {
		customerID = strings.TrimSpace(claims.Subject)
	}
	if customerID == "" {
		return "", unauthorized("missing customerId claim")
	}
	return customerID, nil
}

// verifyWebhookHMAC checks hex(HMAC-SHA256(secret, timestamp + "\n" + body)).
func verifyWebhookHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return unauthorized("missing webhook signature headers")
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return unauthorized("invalid webhook timestamp")
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return unauthorized("webhook outside replay window")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	expectedHex := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expectedHex)) {
		return unauthorized("webhook signature mismatch")
	}
	return nil
}

// authorizeWebhook verifies a platform callback when a webhook secret is
// configured. Without one, callbacks are accepted unsigned.
func (s *Server) authorizeWebhook(r *http.Request, body []byte, now time.Time) *authError {
	if s.cfg.WebhookSecret == "" {
		return nil
	}
	timestamp := r.Header.Get(webhookTimestampHeader)
	signature := r.Header.Get(webhookSignatureHeader)
	if err := verifyWebhookHMAC(s.cfg.WebhookSecret, timestamp, signature, body, now, s.cfg.WebhookMaxSkew); err != nil {
		return err
	}
	if !s.markWebhookSeen(timestamp, signature, now) {
		return unauthorized("webhook replay detected")
	}
	return nil
}

func (s *Server) markWebhookSeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	for replayKey, expiresAt := range s.replaySeen {
		if !now.Before(expiresAt) {
			delete(s.replaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.replaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.replaySeen[key] = now.Add(s.cfg.WebhookMaxSkew)
	return true
}
