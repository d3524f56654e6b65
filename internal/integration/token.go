package integration

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const DefaultTokenTTL = 2 * time.Hour

// CustomerClaims identify the end customer a platform request acts for.
type CustomerClaims struct {
	jwt.RegisteredClaims
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// TokenMinter signs short-lived per-customer tokens with the workspace secret.
type TokenMinter struct {
	workspaceKey string
	secret       []byte
	ttl          time.Duration
	now          func() time.Time
}

func NewTokenMinter(workspaceKey, secret string, ttl time.Duration) (*TokenMinter, error) {
	workspaceKey = strings.TrimSpace(workspaceKey)
	if workspaceKey == "" || strings.TrimSpace(secret) == "" {
		return nil, errors.New("integration workspace key and secret are required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenMinter{
		workspaceKey: workspaceKey,
		secret:       []byte(secret),
		ttl:          ttl,
		now:          time.Now,
	}, nil
}

func (m *TokenMinter) Mint(customerID, customerName string) (string, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return "", ErrInvalidInput
	}
	now := m.now()
	claims := CustomerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.workspaceKey,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		ID:   customerID,
		Name: customerName,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(m.secret)
}

// Parse verifies a token minted by m and returns its claims.
func (m *TokenMinter) Parse(token string) (*CustomerClaims, error) {
	claims := &CustomerClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithIssuer(m.workspaceKey),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
