// Package auth issues and verifies the signed session tokens that prove an
// identity to both the HTTP API and the WebSocket relay, and owns the
// device-secret helpers used at registration and login.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the lifetime of a session token.
const DefaultTokenTTL = 7 * 24 * time.Hour

const issuer = "whisp"

var (
	// ErrInvalidToken covers malformed tokens, bad signatures and missing claims.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpired is returned for a well-formed token past its expiry.
	ErrExpired = errors.New("token expired")
	// ErrEmptySecret is returned when a Gate is built without a signing key.
	ErrEmptySecret = errors.New("token signing secret must not be empty")
)

// Claims is the identity carried by a session token.
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Gate signs and verifies HS256 session tokens. It holds no per-token state.
type Gate struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewGate builds a Gate signing with secret. A non-positive ttl selects DefaultTokenTTL.
func NewGate(secret string, ttl time.Duration) (*Gate, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Gate{key: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token for the identity, valid for the gate's TTL.
func (g *Gate) Issue(userID, username string) (string, error) {
	now := g.now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.key)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry and returns the token's claims.
func (g *Gate) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return g.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !parsed.Valid || claims.Username == "" || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header value.
func BearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
