// Package auth issues and validates operator tokens for the admin API.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSecret     = errors.New("jwt secret is not configured")
)

const DefaultTokenTTL = time.Hour

// Operator roles. Viewers may only read admin state.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// Claims identify an operator.
type Claims struct {
	Operator string   `json:"operator"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TokenManager signs and validates HS256 operator tokens.
type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  clockwork.Clock
}

// NewTokenManager creates a manager. A zero ttl uses DefaultTokenTTL.
func NewTokenManager(secret, issuer string, ttl time.Duration, clock clockwork.Clock) *TokenManager {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TokenManager{secret: []byte(secret), issuer: issuer, ttl: ttl, clock: clock}
}

// Issue creates a signed token for operator.
func (tm *TokenManager) Issue(operator string, roles []string) (string, error) {
	if len(tm.secret) == 0 {
		return "", ErrNoSecret
	}
	now := tm.clock.Now()
	claims := Claims{
		Operator: operator,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			Issuer:    tm.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(tm.secret)
}

// Validate parses a token and returns its claims. Every failure wraps
// ErrInvalidToken.
func (tm *TokenManager) Validate(tokenString string) (*Claims, error) {
	if len(tm.secret) == 0 {
		return nil, ErrNoSecret
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tm.issuer),
		jwt.WithTimeFunc(tm.clock.Now),
	)
	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return tm.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
