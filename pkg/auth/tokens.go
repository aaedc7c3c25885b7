// Package auth provides credential minting and verification for the relay:
// JWT access/refresh pairs and Telegram Mini App identity assertions.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidCredential is returned when a token fails signature, expiry,
	// or claim validation.
	ErrInvalidCredential = errors.New("invalid credential")
)

// Token use claims, distinguishing the two halves of a pair so a refresh
// token can never be replayed as an access token.
const (
	useAccess  = "access"
	useRefresh = "refresh"
)

// TokenConfig holds the signing parameters for issued credentials.
type TokenConfig struct {
	Secret     []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenPair is the credential handed to an authenticated client. The relay
// never stores it server-side; a pair is minted fresh per successful pairing
// redemption or password login.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type relayClaims struct {
	Use string `json:"use"`
	jwt.RegisteredClaims
}

// TokenManager mints and verifies credential pairs. Safe for concurrent use;
// the config is immutable after construction.
type TokenManager struct {
	config TokenConfig
}

// NewTokenManager validates the config and returns a manager.
func NewTokenManager(config TokenConfig) (*TokenManager, error) {
	if len(config.Secret) < 32 {
		return nil, fmt.Errorf("token secret must be at least 32 bytes, got %d", len(config.Secret))
	}
	if config.AccessTTL <= 0 {
		config.AccessTTL = 15 * time.Minute
	}
	if config.RefreshTTL <= 0 {
		config.RefreshTTL = 30 * 24 * time.Hour
	}
	return &TokenManager{config: config}, nil
}

// Issue mints a fresh access/refresh pair for the given user.
func (m *TokenManager) Issue(userID string) (TokenPair, error) {
	now := time.Now()
	accessExpiry := now.Add(m.config.AccessTTL)

	access, err := m.sign(userID, useAccess, now, accessExpiry)
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to sign access token: %w", err)
	}

	refresh, err := m.sign(userID, useRefresh, now, now.Add(m.config.RefreshTTL))
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    accessExpiry,
	}, nil
}

// VerifyAccess validates an access token and returns the user it names.
// Expired, malformed, wrongly-signed, and refresh-typed tokens all fail with
// ErrInvalidCredential.
func (m *TokenManager) VerifyAccess(token string) (string, error) {
	return m.verify(token, useAccess)
}

// VerifyRefresh validates a refresh token and returns the user it names.
func (m *TokenManager) VerifyRefresh(token string) (string, error) {
	return m.verify(token, useRefresh)
}

func (m *TokenManager) sign(userID, use string, issuedAt, expiresAt time.Time) (string, error) {
	claims := relayClaims{
		Use: use,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.config.Secret)
}

func (m *TokenManager) verify(token, use string) (string, error) {
	claims := &relayClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.config.Secret, nil
	},
		jwt.WithIssuer(m.config.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if claims.Use != use {
		return "", fmt.Errorf("%w: token is not a %s token", ErrInvalidCredential, use)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidCredential)
	}
	return claims.Subject, nil
}
