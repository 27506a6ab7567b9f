// Package auth verifies gateway bearer tokens. Tokens are standard JWTs
// signed either with a shared HS256 secret or, preferred, an RS256 key
// pair whose public half is configured on the gateway.
package auth

import (
	"crypto/rsa"
	"fmt"
	"os"
	"time"

	"localmesh/domain"
	"localmesh/helpers"
	"localmesh/interfaces"
	"localmesh/service"

	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims is the JWT payload carried by platform tokens.
type tokenClaims struct {
	UserID        string   `json:"userId,omitempty"`
	Email         string   `json:"email,omitempty"`
	FullName      string   `json:"fullName,omitempty"`
	Roles         []string `json:"roles,omitempty"`
	EmailVerified bool     `json:"emailVerified,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens and extracts the principal.
type Verifier struct {
	parser *jwt.Parser
	keyFor jwt.Keyfunc
}

// NewHS256Verifier creates a Verifier for tokens signed with the shared
// symmetric secret. Panics on empty secret or nil clock.
func NewHS256Verifier(secret []byte, clock interfaces.Clock) *Verifier {
	secret = helpers.NilPanic(secret, "auth.token.go: secret is required")
	return newVerifier("HS256", func(*jwt.Token) (any, error) { return secret, nil }, clock)
}

// NewRS256Verifier creates a Verifier for tokens signed with the platform
// RSA key pair. Panics on nil public key or clock.
func NewRS256Verifier(pub *rsa.PublicKey, clock interfaces.Clock) *Verifier {
	pub = helpers.NilPanic(pub, "auth.token.go: public key is required")
	return newVerifier("RS256", func(*jwt.Token) (any, error) { return pub, nil }, clock)
}

func newVerifier(method string, keyFor jwt.Keyfunc, clock interfaces.Clock) *Verifier {
	clock = helpers.NilPanic(clock, "auth.token.go: clock is required")
	return &Verifier{
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{method}),
			jwt.WithTimeFunc(clock.Now),
		),
		keyFor: keyFor,
	}
}

// LoadRSAPublicKey reads a PEM-encoded RSA public key from path.
func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key %s: %w", path, err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse public key %s: %w", path, err)
	}
	return pub, nil
}

// Verify validates the raw token and returns the principal. Every failure
// (wrong signature, wrong algorithm, expiry, malformed payload) maps to an
// auth_error; the gateway never retries on it.
func (v *Verifier) Verify(token string) (domain.Principal, error) {
	var claims tokenClaims
	parsed, err := v.parser.ParseWithClaims(token, &claims, v.keyFor)
	if err != nil {
		return domain.Principal{}, service.NewAuthError("invalid or expired token", err)
	}
	if !parsed.Valid {
		return domain.Principal{}, service.NewAuthError("invalid or expired token", nil)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return domain.Principal{}, service.NewAuthError("token carries no user identity", nil)
	}
	return domain.Principal{
		UserID:        userID,
		Email:         claims.Email,
		FullName:      claims.FullName,
		Roles:         claims.Roles,
		EmailVerified: claims.EmailVerified,
	}, nil
}

// SignHS256 builds a token in the platform format with the shared secret.
// The gateway only verifies tokens; signing is used in tests and by the
// external user service.
func SignHS256(p domain.Principal, secret []byte, issuedAt, expiresAt time.Time) (string, error) {
	return sign(p, jwt.SigningMethodHS256, secret, issuedAt, expiresAt)
}

// SignRS256 builds a token with the platform RSA private key. See SignHS256.
func SignRS256(p domain.Principal, key *rsa.PrivateKey, issuedAt, expiresAt time.Time) (string, error) {
	return sign(p, jwt.SigningMethodRS256, key, issuedAt, expiresAt)
}

func sign(p domain.Principal, method jwt.SigningMethod, key any, issuedAt, expiresAt time.Time) (string, error) {
	claims := tokenClaims{
		UserID:        p.UserID,
		Email:         p.Email,
		FullName:      p.FullName,
		Roles:         p.Roles,
		EmailVerified: p.EmailVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	return jwt.NewWithClaims(method, claims).SignedString(key)
}
