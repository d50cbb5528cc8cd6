// ABOUTME: JWT tokens that prove an agent holds the shared secret for a tenant
// ABOUTME: Uses HS256 signing; the tenant ID travels in the "sub" claim

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token expired")
	ErrMissingClaim   = errors.New("missing required claim")
	ErrTenantMismatch = errors.New("token subject does not match tenant")
)

// DefaultTokenLifetime is how long agent-issued tokens stay valid.
const DefaultTokenLifetime = 5 * time.Minute

// JWTVerifier issues and verifies HS256 signed agent tokens. It satisfies
// transport.Authenticator through AuthenticateAgent.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and extracts the tenant ID from the "sub" claim
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return sub, nil
}

// VerifyTenant validates the token and requires its subject to be tenantID.
func (v *JWTVerifier) VerifyTenant(tokenString, tenantID string) error {
	sub, err := v.Verify(tokenString)
	if err != nil {
		return err
	}
	if sub != tenantID {
		return ErrTenantMismatch
	}
	return nil
}

// Generate creates a new JWT token for the given tenant ID with expiration
func (v *JWTVerifier) Generate(tenantID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": tenantID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
