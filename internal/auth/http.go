// ABOUTME: HTTP helpers that authenticate agent WebSocket upgrades
// ABOUTME: The bearer token must be signed with the shared secret for the requested tenant

package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrMissingToken is returned when a request carries no usable bearer token.
var ErrMissingToken = errors.New("missing bearer token")

// extractBearerToken extracts a bearer token from the Authorization header.
func extractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", fmt.Errorf("%w: missing authorization header", ErrMissingToken)
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", fmt.Errorf("%w: invalid authorization header format", ErrMissingToken)
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrMissingToken)
	}
	return token, nil
}

// AuthenticateAgent checks the request's bearer token against tenantID.
func (v *JWTVerifier) AuthenticateAgent(r *http.Request, tenantID string) error {
	token, err := extractBearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return err
	}
	return v.VerifyTenant(token, tenantID)
}

// StatusFor maps an authentication error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrTenantMismatch):
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

// BearerHeader returns an Authorization header carrying token.
func BearerHeader(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}
