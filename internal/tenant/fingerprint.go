// ABOUTME: Log-safe fingerprints for tenant identifiers
// ABOUTME: Tenant IDs double as capability tokens and must never be logged raw

package tenant

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// fingerprintSize is the digest length in bytes (16 hex characters).
const fingerprintSize = 8

// Fingerprint returns a short, stable, non-reversible label for a tenant ID.
// Empty input yields "-" so log lines stay aligned.
func Fingerprint(tenantID string) string {
	if tenantID == "" {
		return "-"
	}
	h, err := blake2b.New(fingerprintSize, nil)
	if err != nil {
		// Only possible for an invalid size or key.
		panic("tenant: blake2b init: " + err.Error())
	}
	_, _ = h.Write([]byte(tenantID))
	return hex.EncodeToString(h.Sum(nil))
}
