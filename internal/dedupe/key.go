// ABOUTME: Builds dedupe keys for agent payloads from tenant, filename, and content
// ABOUTME: Content is hashed so keys stay small regardless of payload size

package dedupe

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// PayloadKey returns the dedupe key for a file payload sent by a tenant's agent.
// The same file name with different content yields a different key.
func PayloadKey(tenantID, filename string, content []byte) string {
	sum := blake2b.Sum256(content)
	return tenantID + "\x00" + filename + "\x00" + hex.EncodeToString(sum[:16])
}
