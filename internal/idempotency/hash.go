package idempotency

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// HashCredential derives the auth_hash for a credential. Records are
// scoped by it so two callers never share a key space.
func HashCredential(credential string) string {
	sum := blake3.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}
