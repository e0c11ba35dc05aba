// Package sha256 hashes dedup fingerprint keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/trendradar/internal/trend"
)

// Hasher implements trend.Hasher with a hex SHA-256 digest.
type Hasher struct{}

var _ trend.Hasher = Hasher{}

// New returns a SHA-256 hasher.
func New() Hasher {
	return Hasher{}
}

// Hash returns the hex digest of data.
func (Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
