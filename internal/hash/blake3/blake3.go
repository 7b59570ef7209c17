// Package blake3 provides BLAKE3 content hashing, a faster alternative to
// SHA-256 for large archives.
package blake3

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Name identifies this algorithm in configuration.
const Name = "blake3"

// Hasher implements crawler.Hasher using 256-bit BLAKE3.
type Hasher struct{}

// New returns a BLAKE3 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
