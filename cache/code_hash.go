package cache

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Hasher derives store keys from authorization codes and refresh tokens.
// With a secret the hash is keyed, so a leaked shared store cannot be used to
// confirm guessed codes.
type Hasher struct {
	key []byte
}

// NewHasher creates a Hasher. An empty secret yields a plain BLAKE2b-256 hash.
func NewHasher(secret string) *Hasher {
	if secret == "" {
		return &Hasher{}
	}

	k := blake2b.Sum256([]byte(secret))

	return &Hasher{key: k[:]}
}

// Hash returns the hex encoded digest of value.
func (h *Hasher) Hash(value string) string {
	if h == nil || len(h.key) == 0 {
		sum := blake2b.Sum256([]byte(value))
		return hex.EncodeToString(sum[:])
	}

	// New256 only fails for keys longer than 64 bytes; ours is always 32.
	mac, _ := blake2b.New256(h.key)
	mac.Write([]byte(value))

	return hex.EncodeToString(mac.Sum(nil))
}

// Short returns a log-safe prefix of the hash of value.
func (h *Hasher) Short(value string) string {
	return h.Hash(value)[:12]
}
