package pairing

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"

	"golang.org/x/crypto/blake2b"

	"safewatch/internal/types"
)

var pinSpace = big.NewInt(1_000_000)

// GeneratePIN returns a uniformly random zero-padded 6-digit PIN.
func GeneratePIN() (string, error) {
	n, err := rand.Int(rand.Reader, pinSpace)
	if err != nil {
		return "", fmt.Errorf("generate pin: %w", err)
	}
	return fmt.Sprintf("%0*d", types.PINLength, n.Int64()), nil
}

// Hasher derives the lookup key a PIN is stored under. PINs are never
// persisted in clear.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher keyed with key, which must be at most 64 bytes.
func NewHasher(key []byte) (*Hasher, error) {
	if len(key) > blake2b.Size {
		return nil, fmt.Errorf("pin hash key is %d bytes, max %d", len(key), blake2b.Size)
	}
	// Validate once so Hash cannot fail.
	if _, err := blake2b.New256(key); err != nil {
		return nil, fmt.Errorf("pin hash key: %w", err)
	}
	return &Hasher{key: append([]byte(nil), key...)}, nil
}

// Hash returns the hex-encoded keyed BLAKE2b-256 digest of pin.
func (h *Hasher) Hash(pin string) string {
	d, _ := blake2b.New256(h.key)
	d.Write([]byte(pin))
	return hex.EncodeToString(d.Sum(nil))
}
