package password

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrEmpty is returned when hashing an empty secret.
var ErrEmpty = errors.New("password must not be empty")

// Hasher hashes and verifies passwords with bcrypt. The zero value uses
// bcrypt.DefaultCost.
type Hasher struct {
	Cost int
}

// NewHasher returns a Hasher with the given cost, clamped to bcrypt's range.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{Cost: cost}
}

// Hash returns the salted digest of raw.
func (h *Hasher) Hash(raw string) (string, error) {
	if raw == "" {
		return "", ErrEmpty
	}
	cost := bcrypt.DefaultCost
	if h != nil && h.Cost != 0 {
		cost = h.Cost
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(raw), cost)
	if err != nil {
		return "", err
	}
	return string(digest), nil
}

// Verify reports whether raw matches digest. bcrypt compares in constant time.
func (h *Hasher) Verify(raw, digest string) bool {
	if raw == "" || digest == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(raw)) == nil
}
