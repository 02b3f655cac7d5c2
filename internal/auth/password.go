package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const DefaultCost = 10

type PasswordHasher struct {
	cost int
}

func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}
	return &PasswordHasher{cost: cost}
}

// Hash returns a self-describing bcrypt digest (algorithm, cost, salt and hash).
func (h *PasswordHasher) Hash(plaintext string) (string, error) {
	const op = "auth.Hash"

	digest, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return string(digest), nil
}

// Verify reports whether plaintext matches digest. A malformed digest counts as a mismatch.
func (h *PasswordHasher) Verify(plaintext, digest string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(digest), []byte(plaintext))
	return err == nil
}
