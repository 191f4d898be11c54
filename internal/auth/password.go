package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const defaultHashCost = 12

// ErrPasswordMismatch indicates the supplied password does not match the
// stored hash.
var ErrPasswordMismatch = errors.New("auth: invalid password")

// PasswordHasher wraps bcrypt with an injectable cost so tests can run at
// the minimum work factor.
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher creates a hasher with the production cost.
func NewPasswordHasher() *PasswordHasher {
	return &PasswordHasher{cost: defaultHashCost}
}

// NewPasswordHasherWithCost creates a hasher with a custom cost. Intended
// for tests; bcrypt.MinCost keeps them fast.
func NewPasswordHasherWithCost(cost int) *PasswordHasher {
	return &PasswordHasher{cost: cost}
}

// Hash hashes the plaintext password. bcrypt truncates input beyond 72
// bytes, so longer passwords are rejected outright.
func (p *PasswordHasher) Hash(plaintext string) (string, error) {
	if len(plaintext) > 72 {
		return "", fmt.Errorf("auth: password must be 72 bytes or fewer")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), p.cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing password: %w", err)
	}
	return string(hashed), nil
}

// Verify reports whether plaintext matches the stored hash. Returns
// ErrPasswordMismatch on mismatch.
func (p *PasswordHasher) Verify(hash, plaintext string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrPasswordMismatch
		}
		return fmt.Errorf("auth: comparing password hash: %w", err)
	}
	return nil
}
