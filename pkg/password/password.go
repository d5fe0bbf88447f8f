// Package password handles the secrets of the broker credential table:
// bcrypt hashing, matching stored entries, and strength checks for
// plaintext entries.
package password

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	passwordvalidator "github.com/wagslane/go-password-validator"
	"golang.org/x/crypto/bcrypt"
)

const (
	MinCost     = bcrypt.MinCost
	MaxCost     = bcrypt.MaxCost
	DefaultCost = 12

	// MaxLength is the bcrypt input limit.
	MaxLength = 72

	// MinEntropy is the entropy in bits a plaintext entry needs to pass ValidateStrength.
	MinEntropy = 60
)

var (
	ErrEmpty    = errors.New("password cannot be empty")
	ErrTooLong  = errors.New("password too long")
	ErrMismatch = errors.New("password does not match")

	ErrMalformedHash = errors.New("malformed bcrypt hash")
)

// IsHash reports whether a stored entry is a bcrypt hash rather than plaintext.
func IsHash(stored string) bool {
	return strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$")
}

// CheckEntry rejects entries that carry the bcrypt prefix but do not decode
// as a bcrypt hash, e.g. a hash mangled by shell or dotenv expansion.
func CheckEntry(stored string) error {
	if !strings.HasPrefix(stored, "$2") {
		return nil
	}
	if _, err := bcrypt.Cost([]byte(stored)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
	return nil
}

// Compare checks given against a stored entry. Hashes are verified with
// bcrypt, plaintext entries with a constant-time comparison.
func Compare(stored, given string) error {
	if stored == "" || given == "" {
		return ErrEmpty
	}
	if IsHash(stored) {
		if err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(given)); err != nil {
			return ErrMismatch
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(given)) != 1 {
		return ErrMismatch
	}
	return nil
}

type hashOptions struct {
	cost int
}

// HashOpt configures Hash.
type HashOpt func(*hashOptions)

// WithCost sets the bcrypt cost. Values outside MinCost..MaxCost are ignored.
func WithCost(cost int) HashOpt {
	return func(o *hashOptions) {
		if cost >= MinCost && cost <= MaxCost {
			o.cost = cost
		}
	}
}

// Hash returns a bcrypt hash suitable for the credential table.
func Hash(password string, opts ...HashOpt) (string, error) {
	if password == "" {
		return "", ErrEmpty
	}
	if len(password) > MaxLength {
		return "", ErrTooLong
	}
	o := &hashOptions{cost: DefaultCost}
	for _, opt := range opts {
		opt(o)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), o.cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// ValidateStrength reports plaintext entries below MinEntropy. Hashes always pass.
func ValidateStrength(stored string) error {
	if IsHash(stored) {
		return nil
	}
	return passwordvalidator.Validate(stored, MinEntropy)
}
