package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrEmptyPassword is returned when hashing an empty operator password.
var ErrEmptyPassword = errors.New("password is required")

// HashPassword hashes the operator password. Costs outside bcrypt's range are
// clamped rather than rejected so a bad AUTH_BCRYPT_COST cannot block the CLI.
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	switch {
	case cost < bcrypt.MinCost:
		cost = bcrypt.DefaultCost
	case cost > bcrypt.MaxCost:
		cost = bcrypt.MaxCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// ComparePassword verifies a password against its hashed value.
func ComparePassword(hashed, plain string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain))
}

// ValidateHash reports whether hashed is a usable bcrypt hash and returns its cost.
func ValidateHash(hashed string) (int, error) {
	cost, err := bcrypt.Cost([]byte(hashed))
	if err != nil {
		return 0, fmt.Errorf("invalid admin password hash: %w", err)
	}
	return cost, nil
}
