package auth

import (
	"errors"
	"fmt"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLen = 8
	maxPasswordLen = 100
)

// HashPassword hashes a plaintext secret using bcrypt at the given cost.
// Pass 0 to use bcrypt.DefaultCost.
func HashPassword(password string, cost int) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext secret against the stored hash. The
// outcome is deliberately boolean-shaped: a mismatch and a malformed hash are
// indistinguishable to the caller.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// ValidatePasswordPolicy enforces the registration complexity rules: length
// bounds plus at least one uppercase letter, one lowercase letter, and one
// digit.
func ValidatePasswordPolicy(password string) error {
	if len(password) < minPasswordLen {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLen)
	}
	if len(password) > maxPasswordLen {
		return fmt.Errorf("%w: password must be at most %d characters", ErrInvalidInput, maxPasswordLen)
	}
	var upper, lower, digit bool
	for _, c := range password {
		switch {
		case unicode.IsUpper(c):
			upper = true
		case unicode.IsLower(c):
			lower = true
		case unicode.IsDigit(c):
			digit = true
		}
	}
	if !upper {
		return fmt.Errorf("%w: password must contain an uppercase letter", ErrInvalidInput)
	}
	if !lower {
		return fmt.Errorf("%w: password must contain a lowercase letter", ErrInvalidInput)
	}
	if !digit {
		return fmt.Errorf("%w: password must contain a digit", ErrInvalidInput)
	}
	return nil
}
