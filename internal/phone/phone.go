// Package phone canonicalizes mobile numbers. Every downstream component
// (rate limiting, challenge lookup, audit) keys off the canonical form, so
// the same physical number always maps to the same identifier.
package phone

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var ErrInvalidNumber = errors.New("invalid mobile number format")

const (
	minDigits = 10
	maxDigits = 15
)

// Normalizer converts free-form mobile number input into canonical
// +<countrycode><digits> form.
type Normalizer struct {
	defaultCountryCode string
}

func NewNormalizer(defaultCountryCode string) *Normalizer {
	return &Normalizer{
		defaultCountryCode: strings.TrimPrefix(defaultCountryCode, "+"),
	}
}

// Normalize strips everything but digits, validates the digit count and
// applies the default country code when the number lacks one. Idempotent:
// normalizing an already canonical number returns it unchanged.
func (n *Normalizer) Normalize(raw string) (string, error) {
	input := strings.TrimSpace(raw)
	if input == "" {
		return "", ErrInvalidNumber
	}

	hadPlus := strings.HasPrefix(input, "+")

	var digits strings.Builder
	for _, r := range input {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}

	cleaned := digits.String()
	if len(cleaned) < minDigits || len(cleaned) > maxDigits {
		return "", ErrInvalidNumber
	}

	// A "+" prefix or an existing country-code prefix means the number is
	// already international; otherwise prepend the configured default.
	if !hadPlus && !strings.HasPrefix(cleaned, n.defaultCountryCode) {
		cleaned = n.defaultCountryCode + cleaned
	}
	if len(cleaned) > maxDigits {
		return "", ErrInvalidNumber
	}

	return "+" + cleaned, nil
}

// Hash returns the SHA-256 hex digest of a canonical number. Used as the
// rate-limit and audit key so raw numbers never become cache keys or log
// fields.
func Hash(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
