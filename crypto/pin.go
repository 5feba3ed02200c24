package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"unicode"
)

var (
	// ErrPinWrongLength indicates a PIN of the wrong length.
	ErrPinWrongLength = errors.New("pin has wrong length")
	// ErrPinNotNumeric indicates a PIN containing non-digit characters.
	ErrPinNotNumeric = errors.New("pin must contain only digits")
)

// HashPin returns the hex-encoded SHA-256 digest of the PIN. Both endpoints
// must derive the identical digest from the PIN alone, so the hash is
// deterministic and unsalted; the attempt budget and rate limiter are the
// defense against guessing, not the digest.
func HashPin(pin string) string {
	sum := sha256.Sum256([]byte(pin))
	return hex.EncodeToString(sum[:])
}

// VerifyPinHash compares two PIN digests in constant time.
func VerifyPinHash(attempt, stored string) bool {
	if len(attempt) != len(stored) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(attempt), []byte(stored)) == 1
}

// ValidatePinFormat checks that a PIN is exactly length digits.
func ValidatePinFormat(pin string, length int) error {
	if len(pin) != length {
		return fmt.Errorf("%w: got %d, want %d", ErrPinWrongLength, len(pin), length)
	}
	for _, r := range pin {
		if !unicode.IsDigit(r) {
			return ErrPinNotNumeric
		}
	}
	return nil
}
