package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
)

// ErrEmptyAlphabet indicates code generation was asked to draw from nothing.
var ErrEmptyAlphabet = errors.New("alphabet must not be empty")

// RandomCode draws length symbols uniformly from alphabet using the
// cryptographic random source. Rejection sampling keeps the draw unbiased
// for alphabets whose size does not divide 256.
func RandomCode(alphabet string, length int) (string, error) {
	if len(alphabet) == 0 {
		return "", ErrEmptyAlphabet
	}
	if length <= 0 {
		return "", fmt.Errorf("code length must be positive, got %d", length)
	}

	// Largest multiple of len(alphabet) that fits in a byte; bytes at or
	// above this bound are redrawn.
	bound := 256 - (256 % len(alphabet))

	code := make([]byte, 0, length)
	buf := make([]byte, 1)
	for len(code) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		if int(buf[0]) >= bound {
			continue
		}
		code = append(code, alphabet[int(buf[0])%len(alphabet)])
	}

	return string(code), nil
}
