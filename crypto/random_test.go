package crypto

import (
	"strings"
	"testing"
)

func TestRandomCodeLengthAndAlphabet(t *testing.T) {
	alphabet := "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	for i := 0; i < 100; i++ {
		code, err := RandomCode(alphabet, 8)
		if err != nil {
			t.Fatalf("RandomCode() error: %v", err)
		}
		if len(code) != 8 {
			t.Fatalf("RandomCode() length = %d, want 8", len(code))
		}
		for _, r := range code {
			if !strings.ContainsRune(alphabet, r) {
				t.Fatalf("RandomCode() produced %q, symbol %q outside alphabet", code, r)
			}
		}
	}
}

func TestRandomCodeUniqueness(t *testing.T) {
	// With 32^8 possibilities, any repeat in a small sample means the
	// generator is broken.
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		code, err := RandomCode("ABCDEFGHJKLMNPQRSTUVWXYZ23456789", 8)
		if err != nil {
			t.Fatalf("RandomCode() error: %v", err)
		}
		if seen[code] {
			t.Fatalf("RandomCode() repeated %q", code)
		}
		seen[code] = true
	}
}

func TestRandomCodeInvalidArguments(t *testing.T) {
	if _, err := RandomCode("", 8); err == nil {
		t.Error("RandomCode() accepted an empty alphabet")
	}
	if _, err := RandomCode("ABC", 0); err == nil {
		t.Error("RandomCode() accepted a zero length")
	}
}
