package crypto

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
)

// ChecksumLength is the number of digest bytes kept for per-chunk checksums.
// 8 bytes (64 bits) is enough to make silent corruption vanishingly unlikely
// while keeping the per-chunk wire overhead small.
const ChecksumLength = 8

// ChunkChecksum returns a truncated BLAKE2b-256 digest of the chunk bytes,
// hex-encoded. It is used both for per-chunk integrity and for the quick
// first-chunk identity hash carried in file metadata.
func ChunkChecksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:ChecksumLength])
}

// VerifyChecksum reports whether the chunk bytes match the expected truncated
// checksum. Comparison is constant-time.
func VerifyChecksum(data []byte, expected string) bool {
	actual := ChunkChecksum(data)
	if len(actual) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) == 1
}

// FileHasher accumulates a whole-file BLAKE2b-256 digest chunk by chunk.
type FileHasher struct {
	h hash.Hash
}

// NewFileHasher creates a hasher for a file's final integrity digest.
func NewFileHasher() (*FileHasher, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, fmt.Errorf("create file hasher: %w", err)
	}
	return &FileHasher{h: h}, nil
}

// Write feeds chunk bytes into the digest.
func (f *FileHasher) Write(data []byte) {
	// hash.Hash.Write never returns an error
	f.h.Write(data)
}

// Sum returns the hex-encoded digest of everything written so far.
func (f *FileHasher) Sum() string {
	return hex.EncodeToString(f.h.Sum(nil))
}

// FileHash returns the hex-encoded BLAKE2b-256 digest of the full content.
func FileHash(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
