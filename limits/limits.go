package limits

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	// ChunkSize is the fixed size of a file chunk on the wire (64 KiB).
	ChunkSize = 64 * 1024

	// MaxFileSize is the per-file cap (2 GiB).
	MaxFileSize = 2 * 1024 * 1024 * 1024

	// MaxSessionSize is the cap on the combined size of all files sent
	// within one session (5 GiB).
	MaxSessionSize = 5 * 1024 * 1024 * 1024

	// MaxFileNameLength is the maximum allowed file name length in bytes.
	// The value (255) matches typical filesystem limits.
	MaxFileNameLength = 255
)

// BlockedExtensions lists file extensions that are never transmitted.
// These are directly executable formats that a receiving device could run
// by accident; the filter is a transfer policy, not malware detection.
var BlockedExtensions = []string{
	".exe", ".bat", ".cmd", ".com", ".scr", ".pif", ".msi", ".vbs", ".js.exe",
}

var (
	// ErrFileEmpty indicates a zero-byte file.
	ErrFileEmpty = errors.New("file is empty")

	// ErrFileTooLarge indicates a file exceeding the per-file cap.
	ErrFileTooLarge = errors.New("file too large")

	// ErrSessionTooLarge indicates a batch exceeding the session cap.
	ErrSessionTooLarge = errors.New("session size limit exceeded")

	// ErrFileTypeBlocked indicates a file with a blocked extension.
	ErrFileTypeBlocked = errors.New("file type not allowed")

	// ErrFileNameTooLong indicates a file name exceeding MaxFileNameLength.
	ErrFileNameTooLong = errors.New("file name too long")
)

// ValidateFileSize checks a single file against the per-file cap.
// Returns an error with context including the actual and maximum sizes.
func ValidateFileSize(size int64) error {
	if size <= 0 {
		return ErrFileEmpty
	}
	if size > MaxFileSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, size, MaxFileSize)
	}
	return nil
}

// ValidateSessionSize checks the combined batch size against the session cap.
func ValidateSessionSize(total int64) error {
	if total > MaxSessionSize {
		return fmt.Errorf("%w: total %d exceeds limit %d", ErrSessionTooLarge, total, MaxSessionSize)
	}
	return nil
}

// ValidateFileType rejects files whose extension is on the blocked list.
// Matching is case-insensitive.
func ValidateFileType(name string) error {
	lower := strings.ToLower(name)
	for _, ext := range BlockedExtensions {
		if strings.HasSuffix(lower, ext) {
			return fmt.Errorf("%w: %s", ErrFileTypeBlocked, filepath.Ext(lower))
		}
	}
	return nil
}

// ValidateFileName checks the declared name length against MaxFileNameLength.
func ValidateFileName(name string) error {
	if len(name) > MaxFileNameLength {
		return fmt.Errorf("%w: %d bytes exceeds limit %d", ErrFileNameTooLong, len(name), MaxFileNameLength)
	}
	return nil
}
