package file

import (
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/peerbeam/peerbeam/limits"
)

// fallbackFileName is used when sanitization removes every character.
const fallbackFileName = "unnamed"

// SanitizeFileName makes a peer-declared file name safe to show and to save:
// directory components and traversal sequences are stripped, control
// characters and characters usable for markup or shell injection are
// removed, and the result is capped to the file name length limit while
// preserving the extension.
func SanitizeFileName(name string) string {
	// Only the base name survives; the peer does not choose directories.
	name = strings.ReplaceAll(name, "\\", "/")
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.ReplaceAll(name, "..", "")

	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			continue
		}
		switch r {
		case '<', '>', '"', '\'', '`', '&', ':', '|', '?', '*':
			continue
		}
		b.WriteRune(r)
	}
	name = strings.TrimSpace(b.String())

	if name == "" || name == "." {
		name = fallbackFileName
	}

	if len(name) > limits.MaxFileNameLength {
		name = truncateName(name, limits.MaxFileNameLength)
	}

	return name
}

// truncateName caps the name to max bytes, keeping the extension and
// avoiding a split inside a multi-byte rune.
func truncateName(name string, max int) string {
	ext := filepath.Ext(name)
	if len(ext) >= max {
		ext = ""
	}

	base := name[:len(name)-len(ext)]
	keep := max - len(ext)
	// Back up to a rune boundary so the cut never splits a character.
	for keep > 0 && !utf8.RuneStart(base[keep]) {
		keep--
	}

	return base[:keep] + ext
}
