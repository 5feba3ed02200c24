package file

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/peerbeam/peerbeam/limits"
)

func TestSanitizeFileName(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"Plain name", "report.pdf", "report.pdf"},
		{"Unix path stripped", "/etc/passwd", "passwd"},
		{"Windows path stripped", `C:\Users\victim\doc.txt`, "doc.txt"},
		{"Traversal removed", "../../secret.txt", "secret.txt"},
		{"Traversal inside name", "file..name.txt", "filename.txt"},
		{"Markup characters removed", `a<b>c"d'e.txt`, "abcde.txt"},
		{"Shell characters removed", "a&b|c?d*e.txt", "abcde.txt"},
		{"Colon removed", "12:30 notes.txt", "1230 notes.txt"},
		{"Control characters removed", "bad\x00\x1fname.txt", "badname.txt"},
		{"Unicode preserved", "résumé.pdf", "résumé.pdf"},
		{"Empty becomes fallback", "", "unnamed"},
		{"Only stripped characters", `<>:"|?*`, "unnamed"},
		{"Bare dot", ".", "unnamed"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeFileName(tc.in); got != tc.want {
				t.Errorf("SanitizeFileName(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSanitizeFileNameTruncation(t *testing.T) {
	long := strings.Repeat("a", 300) + ".txt"
	got := SanitizeFileName(long)

	if len(got) > limits.MaxFileNameLength {
		t.Errorf("SanitizeFileName() length = %d, want <= %d", len(got), limits.MaxFileNameLength)
	}
	if filepath.Ext(got) != ".txt" {
		t.Errorf("SanitizeFileName() lost the extension, got %q", filepath.Ext(got))
	}
}

func TestSanitizeFileNameTruncationRuneBoundary(t *testing.T) {
	// A run of multi-byte characters must not be cut mid-rune.
	long := strings.Repeat("é", 200) + ".txt"
	got := SanitizeFileName(long)

	if len(got) > limits.MaxFileNameLength {
		t.Errorf("SanitizeFileName() length = %d, want <= %d", len(got), limits.MaxFileNameLength)
	}
	if !strings.HasSuffix(got, ".txt") {
		t.Errorf("SanitizeFileName() lost the extension: %q", got)
	}
	for _, r := range got {
		if r == '\uFFFD' {
			t.Fatal("SanitizeFileName() split a multi-byte character")
		}
	}
}
