// Package naming derives stable VM identifiers from project directories.
package naming

import (
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	// Prefix is prepended to every per-project VM identifier.
	Prefix = "agent-vm-"

	// maxSlugLength keeps identifiers short enough for engine socket paths.
	maxSlugLength = 24
	// hashBytes is the digest length appended to the slug (48 bits).
	hashBytes = 6
	// fallbackSlug is used when a basename sanitizes to nothing (e.g. "/").
	fallbackSlug = "root"
)

var (
	unsafeCharRegex  = regexp.MustCompile(`[^a-z0-9]+`)
	multiHyphenRegex = regexp.MustCompile(`-+`)
)

// domainKey separates these digests from any other use of BLAKE3 keyed
// hashing. Changing it renames every VM.
var domainKey = [32]byte{
	'a', 'g', 'e', 'n', 't', '-', 'v', 'm', '.', 'n', 'a', 'm', 'e', 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Name returns the VM identifier for the directory at path:
// Prefix + sanitized basename + "-" + short hash of the cleaned path.
// The path is expected to be absolute; Name does not consult the working
// directory, so identical inputs always yield identical identifiers.
func Name(path string) string {
	clean := filepath.Clean(path)
	return Prefix + Slug(filepath.Base(clean)) + "-" + Hash(clean)
}

// Slug converts a directory basename into a lowercase identifier fragment.
func Slug(base string) string {
	s := strings.ToLower(base)
	s = unsafeCharRegex.ReplaceAllString(s, "-")
	s = multiHyphenRegex.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSlugLength {
		s = strings.TrimRight(s[:maxSlugLength], "-")
	}
	if s == "" {
		return fallbackSlug
	}
	return s
}

// Hash returns the hex-encoded keyed BLAKE3 digest prefix of path.
func Hash(path string) string {
	h, err := blake3.NewKeyed(domainKey[:])
	if err != nil {
		// NewKeyed only fails on a key that is not 32 bytes.
		panic("blake3 keyed hasher: " + err.Error())
	}
	_, _ = h.Write([]byte(path))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:hashBytes])
}

// IsManaged reports whether name looks like a per-project VM identifier.
func IsManaged(name string) bool {
	return strings.HasPrefix(name, Prefix)
}
