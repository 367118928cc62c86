package storage

import (
	"fmt"
	"regexp"
)

var keyRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateKey rejects keys that could escape a file-backed store.
func ValidateKey(key string) error {
	if !keyRegex.MatchString(key) {
		return fmt.Errorf("invalid key %q", key)
	}
	return nil
}
