package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SecureJoin joins path elements under base and rejects results that escape
// base through traversal.
//
// Example usage:
//
//	entryPath, err := SecureJoin("/var/cache/pixelcache", key[:2], key+".cache")
//	if err != nil {
//		return err
//	}
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) &&
		fullPath != cleanBase {
		return "", fmt.Errorf("path escapes base directory %s", base)
	}

	return fullPath, nil
}

// IsHexKey reports whether s is a non-empty lowercase hex string, the shape
// of every cache key. Keys of any other shape are never used as file names.
func IsHexKey(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
