// Package pathutil holds the path predicates used before anything derived
// from untrusted input touches the filesystem.
package pathutil

import (
	"path/filepath"
	"strings"
)

// traversalMarkers are checked as plain substrings in both separator styles.
// ".." alone already covers the rest, the longer forms are listed so the
// intent survives anyone loosening the first one.
var traversalMarkers = []string{"..", "/../", "../", `..\`, `\..\`}

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

func containsTraversal(p string) bool {
	for _, m := range traversalMarkers {
		if strings.Contains(p, m) {
			return true
		}
	}
	return false
}

func looksAbsolute(p string) bool {
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return true
	}
	// drive letters are absolute on windows and nonsense in an archive anywhere
	if len(p) >= 2 && p[1] == ':' {
		return true
	}
	return filepath.IsAbs(p)
}

// IsPathSafe reports whether p, a relative path taken from an archive entry
// or similar untrusted source, is free of parent-directory traversal.
//
// The raw string is checked first, then its canonical form (backslashes
// folded to the OS separator and cleaned) is checked again so a sequence that
// only appears after resolution is still caught. Absolute paths, NUL bytes
// and the empty string are unsafe.
func IsPathSafe(p string) bool {
	if p == "" || strings.ContainsRune(p, 0) {
		return false
	}
	if containsTraversal(p) || looksAbsolute(p) {
		return false
	}

	canonical := filepath.Clean(filepath.FromSlash(strings.ReplaceAll(p, `\`, "/")))
	if canonical == "." {
		return true
	}
	if containsTraversal(canonical) || looksAbsolute(canonical) {
		return false
	}
	return true
}
