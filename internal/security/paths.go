// Package security guards the places where request input becomes a file
// path: stored run images and program names.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned for paths that would leave their root.
var ErrPathTraversal = errors.New("path escapes its directory")

// ResolveWithin joins the slash-separated relative path rel onto root and
// returns the result, refusing anything that would land outside root,
// including through a symlink inside root.
func ResolveWithin(root, rel string) (string, error) {
	if rel == "" || strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, rel)
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) {
		return "", fmt.Errorf("%w: %q is absolute", ErrPathTraversal, rel)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	full := filepath.Join(absRoot, filepath.FromSlash(rel))
	if !within(absRoot, full) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, rel)
	}

	// Symlinks are only followed when both ends exist.
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return full, nil
	}
	realFull, err := filepath.EvalSymlinks(full)
	if err != nil {
		return full, nil
	}
	if !within(realRoot, realFull) {
		return "", fmt.Errorf("%w: %q resolves outside %s", ErrPathTraversal, rel, root)
	}
	return full, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// maxFilenameLen bounds sanitized names.
const maxFilenameLen = 128

// SanitizeFilename maps s onto [A-Za-z0-9._-], collapsing runs of other
// characters into one underscore and trimming leading and trailing dots and
// underscores. An input with nothing left becomes "unknown".
func SanitizeFilename(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxFilenameLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
			lastUnderscore = r == '_'
		case !lastUnderscore:
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
