// Package validation checks the names configuration maps use for models,
// tasks, and memories. Names end up in filesystem paths (model download
// cache directories, in-process index files) and in log labels, so they
// must be single, traversal-free path segments. The package has no
// dependencies on other internal packages to avoid import cycles.
package validation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidName indicates a configured name is empty, malformed, or
// attempts path traversal.
var ErrInvalidName = errors.New("invalid name")

// Name checks that a configured model/task/memory name is safe for use as a
// single filesystem path segment. Returns the cleaned name and an error if
// validation fails.
func Name(name string) (string, error) {
	if name == "" {
		return "", ErrInvalidName
	}

	// Names must be a single path segment.
	if name == "." || name == ".." {
		return "", ErrInvalidName
	}
	if strings.ContainsAny(name, `/\`) {
		return "", ErrInvalidName
	}

	clean := filepath.Clean(name)
	if clean != name ||
		strings.HasPrefix(clean, "..") ||
		strings.Contains(clean, string(os.PathSeparator)+"..") ||
		filepath.IsAbs(clean) {
		return "", ErrInvalidName
	}

	return clean, nil
}
