package util

import (
	"errors"
	"path/filepath"
	"strings"
)

var ErrOutsideDataDir = errors.New("path outside of the data directory")

// ConfinedPath resolves the file name of a transfer request under base.
// Relative names are joined with base. The cleaned result must stay inside base.
func ConfinedPath(base, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("empty file name")
	}
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(base, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(filepath.Clean(base), path)
	if err != nil {
		return "", ErrOutsideDataDir
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideDataDir
	}
	return path, nil
}
