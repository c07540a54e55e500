package files

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver resolves tool-supplied paths against the workspace root.
// With Restrict set, resolved paths may not escape the root.
type Resolver struct {
	Root     string
	Restrict bool
}

// Resolve returns an absolute, cleaned path. Relative paths are joined
// to the workspace root; under restriction the result may not leave it.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if !r.Restrict {
		return targetAbs, nil
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %s escapes the workspace", path)
	}
	return targetAbs, nil
}
