package task

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CanonicalDir resolves dir to an absolute, symlink-free path of an existing
// directory. Relative paths are taken from workspace when it is set. With a
// workspace, the result must lie inside it and an empty dir means the
// workspace itself.
func CanonicalDir(dir, workspace string) (string, error) {
	var root string
	if workspace != "" {
		r, err := canonical(workspace)
		if err != nil {
			return "", fmt.Errorf("%w: workspace %q: %v", ErrInvalidWorkingDirectory, workspace, err)
		}
		root = r
	}

	switch {
	case dir == "" && root == "":
		return "", fmt.Errorf("%w: no working directory given", ErrInvalidWorkingDirectory)
	case dir == "":
		dir = root
	case !filepath.IsAbs(dir) && root != "":
		dir = filepath.Join(root, dir)
	}

	resolved, err := canonical(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidWorkingDirectory, dir, err)
	}

	if root != "" && !within(root, resolved) {
		return "", fmt.Errorf("%w: %q is outside %q", ErrOutsideWorkspace, resolved, root)
	}
	return resolved, nil
}

func canonical(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory")
	}
	return resolved, nil
}

func within(root, dir string) bool {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
