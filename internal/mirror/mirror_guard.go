package mirror

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// Guard validates mutation targets against the managed root.
//
// A target is allowed only when, after cleaning ".." and resolving every
// symlink along the existing part of the path, it lies strictly inside the
// root, compared component by component (so "/data-evil" never matches
// "/data"), and outside the private state directory.
type Guard struct {
	root string
}

// NewGuard resolves root once. root must exist.
func NewGuard(root string) (*Guard, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("guard root %s: %w", root, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("guard root %s: %w", root, err)
	}
	return &Guard{root: resolved}, nil
}

// Root returns the resolved managed root.
func (g *Guard) Root() string {
	return g.root
}

// Resolve returns the real absolute path for p, or an error wrapping
// ErrUnsafePath. Relative paths are taken relative to the root.
func (g *Guard) Resolve(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrUnsafePath)
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: %q contains NUL", ErrUnsafePath, p)
	}

	if !filepath.IsAbs(p) {
		p = filepath.Join(g.root, p)
	}
	p = filepath.Clean(p)

	resolved, err := resolveExisting(p)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrUnsafePath, p, err)
	}

	rel, ok := relWithin(g.root, resolved)
	if !ok {
		return "", fmt.Errorf("%w: %s resolves to %s, outside %s", ErrUnsafePath, p, resolved, g.root)
	}
	if rel == "." {
		return "", fmt.Errorf("%w: %s is the managed root itself", ErrUnsafePath, p)
	}
	first, _, _ := strings.Cut(rel, string(filepath.Separator))
	if isStateDirName(first) {
		return "", fmt.Errorf("%w: %s is inside the state directory", ErrUnsafePath, p)
	}

	return resolved, nil
}

// resolveExisting resolves symlinks in the longest existing prefix of p and
// re-appends the components that do not exist yet.
func resolveExisting(p string) (string, error) {
	var missing []string
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}
		// ENOTDIR: an ancestor is a file, which the reconciler treats as a type conflict
		if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR) {
			return "", err
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
	}
}

// relWithin reports whether target is root or lies below it.
func relWithin(root, target string) (string, bool) {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", false
	}
	return rel, true
}

// isRefused reports whether err came from a Guard refusal.
func isRefused(err error) bool {
	return errors.Is(err, ErrUnsafePath)
}

// lstatKind reports what currently exists at p.
func lstatKind(p string) (exists, isDir bool, err error) {
	info, err := os.Lstat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, false, nil
		}
		return false, false, err
	}
	return true, info.IsDir(), nil
}
