package utils

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

var ErrEmptyPath = errors.New("path cannot be empty")

// ResolvePath expands a leading "~" and returns a clean absolute path.
func ResolvePath(path string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}

	if path == "~" || strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", errors.New("failed to retrieve home directory")
		}
		path = filepath.Join(homeDir, path[1:])
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	return filepath.Clean(absPath), nil
}

// EnsureParent creates the parent directory of path.
func EnsureParent(path string) error {
	return EnsureDir(filepath.Dir(path))
}

// EnsureDir creates path and any missing parents.
func EnsureDir(path string) error {
	if DirExists(path) {
		return nil
	}
	return os.MkdirAll(path, 0o755)
}

// DirExists reports whether path is an existing directory (symlinks followed).
func DirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// FileExists reports whether path exists and is not a directory.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// PathExists reports whether anything, including a dangling symlink, exists at path.
func PathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
