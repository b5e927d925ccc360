package mirror

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/openmined/boxmirror/internal/utils"
)

const (
	// StateDirName is the private directory inside the managed root. It is
	// never mirrored, never wiped and never a valid entry target.
	StateDirName = ".boxmirror"

	indexFileName  = "index.db"
	lockFileName   = "boxmirror.lock"
	configFileName = "config.json"
	ignoreFileName = "ignore"
	tempDirName    = "tmp"
	logsDirName    = "logs"
)

// Workspace is the on-disk layout of a managed root.
type Workspace struct {
	Root       string
	StateDir   string
	TempDir    string
	LogsDir    string
	IndexPath  string
	ConfigPath string
	IgnorePath string

	flock *flock.Flock
}

// NewWorkspace resolves root to an absolute, symlink-free path. The
// directory does not need to exist yet; Setup creates it.
func NewWorkspace(root string) (*Workspace, error) {
	abs, err := utils.ResolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", root, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	stateDir := filepath.Join(abs, StateDirName)
	return &Workspace{
		Root:       abs,
		StateDir:   stateDir,
		TempDir:    filepath.Join(stateDir, tempDirName),
		LogsDir:    filepath.Join(stateDir, logsDirName),
		IndexPath:  filepath.Join(stateDir, indexFileName),
		ConfigPath: filepath.Join(stateDir, configFileName),
		IgnorePath: filepath.Join(stateDir, ignoreFileName),
		flock:      flock.New(filepath.Join(stateDir, lockFileName)),
	}, nil
}

// Setup creates the managed root and its state layout. It only ever adds
// directories, so it is safe while another process holds the lock.
func (w *Workspace) Setup() error {
	for _, dir := range []string{w.Root, w.StateDir, w.LogsDir, w.TempDir} {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	slog.Debug("workspace", "root", w.Root, "state", w.StateDir)
	return nil
}

// ClearTemp discards partial downloads left behind by an interrupted run.
// The caller must hold the lock.
func (w *Workspace) ClearTemp() error {
	if !w.Locked() {
		return ErrWorkspaceLocked
	}
	if err := os.RemoveAll(w.TempDir); err != nil {
		return fmt.Errorf("failed to clear %s: %w", w.TempDir, err)
	}
	if err := utils.EnsureDir(w.TempDir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.TempDir, err)
	}
	return nil
}

// Lock takes an exclusive, non-blocking lock on the managed root so two
// reconciliation passes never run against it concurrently.
func (w *Workspace) Lock() error {
	if err := utils.EnsureDir(w.StateDir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.StateDir, err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}
	return nil
}

// Locked reports whether this Workspace holds the lock.
func (w *Workspace) Locked() bool {
	return w.flock.Locked()
}

func (w *Workspace) Unlock() error {
	if !w.flock.Locked() {
		return nil
	}
	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock workspace: %w", err)
	}
	return os.Remove(w.flock.Path())
}

// LocalPath maps a "/"-separated remote path to its location under the root.
// The result is not validated; pass it through a Guard before mutating.
func (w *Workspace) LocalPath(remotePath string) string {
	rel := strings.TrimLeft(remotePath, "/")
	return filepath.Join(w.Root, filepath.FromSlash(rel))
}

// MirroredChildren lists the top-level entries of the root, excluding the state directory.
func (w *Workspace) MirroredChildren() ([]os.DirEntry, error) {
	entries, err := os.ReadDir(w.Root)
	if err != nil {
		return nil, err
	}

	children := entries[:0]
	for _, e := range entries {
		if isStateDirName(e.Name()) {
			continue
		}
		children = append(children, e)
	}
	return children, nil
}

func isStateDirName(name string) bool {
	return strings.EqualFold(name, StateDirName)
}
