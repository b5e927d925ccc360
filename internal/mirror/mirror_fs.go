package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/openmined/boxmirror/internal/utils"
)

// downloads below this size are not progress-reported
const progressThreshold = 4 * 1024 * 1024

// components splits the part of target below the guard root into its names.
func (r *Reconciler) components(target string) []string {
	rel, ok := relWithin(r.guard.Root(), target)
	if !ok || rel == "." {
		return nil
	}
	return strings.Split(rel, string(filepath.Separator))
}

// remotePathOf maps a local path below the root back to its "/"-rooted form.
func (r *Reconciler) remotePathOf(local string) string {
	rel, ok := relWithin(r.guard.Root(), local)
	if !ok || rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

// obstructed reports whether making target a node of the wanted type would
// first require removing something: a non-directory ancestor, or a node of
// the other type at target itself.
func (r *Reconciler) obstructed(target string, wantDir bool) (bool, error) {
	cur := r.guard.Root()
	names := r.components(target)
	for i, name := range names {
		cur = filepath.Join(cur, name)
		exists, isDir, err := lstatKind(cur)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, nil
		}
		last := i == len(names)-1
		if !last && !isDir {
			return true, nil
		}
		if last && isDir != wantDir {
			return true, nil
		}
	}
	return false, nil
}

// prepare makes every ancestor of target a directory and clears target if it
// holds a node of the other type. Anything in the way is a type conflict: it
// is removed first, then replaced. When wantDir is true target itself is
// created too.
func (r *Reconciler) prepare(target string, wantDir bool, remoteID string) error {
	cur := r.guard.Root()
	names := r.components(target)
	if len(names) == 0 {
		return fmt.Errorf("%w: %s", ErrUnsafePath, target)
	}

	for i, name := range names {
		cur = filepath.Join(cur, name)
		last := i == len(names)-1

		exists, isDir, err := lstatKind(cur)
		if err != nil {
			return err
		}

		if exists && isDir != (wantDir || !last) {
			if err := r.evict(cur, remoteID, isDir, wantDir || !last); err != nil {
				return err
			}
			exists = false
		}

		if !exists && (wantDir || !last) {
			if err := os.Mkdir(cur, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
				return fmt.Errorf("failed to create directory %s: %w", cur, err)
			}
		}
	}
	return nil
}

// evict removes the node at local, which has the wrong type, and forgets
// every record other than remoteID that lived there.
func (r *Reconciler) evict(local, remoteID string, wasDir, wantDir bool) error {
	if _, err := r.guard.Resolve(local); err != nil {
		return err
	}

	r.logger.Warn("mirror", "op", "TypeConflict", "path", local, "local_dir", wasDir, "remote_dir", wantDir)
	if err := os.RemoveAll(local); err != nil {
		return fmt.Errorf("%w: remove %s: %w", ErrTypeConflict, local, err)
	}

	n, err := r.index.Evict(r.remotePathOf(local), remoteID)
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Debug("mirror", "op", "TypeConflict", "path", local, "evicted", n)
	}
	return nil
}

// download streams remoteID into a temp file in the state directory, then
// renames it over target. target's parent must already exist.
func (r *Reconciler) download(ctx context.Context, remoteID, target string) (int64, error) {
	content, err := r.content.FetchFileContent(ctx, remoteID)
	if err != nil {
		return 0, transportErr(err)
	}
	if content == nil || content.Body == nil {
		return 0, fmt.Errorf("%w: no content for %s", ErrTransport, remoteID)
	}
	defer content.Body.Close()

	if err := utils.EnsureDir(r.tempDir); err != nil {
		return 0, fmt.Errorf("failed to ensure temp directory: %w", err)
	}
	tempFile, err := os.CreateTemp(r.tempDir, "download-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	var src io.Reader = &ctxReader{ctx: ctx, r: content.Body}
	if content.Size >= progressThreshold {
		src = &progressReader{r: src, total: content.Size, logger: r.logger, path: target}
	}

	written, err := io.Copy(tempFile, src)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return written, ctxErr
		}
		return written, fmt.Errorf("%w: read content of %s: %w", ErrTransport, remoteID, err)
	}
	if content.Size > 0 && written != content.Size {
		return written, fmt.Errorf("%w: short read of %s, got %d of %d bytes", ErrTransport, remoteID, written, content.Size)
	}

	if err := tempFile.Sync(); err != nil {
		return written, fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return written, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tempPath, target); err != nil {
		return written, fmt.Errorf("failed to rename temp file to %s: %w", target, err)
	}

	success = true
	return written, nil
}

// ctxReader stops a copy as soon as ctx is done, even when the body does not.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

type progressReader struct {
	r       io.Reader
	logger  *slog.Logger
	path    string
	total   int64
	read    int64
	lastPct int
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)

	pct := int(p.read * 100 / p.total)
	if pct/10 > p.lastPct/10 || (err == io.EOF && pct != p.lastPct) {
		p.lastPct = pct
		p.logger.Debug("mirror", "op", "Download", "status", "Downloading", "path", p.path,
			"progress", fmt.Sprintf("%d%%", pct),
			"size", fmt.Sprintf("%s / %s", humanize.Bytes(uint64(p.read)), humanize.Bytes(uint64(p.total))))
	}
	return n, err
}
