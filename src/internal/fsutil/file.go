package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio"

	"github.com/pachyderm/datumfetch/src/internal/errors"
)

// EnsureDir creates dir and its parents if they do not exist.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fsError("mkdir", dir, err)
	}
	return nil
}

// ResetDir removes dir and everything under it, then recreates it empty.
func ResetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fsError("remove", dir, err)
	}
	return EnsureDir(dir)
}

// SafeJoin joins rel onto dir, refusing any rel that would land outside dir.
func SafeJoin(dir, rel string) (string, error) {
	if !filepath.IsLocal(filepath.FromSlash(rel)) {
		return "", fsError("join", rel, errors.Errorf("path escapes %s", dir))
	}
	return filepath.Join(dir, filepath.FromSlash(rel)), nil
}

// AtomicFile is a file under construction.  Its contents become visible at the final path only
// when Commit succeeds; until then readers see the previous file, if any.
type AtomicFile struct {
	path string
	perm fs.FileMode
	f    *renameio.PendingFile
}

// CreateAtomic starts writing path.  Parent directories are created as needed.  The caller must
// call Commit or Abort.
func CreateAtomic(path string, perm fs.FileMode) (*AtomicFile, error) {
	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return nil, err
	}
	// The temp file lives next to the target so the final rename stays on one filesystem.
	f, err := renameio.TempFile(dir, path)
	if err != nil {
		return nil, fsError("create", path, err)
	}
	return &AtomicFile{path: path, perm: perm, f: f}, nil
}

// Path returns the final path of the file.
func (a *AtomicFile) Path() string { return a.path }

// Write implements io.Writer.
func (a *AtomicFile) Write(p []byte) (int, error) {
	n, err := a.f.Write(p)
	if err != nil {
		return n, fsError("write", a.path, err)
	}
	return n, nil
}

// Commit makes the written contents visible at the final path.
func (a *AtomicFile) Commit() error {
	if err := a.f.Chmod(a.perm); err != nil {
		return fsError("chmod", a.path, err)
	}
	if err := a.f.CloseAtomicallyReplace(); err != nil {
		return fsError("rename", a.path, err)
	}
	return nil
}

// Abort discards the file.  It is a no-op after Commit, so it can be deferred.
func (a *AtomicFile) Abort() error {
	if err := a.f.Cleanup(); err != nil {
		return fsError("cleanup", a.path, err)
	}
	return nil
}
