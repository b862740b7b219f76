package fsutil

import (
	"fmt"

	"github.com/pachyderm/datumfetch/src/internal/errors"
)

// ErrStagingInUse is wrapped by the FilesystemError returned when flattening would replace a
// staging area that still holds another datum.
var ErrStagingInUse = errors.New("staging area is in use")

// FilesystemError is a local filesystem failure: a directory that could not be created, removed
// or listed, a file that could not be written, or an entry that could not be moved.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

func fsError(op, path string, err error) error {
	return errors.EnsureStack(&FilesystemError{Op: op, Path: path, Err: err})
}
