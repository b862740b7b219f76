package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/pachyderm/datumfetch/src/internal/errors"
)

// PFSPrefix is the directory under a staging root that holds per-datum staging areas.
const PFSPrefix = "pfs"

// StagingPrefix returns <root>/pfs/<datumID>, where a datum's files are assembled before being
// flattened into root.
func StagingPrefix(root, datumID string) string {
	return filepath.Join(root, PFSPrefix, datumID)
}

// FileEntry is one immediate entry of a staging root.
type FileEntry struct {
	// Path is the absolute path of the entry.
	Path string `json:"path"`
	// Name is the entry's name within the root; it never contains a separator.
	Name string `json:"name"`
}

// Flatten moves every direct entry of <root>/pfs/<datumID> to <root>/<name>, then removes the
// staging directories.  Subdirectories move as a unit.
//
// Entries are moved in lexicographic order, and each replaces whatever root entry already has its
// name.  The one exception is an entry named "pfs": it may only replace an empty or absent
// <root>/pfs, since a non-empty one is the staging area of some other datum.
//
// If the staging prefix does not exist, Flatten does nothing except remove an empty <root>/pfs,
// which makes it safe to call again after a successful run.  After a failure, the entries that
// were not moved are back under the staging prefix.
func Flatten(root, datumID string) error {
	pfsDir := filepath.Join(root, PFSPrefix)
	prefix := StagingPrefix(root, datumID)
	info, err := os.Lstat(prefix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return removeIfEmpty(pfsDir)
		}
		return fsError("stat", prefix, err)
	}
	if !info.IsDir() {
		return fsError("flatten", prefix, errors.New("staging prefix is not a directory"))
	}

	// Move the prefix out of the way first, so that <root>/pfs can be removed and a staged entry
	// named "pfs" can take its place.
	holding := filepath.Join(root, ".pfs-"+datumID+"-"+uuid.NewString())
	if err := os.Rename(prefix, holding); err != nil {
		return fsError("rename", prefix, err)
	}
	if err := moveEntries(root, pfsDir, holding); err != nil {
		// Put whatever was not moved back under the staging prefix, so a later Flatten can finish.
		if rerr := EnsureDir(pfsDir); rerr != nil {
			return errors.Join(err, rerr)
		}
		if rerr := os.Rename(holding, prefix); rerr != nil {
			return errors.Join(err, fsError("rename", holding, rerr))
		}
		return err
	}
	if err := os.Remove(holding); err != nil {
		return fsError("remove", holding, err)
	}
	return nil
}

// moveEntries empties holding into root, removing an empty pfsDir first.
func moveEntries(root, pfsDir, holding string) error {
	if err := removeIfEmpty(pfsDir); err != nil {
		return err
	}
	entries, err := os.ReadDir(holding)
	if err != nil {
		return fsError("readdir", holding, err)
	}
	for _, e := range entries {
		src := filepath.Join(holding, e.Name())
		dst := filepath.Join(root, e.Name())
		if e.Name() == PFSPrefix {
			empty, err := isEmptyOrAbsent(dst)
			if err != nil {
				return err
			}
			if !empty {
				return fsError("flatten", dst, ErrStagingInUse)
			}
		}
		if err := os.RemoveAll(dst); err != nil {
			return fsError("remove", dst, err)
		}
		if err := os.Rename(src, dst); err != nil {
			return fsError("rename", src, err)
		}
	}
	return nil
}

// List returns the immediate entries of root, sorted by name.
func List(root string) ([]FileEntry, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fsError("readdir", root, err)
	}
	result := make([]FileEntry, 0, len(entries))
	for _, e := range entries {
		result = append(result, FileEntry{
			Path: filepath.Join(root, e.Name()),
			Name: e.Name(),
		})
	}
	return result, nil
}

func isEmptyOrAbsent(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		// Not a directory; an ordinary entry that can be replaced.
		if info, statErr := os.Lstat(dir); statErr == nil && !info.IsDir() {
			return true, nil
		}
		return false, fsError("readdir", dir, err)
	}
	return len(entries) == 0, nil
}

// removeIfEmpty removes dir if it is an empty directory.  Anything else is left alone.
func removeIfEmpty(dir string) error {
	info, err := os.Lstat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fsError("stat", dir, err)
	}
	if !info.IsDir() {
		return nil
	}
	empty, err := isEmptyOrAbsent(dir)
	if err != nil || !empty {
		return err
	}
	if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fsError("remove", dir, err)
	}
	return nil
}
