package fsutil

import (
	"io/fs"
	"sort"

	"github.com/pachyderm/datumfetch/src/internal/errors"
)

type fileInfoWithFullName struct {
	fs.FileInfo
	name string
}

func (i *fileInfoWithFullName) Name() string {
	return i.name
}

func (i *fileInfoWithFullName) String() string {
	return fs.FormatFileInfo(i)
}

// Find works like the UNIX "find" command, on an fs.FS.
func Find(f fs.FS) ([]fs.FileInfo, error) {
	var result []fs.FileInfo
	err := fs.WalkDir(f, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return errors.Wrapf(err, "stat %v", path)
		}
		result = append(result, &fileInfoWithFullName{name: path, FileInfo: info})
		return nil
	})
	if err != nil {
		return nil, errors.EnsureStack(err)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name() < result[j].Name()
	})
	return result, nil
}

// FindNames is Find, returning only the names.  Directories end in "/".
func FindNames(f fs.FS) ([]string, error) {
	infos, err := Find(f)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return names, nil
}
