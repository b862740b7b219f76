package filecache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pachyderm/datumfetch/src/internal/errors"
	"github.com/pachyderm/datumfetch/src/internal/fsutil"
	"github.com/pachyderm/datumfetch/src/internal/pctx"
)

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	return string(data)
}

// record caches the files of src (a map of relative path to content) as (filesetID, sourcePath).
func record(t *testing.T, c *Cache, filesetID, sourcePath string, files map[string]string, dirs ...string) {
	t.Helper()
	ctx := pctx.TestContext(t)
	staged := t.TempDir()
	rec := c.NewRecorder(filesetID, sourcePath)
	for rel, content := range files {
		p := filepath.Join(staged, filepath.FromSlash(rel))
		writeFile(t, p, content)
		require.NoError(t, rec.AddFile(ctx, rel, p))
	}
	for _, d := range dirs {
		rec.AddDir(d)
	}
	require.NoError(t, rec.Commit(ctx))
}

func TestRecordAndRestore(t *testing.T) {
	ctx := pctx.TestContext(t)
	c, err := Open(ctx, filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	defer c.Close()

	record(t, c, "fs1", "/pfs/d42", map[string]string{
		"a.txt":     "alpha",
		"sub/b.txt": "beta",
		"same.txt":  "alpha",
		"empty.txt": "",
	}, "emptydir")

	dest := t.TempDir()
	ok, err := c.Restore(ctx, "fs1", "/pfs/d42", dest)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alpha", readFile(t, filepath.Join(dest, "a.txt")))
	require.Equal(t, "beta", readFile(t, filepath.Join(dest, "sub", "b.txt")))
	require.Equal(t, "alpha", readFile(t, filepath.Join(dest, "same.txt")))
	require.Equal(t, "", readFile(t, filepath.Join(dest, "empty.txt")))
	names, err := fsutil.FindNames(os.DirFS(dest))
	require.NoError(t, err)
	require.Equal(t, []string{"./", "a.txt", "empty.txt", "emptydir/", "same.txt", "sub/", "sub/b.txt"}, names)

	// Identical contents share one object.
	objects, err := os.ReadDir(filepath.Join(c.dir, "objects"))
	require.NoError(t, err)
	var n int
	for _, o := range objects {
		if filepath.Ext(o.Name()) != ".attrs" {
			n++
		}
	}
	require.Equal(t, 3, n)

	// Objects are stored compressed.
	m, err := c.Lookup(ctx, "fs1", "/pfs/d42")
	require.NoError(t, err)
	raw := readFile(t, filepath.Join(c.dir, "objects", m.Entries[0].Hash))
	require.Equal(t, "\x28\xb5\x2f\xfd", raw[:4])
}

func TestFailedRecordingIsNotCommitted(t *testing.T) {
	ctx := pctx.TestContext(t)
	dir := t.TempDir()
	c, err := Open(ctx, dir)
	require.NoError(t, err)
	defer c.Close()
	writeFile(t, filepath.Join(dir, "objects"), "not a directory")

	staged := t.TempDir()
	writeFile(t, filepath.Join(staged, "a.txt"), "alpha")
	writeFile(t, filepath.Join(staged, "b.txt"), "beta")
	rec := c.NewRecorder("fs1", "/pfs/d42")
	rec.AddDir("sub")
	require.Error(t, rec.AddFile(ctx, "a.txt", filepath.Join(staged, "a.txt")))
	require.Error(t, rec.AddFile(ctx, "b.txt", filepath.Join(staged, "b.txt")))
	require.Error(t, rec.Commit(ctx))

	m, err := c.Lookup(ctx, "fs1", "/pfs/d42")
	require.NoError(t, err)
	require.Nil(t, m)
	ok, err := c.Restore(ctx, "fs1", "/pfs/d42", t.TempDir())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMiss(t *testing.T) {
	ctx := pctx.TestContext(t)
	c, err := Open(ctx, t.TempDir())
	require.NoError(t, err)
	defer c.Close()
	record(t, c, "fs1", "/pfs/d42", map[string]string{"a": "a"})

	for _, key := range [][2]string{{"fs2", "/pfs/d42"}, {"fs1", "/pfs/d43"}} {
		dest := t.TempDir()
		ok, err := c.Restore(ctx, key[0], key[1], dest)
		require.NoError(t, err)
		require.False(t, ok)
		entries, err := os.ReadDir(dest)
		require.NoError(t, err)
		require.Empty(t, entries)
	}
}

func TestCorruptObject(t *testing.T) {
	ctx := pctx.TestContext(t)
	dir := t.TempDir()
	c, err := Open(ctx, dir)
	require.NoError(t, err)
	defer c.Close()
	record(t, c, "fs1", "/pfs/d42", map[string]string{"a.txt": "alpha"})

	m, err := c.Lookup(ctx, "fs1", "/pfs/d42")
	require.NoError(t, err)
	require.Len(t, m.Entries, 1)
	writeFile(t, filepath.Join(dir, "objects", m.Entries[0].Hash), "tampered")

	ok, err := c.Restore(ctx, "fs1", "/pfs/d42", t.TempDir())
	require.False(t, ok)
	require.True(t, errors.Is(err, ErrCorrupt), "%v", err)

	// The entry is gone, so the next fetch is an ordinary miss.
	m, err = c.Lookup(ctx, "fs1", "/pfs/d42")
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestCorruptManifest(t *testing.T) {
	ctx := pctx.TestContext(t)
	dir := t.TempDir()
	c, err := Open(ctx, dir)
	require.NoError(t, err)
	defer c.Close()
	writeFile(t, filepath.Join(dir, filepath.FromSlash(manifestKey("fs1", "/pfs/d42"))), "{not json")

	ok, err := c.Restore(ctx, "fs1", "/pfs/d42", t.TempDir())
	require.False(t, ok)
	require.True(t, errors.Is(err, ErrCorrupt), "%v", err)
}

func TestRestoreRejectsEscapingPaths(t *testing.T) {
	ctx := pctx.TestContext(t)
	c, err := Open(ctx, t.TempDir())
	require.NoError(t, err)
	defer c.Close()
	rec := c.NewRecorder("fs1", "/pfs/d42")
	rec.AddDir("../outside")
	require.NoError(t, rec.Commit(ctx))

	ok, err := c.Restore(ctx, "fs1", "/pfs/d42", t.TempDir())
	require.False(t, ok)
	var fsErr *fsutil.FilesystemError
	require.True(t, errors.As(err, &fsErr))
}

func TestOpenEmpty(t *testing.T) {
	_, err := Open(pctx.TestContext(t), "")
	require.Error(t, err)
}
