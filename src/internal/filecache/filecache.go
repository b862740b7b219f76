// Package filecache keeps local copies of assembled datums so that a datum fetched once can be
// materialized again without talking to the content store.
//
// Filesets are immutable, so the files that a (fileset, source path) pair resolves to never
// change.  The cache is a gocloud.dev bucket on the local filesystem with two kinds of keys:
//
//	objects/<blake3 hex>                 zstd-compressed file contents, shared by every datum
//	manifests/<blake3 hex of key>.json   the files of one (fileset, source path) pair
//
// A manifest is written only after all of its objects, so its presence means the entry is
// complete.
package filecache

import (
	"context"
	"encoding/hex"
	"io"
	"os"
	"path"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/gcerrors"

	"github.com/pachyderm/datumfetch/src/internal/errors"
	"github.com/pachyderm/datumfetch/src/internal/fsutil"
	"github.com/pachyderm/datumfetch/src/internal/log"
	"github.com/pachyderm/datumfetch/src/internal/promutil"
)

var (
	cacheHitMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "datumfetch",
		Subsystem: "datum_cache",
		Name:      "hits_total",
		Help:      "Number of datums materialized from the local cache",
	})
	cacheMissMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "datumfetch",
		Subsystem: "datum_cache",
		Name:      "misses_total",
		Help:      "Number of datums that were not in the local cache",
	})
	cacheCorruptMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "datumfetch",
		Subsystem: "datum_cache",
		Name:      "corrupt_total",
		Help:      "Number of cached datums that failed verification",
	})
	cacheBytesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "datumfetch",
		Subsystem: "datum_cache",
		Name:      "restored_bytes_total",
		Help:      "Bytes of file content restored from the local cache",
	})
)

// ErrCorrupt is wrapped by errors from Restore when cached content does not match its manifest.
var ErrCorrupt = errors.New("cache entry is corrupt")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Manifests are small and are read on every restore; keep recently used ones in memory.  Keys
// include the cache directory, so several caches can share the memo.
var manifestMemo, _ = lru.New[string, *Manifest](256)

// Entry is one file or directory of a cached datum.
type Entry struct {
	// Path is relative to the source path, slash-separated.
	Path string `json:"path"`
	Dir  bool   `json:"dir,omitempty"`
	Hash string `json:"hash,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Manifest lists the files that a fileset holds under a source path.
type Manifest struct {
	FilesetID  string  `json:"filesetId"`
	SourcePath string  `json:"sourcePath"`
	Entries    []Entry `json:"entries"`
}

// Cache is an open cache directory.
type Cache struct {
	dir    string
	bucket *blob.Bucket
}

// Open opens the cache rooted at dir, creating the directory if needed.
func Open(ctx context.Context, dir string) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("filecache: empty cache location")
	}
	if err := fsutil.EnsureDir(dir); err != nil {
		return nil, err
	}
	bucket, err := fileblob.OpenBucket(dir, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open cache bucket %s", dir)
	}
	log.Debug(ctx, "opened datum cache", zap.String("dir", dir))
	return &Cache{dir: dir, bucket: bucket}, nil
}

// Close releases the bucket.
func (c *Cache) Close() error {
	return errors.EnsureStack(c.bucket.Close())
}

// hashString returns the hex blake3 digest of s.
func hashString(s string) string {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func objectKey(hash string) string {
	return path.Join("objects", hash)
}

func manifestKey(filesetID, sourcePath string) string {
	return path.Join("manifests", hashString(filesetID+"\x00"+sourcePath)+".json")
}

func (c *Cache) memoKey(key string) string {
	return c.dir + "\x00" + key
}

// Lookup returns the manifest for (filesetID, sourcePath), or nil if there is none.
func (c *Cache) Lookup(ctx context.Context, filesetID, sourcePath string) (*Manifest, error) {
	key := manifestKey(filesetID, sourcePath)
	if m, ok := manifestMemo.Get(c.memoKey(key)); ok {
		return m, nil
	}
	data, err := c.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read manifest %s", key)
	}
	m := new(Manifest)
	if err := json.Unmarshal(data, m); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "decode manifest %s: %v", key, err)
	}
	if m.FilesetID != filesetID || m.SourcePath != sourcePath {
		return nil, errors.Wrapf(ErrCorrupt, "manifest %s is for %s:%s", key, m.FilesetID, m.SourcePath)
	}
	manifestMemo.Add(c.memoKey(key), m)
	return m, nil
}

// Restore materializes the cached files of (filesetID, sourcePath) under dest.  It returns false
// without error on a cache miss.  Every file is verified against its hash; on a mismatch the
// entry is dropped and an error wrapping ErrCorrupt is returned, and the caller is expected to
// fall back to the content store.
func (c *Cache) Restore(ctx context.Context, filesetID, sourcePath, dest string) (bool, error) {
	m, err := c.Lookup(ctx, filesetID, sourcePath)
	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			cacheCorruptMetric.Inc()
			c.drop(ctx, filesetID, sourcePath)
		}
		return false, err
	}
	if m == nil {
		cacheMissMetric.Inc()
		return false, nil
	}
	var total promutil.Total
	for _, e := range m.Entries {
		target, err := fsutil.SafeJoin(dest, e.Path)
		if err != nil {
			return false, err
		}
		if e.Dir {
			if err := fsutil.EnsureDir(target); err != nil {
				return false, err
			}
			continue
		}
		if err := c.restoreFile(ctx, e, target, &total); err != nil {
			if errors.Is(err, ErrCorrupt) {
				cacheCorruptMetric.Inc()
				c.drop(ctx, filesetID, sourcePath)
			}
			return false, err
		}
	}
	cacheHitMetric.Inc()
	cacheBytesMetric.Add(float64(total))
	log.Debug(ctx, "restored datum from cache", zap.Int("entries", len(m.Entries)), zap.Int64("bytes", total.Int64()))
	return true, nil
}

func (c *Cache) restoreFile(ctx context.Context, e Entry, target string, total promutil.Adder) (retErr error) {
	r, err := c.bucket.NewReader(ctx, objectKey(e.Hash), nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return errors.Wrapf(ErrCorrupt, "object %s for %s is missing", e.Hash, e.Path)
		}
		return errors.Wrapf(err, "open cached object %s", e.Hash)
	}
	defer func() {
		if err := r.Close(); err != nil && retErr == nil {
			retErr = errors.EnsureStack(err)
		}
	}()
	zr, err := zstd.NewReader(r)
	if err != nil {
		if isDecodeFailure(err) {
			return errors.Wrapf(ErrCorrupt, "%s: %v", e.Path, err)
		}
		return errors.Wrap(err, "zstd.NewReader")
	}
	defer zr.Close()
	h := blake3.New()
	f, err := fsutil.CreateAtomic(target, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err := f.Abort(); err != nil && retErr == nil {
			retErr = err
		}
	}()
	n, err := io.Copy(io.MultiWriter(f, h), &promutil.CountingReader{Reader: zr, Counter: total})
	if err != nil {
		if isDecodeFailure(err) {
			return errors.Wrapf(ErrCorrupt, "%s: %v", e.Path, err)
		}
		return errors.Wrapf(err, "restore %s", e.Path)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != e.Hash || n != e.Size {
		return errors.Wrapf(ErrCorrupt, "%s: got %d bytes with hash %s, want %d bytes with hash %s", e.Path, n, got, e.Size, e.Hash)
	}
	return f.Commit()
}

func isDecodeFailure(err error) bool {
	return errors.Is(err, zstd.ErrMagicMismatch) || errors.Is(err, zstd.ErrCRCMismatch) || errors.Is(err, io.ErrUnexpectedEOF)
}

// drop removes the manifest of a corrupt entry so the next fetch repopulates it.  Objects are
// left alone; they may be shared.
func (c *Cache) drop(ctx context.Context, filesetID, sourcePath string) {
	key := manifestKey(filesetID, sourcePath)
	manifestMemo.Remove(c.memoKey(key))
	if err := c.bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		log.Info(ctx, "could not drop corrupt cache entry", zap.String("key", key), zap.Error(err))
	}
}

// Recorder collects the files of one assembly and commits them as a cache entry.  Once AddFile
// fails, the recorder is spoiled: later AddFile calls return the same error and Commit writes
// nothing.
type Recorder struct {
	cache    *Cache
	manifest Manifest
	failed   error
}

// NewRecorder starts recording an entry for (filesetID, sourcePath).
func (c *Cache) NewRecorder(filesetID, sourcePath string) *Recorder {
	return &Recorder{
		cache:    c,
		manifest: Manifest{FilesetID: filesetID, SourcePath: sourcePath},
	}
}

// AddDir records a directory.
func (r *Recorder) AddDir(rel string) {
	r.manifest.Entries = append(r.manifest.Entries, Entry{Path: rel, Dir: true})
}

// AddFile copies the local file at localPath into the cache as rel.
func (r *Recorder) AddFile(ctx context.Context, rel, localPath string) error {
	if r.failed != nil {
		return r.failed
	}
	if err := r.addFile(ctx, rel, localPath); err != nil {
		r.failed = err
		return err
	}
	return nil
}

func (r *Recorder) addFile(ctx context.Context, rel, localPath string) (retErr error) {
	f, err := os.Open(localPath)
	if err != nil {
		return errors.EnsureStack(err)
	}
	defer func() {
		if err := f.Close(); err != nil && retErr == nil {
			retErr = errors.EnsureStack(err)
		}
	}()
	h := blake3.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return errors.Wrapf(err, "hash %s", localPath)
	}
	hash := hex.EncodeToString(h.Sum(nil))
	key := objectKey(hash)
	exists, err := r.cache.bucket.Exists(ctx, key)
	if err != nil {
		return errors.Wrapf(err, "check cached object %s", key)
	}
	if !exists {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return errors.EnsureStack(err)
		}
		w, err := r.cache.bucket.NewWriter(ctx, key, nil)
		if err != nil {
			return errors.Wrapf(err, "create cached object %s", key)
		}
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithZeroFrames(true))
		if err != nil {
			w.Close()
			return errors.Wrap(err, "zstd.NewWriter")
		}
		if _, err := io.Copy(zw, f); err != nil {
			zw.Close()
			w.Close()
			return errors.Wrapf(err, "write cached object %s", key)
		}
		if err := zw.Close(); err != nil {
			w.Close()
			return errors.Wrapf(err, "compress cached object %s", key)
		}
		if err := w.Close(); err != nil {
			return errors.Wrapf(err, "commit cached object %s", key)
		}
	}
	r.manifest.Entries = append(r.manifest.Entries, Entry{Path: rel, Hash: hash, Size: size})
	return nil
}

// Commit writes the manifest, making the entry visible to Restore.  It fails without writing
// anything if any AddFile failed.
func (r *Recorder) Commit(ctx context.Context) error {
	if r.failed != nil {
		return errors.Wrap(r.failed, "cache entry is incomplete")
	}
	m := r.manifest
	m.Entries = append([]Entry(nil), r.manifest.Entries...)
	sort.Slice(m.Entries, func(i, j int) bool { return m.Entries[i].Path < m.Entries[j].Path })
	data, err := json.Marshal(&m)
	if err != nil {
		return errors.EnsureStack(err)
	}
	key := manifestKey(m.FilesetID, m.SourcePath)
	if err := r.cache.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return errors.Wrapf(err, "write manifest %s", key)
	}
	manifestMemo.Add(r.cache.memoKey(key), &m)
	log.Debug(ctx, "committed datum to cache", zap.String("fileset", m.FilesetID), zap.String("sourcePath", m.SourcePath), zap.Int("entries", len(m.Entries)))
	return nil
}
