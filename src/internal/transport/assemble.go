package transport

import (
	"context"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pachyderm/pachyderm/v2/src/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/pachyderm/datumfetch/src/internal/errors"
	"github.com/pachyderm/datumfetch/src/internal/filecache"
	"github.com/pachyderm/datumfetch/src/internal/fsutil"
	"github.com/pachyderm/datumfetch/src/internal/grpcutil"
	"github.com/pachyderm/datumfetch/src/internal/log"
	"github.com/pachyderm/datumfetch/src/internal/promutil"
)

var (
	bytesReceivedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "datumfetch",
		Subsystem: "transport",
		Name:      "received_bytes_total",
		Help:      "Bytes of file content received from the content store",
	})
	filesReceivedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "datumfetch",
		Subsystem: "transport",
		Name:      "received_files_total",
		Help:      "Files received from the content store",
	})
)

// pathRange selects every path strictly below dir.  '0' is the byte after '/'.
func pathRange(dir string) *storage.PathRange {
	if dir == "/" {
		return &storage.PathRange{Lower: "/"}
	}
	return &storage.PathRange{Lower: dir + "/", Upper: dir + "0"}
}

// cleanSourcePath makes sourcePath absolute and clean, the form the store uses for file paths.
func cleanSourcePath(sourcePath string) string {
	return path.Clean("/" + sourcePath)
}

// Assemble materializes the files of filesetID that live under sourcePath into destination.  A
// file at <sourcePath>/<rel> is written to <destination>/<rel>; a path ending in "/" becomes a
// directory.  Each file appears at its final path only once it is complete.
//
// When cacheLocation is set, a previously cached copy is used instead of the store, and files
// fetched from the store are added to the cache.  Problems with the cache are logged and
// otherwise ignored.
func (c *Client) Assemble(ctx context.Context, filesetID, sourcePath, destination, cacheLocation string) (retErr error) {
	src := cleanSourcePath(sourcePath)
	ctx, end := log.SpanContext(ctx, "assemble", zap.String("fileset", filesetID), zap.String("sourcePath", src), zap.String("destination", destination))
	defer end(log.Errorp(&retErr))

	var rec *filecache.Recorder
	if cacheLocation != "" {
		cache, err := filecache.Open(ctx, cacheLocation)
		if err != nil {
			log.Info(ctx, "datum cache unavailable; reading from the store", zap.Error(err))
		} else {
			defer cache.Close()
			ok, err := cache.Restore(ctx, filesetID, src, destination)
			if err != nil {
				log.Info(ctx, "could not restore datum from cache; reading from the store", zap.Error(err))
			}
			if ok {
				log.Info(ctx, "restored datum from cache", zap.String("cache", cacheLocation))
				return nil
			}
			rec = cache.NewRecorder(filesetID, src)
		}
	}

	files, size, err := c.read(ctx, filesetID, src, destination, rec)
	if err != nil {
		return err
	}
	log.Info(ctx, "assembled fileset", zap.Int("files", files), zap.String("size", humanize.IBytes(uint64(size))))
	if rec != nil {
		if err := rec.Commit(ctx); err != nil {
			log.Info(ctx, "could not add datum to cache", zap.Error(err))
		}
	}
	return nil
}

// pendingFile is the file currently being received.
type pendingFile struct {
	rel string
	f   *fsutil.AtomicFile
}

func (c *Client) read(ctx context.Context, filesetID, src, destination string, rec *filecache.Recorder) (files int, _ int64, retErr error) {
	req := &storage.ReadFilesetRequest{
		FilesetId: filesetID,
		Filters: []*storage.FileFilter{
			{Filter: &storage.FileFilter_PathRange{PathRange: pathRange(src)}},
		},
	}
	rc, err := c.fileset.ReadFileset(c.withToken(ctx), req)
	if err != nil {
		return 0, 0, c.classify("ReadFileset", err)
	}

	var (
		total     promutil.Total
		counter   = promutil.MultiAdder(&total, bytesReceivedMetric)
		cur       *pendingFile
		recording = rec != nil
	)
	defer func() {
		if cur != nil {
			if err := cur.f.Abort(); err != nil && retErr == nil {
				retErr = err
			}
		}
	}()
	finish := func() error {
		if cur == nil {
			return nil
		}
		p := cur
		cur = nil
		if err := p.f.Commit(); err != nil {
			return err
		}
		files++
		filesReceivedMetric.Inc()
		if recording {
			if err := rec.AddFile(ctx, p.rel, p.f.Path()); err != nil {
				log.Info(ctx, "could not add file to cache; disabling cache for this datum", zap.String("path", p.rel), zap.Error(err))
				recording = false
			}
		}
		return nil
	}

	err = grpcutil.ForEach[storage.ReadFilesetResponse](rc, func(msg *storage.ReadFilesetResponse) error {
		if cur != nil && cur.rel == relPath(src, msg.Path) {
			_, err := (&promutil.CountingWriter{Writer: cur.f, Counter: counter}).Write(msg.GetData().GetValue())
			return err
		}
		if err := finish(); err != nil {
			return err
		}
		if !strings.HasPrefix(msg.Path, strings.TrimSuffix(src, "/")+"/") {
			return errors.EnsureStack(&ServiceError{
				Op:      "ReadFileset",
				Code:    codes.Internal,
				Message: "unexpected path " + msg.Path,
				Err:     errUnexpectedPath,
			})
		}
		rel := relPath(src, msg.Path)
		if rel == "" {
			// The source directory itself.
			return nil
		}
		target, err := fsutil.SafeJoin(destination, strings.TrimSuffix(rel, "/"))
		if err != nil {
			return err
		}
		if strings.HasSuffix(rel, "/") {
			if recording {
				rec.AddDir(strings.TrimSuffix(rel, "/"))
			}
			return fsutil.EnsureDir(target)
		}
		f, err := fsutil.CreateAtomic(target, 0o644)
		if err != nil {
			return err
		}
		cur = &pendingFile{rel: rel, f: f}
		_, err = (&promutil.CountingWriter{Writer: f, Counter: counter}).Write(msg.GetData().GetValue())
		return err
	})
	if err != nil {
		return files, total.Int64(), c.classify("ReadFileset", err)
	}
	if err := finish(); err != nil {
		return files, total.Int64(), err
	}
	return files, total.Int64(), nil
}

func relPath(src, p string) string {
	return strings.TrimPrefix(p, strings.TrimSuffix(src, "/")+"/")
}
