package assembler

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pachyderm/pachyderm/v2/src/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/pachyderm/datumfetch/src/internal/errors"
	"github.com/pachyderm/datumfetch/src/internal/fsutil"
	"github.com/pachyderm/datumfetch/src/internal/grpcutil"
	"github.com/pachyderm/datumfetch/src/internal/pctx"
	"github.com/pachyderm/datumfetch/src/internal/retry"
	"github.com/pachyderm/datumfetch/src/internal/transport"
)

type fakeTimer struct {
	c      chan time.Time
	delays []time.Duration
}

func (t *fakeTimer) Start(d time.Duration) {
	t.delays = append(t.delays, d)
	t.c = make(chan time.Time, 1)
	t.c <- time.Now()
}

func (t *fakeTimer) Stop() {}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

type assembleCall struct {
	filesetID, sourcePath, destination, cacheLocation string
}

// stubTransport writes files into the destination, after failing with the queued errors.
type stubTransport struct {
	files  map[string]string
	errs   []error
	calls  []assembleCall
	closed bool
}

func (s *stubTransport) Assemble(ctx context.Context, filesetID, sourcePath, destination, cacheLocation string) error {
	s.calls = append(s.calls, assembleCall{filesetID, sourcePath, destination, cacheLocation})
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		// Leave a partial file behind, as an interrupted stream would.
		if err := os.WriteFile(filepath.Join(destination, "partial"), []byte("x"), 0o644); err != nil {
			return err
		}
		return err
	}
	for name, content := range s.files {
		p := filepath.Join(destination, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (s *stubTransport) Close() error {
	s.closed = true
	return nil
}

func unavailable() error {
	return &transport.ServiceError{Op: "ReadFileset", Code: codes.Unavailable, Message: "store restarting"}
}

func newTestAssembler(t *testing.T, config Config, st *stubTransport, timer *fakeTimer) (*Assembler, *[]Connection) {
	t.Helper()
	var conns []Connection
	a, err := New(config,
		WithConnector(func(_ context.Context, conn Connection) (Transport, error) {
			conns = append(conns, conn)
			return st, nil
		}),
		WithRetryOptions(retry.WithTimer(timer)))
	require.NoError(t, err)
	return a, &conns
}

func TestFetch(t *testing.T) {
	ctx := pctx.TestContext(t)
	st := &stubTransport{files: map[string]string{
		"a.csv":     "1,2,3",
		"b/c.txt":   "nested",
		"b/d/e.bin": "deep",
	}}
	a, conns := newTestAssembler(t, DefaultConfig(), st, new(fakeTimer))
	root := filepath.Join(t.TempDir(), "tmp", "job1")
	conn := Connection{Host: "pachd.example.com", Port: 30650, Token: "tok"}

	entries, err := a.Fetch(ctx, conn, Request{
		Repo:        "images",
		Branch:      "master",
		StagingRoot: root,
		FilesetID:   "fs-1",
		DatumID:     "d42",
	})
	require.NoError(t, err)

	want := []fsutil.FileEntry{
		{Path: filepath.Join(root, "a.csv"), Name: "a.csv"},
		{Path: filepath.Join(root, "b"), Name: "b"},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Errorf("entries (-want +got):\n%s", diff)
	}
	for _, e := range entries {
		require.NotContains(t, e.Name, string(filepath.Separator))
	}
	_, err = os.Stat(filepath.Join(root, "pfs"))
	require.True(t, os.IsNotExist(err), "staging directory should be removed")
	data, err := os.ReadFile(filepath.Join(root, "b", "d", "e.bin"))
	require.NoError(t, err)
	require.Equal(t, "deep", string(data))

	require.Equal(t, []Connection{conn}, *conns)
	require.Equal(t, []assembleCall{{"fs-1", "/pfs/d42", filepath.Join(root, "pfs", "d42"), ""}}, st.calls)
	require.True(t, st.closed)
}

func TestFetchRetriesTransientErrors(t *testing.T) {
	ctx := pctx.TestContext(t)
	st := &stubTransport{
		files: map[string]string{"x": "x"},
		errs:  []error{unavailable(), errors.EnsureStack(unavailable())},
	}
	timer := new(fakeTimer)
	a, _ := newTestAssembler(t, DefaultConfig(), st, timer)
	root := t.TempDir()

	entries, err := a.Fetch(ctx, Connection{Host: "h", Port: 1}, Request{StagingRoot: root, FilesetID: "fs", DatumID: "d1"})
	require.NoError(t, err)
	require.Len(t, st.calls, 3)
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, timer.delays)
	// The partial files from failed attempts were cleared.
	require.Equal(t, []fsutil.FileEntry{{Path: filepath.Join(root, "x"), Name: "x"}}, entries)
}

func TestFetchExhaustsRetries(t *testing.T) {
	ctx := pctx.TestContext(t)
	st := &stubTransport{}
	for i := 0; i < 10; i++ {
		st.errs = append(st.errs, unavailable())
	}
	timer := new(fakeTimer)
	a, _ := newTestAssembler(t, DefaultConfig(), st, timer)

	_, err := a.Fetch(ctx, Connection{Host: "h", Port: 1}, Request{StagingRoot: t.TempDir(), FilesetID: "fs", DatumID: "d1"})
	var exhausted *retry.RetriesExhaustedError
	require.True(t, errors.As(err, &exhausted), "%v", err)
	require.Equal(t, 5, exhausted.Attempts)
	require.Len(t, st.calls, 5)
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, timer.delays)
	for _, d := range timer.delays {
		require.LessOrEqual(t, d, 60*time.Second)
	}
	var se *transport.ServiceError
	require.True(t, errors.As(err, &se))
	require.True(t, se.Transient())
	require.True(t, st.closed)
}

func TestFetchPermanentError(t *testing.T) {
	ctx := pctx.TestContext(t)
	notFound := &transport.ServiceError{Op: "ReadFileset", Code: codes.NotFound, Message: "no such fileset"}
	st := &stubTransport{errs: []error{notFound}}
	timer := new(fakeTimer)
	a, _ := newTestAssembler(t, DefaultConfig(), st, timer)

	_, err := a.Fetch(ctx, Connection{Host: "h", Port: 1}, Request{StagingRoot: t.TempDir(), FilesetID: "fs", DatumID: "d1"})
	var se *transport.ServiceError
	require.True(t, errors.As(err, &se), "%v", err)
	require.Equal(t, codes.NotFound, se.Code)
	var exhausted *retry.RetriesExhaustedError
	require.False(t, errors.As(err, &exhausted))
	require.Len(t, st.calls, 1)
	require.Empty(t, timer.delays)
}

func TestFetchConnectError(t *testing.T) {
	ctx := pctx.TestContext(t)
	bad := &transport.TrustValidationError{Err: errors.New("trust bundle contains no PEM certificates")}
	a, err := New(DefaultConfig(), WithConnector(func(context.Context, Connection) (Transport, error) {
		return nil, bad
	}))
	require.NoError(t, err)
	_, err = a.Fetch(ctx, Connection{Host: "h", Port: 1}, Request{StagingRoot: t.TempDir(), FilesetID: "fs", DatumID: "d1"})
	var tve *transport.TrustValidationError
	require.True(t, errors.As(err, &tve))
}

func TestFetchValidation(t *testing.T) {
	testData := []struct {
		name string
		req  Request
	}{
		{"no fileset", Request{StagingRoot: "/tmp/x", DatumID: "d"}},
		{"no datum", Request{StagingRoot: "/tmp/x", FilesetID: "fs"}},
		{"dot datum", Request{StagingRoot: "/tmp/x", FilesetID: "fs", DatumID: "."}},
		{"dotdot datum", Request{StagingRoot: "/tmp/x", FilesetID: "fs", DatumID: ".."}},
		{"nested datum", Request{StagingRoot: "/tmp/x", FilesetID: "fs", DatumID: "a/b"}},
		{"no root", Request{FilesetID: "fs", DatumID: "d"}},
	}
	for _, test := range testData {
		t.Run(test.name, func(t *testing.T) {
			st := &stubTransport{}
			a, conns := newTestAssembler(t, DefaultConfig(), st, new(fakeTimer))
			_, err := a.Fetch(pctx.TestContext(t), Connection{Host: "h", Port: 1}, test.req)
			require.Error(t, err)
			require.Empty(t, *conns)
		})
	}
}

func TestSourcePathTemplate(t *testing.T) {
	config := DefaultConfig()
	config.SourcePathTemplate = "/pfs/{{.Datum}}/{{.Repo}}"
	a, err := New(config)
	require.NoError(t, err)
	p, err := a.SourcePath(Request{DatumID: "d42", Repo: "images", Branch: "master"})
	require.NoError(t, err)
	require.Equal(t, "/pfs/d42/images", p)

	config.SourcePathTemplate = "pfs/{{.Branch}}/{{.Datum}}/"
	a, err = New(config)
	require.NoError(t, err)
	p, err = a.SourcePath(Request{DatumID: "d42", Branch: "master"})
	require.NoError(t, err)
	require.Equal(t, "/pfs/master/d42", p)

	config.SourcePathTemplate = "{{.Datum"
	_, err = New(config)
	require.Error(t, err)

	config.SourcePathTemplate = "/pfs/{{.Commit}}"
	a, err = New(config)
	require.NoError(t, err)
	_, err = a.SourcePath(Request{DatumID: "d42"})
	require.Error(t, err)

	config = DefaultConfig()
	config.Retry.MaxAttempts = 0
	_, err = New(config)
	require.Error(t, err)
}

// storeServer is a Fileset service holding a single fileset.
type storeServer struct {
	storage.UnimplementedFilesetServer
	files map[string]string
}

func (s *storeServer) ReadFileset(req *storage.ReadFilesetRequest, srv storage.Fileset_ReadFilesetServer) error {
	lower := req.Filters[0].GetPathRange().Lower
	var paths []string
	for p := range s.files {
		if strings.HasPrefix(p, lower) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := srv.Send(&storage.ReadFilesetResponse{Path: p, Data: wrapperspb.Bytes([]byte(s.files[p]))}); err != nil {
			return err
		}
	}
	return nil
}

func TestFetchOverGRPC(t *testing.T) {
	ctx := pctx.TestContext(t)
	dialer := grpcutil.NewTestListener(t, func(s *grpc.Server) {
		storage.RegisterFilesetServer(s, &storeServer{files: map[string]string{
			"/pfs/d42/pfs":         "a file named pfs",
			"/pfs/d42/labels.json": "{}",
			"/pfs/d42/img/1.png":   "png",
			"/pfs/d7/other":        "other datum",
		}})
	})
	a, err := New(DefaultConfig(), WithConnector(func(ctx context.Context, conn Connection) (Transport, error) {
		return transport.New(ctx, conn.Host, conn.Port, transport.WithContextDialer(dialer), transport.WithAuthToken(conn.Token))
	}))
	require.NoError(t, err)
	root := t.TempDir()
	cache := filepath.Join(t.TempDir(), "cache")
	req := Request{StagingRoot: root, FilesetID: "fs", DatumID: "d42", CacheLocation: cache}

	entries, err := a.Fetch(ctx, Connection{Host: "bufconn", Port: 1650, Token: "tok"}, req)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	require.Equal(t, []string{"img", "labels.json", "pfs"}, names)
	data, err := os.ReadFile(filepath.Join(root, "pfs"))
	require.NoError(t, err)
	require.Equal(t, "a file named pfs", string(data))

	// Same datum again into a fresh root, this time from the cache.
	req.StagingRoot = t.TempDir()
	entries, err = a.Fetch(ctx, Connection{Host: "bufconn", Port: 1650, Token: "tok"}, req)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}
