// Package assembler fetches one datum from the content store into a flat local directory.
//
// A fetch stages the datum's files under <root>/pfs/<datum>, retrying transient store failures
// with exponential backoff, then flattens the staged entries into <root> and lists them.
package assembler

import (
	"bytes"
	"context"
	"path"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/pachyderm/datumfetch/src/internal/errors"
	"github.com/pachyderm/datumfetch/src/internal/fsutil"
	"github.com/pachyderm/datumfetch/src/internal/log"
	"github.com/pachyderm/datumfetch/src/internal/retry"
	"github.com/pachyderm/datumfetch/src/internal/transport"
)

// DefaultSourcePathTemplate places a datum's files at /pfs/<datum> in its fileset.
const DefaultSourcePathTemplate = "/pfs/{{.Datum}}"

var (
	attemptsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "datumfetch",
		Subsystem: "assembler",
		Name:      "attempts_total",
		Help:      "Calls to the content store made while fetching datums, including retries",
	})
	fetchesMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datumfetch",
		Subsystem: "assembler",
		Name:      "fetches_total",
		Help:      "Datum fetches by outcome",
	}, []string{"outcome"})
	durationMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "datumfetch",
		Subsystem: "assembler",
		Name:      "fetch_duration_seconds",
		Help:      "Time to fetch, flatten and list one datum",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	})
)

// Config configures an Assembler.
type Config struct {
	Retry retry.Config
	// SourcePathTemplate is a text/template producing the datum's directory in the fileset.  It
	// sees the fields of SourcePathVars.
	SourcePathTemplate string `env:"FETCH_SOURCE_PATH_TEMPLATE,default=/pfs/{{.Datum}}"`
}

// DefaultConfig retries 5 times starting at 2s, capped at 60s, and reads /pfs/<datum>.
func DefaultConfig() Config {
	return Config{Retry: retry.DefaultConfig(), SourcePathTemplate: DefaultSourcePathTemplate}
}

// SourcePathVars is the data available to Config.SourcePathTemplate.
type SourcePathVars struct {
	Datum  string
	Repo   string
	Branch string
}

// Connection says how to reach the content store.
type Connection struct {
	Host string
	Port uint16
	// Token, if set, authenticates every request.
	Token string
	// TrustBundle, if set, holds the PEM certificates the store's chain must verify against.
	TrustBundle []byte
	// Secured uses TLS with the system roots when no TrustBundle is given.
	Secured bool
}

// Request names the datum to fetch and where to put it.
type Request struct {
	Repo          string
	Branch        string
	StagingRoot   string
	FilesetID     string
	DatumID       string
	CacheLocation string
}

// Transport is the part of a content store client that the assembler uses.
type Transport interface {
	Assemble(ctx context.Context, filesetID, sourcePath, destination, cacheLocation string) error
	Close() error
}

// Connector opens a Transport.
type Connector func(ctx context.Context, conn Connection) (Transport, error)

// Connect is the default Connector; it returns a *transport.Client.
func Connect(ctx context.Context, conn Connection) (Transport, error) {
	var opts []transport.Option
	if conn.Token != "" {
		opts = append(opts, transport.WithAuthToken(conn.Token))
	}
	if len(conn.TrustBundle) > 0 {
		opts = append(opts, transport.WithTrustBundle(conn.TrustBundle))
	} else if conn.Secured {
		opts = append(opts, transport.WithSystemCAs())
	}
	c, err := transport.New(ctx, conn.Host, conn.Port, opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithConnector replaces the default Connector.
func WithConnector(c Connector) Option {
	return func(a *Assembler) { a.connect = c }
}

// WithRetryOptions passes options to every retry loop; tests use it to substitute a timer.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(a *Assembler) { a.retryOpts = append(a.retryOpts, opts...) }
}

// Assembler fetches datums.  It holds no per-fetch state and may be shared.
type Assembler struct {
	config    Config
	source    *template.Template
	connect   Connector
	retryOpts []retry.Option
}

// New validates config and returns an Assembler.
func New(config Config, opts ...Option) (*Assembler, error) {
	if err := config.Retry.Validate(); err != nil {
		return nil, err
	}
	if config.SourcePathTemplate == "" {
		config.SourcePathTemplate = DefaultSourcePathTemplate
	}
	tmpl, err := template.New("source path").Option("missingkey=error").Parse(config.SourcePathTemplate)
	if err != nil {
		return nil, errors.Wrapf(err, "parse source path template %q", config.SourcePathTemplate)
	}
	a := &Assembler{config: config, source: tmpl, connect: Connect}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// SourcePath renders the configured template for req.
func (a *Assembler) SourcePath(req Request) (string, error) {
	var buf bytes.Buffer
	if err := a.source.Execute(&buf, SourcePathVars{Datum: req.DatumID, Repo: req.Repo, Branch: req.Branch}); err != nil {
		return "", errors.Wrap(err, "render source path")
	}
	return path.Clean("/" + buf.String()), nil
}

func validate(req *Request) error {
	switch {
	case req.FilesetID == "":
		return errors.New("fileset ID is required")
	case req.DatumID == "" || req.DatumID == "." || req.DatumID == "..":
		return errors.Errorf("invalid datum ID %q", req.DatumID)
	case strings.ContainsAny(req.DatumID, `/\`):
		return errors.Errorf("datum ID %q must be a single path element", req.DatumID)
	case req.StagingRoot == "":
		return errors.New("staging root is required")
	}
	root, err := filepath.Abs(req.StagingRoot)
	if err != nil {
		return errors.Wrapf(err, "resolve staging root %q", req.StagingRoot)
	}
	req.StagingRoot = root
	return nil
}

// Fetch materializes the datum req.DatumID of fileset req.FilesetID directly under
// req.StagingRoot and returns the root's entries, sorted by name.
//
// Transient store errors are retried according to the configured policy, clearing the staging
// prefix before each attempt.  Any other error is returned as is; on failure the staging prefix
// may remain.
func (a *Assembler) Fetch(ctx context.Context, conn Connection, req Request) (_ []fsutil.FileEntry, retErr error) {
	start := time.Now()
	defer func() {
		durationMetric.Observe(time.Since(start).Seconds())
		fetchesMetric.WithLabelValues(outcome(retErr)).Inc()
	}()
	if err := validate(&req); err != nil {
		return nil, err
	}
	ctx, end := log.SpanContext(ctx, "fetchDatum",
		zap.String("repo", req.Repo),
		zap.String("branch", req.Branch),
		zap.String("datum", req.DatumID),
		zap.String("fileset", req.FilesetID),
		zap.String("stagingRoot", req.StagingRoot))
	defer end(log.Errorp(&retErr))

	sourcePath, err := a.SourcePath(req)
	if err != nil {
		return nil, err
	}
	if err := fsutil.EnsureDir(req.StagingRoot); err != nil {
		return nil, err
	}
	prefix := fsutil.StagingPrefix(req.StagingRoot, req.DatumID)

	t, err := a.connect(ctx, conn)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := t.Close(); err != nil {
			log.Debug(ctx, "problem closing content store connection", zap.Error(err))
		}
	}()

	if err := retry.Do(ctx, a.config.Retry, func(ctx context.Context) error {
		attemptsMetric.Inc()
		if err := fsutil.ResetDir(prefix); err != nil {
			return err
		}
		return t.Assemble(ctx, req.FilesetID, sourcePath, prefix, req.CacheLocation)
	}, transport.IsTransient, a.retryOpts...); err != nil {
		return nil, err
	}

	if err := fsutil.Flatten(req.StagingRoot, req.DatumID); err != nil {
		return nil, err
	}
	entries, err := fsutil.List(req.StagingRoot)
	if err != nil {
		return nil, err
	}
	log.Info(ctx, "datum ready", zap.Int("entries", len(entries)))
	return entries, nil
}

func outcome(err error) string {
	var (
		exhausted *retry.RetriesExhaustedError
		trust     *transport.TrustValidationError
		service   *transport.ServiceError
		fsErr     *fsutil.FilesystemError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &exhausted):
		return "retries_exhausted"
	case errors.As(err, &trust):
		return "trust_validation"
	case errors.As(err, &service):
		return "service_error"
	case errors.As(err, &fsErr):
		return "filesystem_error"
	}
	return "error"
}
