// Package client is the entry point for programs that need a datum's files on local disk.
package client

import (
	"context"

	"github.com/pachyderm/datumfetch/src/internal/assembler"
	"github.com/pachyderm/datumfetch/src/internal/fsutil"
	"github.com/pachyderm/datumfetch/src/internal/retry"
	"github.com/pachyderm/datumfetch/src/internal/transport"
)

// FileEntry is a top-level entry of a fetched datum: its absolute path and its name in the staging
// root.
type FileEntry = fsutil.FileEntry

// Errors returned by FetchDatum.  Match them with errors.As.
type (
	// ServiceError is a failure reported by the content store.  Transient reports whether
	// repeating the call may help.
	ServiceError = transport.ServiceError
	// TrustValidationError means the store's certificate did not verify against the trust bundle.
	TrustValidationError = transport.TrustValidationError
	// RetriesExhaustedError wraps the last transient ServiceError once every attempt failed.
	RetriesExhaustedError = retry.RetriesExhaustedError
	// FilesystemError is a failure to write the datum to local disk.
	FilesystemError = fsutil.FilesystemError
)

// ErrStagingInUse is wrapped by the FilesystemError returned when a datum's entry named "pfs"
// would replace another datum's staging area.
var ErrStagingInUse = fsutil.ErrStagingInUse

// IsTransient reports whether err contains a transient ServiceError.
func IsTransient(err error) bool {
	return transport.IsTransient(err)
}

// FetchOptions describes one datum fetch.
type FetchOptions struct {
	// Host and Port locate the content store.
	Host string
	Port uint16
	// Repo and Branch name the dataset the datum belongs to.  They are used for logging and in
	// SourcePathTemplate.
	Repo   string
	Branch string
	// StagingRoot is the directory the datum's files end up in.  It is created if needed.
	StagingRoot string
	// Token authenticates to the store, if set.
	Token     string
	FilesetID string
	DatumID   string
	// CacheLocation, if set, is a local directory used to cache fetched datums.
	CacheLocation string
	// TrustBundle pins the store's certificate to these PEM certificates.  Without it the
	// connection is plaintext, unless Secured is set.
	TrustBundle []byte
	Secured     bool

	// SourcePathTemplate overrides where the datum lives in the fileset; the default is
	// "/pfs/{{.Datum}}".
	SourcePathTemplate string
	// MaxAttempts overrides the number of calls made to the store while it is unavailable.
	MaxAttempts int
}

// FetchDatum copies the files of one datum into opts.StagingRoot and returns the root's entries
// sorted by name.  Transient store failures are retried with exponential backoff.
//
// Errors can be examined with errors.As against ServiceError, TrustValidationError,
// RetriesExhaustedError and FilesystemError.  There is no partial result.
func FetchDatum(ctx context.Context, opts FetchOptions) ([]FileEntry, error) {
	config := assembler.DefaultConfig()
	if opts.SourcePathTemplate != "" {
		config.SourcePathTemplate = opts.SourcePathTemplate
	}
	if opts.MaxAttempts != 0 {
		config.Retry.MaxAttempts = opts.MaxAttempts
	}
	a, err := assembler.New(config)
	if err != nil {
		return nil, err
	}
	return a.Fetch(ctx, assembler.Connection{
		Host:        opts.Host,
		Port:        opts.Port,
		Token:       opts.Token,
		TrustBundle: opts.TrustBundle,
		Secured:     opts.Secured,
	}, assembler.Request{
		Repo:          opts.Repo,
		Branch:        opts.Branch,
		StagingRoot:   opts.StagingRoot,
		FilesetID:     opts.FilesetID,
		DatumID:       opts.DatumID,
		CacheLocation: opts.CacheLocation,
	})
}
