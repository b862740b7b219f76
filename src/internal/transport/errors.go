package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pachyderm/datumfetch/src/internal/errors"
)

// ServiceError is a failure reported by the content store, or by the connection to it.
type ServiceError struct {
	Op      string
	Code    codes.Code
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Transient reports whether the operation may succeed if repeated.  Only Unavailable, the
// equivalent of an HTTP 503, is transient.
func (e *ServiceError) Transient() bool {
	return e.Code == codes.Unavailable
}

// IsTransient reports whether err contains a transient ServiceError.  It is the retry predicate
// for Assemble.
func IsTransient(err error) bool {
	var se *ServiceError
	return errors.As(err, &se) && se.Transient()
}

// TrustValidationError means the store's certificate chain could not be verified against the
// trust bundle.  It is never transient.
type TrustValidationError struct {
	Authority string
	Err       error
}

func (e *TrustValidationError) Error() string {
	if e.Authority == "" {
		return fmt.Sprintf("trust validation failed: %v", e.Err)
	}
	return fmt.Sprintf("trust validation failed for %s: %v", e.Authority, e.Err)
}

func (e *TrustValidationError) Unwrap() error { return e.Err }

// errUnexpectedPath is returned when the store sends a file outside the requested source path.
var errUnexpectedPath = errors.New("store returned a path outside the source path")

// isVerificationFailure reports whether a TLS handshake error came from certificate verification,
// as opposed to the network.
func isVerificationFailure(err error) bool {
	var (
		cve *tls.CertificateVerificationError
		uae x509.UnknownAuthorityError
		hne x509.HostnameError
		cie x509.CertificateInvalidError
	)
	return errors.As(err, &cve) || errors.As(err, &uae) || errors.As(err, &hne) || errors.As(err, &cie)
}

// serviceError converts an RPC error into a ServiceError.  Errors that did not come from gRPC
// (local filesystem failures, for example) are returned unchanged.
func serviceError(op string, err error) error {
	s, ok := status.FromError(err)
	if !ok {
		return err
	}
	return errors.EnsureStack(&ServiceError{Op: op, Code: s.Code(), Message: s.Message(), Err: err})
}
