// Package transport talks to the content store's Fileset service: it dials the store, optionally
// verifying its certificate against a pinned trust bundle, and streams a fileset's files to local
// disk.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/pachyderm/pachyderm/v2/src/storage"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pachyderm/datumfetch/src/internal/errors"
	"github.com/pachyderm/datumfetch/src/internal/grpcutil"
	"github.com/pachyderm/datumfetch/src/internal/log"
	logclient "github.com/pachyderm/datumfetch/src/internal/middleware/logging/client"
)

type settings struct {
	token   string
	caCerts *x509.CertPool
	dialer  func(context.Context, string) (net.Conn, error)
}

// Option configures a Client.
type Option func(*settings) error

// WithAuthToken sends token with every request.
func WithAuthToken(token string) Option {
	return func(s *settings) error {
		s.token = token
		return nil
	}
}

// WithTrustBundle pins the store's certificate chain to the PEM certificates in pemBytes.  The
// system roots are not consulted.  May be combined with WithTrustBundleFile.
func WithTrustBundle(pemBytes []byte) Option {
	return func(s *settings) error {
		if s.caCerts == nil {
			s.caCerts = x509.NewCertPool()
		}
		if ok := s.caCerts.AppendCertsFromPEM(pemBytes); !ok {
			return errors.EnsureStack(&TrustValidationError{Err: errors.New("trust bundle contains no PEM certificates")})
		}
		return nil
	}
}

// WithTrustBundleFile is WithTrustBundle for a file on disk.
func WithTrustBundleFile(path string) Option {
	return func(s *settings) error {
		pemBytes, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "could not read trust bundle from %q", path)
		}
		return WithTrustBundle(pemBytes)(s)
	}
}

// WithSystemCAs verifies the store against the system's root certificates.  It is ignored if a
// trust bundle is also provided.
func WithSystemCAs() Option {
	return func(s *settings) error {
		if s.caCerts != nil {
			return nil
		}
		certs, err := x509.SystemCertPool()
		if err != nil {
			return errors.Wrap(err, "could not retrieve system cert pool")
		}
		s.caCerts = certs
		return nil
	}
}

// WithContextDialer makes connections with dialer instead of over TCP.  The target is passed to
// the dialer unresolved.
func WithContextDialer(dialer func(context.Context, string) (net.Conn, error)) Option {
	return func(s *settings) error {
		s.dialer = dialer
		return nil
	}
}

// DefaultDialOptions are the options every connection to the store uses.
func DefaultDialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                20 * time.Second,
			Timeout:             20 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(grpcutil.MaxMsgSize),
			grpc.MaxCallSendMsgSize(grpcutil.MaxMsgSize),
		),
	}
}

// verifyingCreds remembers certificate verification failures, which gRPC would otherwise report
// as an ordinary Unavailable error.
type verifyingCreds struct {
	credentials.TransportCredentials
	failure *atomic.Pointer[TrustValidationError]
}

func (c *verifyingCreds) ClientHandshake(ctx context.Context, authority string, raw net.Conn) (net.Conn, credentials.AuthInfo, error) {
	conn, info, err := c.TransportCredentials.ClientHandshake(ctx, authority, raw)
	if err != nil && isVerificationFailure(err) {
		c.failure.Store(&TrustValidationError{Authority: authority, Err: err})
	}
	return conn, info, err //nolint:wrapcheck
}

func (c *verifyingCreds) Clone() credentials.TransportCredentials {
	return &verifyingCreds{TransportCredentials: c.TransportCredentials.Clone(), failure: c.failure}
}

// Client is a connection to the content store.  It is safe for concurrent use.
type Client struct {
	target  string
	token   string
	secured bool
	failure atomic.Pointer[TrustValidationError]
	conn    *grpc.ClientConn
	fileset storage.FilesetClient
}

// NewFromAddress is New for a parsed store address.  A grpcs:// address without a trust bundle is
// verified against the system roots.
func NewFromAddress(ctx context.Context, addr *grpcutil.StoreAddress, opts ...Option) (*Client, error) {
	if addr.Secured {
		opts = append(opts, WithSystemCAs())
	}
	return New(ctx, addr.Host, addr.Port, opts...)
}

// New returns a client for the store at host:port.  The connection is established lazily, on the
// first call.
func New(ctx context.Context, host string, port uint16, opts ...Option) (*Client, error) {
	if host == "" {
		return nil, errors.New("transport: empty host")
	}
	var s settings
	for _, opt := range opts {
		if err := opt(&s); err != nil {
			return nil, err
		}
	}
	c := &Client{token: s.token}

	dialOptions := DefaultDialOptions()
	if s.caCerts == nil {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		c.secured = true
		creds := &verifyingCreds{
			TransportCredentials: credentials.NewTLS(&tls.Config{RootCAs: s.caCerts, MinVersion: tls.VersionTLS12}),
			failure:              &c.failure,
		}
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(creds))
	}
	hostPort := net.JoinHostPort(host, strconv.Itoa(int(port)))
	c.target = "dns:///" + hostPort
	if s.dialer != nil {
		c.target = "passthrough:///" + hostPort
		dialOptions = append(dialOptions, grpc.WithContextDialer(s.dialer))
	}
	dialOptions = append(dialOptions, grpc.WithChainStreamInterceptor(logclient.LogStream, grpc_prometheus.StreamClientInterceptor))

	conn, err := grpc.NewClient(c.target, dialOptions...)
	if err != nil {
		return nil, errors.Wrapf(err, "create client for %s", c.target)
	}
	c.conn = conn
	c.fileset = storage.NewFilesetClient(conn)
	log.Debug(ctx, "created content store client", zap.String("target", c.target), zap.Bool("tls", c.secured), zap.Bool("token", c.token != ""))
	return c, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return errors.EnsureStack(c.conn.Close())
}

func (c *Client) withToken(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, log.TokenMetadataKey, c.token)
}

// classify converts an RPC error.  A handshake that failed certificate verification shows up as
// Unavailable, and is reported as the TrustValidationError it really is.
func (c *Client) classify(op string, err error) error {
	if _, ok := status.FromError(err); ok {
		if tve := c.failure.Load(); tve != nil {
			return errors.EnsureStack(tve)
		}
	}
	return serviceError(op, err)
}
