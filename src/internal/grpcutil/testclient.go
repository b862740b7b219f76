package grpcutil

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// NewTestListener starts an in-memory gRPC server with the services that regFunc registers.  The
// returned dialer connects to it; the server is stopped when the test ends.
func NewTestListener(t testing.TB, regFunc func(*grpc.Server)) func(context.Context, string) (net.Conn, error) {
	t.Helper()
	eg := errgroup.Group{}
	gserv := grpc.NewServer()
	listener := bufconn.Listen(1 << 20)
	regFunc(gserv)
	eg.Go(func() error {
		return gserv.Serve(listener) //nolint:wrapcheck
	})
	t.Cleanup(func() {
		gserv.GracefulStop()
		require.NoError(t, eg.Wait())
	})
	return func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx) //nolint:wrapcheck
	}
}

// NewTestClient returns a plaintext connection to an in-memory server built by regFunc.
func NewTestClient(t testing.TB, regFunc func(*grpc.Server)) *grpc.ClientConn {
	t.Helper()
	dialer := NewTestListener(t, regFunc)
	gconn, err := grpc.NewClient("passthrough:///bufconn",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { gconn.Close() })
	return gconn
}
