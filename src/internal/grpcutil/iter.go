package grpcutil

import (
	"io"

	"google.golang.org/grpc"

	"github.com/pachyderm/datumfetch/src/internal/errors"
)

// ClientStream is a server-streaming RPC's client side.
type ClientStream[T any] interface {
	Recv() (*T, error)
	grpc.ClientStream
}

// ForEach calls fn for each message received on cs until the server closes the stream.  An error
// from fn stops the iteration and is returned as is.
func ForEach[T any](cs ClientStream[T], fn func(x *T) error) error {
	for {
		x, err := cs.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err //nolint:wrapcheck
		}
		if err := fn(x); err != nil {
			return err
		}
	}
}

// Collect reads every remaining message from cs.
func Collect[T any](cs ClientStream[T]) (ret []*T, _ error) {
	if err := ForEach(cs, func(x *T) error {
		ret = append(ret, x)
		return nil
	}); err != nil {
		return nil, err
	}
	return ret, nil
}
