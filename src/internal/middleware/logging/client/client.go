// Package client contains gRPC client interceptors that log RPCs.
package client

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/pachyderm/datumfetch/src/internal/errors"
	"github.com/pachyderm/datumfetch/src/internal/log"
)

// parseMethod splits "/pachyderm.storage.Fileset/ReadFileset" into service and method.
func parseMethod(fullMethod string) (string, string) {
	fullMethod = strings.Trim(fullMethod, "/")
	parts := strings.SplitN(fullMethod, "/", 2)
	if len(parts) < 2 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

type loggingStream struct {
	grpc.ClientStream
	ctx            context.Context
	serverStreams  bool
	end            log.EndSpanFunc
	once           sync.Once
	sent, received atomic.Int64
}

func (s *loggingStream) finish(err error) {
	s.once.Do(func() {
		fields := []log.Field{
			zap.Int64("messagesSent", s.sent.Load()),
			zap.Int64("messagesReceived", s.received.Load()),
		}
		if err != nil {
			fields = append(fields, zap.Stringer("code", status.Code(err)), zap.Error(err))
		}
		s.end(fields...)
	})
}

func (s *loggingStream) SendMsg(m any) error {
	err := s.ClientStream.SendMsg(m)
	if err != nil {
		// The real error is reported by RecvMsg.
		return err //nolint:wrapcheck
	}
	s.sent.Add(1)
	return nil
}

func (s *loggingStream) CloseSend() error {
	err := s.ClientStream.CloseSend()
	log.Debug(s.ctx, "send side of stream closed", zap.Error(err))
	return err //nolint:wrapcheck
}

func (s *loggingStream) RecvMsg(m any) error {
	err := s.ClientStream.RecvMsg(m)
	switch {
	case err == nil:
		s.received.Add(1)
		if !s.serverStreams {
			s.finish(nil)
		}
	case errors.Is(err, io.EOF):
		s.finish(nil)
	default:
		s.finish(err)
	}
	return err //nolint:wrapcheck
}

// LogStream is a grpc.StreamClientInterceptor that opens a span for each stream.  The span ends
// when the stream does: at io.EOF, at the first error, or after the only response of a
// client-streaming RPC.  Message payloads are not logged, only counted.
func LogStream(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	service, name := parseMethod(method)
	ctx, end := log.SpanContext(ctx, name, zap.String("service", service), zap.String("target", cc.Target()))
	log.Debug(ctx, "stream started", log.OutgoingMetadata(ctx))
	cs, err := streamer(ctx, desc, cc, method, opts...)
	if err != nil {
		end(zap.Stringer("code", status.Code(err)), zap.Error(err))
		return nil, err
	}
	return &loggingStream{
		ClientStream:  cs,
		ctx:           ctx,
		serverStreams: desc.ServerStreams,
		end:           end,
	}, nil
}
