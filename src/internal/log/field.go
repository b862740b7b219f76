package log

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/pachyderm/datumfetch/src/internal/errors"
)

// TokenMetadataKey is the gRPC metadata key that carries the content store's auth token.  Its
// value is never logged.
const TokenMetadataKey = "authn-token"

type conciseBytes []byte

func (b conciseBytes) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("len", len(b))
	return nil
}

// Proto is a Field containing a protocol buffer message.  Byte payloads are logged by length only.
func Proto(name string, msg proto.Message) Field {
	switch x := msg.(type) {
	case nil:
		return zap.Skip()
	case zapcore.ObjectMarshaler:
		return zap.Object(name, x)
	case *emptypb.Empty:
		return zap.Skip()
	case *wrapperspb.BytesValue:
		return zap.Object(name, conciseBytes(x.GetValue()))
	case *wrapperspb.StringValue:
		return zap.String(name, x.GetValue())
	}
	return zap.Any(name, msg)
}

type attempt struct{ i, max int }

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (a attempt) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("attempt", a.i)
	enc.AddInt("totalAttempts", a.max)
	return nil
}

// RetryAttempt is a Field that encodes the current retry (0-indexed) and the total number of
// retries.  It's intended for a for loop where "i" is the loop iterator and "max" is the upper
// bound "i < max".
func RetryAttempt(i int, max int) Field {
	return zap.Inline(&attempt{i: i, max: max})
}

// Metadata is a Field that logs the provided metadata (lowercasing keys, collapsing
// single-element values to strings, and masking the auth token).
func Metadata(name string, md metadata.MD) Field {
	return zap.Object(name, zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		keys := make([]string, 0, len(md))
		for k := range md {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := md[k]
			if strings.EqualFold(k, TokenMetadataKey) {
				masked := make([]string, len(v))
				for i := range masked {
					masked[i] = "[MASKED]"
				}
				v = masked
			}
			switch len(v) {
			case 0:
				continue
			case 1:
				enc.AddString(strings.ToLower(k), v[0])
			default:
				if err := enc.AddArray(strings.ToLower(k), zapcore.ArrayMarshalerFunc(
					func(enc zapcore.ArrayEncoder) error {
						for _, x := range v {
							enc.AppendString(x)
						}
						return nil
					},
				)); err != nil {
					return errors.Wrap(err, "add metadata value array")
				}
			}
		}
		return nil
	}))
}

// OutgoingMetadata is a Field that logs the outgoing metadata associated with the provided context.
func OutgoingMetadata(ctx context.Context) Field {
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		return zap.Skip()
	}
	return Metadata("metadata", md)
}
