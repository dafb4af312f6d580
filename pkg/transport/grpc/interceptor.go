// Package grpctransport guards gRPC-style unary and stream handlers. The
// handler types mirror google.golang.org/grpc so a thin adapter can wire
// them to a real server without this package importing it.
package grpctransport

import (
	"context"
	"encoding/json"
	"errors"

	ogerrors "github.com/porthorian/openguard/pkg/errors"
	"github.com/porthorian/openguard/pkg/guard"
)

var ErrUnknownMethod = errors.New("grpctransport: method has no guarded operation")

// Guarder is satisfied by *guard.Guard.
type Guarder interface {
	Do(ctx context.Context, req guard.Request, op guard.OperationFunc) (any, error)
}

type UnaryHandler func(ctx context.Context, req any) (any, error)

type UnaryServerInfo struct {
	FullMethod string
}

type UnaryServerInterceptor func(ctx context.Context, req any, info *UnaryServerInfo, handler UnaryHandler) (any, error)

type ServerStream interface {
	Context() context.Context
}

type StreamHandler func(srv any, stream ServerStream) error

type StreamServerInfo struct {
	FullMethod string
}

type StreamServerInterceptor func(srv any, stream ServerStream, info *StreamServerInfo, handler StreamHandler) error

// Credentials are what the caller presented, typically copied from incoming
// metadata and the peer address.
type Credentials struct {
	Token       string
	PrincipalID string
	IP          string
}

type credentialsKey struct{}

func ContextWithCredentials(ctx context.Context, creds Credentials) context.Context {
	return context.WithValue(ctx, credentialsKey{}, creds)
}

func CredentialsFromContext(ctx context.Context) Credentials {
	creds, _ := ctx.Value(credentialsKey{}).(Credentials)
	return creds
}

type stateKey struct{}

func StateFromContext(ctx context.Context) (*guard.State, bool) {
	state, ok := ctx.Value(stateKey{}).(*guard.State)
	return state, ok && state != nil
}

type Config struct {
	// Operations maps a full method name to its operation.
	Operations map[string]guard.Operation
	// Default guards methods missing from Operations. When nil such methods
	// fail with ErrUnknownMethod.
	Default *guard.Operation
	// Encode renders a unary request for size and field checks. Defaults to
	// encoding/json.
	Encode func(req any) ([]byte, error)
}

func (c Config) operation(method string) (guard.Operation, error) {
	if op, ok := c.Operations[method]; ok {
		if op.Name == "" {
			op.Name = method
		}
		return op, nil
	}
	if c.Default != nil {
		op := *c.Default
		op.Name = method
		return op, nil
	}
	return guard.Operation{}, ErrUnknownMethod
}

func UnaryInterceptor(g Guarder, config Config) UnaryServerInterceptor {
	encode := config.Encode
	if encode == nil {
		encode = json.Marshal
	}

	return func(ctx context.Context, req any, info *UnaryServerInfo, handler UnaryHandler) (any, error) {
		op, err := config.operation(info.FullMethod)
		if err != nil {
			return nil, err
		}

		var body []byte
		if req != nil {
			if body, err = encode(req); err != nil {
				return nil, &guard.Denial{
					Status:  guard.StatusValidationError,
					Kind:    guard.KindValidation,
					Code:    ogerrors.CodeInvalidBody,
					Message: "request could not be encoded",
					Err:     err,
				}
			}
		}

		creds := CredentialsFromContext(ctx)
		return g.Do(ctx, guard.Request{
			Token:       creds.Token,
			PrincipalID: creds.PrincipalID,
			IP:          creds.IP,
			PayloadSize: int64(len(body)),
			Body:        body,
			Operation:   op,
		}, func(ctx context.Context, state *guard.State) (any, error) {
			return handler(context.WithValue(ctx, stateKey{}, state), req)
		})
	}
}

type guardedStream struct {
	ServerStream
	ctx context.Context
}

func (s *guardedStream) Context() context.Context {
	return s.ctx
}

// StreamInterceptor guards the stream once, when it opens.
func StreamInterceptor(g Guarder, config Config) StreamServerInterceptor {
	return func(srv any, stream ServerStream, info *StreamServerInfo, handler StreamHandler) error {
		op, err := config.operation(info.FullMethod)
		if err != nil {
			return err
		}

		ctx := stream.Context()
		creds := CredentialsFromContext(ctx)
		_, err = g.Do(ctx, guard.Request{
			Token:       creds.Token,
			PrincipalID: creds.PrincipalID,
			IP:          creds.IP,
			Operation:   op,
		}, func(ctx context.Context, state *guard.State) (any, error) {
			return nil, handler(srv, &guardedStream{ServerStream: stream, ctx: context.WithValue(ctx, stateKey{}, state)})
		})
		return err
	}
}

// CodeName maps err onto the gRPC status code name a server adapter should use.
func CodeName(err error) string {
	if err == nil {
		return "OK"
	}
	if errors.Is(err, ErrUnknownMethod) {
		return "Unimplemented"
	}
	denial, ok := guard.AsDenial(err)
	if !ok {
		return "Unknown"
	}
	switch denial.Status {
	case guard.StatusUnauthorized:
		return "Unauthenticated"
	case guard.StatusForbidden:
		return "PermissionDenied"
	case guard.StatusRateLimited:
		return "ResourceExhausted"
	case guard.StatusPayloadTooLarge, guard.StatusValidationError:
		return "InvalidArgument"
	default:
		return "Internal"
	}
}
