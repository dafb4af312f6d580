// Package httptransport puts a guard in front of net/http handlers.
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/porthorian/openguard/pkg/guard"
)

const DefaultMaxBodyBytes int64 = 10 << 20

// Guarder is satisfied by *guard.Guard.
type Guarder interface {
	Do(ctx context.Context, req guard.Request, op guard.OperationFunc) (any, error)
}

type MiddlewareConfig struct {
	TokenHeader string
	// CookieName, when set, is read when TokenHeader is empty.
	CookieName      string
	PrincipalHeader string
	// TrustForwardedFor takes the client IP from the first X-Forwarded-For
	// entry. Enable only behind a proxy that sets it.
	TrustForwardedFor bool
	// MaxBodyBytes bounds how much of the body is buffered for inspection.
	MaxBodyBytes int64
}

func DefaultConfig() MiddlewareConfig {
	return MiddlewareConfig{
		TokenHeader:     "Authorization",
		PrincipalHeader: "X-Principal-ID",
		MaxBodyBytes:    DefaultMaxBodyBytes,
	}
}

type stateKey struct{}

// StateFromContext returns the guard state of a request that passed the guard.
func StateFromContext(ctx context.Context) (*guard.State, bool) {
	state, ok := ctx.Value(stateKey{}).(*guard.State)
	return state, ok && state != nil
}

// Middleware runs every request through g as op. Denied requests are answered
// with a JSON body and next is not called.
func Middleware(g Guarder, op guard.Operation, config MiddlewareConfig) func(http.Handler) http.Handler {
	config = config.WithDefaults()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req, err := BufferRequest(r, op, config.MaxBodyBytes)
			if err != nil {
				WriteError(w, err)
				return
			}
			req.Token = ExtractToken(r, config)
			req.PrincipalID = strings.TrimSpace(r.Header.Get(config.PrincipalHeader))
			req.IP = ClientIP(r, config.TrustForwardedFor)

			_, err = g.Do(r.Context(), req, func(ctx context.Context, state *guard.State) (any, error) {
				next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, stateKey{}, state)))
				return nil, nil
			})
			if err != nil {
				WriteError(w, err)
			}
		})
	}
}

// WriteError answers with the denial found in err, or a bare internal error.
func WriteError(w http.ResponseWriter, err error) {
	denial := DenialFor(err)
	body := denial.Body()
	if body.Remaining != nil {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(*body.Remaining))
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
	}
	WriteJSON(w, denial.HTTPStatus(), body)
}

// DenialFor returns the denial in err's chain. Any other error becomes an
// internal denial whose message hides the cause.
func DenialFor(err error) *guard.Denial {
	if denial, ok := guard.AsDenial(err); ok {
		return denial
	}
	return &guard.Denial{Status: guard.StatusInternalError, Kind: guard.KindInternal, Message: "internal error", Err: err}
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ExtractToken reads a bearer token from the configured header, falling back
// to the configured cookie.
func ExtractToken(r *http.Request, config MiddlewareConfig) string {
	if config.TokenHeader != "" {
		value := strings.TrimSpace(r.Header.Get(config.TokenHeader))
		if scheme, rest, found := strings.Cut(value, " "); found && strings.EqualFold(scheme, "bearer") {
			value = strings.TrimSpace(rest)
		}
		if value != "" {
			return value
		}
	}
	if config.CookieName != "" {
		if cookie, err := r.Cookie(config.CookieName); err == nil {
			return cookie.Value
		}
	}
	return ""
}

func ClientIP(r *http.Request, trustForwardedFor bool) string {
	if trustForwardedFor {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// BufferRequest fills the payload fields of a guard request for op. A body
// over limit is not buffered; op's payload limit is capped at limit instead
// so the guard's payload stage denies the request after authentication.
func BufferRequest(r *http.Request, op guard.Operation, limit int64) (guard.Request, error) {
	body, size, err := readBody(r, limit)
	if err != nil {
		return guard.Request{}, err
	}
	if size > limit && (op.MaxPayload <= 0 || op.MaxPayload > limit) {
		op.MaxPayload = limit
	}
	return guard.Request{PayloadSize: size, Body: body, Operation: op}, nil
}

// readBody buffers up to limit bytes of the body and rewinds it for the next
// handler. size is the larger of the declared Content-Length and what was
// read; when it exceeds limit the body is dropped.
func readBody(r *http.Request, limit int64) (body []byte, size int64, err error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, 0, nil
	}
	if r.ContentLength > limit {
		r.Body = http.NoBody
		return nil, r.ContentLength, nil
	}

	body, err = io.ReadAll(io.LimitReader(r.Body, limit+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, 0, fmt.Errorf("httptransport: read body: %w", err)
	}
	size = int64(len(body))
	if r.ContentLength > size {
		size = r.ContentLength
	}
	if size > limit {
		r.Body = http.NoBody
		return nil, size, nil
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, size, nil
}

// WithDefaults fills unset fields from DefaultConfig.
func (config MiddlewareConfig) WithDefaults() MiddlewareConfig {
	defaults := DefaultConfig()
	if config.TokenHeader == "" && config.CookieName == "" {
		config.TokenHeader = defaults.TokenHeader
	}
	if config.PrincipalHeader == "" {
		config.PrincipalHeader = defaults.PrincipalHeader
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaults.MaxBodyBytes
	}
	return config
}
