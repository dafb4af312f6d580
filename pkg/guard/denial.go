package guard

import (
	"errors"
	"net/http"
	"time"

	ogerrors "github.com/porthorian/openguard/pkg/errors"
)

type Status string

const (
	StatusOK              Status = "OK"
	StatusUnauthorized    Status = "UNAUTHORIZED"
	StatusForbidden       Status = "FORBIDDEN"
	StatusRateLimited     Status = "RATE_LIMITED"
	StatusPayloadTooLarge Status = "PAYLOAD_TOO_LARGE"
	StatusValidationError Status = "VALIDATION_ERROR"
	StatusInternalError   Status = "INTERNAL_ERROR"
	// StatusOperationError marks a call whose stages all passed but whose
	// operation returned an error of its own.
	StatusOperationError Status = "OPERATION_ERROR"
)

type Kind string

const (
	KindAuthentication  Kind = "authentication_failure"
	KindAuthorization   Kind = "authorization_failure"
	KindSession         Kind = "session_invalid"
	KindRateLimit       Kind = "rate_limit_exceeded"
	KindPayloadTooLarge Kind = "payload_too_large"
	KindValidation      Kind = "validation_failure"
	KindInternal        Kind = "internal"
)

// Denial is the tagged result of a failed stage. The guarded operation
// never runs when Do returns one.
type Denial struct {
	Status  Status
	Kind    Kind
	Code    ogerrors.Code
	Message string
	Stage   string

	// Remaining and RetryAfter are set for RATE_LIMITED.
	Remaining  int
	RetryAfter time.Duration
	// MissingFields is set for VALIDATION_ERROR.
	MissingFields []string

	Err error
}

func (d *Denial) Error() string {
	if d == nil {
		return ""
	}
	if d.Message != "" {
		return d.Message
	}
	return string(d.Status)
}

func (d *Denial) Unwrap() error {
	if d == nil {
		return nil
	}
	return d.Err
}

// HTTPStatus maps the denial status onto an HTTP response code.
func (d *Denial) HTTPStatus() int {
	switch d.Status {
	case StatusUnauthorized:
		return http.StatusUnauthorized
	case StatusForbidden:
		return http.StatusForbidden
	case StatusRateLimited:
		return http.StatusTooManyRequests
	case StatusPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case StatusValidationError:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Body is the wire form of a denial shared by the transports.
type Body struct {
	Status            Status        `json:"status"`
	Code              ogerrors.Code `json:"code"`
	Message           string        `json:"message"`
	Stage             string        `json:"stage,omitempty"`
	Remaining         *int          `json:"remaining,omitempty"`
	RetryAfterSeconds int           `json:"retry_after_seconds,omitempty"`
	MissingFields     []string      `json:"missing_fields,omitempty"`
}

func (d *Denial) Body() Body {
	body := Body{
		Status:        d.Status,
		Code:          d.Code,
		Message:       d.Error(),
		Stage:         d.Stage,
		MissingFields: d.MissingFields,
	}
	if d.Status == StatusRateLimited {
		remaining := d.Remaining
		body.Remaining = &remaining
		body.RetryAfterSeconds = RetryAfterSeconds(d.RetryAfter)
	}
	return body
}

// RetryAfterSeconds rounds d up to whole seconds, never below one.
func RetryAfterSeconds(d time.Duration) int {
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}

// AsDenial finds a *Denial in err's chain.
func AsDenial(err error) (*Denial, bool) {
	var denial *Denial
	if errors.As(err, &denial) {
		return denial, true
	}
	return nil, false
}

func unauthorized(code ogerrors.Code, message string) *Denial {
	return &Denial{Status: StatusUnauthorized, Kind: KindAuthentication, Code: code, Message: message}
}

func forbidden(kind Kind, code ogerrors.Code, message string) *Denial {
	return &Denial{Status: StatusForbidden, Kind: kind, Code: code, Message: message}
}

func internal(err error) *Denial {
	return &Denial{
		Status:  StatusInternalError,
		Kind:    KindInternal,
		Code:    ogerrors.CodeOf(err),
		Message: "internal error",
		Err:     err,
	}
}
