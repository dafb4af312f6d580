package errors

import (
	"errors"
)

type Code string

// Authentication failures.
const (
	CodeTokenMissing     Code = "token_missing"
	CodeTokenInvalid     Code = "token_invalid"
	CodeTokenExpired     Code = "token_expired"
	CodeTokenBlacklisted Code = "token_blacklisted"
	CodeTokenWrongType   Code = "token_wrong_type"
	CodeRefreshUnknown   Code = "refresh_unknown"
	CodeUnauthenticated  Code = "unauthenticated"
)

// Authorization and admission failures.
const (
	CodeSessionInvalid   Code = "session_invalid"
	CodeIPNotAllowed     Code = "ip_not_allowed"
	CodeIPBlocked        Code = "ip_blocked"
	CodePermissionDenied Code = "permission_denied"
	CodeRateLimited      Code = "rate_limited"
	CodePayloadTooLarge  Code = "payload_too_large"
	CodeMissingFields    Code = "missing_fields"
	CodeInvalidBody      Code = "invalid_body"
)

const (
	CodeUnknown            Code = "unknown"
	CodeStorageUnavailable Code = "storage_unavailable"
	CodeInvalidConfig      Code = "invalid_config"
	CodeNotImplemented     Code = "not_implemented"
)

var (
	ErrMissingSecret = errors.New("openguard: token secret is required")
	ErrClientClosed  = errors.New("openguard: client is closed")
	ErrUnknownRole   = errors.New("openguard: role is not defined by the policy")
)

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	if e.Message != "" {
		return e.Message
	}

	if e.Err != nil {
		return e.Err.Error()
	}

	return string(e.Code)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	var typed *Error
	if !errors.As(err, &typed) {
		return CodeUnknown
	}
	return typed.Code
}

func IsCode(err error, code Code) bool {
	var typed *Error
	if !errors.As(err, &typed) {
		return false
	}
	return typed.Code == code
}

func IsInternalCode(err error) bool {
	return IsCode(err, CodeUnknown) || IsCode(err, CodeStorageUnavailable) || IsCode(err, CodeNotImplemented)
}
