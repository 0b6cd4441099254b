package transcript

import (
	"errors"
	"fmt"
)

// Kind classifies failures so callers can react without reading messages.
type Kind int

const (
	KindUnknown Kind = iota
	KindPermissionDenied
	KindDeviceUnavailable
	KindNetworkFailure
	KindAuthFailure
	KindRateLimited
	KindUnsupportedFormat
	KindEmptyResult
	KindResultFormat
	KindModelInit
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindPermissionDenied:  "permission_denied",
	KindDeviceUnavailable: "device_unavailable",
	KindNetworkFailure:    "network_failure",
	KindAuthFailure:       "auth_failure",
	KindRateLimited:       "rate_limited",
	KindUnsupportedFormat: "unsupported_format",
	KindEmptyResult:       "empty_result",
	KindResultFormat:      "result_format",
	KindModelInit:         "model_init_failure",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether asking the user to try again can help.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetworkFailure, KindRateLimited, KindEmptyResult, KindResultFormat,
		KindModelInit, KindPermissionDenied, KindDeviceUnavailable:
		return true
	}
	return false
}

// OffersFallback reports whether the local engine is a sensible
// alternative after a cloud failure of this kind.
func (k Kind) OffersFallback() bool {
	switch k {
	case KindNetworkFailure, KindAuthFailure, KindRateLimited, KindEmptyResult, KindResultFormat:
		return true
	}
	return false
}

// Sentinels for errors.Is.
var (
	ErrPermissionDenied  = &Error{Kind: KindPermissionDenied}
	ErrDeviceUnavailable = &Error{Kind: KindDeviceUnavailable}
	ErrNetworkFailure    = &Error{Kind: KindNetworkFailure}
	ErrAuthFailure       = &Error{Kind: KindAuthFailure}
	ErrRateLimited       = &Error{Kind: KindRateLimited}
	ErrUnsupportedFormat = &Error{Kind: KindUnsupportedFormat}
	ErrEmptyResult       = &Error{Kind: KindEmptyResult}
	ErrResultFormat      = &Error{Kind: KindResultFormat}
	ErrModelInit         = &Error{Kind: KindModelInit}
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels above work
// with wrapped errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
