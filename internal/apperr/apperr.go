// Package apperr defines the failure kinds shared by the platform client,
// the credential lifecycle and the reward ledger.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
)

// Kind classifies a failure independently of where it happened.
type Kind string

const (
	KindNone               Kind = ""
	KindNetworkTimeout     Kind = "NETWORK_TIMEOUT"
	KindNetworkUnreachable Kind = "NETWORK_UNREACHABLE"
	KindNetworkOther       Kind = "NETWORK_OTHER"
	KindAuthFailed         Kind = "AUTH_FAILED"
	KindRateLimited        Kind = "RATE_LIMITED"
	KindNotFound           Kind = "RESOURCE_NOT_FOUND"
	KindProtocol           Kind = "PROTOCOL_PARSE_ERROR"
	KindUpstreamRejected   Kind = "UPSTREAM_REJECTED"
	KindCredentialDisabled Kind = "CREDENTIAL_DISABLED"
	KindCredentialExpired  Kind = "CREDENTIAL_EXPIRED"
	KindBindConflict       Kind = "BIND_CONFLICT"
	KindAlreadyIssued      Kind = "ALREADY_ISSUED"
	KindStorage            Kind = "STORAGE_ERROR"
)

// Error carries a Kind together with the operation that failed.
// Code holds the upstream HTTP status or business code when there is one.
type Error struct {
	Kind Kind
	Op   string
	Code int
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (code %d)", msg, e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithCode builds an *Error that remembers an upstream status or business code.
func WithCode(kind Kind, op string, code int, err error) *Error {
	return &Error{Kind: kind, Op: op, Code: code, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain,
// or KindNone when err carries no classification.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether a later attempt may succeed without any
// change to the credential or to the request.
func IsRetryable(kind Kind) bool {
	switch kind {
	case KindNetworkTimeout, KindNetworkUnreachable, KindNetworkOther, KindRateLimited:
		return true
	default:
		return false
	}
}

// FromTransport classifies an error returned by http.Client.Do.
func FromTransport(op string, err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return New(KindNetworkTimeout, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return New(KindNetworkTimeout, op, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return New(KindNetworkUnreachable, op, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return New(KindNetworkUnreachable, op, err)
	}
	return New(KindNetworkOther, op, err)
}

// FromHTTPStatus classifies a non-2xx HTTP status. It returns nil for 2xx.
func FromHTTPStatus(op string, status int) *Error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return WithCode(KindAuthFailed, op, status, nil)
	case status == http.StatusTooManyRequests:
		return WithCode(KindRateLimited, op, status, nil)
	case status == http.StatusNotFound:
		return WithCode(KindNotFound, op, status, nil)
	default:
		return WithCode(KindNetworkOther, op, status, nil)
	}
}
