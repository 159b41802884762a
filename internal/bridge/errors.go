package bridge

import "net/http"

// Kind names a category of failure the bridge can produce, independent of
// the transport (HTTP status, SSE chunk, JSON body) that eventually
// surfaces it.
type Kind string

const (
	KindAuthInvalid         Kind = "auth_invalid"
	KindBadRequest          Kind = "bad_request"
	KindSessionUnresolved   Kind = "session_unresolved"
	KindPeerDisconnected    Kind = "peer_disconnected"
	KindPeerTimeout         Kind = "peer_timeout"
	KindAttachmentTooLarge  Kind = "attachment_too_large"
	KindAttachmentProcessing Kind = "attachment_processing"
	KindUpstreamError       Kind = "upstream_error"
	KindCaptchaPending      Kind = "captcha_pending"
	KindInternal            Kind = "internal"
)

// httpStatus maps a Kind to its default HTTP status, per the error-handling
// policy table: auth/bad-request/session kinds never reach the upstream;
// disconnection and timeout surface as 503; attachment and upstream
// failures vary by where they occur.
var httpStatus = map[Kind]int{
	KindAuthInvalid:          http.StatusUnauthorized,
	KindBadRequest:           http.StatusBadRequest,
	KindSessionUnresolved:    http.StatusBadRequest,
	KindPeerDisconnected:     http.StatusServiceUnavailable,
	KindPeerTimeout:          http.StatusServiceUnavailable,
	KindAttachmentTooLarge:   http.StatusRequestEntityTooLarge,
	KindAttachmentProcessing: http.StatusInternalServerError,
	KindUpstreamError:        http.StatusOK, // mid-stream: surfaced in-band, not as a status
	KindCaptchaPending:       http.StatusServiceUnavailable,
	KindInternal:             http.StatusInternalServerError,
}

// Error is the bridge's uniform error type. It is constructed at the point
// of failure and mapped to HTTP/SSE/JSON by the caller; it is never
// swallowed — an uncategorised failure is wrapped as KindInternal with the
// original message intact.
type Error struct {
	Kind       Kind
	Message    string
	HTTPStatus int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with the default HTTP status for kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, HTTPStatus: httpStatus[kind]}
}

// Wrap builds an Error carrying an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, HTTPStatus: httpStatus[kind], Err: err}
}

// Internal wraps an uncategorised error as KindInternal, preserving its
// message rather than discarding it.
func Internal(err error) *Error {
	if be, ok := err.(*Error); ok {
		return be
	}
	return Wrap(KindInternal, err.Error(), err)
}
