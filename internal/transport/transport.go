package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Payload is a send-ready message body produced by a Renderer. Opaque to the
// engine; only the transport interprets it.
type Payload json.RawMessage

// Result is the transport's submission outcome for one recipient.
type Result struct {
	MessageID string
}

// Renderer resolves a flow id plus a variable mapping into a send-ready
// payload. Flow content itself is an external collaborator's concern.
type Renderer interface {
	Render(ctx context.Context, flowID string, vars map[string]string) (Payload, error)
}

// Sender submits one payload to one recipient over a channel. Errors must be
// classifiable as transient or permanent via this package.
type Sender interface {
	Send(ctx context.Context, channelID, waID string, payload Payload) (Result, error)
}

// Error kinds
const (
	KindTransient = "transient"
	KindPermanent = "permanent"
)

// Error is a classified delivery error. Transient errors (network,
// rate-limit) are retried with backoff; permanent ones (invalid recipient,
// rejected content) are recorded immediately.
type Error struct {
	Kind   string
	Code   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s delivery error [%s]: %s: %v", e.Kind, e.Code, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s delivery error [%s]: %s", e.Kind, e.Code, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transientf builds a retryable delivery error.
func Transientf(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindTransient, Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Permanentf builds a non-retryable delivery error.
func Permanentf(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindPermanent, Code: code, Detail: fmt.Sprintf(format, args...)}
}

// IsTransient reports whether err should be retried. Unclassified errors are
// treated as transient so a flaky collaborator never drops a recipient on
// the first hiccup.
func IsTransient(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == KindTransient
	}
	return true
}

// CodeOf extracts the stable reason code from a classified error.
func CodeOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return "unclassified"
}
