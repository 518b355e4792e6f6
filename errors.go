package framing

import (
	"github.com/pkg/errors"
)

// Errors returned by codec and connection operations.
// Callers should test for them with errors.Is, the returned values carry
// extra context (declared length, stream offset) added with errors.Wrapf.
var (
	// ErrOversizeFrame is returned when a declared or actual payload length exceeds the limit.
	// It is fatal for the connection and must never be retried by reading more.
	ErrOversizeFrame = errors.New("frame too large")
	// ErrMalformedPayload is returned when a complete payload fails to deserialize.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrSerialization is returned when a value cannot be serialized for sending.
	ErrSerialization = errors.New("serialization failure")
	// ErrEndOfStream is returned when the peer closed the stream with nothing buffered.
	ErrEndOfStream = errors.New("end of stream")
	// ErrTransport wraps read and write failures of the underlying connection.
	ErrTransport = errors.New("transport error")
	// ErrStalled is returned when a partial frame stays incomplete past the stall timeout.
	ErrStalled = errors.New("stalled on partial frame")
	// ErrTruncatedFrame is returned when the peer closed the stream in the middle of a frame.
	ErrTruncatedFrame = errors.New("stream ended inside a frame")

	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrCloseRequested may be returned by a frame handler to end Run gracefully,
	// typically after processing an explicit close frame.
	ErrCloseRequested = errors.New("close requested")

	// ErrInvalidSerializer is returned when no serializer is provided.
	ErrInvalidSerializer = errors.New("invalid serializer")
	// ErrInvalidConn is returned when no transport connection is provided.
	ErrInvalidConn = errors.New("invalid connection")
)

// Kind classifies an error for logging and teardown decisions.
type Kind int

const (
	// KindNone is the kind of a nil error.
	KindNone Kind = iota
	// KindOversize marks ErrOversizeFrame.
	KindOversize
	// KindMalformed marks ErrMalformedPayload.
	KindMalformed
	// KindSerialization marks ErrSerialization, the only kind a connection survives.
	KindSerialization
	// KindEndOfStream marks ErrEndOfStream, a clean close by the peer.
	KindEndOfStream
	// KindTransport marks ErrTransport.
	KindTransport
	// KindStall marks ErrStalled.
	KindStall
	// KindTruncated marks ErrTruncatedFrame.
	KindTruncated
	// KindClosed marks ErrConnectionClosed.
	KindClosed
	// KindOther is any error outside the framing taxonomy, such as a handler error.
	KindOther
)

var kindNames = [...]string{
	KindNone:          "none",
	KindOversize:      "oversize",
	KindMalformed:     "malformed",
	KindSerialization: "serialization",
	KindEndOfStream:   "end_of_stream",
	KindTransport:     "transport",
	KindStall:         "stall",
	KindTruncated:     "truncated",
	KindClosed:        "closed",
	KindOther:         "other",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// KindOf returns the Kind of err. A nil error is KindNone.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrOversizeFrame):
		return KindOversize
	case errors.Is(err, ErrMalformedPayload):
		return KindMalformed
	case errors.Is(err, ErrSerialization):
		return KindSerialization
	case errors.Is(err, ErrEndOfStream):
		return KindEndOfStream
	case errors.Is(err, ErrStalled):
		return KindStall
	case errors.Is(err, ErrTruncatedFrame):
		return KindTruncated
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrConnectionClosed):
		return KindClosed
	default:
		return KindOther
	}
}

// IsFatal reports whether err requires tearing down the connection.
// Serialization failures only affect the send attempt that produced them.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindNone, KindSerialization:
		return false
	default:
		return true
	}
}

// wrapError attaches a sentinel to an underlying error while keeping
// the cause reachable through errors.Is and errors.As.
type wrapError struct {
	sentinel error
	cause    error
}

func (e *wrapError) Error() string { return e.sentinel.Error() + ": " + e.cause.Error() }

func (e *wrapError) Unwrap() []error { return []error{e.sentinel, e.cause} }

func transportError(cause error, format string, args ...interface{}) error {
	return errors.Wrapf(&wrapError{sentinel: ErrTransport, cause: cause}, format, args...)
}
