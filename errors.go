package raven

import (
	"errors"
)

// Kind classifies the failures returned by the client.
type Kind uint8

const (
	KindUndefined Kind = iota
	// KindConfig is a bad or missing DSN, or an invalid option. Never retried.
	KindConfig
	// KindTransport covers connection, TLS, status and timeout failures.
	KindTransport
	// KindQueueFull means the async queue rejected the event.
	KindQueueFull
	// KindCapture is an internal failure while assembling an event.
	KindCapture
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindTransport:
		return "transport"
	case KindQueueFull:
		return "queue_full"
	case KindCapture:
		return "capture"
	default:
		return "undefined"
	}
}

// Error represents a client-specific error
type Error struct {
	Op      string
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Custom errors
var (
	ErrEmptyDSN    = &Error{Op: "dsn_parse", Kind: KindConfig, Message: "empty dsn"}
	ErrQueueFull   = &Error{Op: "queue_enqueue", Kind: KindQueueFull, Message: "queue is full"}
	ErrQueueClosed = &Error{Op: "queue_enqueue", Kind: KindTransport, Message: "queue is closed"}
)

// IsKind reports whether err, or any error it wraps, is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func transportError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindTransport, Message: err.Error(), Err: err}
}
