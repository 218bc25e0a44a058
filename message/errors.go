package message

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind byte

const (
	KindProtocol          Kind = iota + 1 // malformed frame
	KindUnexpectedEOF                     // empty or truncated stream
	KindTimeout                           // deadline exceeded before a response arrived
	KindConnectFailure                    // could not open a connection
	KindRemote                            // server answered with an ERROR frame
	KindNoSuchMethod                      // name/arity not registered
	KindSubscriberOffline                 // push target evicted or unknown
	KindClosed                            // transporter or client already closed
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol error"
	case KindUnexpectedEOF:
		return "unexpected EOF"
	case KindTimeout:
		return "timeout"
	case KindConnectFailure:
		return "connect failure"
	case KindRemote:
		return "remote error"
	case KindNoSuchMethod:
		return "no such method"
	case KindSubscriberOffline:
		return "subscriber offline"
	case KindClosed:
		return "closed"
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// Error carries a Kind plus a message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Kind.String() + ": " + e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Kind.String() + ": " + e.Message
	case e.Err != nil:
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match when target is an *Error of the same Kind.
// This lets callers write errors.Is(err, message.ErrTimeout).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrProtocol          = &Error{Kind: KindProtocol}
	ErrUnexpectedEOF     = &Error{Kind: KindUnexpectedEOF}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrConnectFailure    = &Error{Kind: KindConnectFailure}
	ErrRemote            = &Error{Kind: KindRemote}
	ErrNoSuchMethod      = &Error{Kind: KindNoSuchMethod}
	ErrSubscriberOffline = &Error{Kind: KindSubscriberOffline}
	ErrClosed            = &Error{Kind: KindClosed}
)

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind to err. A nil err yields nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsTransportFailure reports whether err happened before a well-formed
// response was received, which makes it eligible for retry and failswitch.
// Remote and protocol errors are answers, not delivery failures.
func IsTransportFailure(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindRemote, KindProtocol, KindNoSuchMethod, KindSubscriberOffline, KindClosed:
		return false
	}
	return true
}
