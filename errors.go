package zmsg

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures of the transport core.
type ErrorKind uint8

const (
	// KindFraming is a malformed length prefix or a truncated header.
	KindFraming ErrorKind = iota + 1
	// KindTransport is a socket read, write or handshake failure.
	KindTransport
	// KindRemoteReject is a non-zero result code returned by the broker.
	KindRemoteReject
	// KindCancelled is a wait released by transport teardown.
	KindCancelled
	// KindCapacity means no correlation slot was free.
	KindCapacity
)

func (k ErrorKind) String() string {
	switch k {
	case KindFraming:
		return "framing"
	case KindTransport:
		return "transport"
	case KindRemoteReject:
		return "remote reject"
	case KindCancelled:
		return "cancelled"
	case KindCapacity:
		return "capacity"
	default:
		return "unknown"
	}
}

// sentinels for errors.Is
var (
	ErrFraming      = &Error{Kind: KindFraming}
	ErrTransport    = &Error{Kind: KindTransport}
	ErrRemoteReject = &Error{Kind: KindRemoteReject}
	ErrCancelled    = &Error{Kind: KindCancelled}
	ErrCapacity     = &Error{Kind: KindCapacity}

	// ErrClosed is the teardown cause when the application closes the connection.
	ErrClosed = errors.New("zmsg: connection closed")
	// ErrConsumerClosed is returned by Receive once the consumer is closed.
	ErrConsumerClosed = errors.New("zmsg: consumer closed")
)

// Error is the error type of this package.
type Error struct {
	Kind ErrorKind
	Op   string
	// Code is the broker result code for KindRemoteReject.
	Code int32
	// Remote context carried by a raised exception.
	Message     string
	SessionID   int32
	ProducerID  int32
	Destination string

	Err error
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("zmsg: ")
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" (")
		b.WriteString(e.Op)
		b.WriteString(")")
	}
	if e.Kind == KindRemoteReject {
		fmt.Fprintf(&b, ": code %d", e.Code)
		if e.Message != "" {
			b.WriteString(" ")
			b.WriteString(e.Message)
		}
		if e.SessionID != 0 {
			fmt.Fprintf(&b, " session=%d", e.SessionID)
		}
		if e.ProducerID != 0 {
			fmt.Fprintf(&b, " producer=%d", e.ProducerID)
		}
		if e.Destination != "" {
			fmt.Fprintf(&b, " destination=%s", e.Destination)
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrCancelled) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// exceptionError builds the error for a raiseException frame from its
// header fields: code, message, session id, producer id, destination.
func exceptionError(values []interface{}) *Error {
	e := &Error{Kind: KindRemoteReject, Op: "raised exception"}
	for i, v := range values {
		switch i {
		case 0:
			e.Code = asInt32(v)
		case 1:
			e.Message, _ = v.(string)
		case 2:
			e.SessionID = asInt32(v)
		case 3:
			e.ProducerID = asInt32(v)
		case 4:
			e.Destination, _ = v.(string)
		}
	}
	return e
}

func asInt32(v interface{}) int32 {
	switch n := v.(type) {
	case int32:
		return n
	case int64:
		return int32(n)
	}
	return 0
}
