// Package status carries the Status{code, message} error model used
// throughout the runtime. It is built directly on the gRPC
// status/codes package so that errors returned by the direct-socket
// master transport and the gRPC master transport share one shape.
package status

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TransportCode identifies a transport-level failure that has no
// direct analog in the gRPC canonical code set. Carried in
// Status.Transport, set by WithTransport or NotEnoughBuffer.
type TransportCode int

const (
	// TransportNone marks a Status that carries no transport detail.
	TransportNone TransportCode = iota
	// ErrSocketClosed indicates a channel is already broken.
	ErrSocketClosed
	// ErrCorruptedHeader indicates a declared frame length exceeded the
	// channel's maximum, or a UDP datagram was truncated.
	ErrCorruptedHeader
	// ErrNotEnoughBuffer indicates a frame larger than the fixed buffer
	// capacity was rejected rather than grown.
	ErrNotEnoughBuffer
	// ErrReadingWhileReceiving indicates a receive was issued while one
	// was already outstanding on the same channel.
	ErrReadingWhileReceiving
	// ErrWritingWhileSending indicates a send was issued while one was
	// already outstanding on the same channel.
	ErrWritingWhileSending
	// ErrFailedToSerialize indicates payload encoding failed.
	ErrFailedToSerialize
	// ErrFailedToParse indicates payload decoding failed.
	ErrFailedToParse
)

func (c TransportCode) String() string {
	switch c {
	case ErrSocketClosed:
		return "ERR_SOCKET_CLOSED"
	case ErrCorruptedHeader:
		return "ERR_CORRUPTED_HEADER"
	case ErrNotEnoughBuffer:
		return "ERR_NOT_ENOUGH_BUFFER"
	case ErrReadingWhileReceiving:
		return "ERR_READING_WHILE_RECEIVING"
	case ErrWritingWhileSending:
		return "ERR_WRITING_WHILE_SENDING"
	case ErrFailedToSerialize:
		return "ERR_FAILED_TO_SERIALIZE"
	case ErrFailedToParse:
		return "ERR_FAILED_TO_PARSE"
	default:
		return "NONE"
	}
}

// Status is the error value passed to every completion callback in the
// runtime. The zero Status has code OK and equals OK().
type Status struct {
	Code      codes.Code
	Message   string
	Transport TransportCode
	// RequiredSize is populated only for ErrNotEnoughBuffer. For the
	// stream and datagram channels it is the buffer size (header +
	// payload) a retry would need; for the SHM channel it is the number
	// of bytes by which the ring's free space falls short of the frame.
	RequiredSize int
}

// OK returns a successful Status.
func OK() Status { return Status{Code: codes.OK} }

// IsOK reports whether s represents success.
func (s Status) IsOK() bool { return s.Code == codes.OK }

// Error implements the error interface so a Status can be returned
// directly from functions that use Go's normal error-returning style
// internally, then translated to a callback argument at the boundary.
func (s Status) Error() string {
	if s.Transport != TransportNone {
		return fmt.Sprintf("%s: %s (%s)", s.Code, s.Message, s.Transport)
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

// New builds a Status from a gRPC code and a formatted message.
func New(code codes.Code, format string, args ...any) Status {
	return Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithTransport attaches a transport-specific code to a Status,
// normally paired with codes.Unavailable or codes.DataLoss.
func WithTransport(code codes.Code, t TransportCode, format string, args ...any) Status {
	return Status{Code: code, Message: fmt.Sprintf(format, args...), Transport: t}
}

// NotEnoughBuffer builds the ERR_NOT_ENOUGH_BUFFER status carrying the
// size a retry would need.
func NotEnoughBuffer(required int) Status {
	return Status{
		Code:         codes.ResourceExhausted,
		Message:      fmt.Sprintf("buffer too small, need %d bytes", required),
		Transport:    ErrNotEnoughBuffer,
		RequiredSize: required,
	}
}

// Cancelled builds the CANCELLED status used when Stop() drains a
// pending operation.
func Cancelled(what string) Status {
	return Status{Code: codes.Canceled, Message: what + " cancelled"}
}

// FromGRPC converts a gRPC-transport error into a Status, preserving
// the canonical code.
func FromGRPC(err error) Status {
	if err == nil {
		return OK()
	}
	if st, ok := status.FromError(err); ok {
		return Status{Code: st.Code(), Message: st.Message()}
	}
	return Status{Code: codes.Unknown, Message: err.Error()}
}

// ToError converts a non-OK Status to an error, or nil when OK. Useful
// at boundaries that still want Go-idiomatic error returns (e.g. store
// constructors) alongside the callback-style Status used elsewhere.
func ToError(s Status) error {
	if s.IsOK() {
		return nil
	}
	return s
}

// As reports whether err is (or wraps) a Status, mirroring errors.As.
func As(err error, s *Status) bool {
	return errors.As(err, s)
}
