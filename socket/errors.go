package socket

import "fmt"

// ExtendedError carries an opaque data payload alongside a message, the
// shape a CONNECT_ERROR packet's data field takes on the wire. Middleware
// rejects a joining session by handing one of these to its next callback.
type ExtendedError struct {
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func NewExtendedError(message string, data any) *ExtendedError {
	return &ExtendedError{Message: message, Data: data}
}

func (e *ExtendedError) Error() string { return e.Message }

// ProtocolError reports reserved-name misuse: Socket.Emit,
// BroadcastOperator.Emit and Namespace.ServerSideEmit return one for a
// reserved event name, and nothing is sent. Malformed wire data is reported
// by parser.ProtocolError instead; the multiplex client closes the
// connection on that, on a duplicate CONNECT and on a packet for an unknown
// namespace, without building a value of this type.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

func NewProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// MiddlewareError wraps the *ExtendedError a middleware step rejected a
// joining session with, kept distinct from ExtendedError so callers can
// errors.As for "this connect was refused by middleware" specifically.
type MiddlewareError struct {
	*ExtendedError
}

func NewMiddlewareError(err *ExtendedError) *MiddlewareError {
	return &MiddlewareError{ExtendedError: err}
}

// TimeoutError reports an ack deadline that elapsed before every expected
// response arrived; any responses collected so far are preserved by the
// caller, not by this error value.
type TimeoutError struct {
	Reason string
}

func (e *TimeoutError) Error() string {
	if e.Reason == "" {
		return "operation has timed out"
	}
	return e.Reason
}

func NewTimeoutError() *TimeoutError { return &TimeoutError{} }

// DisconnectedError reports an ack that was in flight when its owning
// session closed; same propagation shape as TimeoutError; kept distinct so
// callers can tell "ran out of time" from "the peer is gone".
type DisconnectedError struct{}

func (e *DisconnectedError) Error() string { return "socket has been disconnected" }

// SendError reports a transport write that was refused. Ordinary emits
// surface it to the caller; volatile emits suppress it silently.
type SendError struct {
	Err error
}

func (e *SendError) Error() string { return "send failed: " + e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }
