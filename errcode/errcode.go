// Package errcode defines the stable error taxonomy for the CIP client
// (spec §7): a short, comparable Code plus typed wrappers that carry enough
// detail for callers to errors.As into. Each wrapper reports its stable code
// through its Code method (and so through Of); errors.Is does not match a
// wrapper against a Code.
package errcode

import "fmt"

// Code is a stable, caller-facing error identifier. It is a string newtype,
// comparable, and implements error so it can be compared with errors.Is
// directly even when wrapped.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (spec §7).
const (
	OK Code = "ok"

	// EncodeError
	InvalidJoinNumber   Code = "invalid_join_number"
	InvalidStringLength Code = "invalid_string_length"

	// StateError
	NotReady Code = "not_ready" // not (connected AND registered)

	// FramingError
	BadFrame Code = "bad_frame"

	// RegistrationError
	IPIDRejected    Code = "ipid_rejected"
	UnknownResponse Code = "unknown_response"

	// TransportError
	ConnectFailed Code = "connect_failed"
	WriteFailed   Code = "write_failed"
	RemoteClosed  Code = "remote_closed"

	Error Code = "error" // generic fallback
)

// E is an optional wrapper that keeps an operation name, a human message and
// a cause alongside the stable Code.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.C, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.C)
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code { return e.C }

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Error
}

// EncodeError reports a rejected encode call (spec §7: InvalidJoinNumber,
// InvalidStringLength). No bytes are sent when this is returned.
type EncodeError struct {
	C      Code
	JoinID uint16
	Detail string
}

func (e *EncodeError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("cip: %s (join=%d): %s", e.C, e.JoinID, e.Detail)
	}
	return fmt.Sprintf("cip: %s (join=%d)", e.C, e.JoinID)
}
func (e *EncodeError) Code() Code { return e.C }

// StateError reports an operation attempted while not (connected AND
// registered). No bytes are sent when this is returned.
type StateError struct {
	Op string
}

func (e *StateError) Error() string { return fmt.Sprintf("cip: %s: not connected and registered", e.Op) }
func (e *StateError) Code() Code { return NotReady }

// FramingError reports an inbound frame with an impossible or truncated
// length. The socket is closed when this occurs.
type FramingError struct {
	Declared  int
	Available int
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("cip: framing error: declared length %d exceeds %d bytes available", e.Declared, e.Available)
}
func (e *FramingError) Code() Code { return BadFrame }

// RegistrationError reports a failed registration response (spec §4.1
// decode table: "FF FF 02" -> IPIDRejected, anything else -> UnknownResponse).
type RegistrationError struct {
	C      Code
	Reason string
}

func (e *RegistrationError) Error() string { return fmt.Sprintf("cip: registration failed: %s", e.Reason) }
func (e *RegistrationError) Code() Code { return e.C }

// TransportError reports a connect failure, write failure or remote close.
type TransportError struct {
	C   Code
	Err error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cip: transport: %s: %v", e.C, e.Err)
	}
	return fmt.Sprintf("cip: transport: %s", e.C)
}
func (e *TransportError) Unwrap() error { return e.Err }
func (e *TransportError) Code() Code { return e.C }
