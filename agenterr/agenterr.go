// Package agenterr models the error codes the control channel surfaces to
// the peer via the "error" frame, plus an internal Stage for diagnostics.
package agenterr

import "fmt"

// Stage identifies which component produced the error.
type Stage string

const (
	StageProtocol   Stage = "protocol"
	StagePairing    Stage = "pairing"
	StageSession    Stage = "session"
	StageUpload     Stage = "upload"
	StageBulk       Stage = "bulk"
	StageTelemetry  Stage = "telemetry"
	StageConsoleLog Stage = "console_log"
	StageGameLog    Stage = "game_log"
	StageArtwork    Stage = "artwork"
	StageCatalog    Stage = "catalog"
)

// Code is the wire-facing error code from the agent's error table.
type Code int

const (
	CodeBadRequest      Code = 400
	CodeUnauthorized    Code = 401
	CodeNotFound        Code = 404
	CodeIncompatible    Code = 406
	CodePairingLockedOut Code = 429
)

// Message returns the default human-readable text for a Code, used when a
// caller wraps an error without a more specific message.
func (c Code) Message() string {
	switch c {
	case CodeBadRequest:
		return "bad request"
	case CodeUnauthorized:
		return "not authorized"
	case CodeNotFound:
		return "not found"
	case CodeIncompatible:
		return "incompatible protocol version"
	case CodePairingLockedOut:
		return "pairing locked out"
	default:
		return "error"
	}
}

// Error is a structured error the session writer can translate directly
// into an {error:{code,message}} frame.
type Error struct {
	Stage   Stage
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%d %s): %v", e.Stage, e.Code, e.wireMessage(), e.Err)
	}
	return fmt.Sprintf("%s (%d %s)", e.Stage, e.Code, e.wireMessage())
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) wireMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code.Message()
}

// WireMessage is the text to place on the peer-facing error frame.
func (e *Error) WireMessage() string { return e.wireMessage() }

// Wrap constructs a structured error carrying a wire code and, optionally,
// an underlying cause that is not itself sent to the peer.
func Wrap(stage Stage, code Code, message string, err error) *Error {
	return &Error{Stage: stage, Code: code, Message: message, Err: err}
}

// New is Wrap without an underlying cause.
func New(stage Stage, code Code, message string) *Error {
	return &Error{Stage: stage, Code: code, Message: message}
}

// As extracts an *Error by plain type assertion; an *Error wrapped inside
// another error is not found (use errors.As for that).
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
