package bridge

import (
	"errors"
	"fmt"
)

// BridgeError represents a base error type for bridge-related errors
type BridgeError struct {
	Op      string // Operation that failed
	Message string // Human-readable error message
	Err     error  // Underlying error if any
}

func (e *BridgeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *BridgeError) Unwrap() error {
	return e.Err
}

// Is implements the interface for errors.Is functionality
func (e *BridgeError) Is(target error) bool {
	switch t := target.(type) {
	case *BridgeError:
		return e.Message == t.Message
	case *SessionError:
		return e.Message == t.Message
	}
	return false
}

// SessionError represents errors tied to a single client connection
type SessionError struct {
	BridgeError
	SessionID string
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: session %s: %s: %v", e.Op, e.SessionID, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: session %s: %s", e.Op, e.SessionID, e.Message)
}

// Is implements the interface for errors.Is functionality
func (e *SessionError) Is(target error) bool {
	return e.BridgeError.Is(target)
}

// Specific error types for different scenarios
var (
	ErrAlreadyRegistered = &SessionError{BridgeError: BridgeError{Message: "session already registered"}}
	ErrSessionNotFound   = &SessionError{BridgeError: BridgeError{Message: "session not found"}}
	ErrSessionClosed     = &SessionError{BridgeError: BridgeError{Message: "session is closed"}}
	ErrInvalidState      = &SessionError{BridgeError: BridgeError{Message: "invalid session state"}}

	ErrValidation         = &BridgeError{Message: "invalid command"}
	ErrUnknownCommand     = &BridgeError{Message: "unknown command type"}
	ErrTooManyCommands    = &BridgeError{Message: "too many pending commands"}
	ErrAuthRejected       = &BridgeError{Message: "broker rejected credentials"}
	ErrNetworkUnavailable = &BridgeError{Message: "broker unreachable"}
	ErrTimeout            = &BridgeError{Message: "broker operation timed out"}
)

func NewAlreadyRegisteredError(connID string) error {
	return &SessionError{
		BridgeError: BridgeError{
			Op:      "register",
			Message: ErrAlreadyRegistered.Message,
		},
		SessionID: connID,
	}
}

func NewSessionNotFoundError(connID string) error {
	return &SessionError{
		BridgeError: BridgeError{
			Op:      "lookup",
			Message: ErrSessionNotFound.Message,
		},
		SessionID: connID,
	}
}

func NewSessionClosedError(connID string) error {
	return &SessionError{
		BridgeError: BridgeError{
			Op:      "session",
			Message: ErrSessionClosed.Message,
		},
		SessionID: connID,
	}
}

// NewInvalidStateError reports a command issued in the wrong connection state
func NewInvalidStateError(connID string, op string, state RouterState) error {
	return &SessionError{
		BridgeError: BridgeError{
			Op:      op,
			Message: ErrInvalidState.Message,
			Err:     fmt.Errorf("connection is %s", state),
		},
		SessionID: connID,
	}
}

// NewValidationError reports a malformed or incomplete inbound command
func NewValidationError(op, detail string) error {
	return &BridgeError{
		Op:      op,
		Message: ErrValidation.Message,
		Err:     errors.New(detail),
	}
}

// Helper function to create a generic bridge error
func NewBridgeError(op, message string, err error) error {
	return &BridgeError{
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// ConnectErrorKind classifies broker connect failures
type ConnectErrorKind int

const (
	ConnectAuthRejected ConnectErrorKind = iota
	ConnectNetworkUnavailable
	ConnectTimeout
)

func (k ConnectErrorKind) String() string {
	switch k {
	case ConnectAuthRejected:
		return "auth_rejected"
	case ConnectNetworkUnavailable:
		return "network_unavailable"
	case ConnectTimeout:
		return "timeout"
	}
	return "unknown"
}

// ConnectError is returned by Connector.Connect
type ConnectError struct {
	Kind ConnectErrorKind
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connect: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("connect: %s", e.Kind)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Is maps connect failure kinds onto the package sentinels
func (e *ConnectError) Is(target error) bool {
	switch target {
	case error(ErrAuthRejected):
		return e.Kind == ConnectAuthRejected
	case error(ErrNetworkUnavailable):
		return e.Kind == ConnectNetworkUnavailable
	case error(ErrTimeout):
		return e.Kind == ConnectTimeout
	}
	return false
}
