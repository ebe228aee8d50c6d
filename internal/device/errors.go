package device

import (
	"errors"
	"fmt"
	"strings"
)

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
)

// ConnectionError represents a driver-level connection state problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
)

// ErrorKind classifies a failed tester operation.
type ErrorKind string

const (
	KindScanFailed      ErrorKind = "scan failed"
	KindConnectFailed   ErrorKind = "connect failed"
	KindSubscribeFailed ErrorKind = "subscribe failed"
	KindWriteFailed     ErrorKind = "write failed"
)

// FailureReason refines a write failure.
type FailureReason string

const (
	ReasonUnspecified    FailureReason = ""
	ReasonLinkLost       FailureReason = "link lost"
	ReasonTransportError FailureReason = "transport error"
)

// ScanError reports a discovery failure. The registry is left untouched when it is returned.
type ScanError struct {
	Err error
}

func (e *ScanError) Error() string {
	if e.Err == nil {
		return string(KindScanFailed)
	}
	return fmt.Sprintf("%s: %v", KindScanFailed, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// Is matches any *ScanError, so errors.Is(err, ErrScanFailed) works for wrapped values.
func (e *ScanError) Is(target error) bool {
	_, ok := target.(*ScanError)
	return ok
}

// SessionError reports a failed connect, subscribe or write on a peripheral session.
type SessionError struct {
	Kind    ErrorKind
	Reason  FailureReason
	Address string
	Err     error
}

func (e *SessionError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Reason != ReasonUnspecified {
		b.WriteString(" (")
		b.WriteString(string(e.Reason))
		b.WriteString(")")
	}
	if e.Address != "" {
		b.WriteString(" for ")
		b.WriteString(e.Address)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *SessionError) Unwrap() error { return e.Err }

// Is compares Kind and, when the target sets one, Reason.
func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	return t.Reason == ReasonUnspecified || t.Reason == e.Reason
}

// Taxonomy sentinels, matched with errors.Is.
var (
	ErrScanFailed      = &ScanError{}
	ErrConnectFailed   = &SessionError{Kind: KindConnectFailed}
	ErrSubscribeFailed = &SessionError{Kind: KindSubscribeFailed}
	ErrWriteFailed     = &SessionError{Kind: KindWriteFailed}
	ErrLinkLost        = &SessionError{Kind: KindWriteFailed, Reason: ReasonLinkLost}
	ErrTransport       = &SessionError{Kind: KindWriteFailed, Reason: ReasonTransportError}
)

var (
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrNoActiveSession = errors.New("no active session")
	ErrSessionBusy     = errors.New("session busy")
	ErrSessionClosed   = errors.New("session closed")
	ErrNotActive       = errors.New("session not active")
	ErrScanInProgress  = errors.New("scan already in progress")
	ErrUnknownDevice   = errors.New("unknown device")
	ErrBluetoothOff    = errors.New("bluetooth is turned off")
	ErrTimeout         = errors.New("timeout")
	ErrUnsupported     = errors.New("unsupported")
)

// NormalizeError maps driver error strings shared by the backends to sentinel errors.
// The original error is kept in the message.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "adapter is powered off"),
		containsIgnoreCase(msg, "not powered"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	case containsIgnoreCase(msg, "connection is not initialized"):
		return fmt.Errorf("%w: %v", ErrNotInitialized, err)
	default:
		return err
	}
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
