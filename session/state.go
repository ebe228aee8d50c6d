package session

// State is a session lifecycle state. Transitions only move forward:
// Idle → Connecting → Active → Disconnecting → Closed.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason says why a session reached Closed.
type CloseReason string

const (
	ReasonUser            CloseReason = "user"
	ReasonReplaced        CloseReason = "replaced"
	ReasonLinkLost        CloseReason = "link_lost"
	ReasonConnectFailed   CloseReason = "connect_failed"
	ReasonSubscribeFailed CloseReason = "subscribe_failed"
	ReasonShutdown        CloseReason = "shutdown"
)
