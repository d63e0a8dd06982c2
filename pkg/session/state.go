package session

// State is a Connection State Machine state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateQRPending     State = "qr_pending"
	StateAuthenticated State = "authenticated"
	StateDisconnected  State = "disconnected"
	StateError         State = "error"
	StateRecovering    State = "recovering"
)

// startable reports whether Start may launch a client from s.
func (s State) startable() bool {
	switch s {
	case StateUninitialized, StateDisconnected, StateError:
		return true
	}
	return false
}

// Connecting reports whether a client is being brought up.
func (s State) Connecting() bool {
	switch s {
	case StateInitializing, StateQRPending, StateRecovering:
		return true
	}
	return false
}

func (s State) acceptsChallenge() bool {
	return s == StateInitializing || s == StateQRPending
}
