package relay

// State is a step of one relay pass. Passes only move forward.
type State int

const (
	StateInit State = iota
	StateAuthenticating
	StateDispatching
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAuthenticating:
		return "authenticating"
	case StateDispatching:
		return "dispatching"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
