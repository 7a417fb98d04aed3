package session

// State describes where a relay is in its lifecycle.
type State string

const (
	StateInitializing State = "initializing"
	StateStreaming    State = "streaming"
	StateTerminated   State = "terminated"
)

// canTransition reports whether moving from one state to another is allowed.
// Terminated is final.
func canTransition(from, to State) bool {
	switch from {
	case StateInitializing:
		return to == StateStreaming || to == StateTerminated
	case StateStreaming:
		return to == StateTerminated
	default:
		return false
	}
}
