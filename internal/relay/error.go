package relay

import "fmt"

// Kind classifies why a pass ended early.
type Kind string

const (
	KindUnauthenticated Kind = "unauthenticated"
	KindInvalidInput    Kind = "invalid_input"
	KindUpstream        Kind = "upstream_error"
	KindTimeout         Kind = "timeout"
	KindClientGone      Kind = "client_gone"
	KindInternal        Kind = "internal"
)

// Client-visible messages of the error frames the relay emits itself.
const (
	MsgUnauthorized  = "Unauthorized"
	MsgInvalidFormat = "Invalid messages format"
	MsgStreamFailed  = "Failed to get streaming response"
	MsgMalformed     = "Malformed response from completion service"
	MsgTimeout       = "Completion service timed out"
	MsgInternal      = "Failed to stream response"
)

// Error is the only error type a pass returns. Message is what the client was
// sent in the terminal frame, if anything.
type Error struct {
	Kind    Kind
	State   State
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("relay %s in %s: %s: %v", e.Kind, e.State, e.Message, e.Err)
	}
	return fmt.Sprintf("relay %s in %s: %s", e.Kind, e.State, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Outcome is the metrics label of a pass result.
func Outcome(err *Error) string {
	if err == nil {
		return "ok"
	}
	return string(err.Kind)
}
