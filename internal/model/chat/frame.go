package chat

// Frame is the payload of one server-sent event record on a chat stream.
type Frame struct {
	Token string `json:"token,omitempty"`
	Done  bool   `json:"done,omitempty"`
	Error string `json:"error,omitempty"`
}

// Terminal reports whether the frame closes a stream.
func (f Frame) Terminal() bool {
	return f.Done || f.Error != ""
}
