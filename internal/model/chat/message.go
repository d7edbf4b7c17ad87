package chat

import "time"

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a conversation transcript. Messages are never
// mutated after they are appended.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	// Failed marks an assistant fallback shown in place of a reply that
	// could not be produced. Failed messages are not sent back upstream.
	Failed bool `json:"failed,omitempty"`
}

// Turn is the {role, content} shape exchanged with the completion service.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Turn converts the message into its wire shape.
func (m Message) Turn() Turn {
	return Turn{Role: m.Role, Content: m.Content}
}
