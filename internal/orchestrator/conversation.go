package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luma-therapy/luma/backend/internal/model/chat"
)

// Conversation is an append-only transcript.
type Conversation struct {
	mu       sync.RWMutex
	messages []chat.Message
	now      func() time.Time
}

// NewConversation returns an empty transcript.
func NewConversation() *Conversation {
	return &Conversation{
		messages: make([]chat.Message, 0, 16),
		now:      time.Now,
	}
}

// Append adds a message and returns it with its id and timestamp set.
func (c *Conversation) Append(role chat.Role, content string, failed bool) chat.Message {
	msg := chat.Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: c.now().UTC(),
		Failed:    failed,
	}

	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()

	return msg
}

// Messages returns a copy of the transcript.
func (c *Conversation) Messages() []chat.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	copied := make([]chat.Message, len(c.messages))
	copy(copied, c.messages)
	return copied
}

// History returns the turns to send upstream. Failed messages are left out.
func (c *Conversation) History() []chat.Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()

	turns := make([]chat.Turn, 0, len(c.messages))
	for _, msg := range c.messages {
		if msg.Failed {
			continue
		}
		turns = append(turns, msg.Turn())
	}
	return turns
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}
