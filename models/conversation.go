package models

import (
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one completed exchange: the user prompt and the reply of the backend that served it
type Turn struct {
	Role      string    `json:"role"`
	Prompt    string    `json:"prompt"`
	Content   string    `json:"content"`
	BackendID string    `json:"backend_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Size is the character weight of the turn against a context budget
func (t Turn) Size() int {
	return len(t.Prompt) + len(t.Content)
}

// ContextBudget bounds a conversation history. Zero fields are unbounded.
type ContextBudget struct {
	MaxTurns int `json:"max_turns"`
	MaxChars int `json:"max_chars"`
}

// ConversationContext is the per-conversation turn history
type ConversationContext struct {
	ID              string    `json:"id"`
	Turns           []Turn    `json:"turns"`
	ActiveBackendID string    `json:"active_backend_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewConversationContext creates an empty context
func NewConversationContext(id string) *ConversationContext {
	now := time.Now()
	return &ConversationContext{
		ID:        id,
		Turns:     []Turn{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy safe to hand out of the store
func (c *ConversationContext) Clone() *ConversationContext {
	cp := *c
	cp.Turns = append([]Turn{}, c.Turns...)
	return &cp
}

// Size is the total character weight of the history
func (c *ConversationContext) Size() int {
	total := 0
	for _, t := range c.Turns {
		total += t.Size()
	}
	return total
}

// Message is a role/content pair handed to adapters
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Messages flattens the history into alternating user/assistant messages
func (c *ConversationContext) Messages() []Message {
	msgs := make([]Message, 0, len(c.Turns)*2)
	for _, t := range c.Turns {
		if t.Prompt != "" {
			msgs = append(msgs, Message{Role: RoleUser, Content: t.Prompt})
		}
		msgs = append(msgs, Message{Role: t.Role, Content: t.Content})
	}
	return msgs
}
