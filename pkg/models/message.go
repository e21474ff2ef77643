package models

import (
	"time"

	"github.com/google/uuid"
)

// Role tags a conversation message as coming from the user or the model.
type Role string

const (
	// RoleUser marks a message authored by the user.
	RoleUser Role = "user"
	// RoleModel marks a message authored by the model.
	RoleModel Role = "model"
)

// Message is one entry in a conversation turn sequence.
type Message struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
	// Text is the display text of the message.
	Text string `json:"text"`
	// FullText preserves the originally-sent prompt body for user messages,
	// including the embedded workspace digest. Empty for model messages and
	// for user messages whose display text was sent as-is.
	FullText string `json:"fullText,omitempty"`
}

// PromptText returns the text that was (or would be) sent to the model for
// this message: FullText when present, Text otherwise.
func (m *Message) PromptText() string {
	if m.FullText != "" {
		return m.FullText
	}
	return m.Text
}

// Conversation is a stored chat session: an ordered message sequence plus
// bookkeeping for the history store.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Messages  []Message `json:"messages"`
}

// NewConversation creates an empty conversation with a fresh identifier.
func NewConversation(title string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds a message and bumps the update timestamp.
func (c *Conversation) Append(role Role, text, fullText string) *Message {
	c.Messages = append(c.Messages, Message{
		ID:       uuid.NewString(),
		Role:     role,
		Text:     text,
		FullText: fullText,
	})
	c.UpdatedAt = time.Now().UTC()
	return &c.Messages[len(c.Messages)-1]
}
