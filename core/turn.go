package core

import "time"

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system" // only sent upstream, never stored as a turn
)

// Valid reports whether r may be recorded in a conversation.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// TurnID is a per-conversation ordinal. IDs increase strictly with insertion
// order and are never reused, even after eviction.
type TurnID uint64

// Turn is one recorded utterance. Turns are immutable once created.
type Turn struct {
	ID        TurnID    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is the role/content pair submitted to the inference backend.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Messages converts turns to the inference wire shape, preserving order.
func Messages(turns []Turn) []Message {
	out := make([]Message, len(turns))
	for i, t := range turns {
		out[i] = Message{Role: t.Role, Content: t.Content}
	}
	return out
}

// AudioContentType is the media type of every audio body this service
// returns. The synthesis backend is always asked for WAV.
const AudioContentType = "audio/wav"
