// Package history provides session-scoped conversation storage.
//
// Information Hiding:
// - Storage backend implementation details hidden behind interface
// - Allows swapping between Redis, SQLite, memory without API changes
// - Trimming and TTL bookkeeping encapsulated in each backend

package history

import (
	"context"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	// RoleUser is a message typed by the person chatting.
	RoleUser Role = "user"
	// RoleAssistant is a model reply.
	RoleAssistant Role = "assistant"
	// RoleSystem is an instruction message.
	RoleSystem Role = "system"
)

// NormalizeRole maps anything outside the known roles to RoleUser.
// Applied on every append so stored history only ever carries valid roles.
func NormalizeRole(r Role) Role {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return r
	default:
		return RoleUser
	}
}

// Message is one entry in a conversation. Entries are immutable once
// appended; only trimming from the head removes them.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// UserMessage creates a user message stamped now.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: time.Now()}
}

// AssistantMessage creates an assistant message stamped now.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content, Timestamp: time.Now()}
}

// Store defines the interface for session-scoped conversation history.
// Implementations can use different backends (Redis, SQLite, memory).
type Store interface {
	// Append adds a message to the session's history, trims the sequence to
	// the configured maximum turn count by dropping oldest entries, and
	// refreshes the session's TTL.
	Append(ctx context.Context, sessionID string, msg Message) error

	// Messages returns the full ordered sequence for a session.
	// Returns empty slice (not nil) if the session doesn't exist or expired.
	// Returns error only for storage failures, not missing sessions.
	Messages(ctx context.Context, sessionID string) ([]Message, error)

	// Clear deletes the session's history entirely.
	Clear(ctx context.Context, sessionID string) error

	// Count returns the number of stored messages for a session.
	Count(ctx context.Context, sessionID string) (int, error)

	// Ping checks backend reachability.
	Ping(ctx context.Context) error

	// Name returns a short backend label for logs and status endpoints.
	Name() string
}
