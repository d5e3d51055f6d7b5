// Package models defines the wire types shared by the task chat client:
// messages, participants, typed channel events, and the error taxonomy.
package models

import (
	"strings"
	"time"
)

// Message is a single chat message in a task thread. Messages are immutable
// once created; ID is the unique identity and CreatedAt defines the total
// order within a thread.
type Message struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	FullName  string    `json:"full_name"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`

	// MessageType is set by the server on pushed messages ("task_message").
	// It carries no client-side meaning and is kept only for wire fidelity.
	MessageType string `json:"message_type,omitempty"`

	// CorrelationID is a client-generated id attached to messages sent over
	// the real-time channel so an echo can be matched to its local send.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Participant is a user allowed to take part in a task's chat. The set is
// read-mostly: refreshed on session init, never incrementally patched.
type Participant struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	FullName    string `json:"full_name"`
	Email       string `json:"email,omitempty"`
	IsTaskOwner bool   `json:"is_task_owner"`
}

// ChatStats summarizes a task's chat activity.
type ChatStats struct {
	TaskID       int64 `json:"task_id"`
	MessageCount int   `json:"message_count"`
	HasChat      bool  `json:"has_chat"`
}

// Page is one page of historical messages, oldest first.
type Page struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// ValidateContent trims the content and reports whether anything remains.
// Empty-after-trim content must be rejected before any network call.
func ValidateContent(content string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	return trimmed, trimmed != ""
}
