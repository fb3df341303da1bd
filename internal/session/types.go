package session

import (
	"errors"
	"time"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

var ErrNotFound = errors.New("session not found")

// Message is one conversational turn as persisted for review. Content is
// redacted before it reaches the store.
type Message struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Session is one requirement-intake conversation.
type Session struct {
	ID             string     `json:"session_id"`
	UserID         string     `json:"user_id,omitempty"`
	Status         Status     `json:"status"`
	Preset         string     `json:"preset"`
	Voice          string     `json:"voice"`
	RequirementID  string     `json:"requirement_id,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// CreateRequest defines payload for opening a new intake session.
type CreateRequest struct {
	Preset string `json:"preset"`
	Voice  string `json:"voice"`
	UserID string `json:"user_id"`
}
