package types

import (
	"time"
)

// Role identifies who authored a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultSessionTitle is the placeholder title of a session that has not yet
// received a user message.
const DefaultSessionTitle = "New Chat"

// Message is a single entry in a session's chat transcript.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	IsError   bool      `json:"is_error"`
}

// AgentAction is a step notification emitted by the backend orchestration.
type AgentAction struct {
	ActionType  string         `json:"action_type"`
	Description string         `json:"description"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}

// MemoryUpdate is a raw, partial set of preference fields pushed mid-conversation.
type MemoryUpdate map[string]any

// PreferenceSet holds the travel preferences extracted from a conversation.
// Nil pointers mean "not known yet".
type PreferenceSet struct {
	Destination         *string  `json:"destination,omitempty"`
	Origin              *string  `json:"origin,omitempty"`
	Budget              *float64 `json:"budget,omitempty"`
	Dates               *string  `json:"dates,omitempty"`
	PeopleCount         int      `json:"people_count"`
	DietaryPreferences  []string `json:"dietary_preferences"`
	ActivityPreferences []string `json:"activity_preferences"`
	AccommodationType   *string  `json:"accommodation_type,omitempty"`
}

// NewPreferenceSet returns an empty preference set for a single traveller.
func NewPreferenceSet() PreferenceSet {
	return PreferenceSet{
		PeopleCount:         1,
		DietaryPreferences:  []string{},
		ActivityPreferences: []string{},
	}
}

// ChatSession is the sidebar summary of one conversation thread.
type ChatSession struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	LastMessage  string    `json:"last_message"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
	Destination  *string   `json:"destination,omitempty"`
	Budget       *float64  `json:"budget,omitempty"`
}

// SessionCache is the persisted per-session state of the chat store.
type SessionCache struct {
	Messages      []Message      `json:"messages"`
	Actions       []AgentAction  `json:"actions"`
	MemoryUpdates []MemoryUpdate `json:"memory_updates"`
}
