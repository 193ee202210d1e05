package services

import (
	"travel-chat/state"
	"travel-chat/stream"
	"travel-chat/web/format"
	"travel-chat/web/types"
)

// ConnectionReporter exposes the notification channel status.
type ConnectionReporter interface {
	Status() stream.ConnectionStatus
}

// MessageView is a message plus its rendered HTML for assistant replies.
type MessageView struct {
	types.Message
	Rendered string `json:"rendered,omitempty"`
}

// StateView is everything the browser needs to draw the app.
type StateView struct {
	CurrentSessionID string               `json:"current_session_id"`
	Sessions         []types.ChatSession  `json:"sessions"`
	Messages         []MessageView        `json:"messages"`
	RecentActions    []types.AgentAction  `json:"recent_actions"`
	MemoryUpdates    []types.MemoryUpdate `json:"memory_updates"`
	Preferences      types.PreferenceSet  `json:"preferences"`
	Phase            state.Phase          `json:"phase"`
	IsTyping         bool                 `json:"is_typing"`
	Error            string               `json:"error,omitempty"`
	Connection       string               `json:"connection"`
}

type StateService struct {
	chat       *state.ChatStore
	sessions   *state.SessionStore
	prefs      *state.PreferenceStore
	connection ConnectionReporter
}

func NewStateService(chat *state.ChatStore, sessions *state.SessionStore, prefs *state.PreferenceStore, connection ConnectionReporter) *StateService {
	return &StateService{
		chat:       chat,
		sessions:   sessions,
		prefs:      prefs,
		connection: connection,
	}
}

// View snapshots the stores into a StateView.
func (s *StateService) View() StateView {
	snapshot := s.chat.Snapshot()

	messages := make([]MessageView, 0, len(snapshot.Messages))
	for _, msg := range snapshot.Messages {
		view := MessageView{Message: msg}
		if msg.Role == types.RoleAssistant && !msg.IsError && msg.Content != "" {
			view.Rendered = format.RenderMarkdown(msg.Content)
		}
		messages = append(messages, view)
	}

	connection := "disabled"
	if s.connection != nil {
		connection = string(s.connection.Status())
	}

	return StateView{
		CurrentSessionID: s.sessions.CurrentID(),
		Sessions:         s.sessions.Sorted(),
		Messages:         messages,
		RecentActions:    snapshot.RecentActions,
		MemoryUpdates:    snapshot.MemoryUpdates,
		Preferences:      s.prefs.Get(),
		Phase:            snapshot.Phase,
		IsTyping:         snapshot.IsTyping,
		Error:            snapshot.Error,
		Connection:       connection,
	}
}
