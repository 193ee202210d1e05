package state

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"travel-chat/database"
	apperrors "travel-chat/errors"
	"travel-chat/utils"
	"travel-chat/web/types"

	"go.uber.org/zap"
)

const (
	titleMaxLength   = 30
	previewMaxLength = 50
	maxPlaceWords    = 3
)

// tripPattern captures a capitalized place name that ends the message after
// its last "to" or "visit".
var tripPattern = regexp.MustCompile(`(?i:^.*\b(?:to|visit))\s+(\p{Lu}[\p{L} ]*?)[\s.!?]*$`)

// SessionLister fetches the remote session catalog.
type SessionLister interface {
	ListSessions(ctx context.Context) ([]types.ChatSession, error)
}

// SessionDeleter removes a session from the remote store.
type SessionDeleter interface {
	DeleteSession(ctx context.Context, sessionID string) error
}

// SessionStore holds the session catalog and the current-session pointer.
type SessionStore struct {
	mu sync.RWMutex

	kv       database.KV
	notifier *Notifier
	logger   *zap.Logger

	sessions  map[string]types.ChatSession
	currentID string

	now func() time.Time
}

func NewSessionStore(kv database.KV, notifier *Notifier, logger *zap.Logger) *SessionStore {
	if notifier == nil {
		notifier = NewNotifier()
	}
	return &SessionStore{
		kv:       kv,
		notifier: notifier,
		logger:   logger,
		sessions: make(map[string]types.ChatSession),
		now:      time.Now,
	}
}

// Truncate shortens s to at most limit runes followed by an ellipsis.
// Strings within the limit are returned trimmed but otherwise unchanged.
func Truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "..."
}

// DeriveTitle builds a session title from the first user message.
func DeriveTitle(message string) string {
	message = strings.TrimSpace(message)
	if m := tripPattern.FindStringSubmatch(message); m != nil {
		place := strings.Fields(m[1])
		if len(place) > 0 && len(place) <= maxPlaceWords {
			for i, word := range place {
				r, size := utf8.DecodeRuneInString(word)
				place[i] = string(unicode.ToUpper(r)) + word[size:]
			}
			return "Trip to " + strings.Join(place, " ")
		}
	}
	return Truncate(message, titleMaxLength)
}

// Init restores the catalog and current id from the KV store and guarantees
// at least one session exists.
func (s *SessionStore) Init(ctx context.Context) error {
	var stored []types.ChatSession
	if _, err := loadJSON(ctx, s.kv, database.KeySessions, &stored); err != nil {
		return err
	}
	var currentID string
	if _, err := loadJSON(ctx, s.kv, database.KeyCurrentSession, &currentID); err != nil {
		return err
	}

	s.mu.Lock()
	s.sessions = make(map[string]types.ChatSession, len(stored))
	for _, session := range stored {
		s.sessions[session.ID] = session
	}
	s.currentID = currentID
	if _, ok := s.sessions[s.currentID]; !ok {
		s.currentID = ""
		if sorted := s.sortedLocked(); len(sorted) > 0 {
			s.currentID = sorted[0].ID
		}
	}
	empty := len(s.sessions) == 0
	s.mu.Unlock()

	if empty {
		_, err := s.CreateSession(ctx)
		return err
	}

	s.notifier.Publish(Change{Kind: ChangeSession, SessionID: s.CurrentID()})
	return s.persist(ctx)
}

// FetchSessions replaces the local catalog with the remote listing. When the
// current session is not listed the first listed one is selected; an empty
// listing yields a fresh local session.
func (s *SessionStore) FetchSessions(ctx context.Context, lister SessionLister) error {
	remote, err := lister.ListSessions(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.sessions = make(map[string]types.ChatSession, len(remote))
	for _, session := range remote {
		if session.ID == "" {
			continue
		}
		if session.Title == "" {
			session.Title = types.DefaultSessionTitle
		}
		s.sessions[session.ID] = session
	}
	if _, ok := s.sessions[s.currentID]; !ok {
		s.currentID = ""
		for _, session := range remote {
			if _, listed := s.sessions[session.ID]; listed {
				s.currentID = session.ID
				break
			}
		}
	}
	empty := len(s.sessions) == 0
	s.mu.Unlock()

	s.logger.Info("Fetched sessions", zap.Int("count", len(remote)))

	if empty {
		_, err := s.CreateSession(ctx)
		return err
	}

	s.notifier.Publish(Change{Kind: ChangeSession, SessionID: s.CurrentID()})
	return s.persist(ctx)
}

// CreateSession adds a new session holding only the welcome message and
// makes it current. The remote store learns about it on the first message.
func (s *SessionStore) CreateSession(ctx context.Context) (types.ChatSession, error) {
	session := types.ChatSession{
		ID:           utils.GenerateSessionID(),
		Title:        types.DefaultSessionTitle,
		LastActivity: s.now(),
		MessageCount: 1,
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.currentID = session.ID
	s.mu.Unlock()

	s.logger.Info("Created session", zap.String("session_id", session.ID))
	s.notifier.Publish(Change{Kind: ChangeSession, SessionID: session.ID})
	return session, s.persist(ctx)
}

// UpdateSessionFromMessage records a sent user message against the session.
// The title is derived only while it is still the default.
func (s *SessionStore) UpdateSessionFromMessage(ctx context.Context, sessionID, message string) error {
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return apperrors.WrapErrorf(apperrors.ErrNotFound, "session %s", sessionID)
	}

	session.LastMessage = message
	session.LastActivity = s.now()
	session.MessageCount++
	if session.Title == types.DefaultSessionTitle && strings.TrimSpace(message) != "" {
		session.Title = DeriveTitle(message)
	}
	s.sessions[sessionID] = session
	s.mu.Unlock()

	s.notifier.Publish(Change{Kind: ChangeSession, SessionID: sessionID})
	return s.persist(ctx)
}

// SetSummary updates the preview and the message count after a completed
// exchange. The count is taken from the authoritative message list.
func (s *SessionStore) SetSummary(ctx context.Context, sessionID, lastMessage string, messageCount int) error {
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return apperrors.WrapErrorf(apperrors.ErrNotFound, "session %s", sessionID)
	}

	session.LastMessage = Truncate(lastMessage, previewMaxLength)
	session.LastActivity = s.now()
	session.MessageCount = messageCount
	s.sessions[sessionID] = session
	s.mu.Unlock()

	s.notifier.Publish(Change{Kind: ChangeSession, SessionID: sessionID})
	return s.persist(ctx)
}

// SetTripDetails records destination and budget on the session card.
func (s *SessionStore) SetTripDetails(ctx context.Context, sessionID string, destination *string, budget *float64) error {
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return apperrors.WrapErrorf(apperrors.ErrNotFound, "session %s", sessionID)
	}
	session.Destination = cloneString(destination)
	if budget != nil {
		b := *budget
		session.Budget = &b
	} else {
		session.Budget = nil
	}
	s.sessions[sessionID] = session
	s.mu.Unlock()

	s.notifier.Publish(Change{Kind: ChangeSession, SessionID: sessionID})
	return s.persist(ctx)
}

// DeleteSession removes sessionID. Deleting the only session fails with
// ErrLastSession and leaves the catalog untouched. The remote delete is best
// effort. It returns the id of the current session afterwards.
func (s *SessionStore) DeleteSession(ctx context.Context, sessionID string, remote SessionDeleter) (string, error) {
	s.mu.RLock()
	_, ok := s.sessions[sessionID]
	count := len(s.sessions)
	s.mu.RUnlock()

	if !ok {
		return s.CurrentID(), apperrors.WrapErrorf(apperrors.ErrNotFound, "session %s", sessionID)
	}
	if count <= 1 {
		return s.CurrentID(), apperrors.ErrLastSession
	}

	if remote != nil {
		if err := remote.DeleteSession(ctx, sessionID); err != nil {
			s.logger.Warn("Remote session delete failed, removing locally",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}

	s.mu.Lock()
	delete(s.sessions, sessionID)
	if s.currentID == sessionID {
		s.currentID = ""
		if sorted := s.sortedLocked(); len(sorted) > 0 {
			s.currentID = sorted[0].ID
		}
	}
	currentID := s.currentID
	s.mu.Unlock()

	if currentID == "" {
		session, err := s.CreateSession(ctx)
		return session.ID, err
	}

	s.logger.Info("Deleted session", zap.String("session_id", sessionID))
	s.notifier.Publish(Change{Kind: ChangeSession, SessionID: currentID})
	return currentID, s.persist(ctx)
}

// SwitchSession makes sessionID current.
func (s *SessionStore) SwitchSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.mu.Unlock()
		return apperrors.WrapErrorf(apperrors.ErrNotFound, "session %s", sessionID)
	}
	s.currentID = sessionID
	s.mu.Unlock()

	s.notifier.Publish(Change{Kind: ChangeSession, SessionID: sessionID})
	return s.persist(ctx)
}

func (s *SessionStore) CurrentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentID
}

func (s *SessionStore) Current() (types.ChatSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[s.currentID]
	return session, ok
}

func (s *SessionStore) Get(sessionID string) (types.ChatSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	return session, ok
}

func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sorted returns the catalog ordered by most recent activity first.
func (s *SessionStore) Sorted() []types.ChatSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked()
}

func (s *SessionStore) sortedLocked() []types.ChatSession {
	sessions := make([]types.ChatSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].LastActivity.Equal(sessions[j].LastActivity) {
			return sessions[i].LastActivity.After(sessions[j].LastActivity)
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions
}

func (s *SessionStore) persist(ctx context.Context) error {
	s.mu.RLock()
	sessions := s.sortedLocked()
	currentID := s.currentID
	s.mu.RUnlock()

	if err := saveJSON(ctx, s.kv, database.KeySessions, sessions); err != nil {
		s.logger.Error("Failed to persist session catalog", zap.Error(err))
		return err
	}
	if err := saveJSON(ctx, s.kv, database.KeyCurrentSession, currentID); err != nil {
		s.logger.Error("Failed to persist current session", zap.Error(err))
		return err
	}
	return nil
}
