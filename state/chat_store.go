package state

import (
	"context"
	"strings"
	"sync"
	"time"

	"travel-chat/database"
	apperrors "travel-chat/errors"
	"travel-chat/utils"
	"travel-chat/web/types"

	"go.uber.org/zap"
)

// Phase is the chat store's position in the request/response cycle.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseAwaitingResponse Phase = "awaiting_response"
	PhaseStreamingTokens  Phase = "streaming_tokens"
	PhaseFinalized        Phase = "finalized"
	PhaseError            Phase = "error"
)

const (
	WelcomeMessage = "Hi! I'm your travel planning assistant. Tell me where you'd like to go, " +
		"when, and your budget, and I'll put together a plan for you."
	DefaultErrorMessage   = "Sorry, I encountered an error. Please try again."
	TransportErrorMessage = "Unable to connect. Please try again."

	recentActionsWindow = 10
)

// ChatSnapshot is a point-in-time copy of the chat store.
type ChatSnapshot struct {
	SessionID     string               `json:"session_id"`
	Messages      []types.Message      `json:"messages"`
	RecentActions []types.AgentAction  `json:"recent_actions"`
	MemoryUpdates []types.MemoryUpdate `json:"memory_updates"`
	Phase         Phase                `json:"phase"`
	IsTyping      bool                 `json:"is_typing"`
	Error         string               `json:"error,omitempty"`
}

// ChatStore holds the active session's transcript, typing state, agent
// actions and memory-update log. All mutations go through its methods.
type ChatStore struct {
	mu sync.Mutex

	kv       database.KV
	notifier *Notifier
	logger   *zap.Logger

	sessionID   string
	messages    []types.Message
	actions     []types.AgentAction
	memory      []types.MemoryUpdate
	phase       Phase
	isTyping    bool
	lastError   string
	streamingID string
	turn        Turn

	now func() time.Time
}

func NewChatStore(kv database.KV, notifier *Notifier, logger *zap.Logger) *ChatStore {
	if notifier == nil {
		notifier = NewNotifier()
	}
	return &ChatStore{
		kv:       kv,
		notifier: notifier,
		logger:   logger,
		phase:    PhaseIdle,
		now:      time.Now,
	}
}

// NormalizeActionType derives an action type token from a human readable
// description.
func NormalizeActionType(description string) string {
	return strings.Join(strings.Fields(strings.ToLower(description)), "_")
}

func (c *ChatStore) newMessage(role types.Role, content string) types.Message {
	return types.Message{
		ID:        utils.GenerateMessageID(),
		Role:      role,
		Content:   content,
		Timestamp: c.now(),
	}
}

func (c *ChatStore) welcome() []types.Message {
	return []types.Message{c.newMessage(types.RoleAssistant, WelcomeMessage)}
}

func (c *ChatStore) publish(kind ChangeKind, messageID string) {
	c.notifier.Publish(Change{Kind: kind, SessionID: c.sessionID, MessageID: messageID})
}

// SessionID returns the id of the session the store currently holds.
func (c *ChatStore) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *ChatStore) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *ChatStore) IsTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isTyping
}

// Messages returns a copy of the transcript in display order.
func (c *ChatStore) Messages() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Message{}, c.messages...)
}

// Actions returns the full agent action log.
func (c *ChatStore) Actions() []types.AgentAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.AgentAction{}, c.actions...)
}

// RecentActions returns at most the last ten agent actions.
func (c *ChatStore) RecentActions() []types.AgentAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recentActionsLocked()
}

func (c *ChatStore) recentActionsLocked() []types.AgentAction {
	start := 0
	if len(c.actions) > recentActionsWindow {
		start = len(c.actions) - recentActionsWindow
	}
	return append([]types.AgentAction{}, c.actions[start:]...)
}

func (c *ChatStore) Snapshot() ChatSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ChatSnapshot{
		SessionID:     c.sessionID,
		Messages:      append([]types.Message{}, c.messages...),
		RecentActions: c.recentActionsLocked(),
		MemoryUpdates: append([]types.MemoryUpdate{}, c.memory...),
		Phase:         c.phase,
		IsTyping:      c.isTyping,
		Error:         c.lastError,
	}
}

// Turn identifies one user message and the reply streamed for it. Reply
// mutations carry the turn they belong to and are refused once the store has
// started another turn or loaded another session.
type Turn uint64

// TurnSummary is what a completed turn leaves for the session card.
type TurnSummary struct {
	SessionID    string
	LastMessage  string
	MessageCount int
}

// AddUserMessage appends the user's text, moves the store to
// awaiting_response and opens a new turn. It is rejected while a response is
// still in flight.
func (c *ChatStore) AddUserMessage(content string) (types.Message, Turn, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return types.Message{}, 0, apperrors.WrapError(apperrors.ErrInvalidInput, "message is empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase == PhaseAwaitingResponse || c.phase == PhaseStreamingTokens {
		return types.Message{}, 0, apperrors.ErrResponseInProgress
	}

	msg := c.newMessage(types.RoleUser, content)
	c.messages = append(c.messages, msg)
	c.turn++
	c.phase = PhaseAwaitingResponse
	c.isTyping = true
	c.lastError = ""

	c.publish(ChangeMessageAdded, msg.ID)
	c.publish(ChangeTyping, "")
	return msg, c.turn, nil
}

// CurrentTurn returns the turn reply events must carry to be applied.
func (c *ChatStore) CurrentTurn() Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn
}

// checkTurnLocked refuses mutations from a superseded turn. Callers hold c.mu.
func (c *ChatStore) checkTurnLocked(turn Turn) error {
	if turn != c.turn {
		return apperrors.WrapErrorf(apperrors.ErrStaleTurn, "turn %d, current %d", turn, c.turn)
	}
	return nil
}

func (c *ChatStore) SetTyping(turn Turn, typing bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkTurnLocked(turn); err != nil {
		return err
	}
	if c.isTyping == typing {
		return nil
	}
	c.isTyping = typing
	c.publish(ChangeTyping, "")
	return nil
}

// AddAction appends an agent action whose type is derived from description.
func (c *ChatStore) AddAction(turn Turn, description string, data map[string]any) (types.AgentAction, error) {
	action := types.AgentAction{
		ActionType:  NormalizeActionType(description),
		Description: description,
		Timestamp:   c.now(),
		Data:        data,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkTurnLocked(turn); err != nil {
		return types.AgentAction{}, err
	}
	c.actions = append(c.actions, action)
	c.publish(ChangeAction, "")
	return action, nil
}

// RecordMemoryUpdate appends the raw update to the memory log. merge, when
// set, runs under the store lock only if the update is accepted, so a
// session load cannot slip between the turn check and the preference merge.
func (c *ChatStore) RecordMemoryUpdate(turn Turn, update types.MemoryUpdate, merge func(types.MemoryUpdate)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkTurnLocked(turn); err != nil {
		return err
	}
	if merge != nil {
		merge(update)
	}
	c.memory = append(c.memory, update)
	c.publish(ChangeMemory, "")
	return nil
}

// BeginAssistantMessage appends an empty assistant message that subsequent
// tokens extend. Any message still in progress is finalized first.
func (c *ChatStore) BeginAssistantMessage(turn Turn) (types.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkTurnLocked(turn); err != nil {
		return types.Message{}, err
	}
	return c.beginLocked(), nil
}

func (c *ChatStore) beginLocked() types.Message {
	msg := c.newMessage(types.RoleAssistant, "")
	c.messages = append(c.messages, msg)
	c.streamingID = msg.ID
	c.phase = PhaseStreamingTokens
	c.publish(ChangeMessageAdded, msg.ID)

	if c.isTyping {
		c.isTyping = false
		c.publish(ChangeTyping, "")
	}
	return msg
}

// AppendToken extends the in-progress assistant message. The message entry
// is replaced with an updated copy.
func (c *ChatStore) AppendToken(turn Turn, text string) (types.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkTurnLocked(turn); err != nil {
		return types.Message{}, err
	}

	idx := c.streamingIndexLocked()
	if idx < 0 {
		c.logger.Warn("Token received without response_start, starting a new message",
			zap.String("session_id", c.sessionID))
		c.beginLocked()
		idx = len(c.messages) - 1
	}

	updated := c.messages[idx]
	updated.Content += text
	c.messages[idx] = updated

	c.publish(ChangeMessageUpdated, updated.ID)
	return updated, nil
}

func (c *ChatStore) streamingIndexLocked() int {
	if c.streamingID == "" {
		return -1
	}
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].ID == c.streamingID {
			return i
		}
	}
	return -1
}

// Complete finalizes the turn and persists the session cache captured at
// that moment.
func (c *ChatStore) Complete(ctx context.Context, turn Turn) (TurnSummary, error) {
	c.mu.Lock()
	if err := c.checkTurnLocked(turn); err != nil {
		c.mu.Unlock()
		return TurnSummary{}, err
	}
	c.isTyping = false
	c.streamingID = ""
	c.phase = PhaseFinalized
	c.publish(ChangeTyping, "")
	c.publish(ChangeCompleted, "")

	summary := TurnSummary{SessionID: c.sessionID, MessageCount: len(c.messages)}
	if n := len(c.messages); n > 0 {
		summary.LastMessage = c.messages[n-1].Content
	}
	cache := c.cacheLocked()
	c.mu.Unlock()

	return summary, c.saveCache(ctx, summary.SessionID, cache)
}

// Fail records errMsg, appends it as an assistant error message and moves
// the store to the error phase.
func (c *ChatStore) Fail(turn Turn, errMsg string) (types.Message, error) {
	if strings.TrimSpace(errMsg) == "" {
		errMsg = DefaultErrorMessage
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkTurnLocked(turn); err != nil {
		return types.Message{}, err
	}

	msg := c.newMessage(types.RoleAssistant, errMsg)
	msg.IsError = true
	c.messages = append(c.messages, msg)
	c.isTyping = false
	c.streamingID = ""
	c.lastError = errMsg
	c.phase = PhaseError

	c.publish(ChangeTyping, "")
	c.publish(ChangeMessageAdded, msg.ID)
	c.publish(ChangeError, msg.ID)
	return msg, nil
}

// DismissError clears the user-visible error without touching the transcript.
func (c *ChatStore) DismissError() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastError == "" {
		return
	}
	c.lastError = ""
	c.publish(ChangeError, "")
}

// SaveCurrentSession writes the messages, actions and memory log of the
// active session to the KV store.
func (c *ChatStore) SaveCurrentSession(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.sessionID
	cache := c.cacheLocked()
	c.mu.Unlock()

	return c.saveCache(ctx, sessionID, cache)
}

func (c *ChatStore) cacheLocked() types.SessionCache {
	return types.SessionCache{
		Messages:      append([]types.Message{}, c.messages...),
		Actions:       append([]types.AgentAction{}, c.actions...),
		MemoryUpdates: append([]types.MemoryUpdate{}, c.memory...),
	}
}

func (c *ChatStore) saveCache(ctx context.Context, sessionID string, cache types.SessionCache) error {
	if sessionID == "" {
		return nil
	}

	if err := saveJSON(ctx, c.kv, database.MessagesKey(sessionID), cache.Messages); err != nil {
		return err
	}
	if err := saveJSON(ctx, c.kv, database.ActionsKey(sessionID), cache.Actions); err != nil {
		return err
	}
	return saveJSON(ctx, c.kv, database.MemoryKey(sessionID), cache.MemoryUpdates)
}

// CachedSession reads a session's persisted cache. found is false when no
// messages were ever saved for it.
func (c *ChatStore) CachedSession(ctx context.Context, sessionID string) (types.SessionCache, bool, error) {
	var cache types.SessionCache

	found, err := loadJSON(ctx, c.kv, database.MessagesKey(sessionID), &cache.Messages)
	if err != nil || !found {
		return types.SessionCache{}, false, err
	}
	if _, err := loadJSON(ctx, c.kv, database.ActionsKey(sessionID), &cache.Actions); err != nil {
		return types.SessionCache{}, false, err
	}
	if _, err := loadJSON(ctx, c.kv, database.MemoryKey(sessionID), &cache.MemoryUpdates); err != nil {
		return types.SessionCache{}, false, err
	}
	return cache, true, nil
}

// LoadSession makes sessionID the active session. The local cache wins when
// present, then the remote history, then a fresh welcome message. It reports
// whether the cache was used.
func (c *ChatStore) LoadSession(ctx context.Context, sessionID string, remote []types.Message) (bool, error) {
	cache, fromCache, err := c.CachedSession(ctx, sessionID)
	if err != nil {
		c.logger.Warn("Failed to read session cache, falling back to remote history",
			zap.String("session_id", sessionID),
			zap.Error(err))
		fromCache = false
	}

	if !fromCache {
		cache = types.SessionCache{}
		for _, m := range remote {
			if m.ID == "" {
				m.ID = utils.GenerateMessageID()
			}
			cache.Messages = append(cache.Messages, m)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessionID = sessionID
	c.messages = cache.Messages
	if len(c.messages) == 0 {
		c.messages = c.welcome()
	}
	c.actions = cache.Actions
	c.memory = cache.MemoryUpdates
	c.resetTurnLocked()

	c.publish(ChangeSession, "")
	return fromCache, nil
}

// Reset starts sessionID from scratch with only the welcome message.
func (c *ChatStore) Reset(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessionID = sessionID
	c.messages = c.welcome()
	c.actions = nil
	c.memory = nil
	c.resetTurnLocked()

	c.publish(ChangeSession, "")
}

// resetTurnLocked ends whatever turn was running; its late events are refused.
func (c *ChatStore) resetTurnLocked() {
	c.turn++
	c.phase = PhaseIdle
	c.isTyping = false
	c.lastError = ""
	c.streamingID = ""
}

// DropSessionCache removes every persisted key of sessionID.
func (c *ChatStore) DropSessionCache(ctx context.Context, sessionID string) error {
	return c.kv.Delete(ctx, database.SessionKeys(sessionID)...)
}
