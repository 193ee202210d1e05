package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	apperrors "travel-chat/errors"
	"travel-chat/state"
	"travel-chat/web/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const readBufferSize = 4096

// Backend is the part of the travel backend the client depends on.
type Backend interface {
	StreamMessage(ctx context.Context, sessionID, message string) (io.ReadCloser, error)
	History(ctx context.Context, sessionID string) ([]types.Message, error)
	Context(ctx context.Context, sessionID string) (map[string]any, error)
	ListSessions(ctx context.Context) ([]types.ChatSession, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Client applies backend stream events to the stores and orchestrates
// session loading, switching and deletion.
type Client struct {
	backend  Backend
	chat     *state.ChatStore
	sessions *state.SessionStore
	prefs    *state.PreferenceStore
	logger   *zap.Logger

	// OnSessionChange, when set, is called with the new current session id
	// after a load, switch, delete or new chat.
	OnSessionChange func(sessionID string)

	wg sync.WaitGroup
}

func NewClient(backend Backend, chat *state.ChatStore, sessions *state.SessionStore, prefs *state.PreferenceStore, logger *zap.Logger) *Client {
	return &Client{
		backend:  backend,
		chat:     chat,
		sessions: sessions,
		prefs:    prefs,
		logger:   logger,
	}
}

// Init restores the session catalog and loads the current session.
func (c *Client) Init(ctx context.Context) error {
	if err := c.sessions.Init(ctx); err != nil {
		return err
	}
	return c.LoadSession(ctx, c.sessions.CurrentID())
}

// Send appends text as a user message and streams the reply to completion.
func (c *Client) Send(ctx context.Context, text string) error {
	msg, r, err := c.prepare(ctx, text)
	if err != nil {
		return err
	}
	return c.stream(ctx, r, msg.Content)
}

// SendAsync returns once the user message is appended and streams the reply
// in the background. Use Wait to join outstanding replies.
func (c *Client) SendAsync(ctx context.Context, text string) (types.Message, error) {
	msg, r, err := c.prepare(ctx, text)
	if err != nil {
		return types.Message{}, err
	}

	streamCtx := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.stream(streamCtx, r, msg.Content); err != nil {
			c.logger.Warn("Background reply ended with error",
				zap.String("session_id", r.sessionID),
				zap.Error(err))
		}
	}()
	return msg, nil
}

// Wait blocks until every SendAsync reply has finished.
func (c *Client) Wait() {
	c.wg.Wait()
}

// reply is one turn's stream being applied to the stores.
type reply struct {
	sessionID string
	turn      state.Turn
	started   bool
}

func (c *Client) prepare(ctx context.Context, text string) (types.Message, *reply, error) {
	sessionID := c.chat.SessionID()
	if sessionID == "" {
		return types.Message{}, nil, apperrors.WrapError(apperrors.ErrNotFound, "no active session")
	}

	msg, turn, err := c.chat.AddUserMessage(text)
	if err != nil {
		return types.Message{}, nil, err
	}

	if err := c.sessions.UpdateSessionFromMessage(ctx, sessionID, msg.Content); err != nil {
		c.logger.Warn("Failed to update session metadata",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	return msg, &reply{sessionID: sessionID, turn: turn}, nil
}

func (c *Client) stream(ctx context.Context, r *reply, message string) error {
	body, err := c.backend.StreamMessage(ctx, r.sessionID, message)
	if err != nil {
		c.logger.Error("Failed to open reply stream",
			zap.String("session_id", r.sessionID),
			zap.Error(err))
		c.fail(r, state.TransportErrorMessage)
		return err
	}
	defer body.Close()

	return c.consume(ctx, r, body)
}

// Consume reads an event stream answering turn of sessionID and applies each
// event in wire order. It returns on complete, error or end of data, and
// stops early once the chat store has moved on to another turn.
func (c *Client) Consume(ctx context.Context, sessionID string, turn state.Turn, r io.Reader) error {
	return c.consume(ctx, &reply{sessionID: sessionID, turn: turn}, r)
}

func (c *Client) consume(ctx context.Context, r *reply, body io.Reader) error {
	parser := NewParser(c.logger)
	buf := make([]byte, readBufferSize)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, ev := range parser.Feed(buf[:n]) {
				if c.apply(ctx, r, ev) {
					return nil
				}
			}
		}

		if errors.Is(readErr, io.EOF) {
			for _, ev := range parser.Flush() {
				if c.apply(ctx, r, ev) {
					return nil
				}
			}
			return c.endWithoutTerminal(ctx, r)
		}
		if readErr != nil {
			c.logger.Error("Reply stream read failed",
				zap.String("session_id", r.sessionID),
				zap.Error(readErr))
			c.fail(r, state.TransportErrorMessage)
			return fmt.Errorf("%w: %v", apperrors.ErrTransport, readErr)
		}
	}
}

// apply mutates the stores for one event and reports whether the stream is
// finished.
func (c *Client) apply(ctx context.Context, r *reply, ev Event) bool {
	var err error

	switch ev.Type {
	case EventStart:
		err = c.chat.SetTyping(r.turn, true)

	case EventAction:
		description := ev.Description
		if description == "" {
			description = ev.Message
		}
		_, err = c.chat.AddAction(r.turn, description, ev.Data)

	case EventMemory:
		err = c.chat.RecordMemoryUpdate(r.turn, types.MemoryUpdate(ev.Updates), func(u types.MemoryUpdate) {
			c.prefs.Merge(u)
		})
		if err == nil {
			prefs := c.prefs.Get()
			if tripErr := c.sessions.SetTripDetails(ctx, r.sessionID, prefs.Destination, prefs.Budget); tripErr != nil {
				c.logger.Warn("Failed to save trip details",
					zap.String("session_id", r.sessionID),
					zap.Error(tripErr))
			}
		}

	case EventResponseStart:
		_, err = c.chat.BeginAssistantMessage(r.turn)
		r.started = true

	case EventToken:
		_, err = c.chat.AppendToken(r.turn, ev.Content)
		r.started = true

	case EventComplete:
		c.complete(ctx, r)
		return true

	case EventError:
		c.logger.Warn("Backend reported an error",
			zap.String("session_id", r.sessionID),
			zap.String("error", ev.Message))
		c.fail(r, ev.Message)
		return true

	default:
		c.logger.Debug("Ignoring stream event",
			zap.String("session_id", r.sessionID),
			zap.String("event_type", ev.Type))
	}

	if apperrors.IsStaleTurn(err) {
		c.logger.Info("Chat moved on, abandoning reply stream",
			zap.String("session_id", r.sessionID))
		return true
	}
	return false
}

func (c *Client) complete(ctx context.Context, r *reply) {
	summary, err := c.chat.Complete(ctx, r.turn)
	if apperrors.IsStaleTurn(err) {
		c.logger.Info("Chat moved on, dropping completion",
			zap.String("session_id", r.sessionID))
		return
	}
	if err != nil {
		c.logger.Error("Failed to cache session",
			zap.String("session_id", r.sessionID),
			zap.Error(err))
	}

	if err := c.sessions.SetSummary(ctx, summary.SessionID, summary.LastMessage, summary.MessageCount); err != nil {
		c.logger.Warn("Failed to update session summary",
			zap.String("session_id", summary.SessionID),
			zap.Error(err))
	}
}

// fail reports a failed reply unless the chat has already moved on.
func (c *Client) fail(r *reply, message string) {
	if _, err := c.chat.Fail(r.turn, message); err != nil {
		c.logger.Info("Chat moved on, dropping reply failure",
			zap.String("session_id", r.sessionID),
			zap.Error(err))
	}
}

func (c *Client) endWithoutTerminal(ctx context.Context, r *reply) error {
	if r.turn != c.chat.CurrentTurn() {
		return nil
	}
	if r.started {
		c.logger.Debug("Reply stream ended without complete event",
			zap.String("session_id", r.sessionID))
		c.complete(ctx, r)
		return nil
	}

	c.logger.Error("Reply stream ended before any response",
		zap.String("session_id", r.sessionID))
	c.fail(r, state.TransportErrorMessage)
	return apperrors.WrapError(apperrors.ErrTransport, "stream ended before response")
}

// LoadSession makes sessionID active in the chat and preference stores,
// fetching remote history and context concurrently.
func (c *Client) LoadSession(ctx context.Context, sessionID string) error {
	var (
		history []types.Message
		remote  map[string]any
		g       errgroup.Group
	)

	g.Go(func() error {
		h, err := c.backend.History(ctx, sessionID)
		if err != nil {
			return apperrors.WrapError(err, "history")
		}
		history = h
		return nil
	})
	g.Go(func() error {
		p, err := c.backend.Context(ctx, sessionID)
		if err != nil {
			return apperrors.WrapError(err, "context")
		}
		remote = p
		return nil
	})
	if err := g.Wait(); err != nil {
		c.logger.Warn("Could not fetch remote session state, using local state",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	fromCache, err := c.chat.LoadSession(ctx, sessionID, history)
	if err != nil {
		return err
	}

	c.prefs.Reset()
	if remote != nil {
		c.prefs.Replace(remote)
	} else if fromCache {
		for _, update := range c.chat.Snapshot().MemoryUpdates {
			c.prefs.Merge(update)
		}
	}

	c.logger.Info("Loaded session",
		zap.String("session_id", sessionID),
		zap.Bool("from_cache", fromCache),
		zap.Int("remote_messages", len(history)))

	c.sessionChanged(sessionID)
	return nil
}

// NewChat saves the current session and starts a fresh one.
func (c *Client) NewChat(ctx context.Context) (types.ChatSession, error) {
	if err := c.chat.SaveCurrentSession(ctx); err != nil {
		return types.ChatSession{}, err
	}

	session, err := c.sessions.CreateSession(ctx)
	if err != nil {
		return types.ChatSession{}, err
	}
	c.chat.Reset(session.ID)
	c.prefs.Reset()

	c.sessionChanged(session.ID)
	return session, nil
}

// SwitchSession saves the active session before loading sessionID.
func (c *Client) SwitchSession(ctx context.Context, sessionID string) error {
	if sessionID == c.chat.SessionID() {
		return nil
	}
	if _, ok := c.sessions.Get(sessionID); !ok {
		return apperrors.WrapErrorf(apperrors.ErrNotFound, "session %s", sessionID)
	}

	if err := c.chat.SaveCurrentSession(ctx); err != nil {
		return err
	}
	if err := c.sessions.SwitchSession(ctx, sessionID); err != nil {
		return err
	}
	return c.LoadSession(ctx, sessionID)
}

// DeleteSession removes sessionID locally and, best effort, remotely.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	wasActive := c.chat.SessionID() == sessionID

	currentID, err := c.sessions.DeleteSession(ctx, sessionID, c.backend)
	if err != nil {
		return err
	}

	if err := c.chat.DropSessionCache(ctx, sessionID); err != nil {
		c.logger.Warn("Failed to drop session cache",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	if wasActive {
		return c.LoadSession(ctx, currentID)
	}
	return nil
}

// RefreshSessions replaces the catalog with the remote listing and loads
// whichever session is current afterwards if it changed.
func (c *Client) RefreshSessions(ctx context.Context) error {
	if err := c.sessions.FetchSessions(ctx, c.backend); err != nil {
		return err
	}

	currentID := c.sessions.CurrentID()
	if currentID == c.chat.SessionID() {
		return nil
	}
	if err := c.chat.SaveCurrentSession(ctx); err != nil {
		c.logger.Warn("Failed to save session before refresh switch", zap.Error(err))
	}
	return c.LoadSession(ctx, currentID)
}

func (c *Client) sessionChanged(sessionID string) {
	if c.OnSessionChange != nil {
		c.OnSessionChange(sessionID)
	}
}
