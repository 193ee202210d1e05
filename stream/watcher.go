package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"travel-chat/state"

	"go.uber.org/zap"
)

// ConnectionStatus is the state of the notification channel.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
)

var errChannelClosed = errors.New("event channel closed by server")

// EventSource opens the long-lived notification channel of a session.
type EventSource interface {
	Events(ctx context.Context, sessionID string) (io.ReadCloser, error)
}

// Watcher keeps one notification channel open for the current session. After
// a disconnect it waits a fixed delay before reconnecting; only one attempt
// is ever pending.
type Watcher struct {
	source   EventSource
	notifier *state.Notifier
	delay    time.Duration
	logger   *zap.Logger

	mu         sync.Mutex
	sessionID  string
	status     ConnectionStatus
	cancel     context.CancelFunc
	retargeted bool
	wake       chan struct{}
}

func NewWatcher(source EventSource, notifier *state.Notifier, delay time.Duration, logger *zap.Logger) *Watcher {
	if notifier == nil {
		notifier = state.NewNotifier()
	}
	return &Watcher{
		source:   source,
		notifier: notifier,
		delay:    delay,
		logger:   logger,
		status:   StatusDisconnected,
		wake:     make(chan struct{}, 1),
	}
}

// Status returns the current connection status.
func (w *Watcher) Status() ConnectionStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// SessionID returns the session the watcher is targeting.
func (w *Watcher) SessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

// Retarget switches the channel to sessionID, dropping the current
// connection and reconnecting without delay.
func (w *Watcher) Retarget(sessionID string) {
	w.mu.Lock()
	if sessionID == w.sessionID {
		w.mu.Unlock()
		return
	}
	w.sessionID = sessionID
	w.retargeted = true
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run maintains the channel until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		sessionID, connCtx, cancel := w.beginAttempt(ctx)
		if sessionID == "" {
			cancel()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.wake:
				continue
			}
		}

		err := w.listen(connCtx, sessionID)
		cancel()

		if ctx.Err() != nil {
			w.setStatus(StatusDisconnected, sessionID)
			return ctx.Err()
		}
		if w.takeRetarget() {
			continue
		}

		w.setStatus(StatusDisconnected, sessionID)
		w.logger.Warn("Event channel disconnected, reconnecting after delay",
			zap.String("session_id", sessionID),
			zap.Duration("delay", w.delay),
			zap.Error(err))

		timer := time.NewTimer(w.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case <-w.wake:
			timer.Stop()
		}
	}
}

func (w *Watcher) beginAttempt(ctx context.Context) (string, context.Context, context.CancelFunc) {
	connCtx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	w.cancel = cancel
	w.retargeted = false
	sessionID := w.sessionID
	w.mu.Unlock()

	select {
	case <-w.wake:
	default:
	}
	return sessionID, connCtx, cancel
}

func (w *Watcher) takeRetarget() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.retargeted
	w.retargeted = false
	return r
}

func (w *Watcher) listen(ctx context.Context, sessionID string) error {
	w.setStatus(StatusConnecting, sessionID)

	body, err := w.source.Events(ctx, sessionID)
	if err != nil {
		return err
	}
	defer body.Close()

	parser := NewParser(w.logger)
	buf := make([]byte, readBufferSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, ev := range parser.Feed(buf[:n]) {
				w.handle(sessionID, ev)
			}
		}
		if errors.Is(readErr, io.EOF) {
			return errChannelClosed
		}
		if readErr != nil {
			return readErr
		}
	}
}

func (w *Watcher) handle(sessionID string, ev Event) {
	switch ev.Type {
	case EventConnected:
		w.logger.Info("Event channel connected", zap.String("session_id", sessionID))
		w.setStatus(StatusConnected, sessionID)
	case EventHeartbeat:
	default:
		w.logger.Debug("Notification channel event",
			zap.String("session_id", sessionID),
			zap.String("event_type", ev.Type))
	}
}

func (w *Watcher) setStatus(status ConnectionStatus, sessionID string) {
	w.mu.Lock()
	changed := w.status != status
	w.status = status
	w.mu.Unlock()

	if changed {
		w.notifier.Publish(state.Change{Kind: state.ChangeConnection, SessionID: sessionID})
	}
}
