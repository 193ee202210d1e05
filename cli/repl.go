package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"travel-chat/state"
	"travel-chat/web/types"

	"go.uber.org/zap"
)

// Engine is the streaming session client the REPL drives.
type Engine interface {
	Send(ctx context.Context, text string) error
	NewChat(ctx context.Context) (types.ChatSession, error)
	SwitchSession(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error
	RefreshSessions(ctx context.Context) error
}

// REPL is a line-based terminal chat. Reply tokens are printed as they
// arrive on the change feed.
type REPL struct {
	engine   Engine
	chat     *state.ChatStore
	sessions *state.SessionStore
	prefs    *state.PreferenceStore
	notifier *state.Notifier
	logger   *zap.Logger

	in  io.Reader
	out io.Writer

	mu      sync.Mutex
	printed map[string]int
	actions int
}

func NewREPL(engine Engine, chat *state.ChatStore, sessions *state.SessionStore, prefs *state.PreferenceStore, notifier *state.Notifier, in io.Reader, out io.Writer, logger *zap.Logger) *REPL {
	return &REPL{
		engine:   engine,
		chat:     chat,
		sessions: sessions,
		prefs:    prefs,
		notifier: notifier,
		logger:   logger,
		in:       in,
		out:      out,
		printed:  make(map[string]int),
	}
}

const helpText = `Commands:
  /new             start a new chat
  /sessions        list chats
  /refresh         reload chats from the travel service
  /switch <id>     open another chat
  /delete <id>     delete a chat
  /prefs           show extracted travel preferences
  /quit            leave
Anything else is sent as a message.
`

// Run reads lines until EOF, /quit or ctx is done.
func (r *REPL) Run(ctx context.Context) error {
	changes, unsubscribe := r.notifier.Subscribe(256)
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		r.follow(changes)
	}()
	defer func() {
		unsubscribe()
		<-feedDone
	}()

	r.showSession()

	scanner := bufio.NewScanner(r.in)
	for {
		if ctx.Err() != nil {
			return nil
		}
		r.write(func() { UserInput(r.out, "") })
		if !scanner.Scan() {
			r.write(func() { fmt.Fprintln(r.out) })
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := r.command(ctx, line); quit {
				return nil
			}
			continue
		}
		r.send(ctx, line)
	}
}

func (r *REPL) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]

	var err error
	switch name {
	case "/quit", "/exit":
		return true
	case "/help":
		r.write(func() { fmt.Fprint(r.out, helpText) })
	case "/new":
		if _, err = r.engine.NewChat(ctx); err == nil {
			r.showSession()
		}
	case "/sessions":
		r.write(func() { PrintSessions(r.out, r.sessions.Sorted(), r.sessions.CurrentID()) })
	case "/refresh":
		before := r.chat.SessionID()
		if err = r.engine.RefreshSessions(ctx); err == nil {
			r.write(func() { PrintSessions(r.out, r.sessions.Sorted(), r.sessions.CurrentID()) })
			if r.chat.SessionID() != before {
				r.showSession()
			}
		}
	case "/switch", "/delete":
		if len(args) != 1 {
			r.write(func() { ErrorOutput(r.out, "usage: %s <session id>\n", name) })
			return false
		}
		if name == "/switch" {
			err = r.engine.SwitchSession(ctx, args[0])
		} else {
			err = r.engine.DeleteSession(ctx, args[0])
		}
		if err == nil {
			r.showSession()
		}
	case "/prefs":
		r.write(func() { r.printPreferences() })
	default:
		r.write(func() { ErrorOutput(r.out, "unknown command %s, try /help\n", name) })
	}

	if err != nil {
		r.logger.Debug("Command failed", zap.String("command", name), zap.Error(err))
		r.write(func() { ErrorOutput(r.out, "%s failed: %v\n", name, err) })
	}
	return false
}

func (r *REPL) send(ctx context.Context, text string) {
	err := r.engine.Send(ctx, text)

	// Print whatever the feed has not shown yet so the prompt follows the
	// complete reply.
	r.write(func() {
		r.flushActions()
		for _, m := range r.chat.Messages() {
			if m.Role != types.RoleAssistant {
				continue
			}
			r.flushMessage(m)
		}
		fmt.Fprintln(r.out)
	})

	if err != nil {
		r.logger.Debug("Send failed", zap.Error(err))
	}
}

// follow prints streamed tokens and actions until changes closes.
func (r *REPL) follow(changes <-chan state.Change) {
	for change := range changes {
		switch change.Kind {
		case state.ChangeMessageUpdated, state.ChangeMessageAdded:
			if change.MessageID == "" {
				continue
			}
			for _, m := range r.chat.Messages() {
				if m.ID == change.MessageID && m.Role == types.RoleAssistant {
					r.write(func() { r.flushMessage(m) })
					break
				}
			}
		case state.ChangeAction:
			r.write(r.flushActions)
		}
	}
}

// flushMessage prints the unseen tail of m. Callers hold r.mu.
func (r *REPL) flushMessage(m types.Message) {
	seen := r.printed[m.ID]
	if seen >= len(m.Content) {
		return
	}

	tail := m.Content[seen:]
	if m.IsError {
		ErrorOutput(r.out, "%s\n", tail)
	} else {
		AIOutput(r.out, "%s", tail)
	}
	r.printed[m.ID] = len(m.Content)
}

// flushActions prints actions recorded since the last call. Callers hold r.mu.
func (r *REPL) flushActions() {
	actions := r.chat.Actions()
	if r.actions > len(actions) {
		r.actions = 0
	}
	for _, a := range actions[r.actions:] {
		ActionInfo(r.out, "  [%s]\n", a.Description)
	}
	r.actions = len(actions)
}

func (r *REPL) showSession() {
	r.write(func() {
		current, _ := r.sessions.Current()
		Title(r.out, "%s | %s", current.Title, current.ID)

		messages := r.chat.Messages()
		PrintTranscript(r.out, messages)
		for _, m := range messages {
			r.printed[m.ID] = len(m.Content)
		}
		r.actions = len(r.chat.Actions())
	})
}

func (r *REPL) printPreferences() {
	p := r.prefs.Get()
	Title(r.out, "TRAVEL PREFERENCES")
	if p.Destination != nil {
		fmt.Fprintf(r.out, "destination:  %s\n", *p.Destination)
	}
	if p.Budget != nil {
		fmt.Fprintf(r.out, "budget:       %.2f\n", *p.Budget)
	}
	if p.Dates != nil {
		fmt.Fprintf(r.out, "dates:        %s\n", *p.Dates)
	}
	fmt.Fprintf(r.out, "travellers:   %d\n", p.PeopleCount)
	if len(p.ActivityPreferences) > 0 {
		fmt.Fprintf(r.out, "activities:   %s\n", strings.Join(p.ActivityPreferences, ", "))
	}
	if len(p.DietaryPreferences) > 0 {
		fmt.Fprintf(r.out, "dietary:      %s\n", strings.Join(p.DietaryPreferences, ", "))
	}
}

func (r *REPL) write(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}
