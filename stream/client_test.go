package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"travel-chat/database"
	apperrors "travel-chat/errors"
	"travel-chat/state"
	"travel-chat/web/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// chunkReader returns its chunks one Read at a time, calling before (if set)
// ahead of chunk i.
type chunkReader struct {
	chunks []string
	before map[int]func()
	i      int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.i >= len(r.chunks) {
		return 0, io.EOF
	}
	if hook, ok := r.before[r.i]; ok {
		hook()
	}
	n := copy(p, r.chunks[r.i])
	r.chunks[r.i] = r.chunks[r.i][n:]
	if r.chunks[r.i] == "" {
		r.i++
	}
	return n, nil
}

func (r *chunkReader) Close() error { return nil }

func splitEvery(s string, size int) []string {
	var chunks []string
	for len(s) > size {
		chunks = append(chunks, s[:size])
		s = s[size:]
	}
	return append(chunks, s)
}

type fakeBackend struct {
	mu        sync.Mutex
	replies   []io.ReadCloser
	streamErr error
	onStream  func(sessionID, message string)

	history    map[string][]types.Message
	contexts   map[string]map[string]any
	historyErr error
	sessions   []types.ChatSession
	deleted    []string
}

func (f *fakeBackend) reply(body string) {
	f.replies = append(f.replies, &chunkReader{chunks: []string{body}})
}

func (f *fakeBackend) StreamMessage(ctx context.Context, sessionID, message string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.onStream != nil {
		f.onStream(sessionID, message)
	}
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	if len(f.replies) == 0 {
		return nil, errors.New("no reply queued")
	}
	body := f.replies[0]
	f.replies = f.replies[1:]
	return body, nil
}

func (f *fakeBackend) History(ctx context.Context, sessionID string) ([]types.Message, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.history[sessionID], nil
}

func (f *fakeBackend) Context(ctx context.Context, sessionID string) (map[string]any, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.contexts[sessionID], nil
}

func (f *fakeBackend) ListSessions(ctx context.Context) ([]types.ChatSession, error) {
	return f.sessions, nil
}

func (f *fakeBackend) DeleteSession(ctx context.Context, sessionID string) error {
	f.deleted = append(f.deleted, sessionID)
	return nil
}

type harness struct {
	client   *Client
	backend  *fakeBackend
	kv       database.KV
	chat     *state.ChatStore
	sessions *state.SessionStore
	prefs    *state.PreferenceStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()
	notifier := state.NewNotifier()
	kv := database.NewMemoryKV()

	h := &harness{
		backend:  &fakeBackend{},
		kv:       kv,
		chat:     state.NewChatStore(kv, notifier, logger),
		sessions: state.NewSessionStore(kv, notifier, logger),
		prefs:    state.NewPreferenceStore(notifier, logger),
	}
	h.client = NewClient(h.backend, h.chat, h.sessions, h.prefs, logger)
	require.NoError(t, h.client.Init(context.Background()))
	return h
}

const helloStream = "data: {\"type\":\"start\",\"message\":\"Processing your request...\"}\n\n" +
	"data: {\"type\":\"response_start\"}\n\n" +
	"data: {\"type\":\"token\",\"content\":\"Hel\"}\n\n" +
	"data: {\"type\":\"token\",\"content\":\"lo\"}\n\n" +
	"data: {\"type\":\"complete\",\"timestamp\":\"2024-05-01T10:00:00\"}\n\n"

func TestSend_HelloScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sessionID := h.sessions.CurrentID()

	var countAtSend int
	var titleAtSend string
	h.backend.onStream = func(string, string) {
		session, _ := h.sessions.Current()
		countAtSend = session.MessageCount
		titleAtSend = session.Title
	}
	h.backend.reply(helloStream)

	require.NoError(t, h.client.Send(ctx, "Plan a 3-day trip to Tokyo for ₹50000"))

	assert.Equal(t, 2, countAtSend)
	assert.Equal(t, "Plan a 3-day trip to Tokyo for...", titleAtSend)

	snapshot := h.chat.Snapshot()
	require.Len(t, snapshot.Messages, 3)
	assistant := snapshot.Messages[2]
	assert.Equal(t, types.RoleAssistant, assistant.Role)
	assert.Equal(t, "Hello", assistant.Content)
	assert.False(t, snapshot.IsTyping)
	assert.Equal(t, state.PhaseFinalized, snapshot.Phase)

	session, _ := h.sessions.Get(sessionID)
	assert.Equal(t, 3, session.MessageCount)
	assert.Equal(t, "Hello", session.LastMessage)

	cache, found, err := h.chat.CachedSession(ctx, sessionID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Len(t, cache.Messages, 3)
}

func TestConsume_ArbitraryChunking(t *testing.T) {
	for _, size := range []int{1, 2, 3, 7, 64} {
		h := newHarness(t)
		_, turn, err := h.chat.AddUserMessage("Hi")
		require.NoError(t, err)

		reader := &chunkReader{chunks: splitEvery(helloStream, size)}
		require.NoError(t, h.client.Consume(context.Background(), h.chat.SessionID(), turn, reader))

		messages := h.chat.Messages()
		require.Len(t, messages, 3, "chunk size %d", size)
		assert.Equal(t, "Hello", messages[2].Content, "chunk size %d", size)
	}
}

func TestSend_MemoryUpdatesMerge(t *testing.T) {
	h := newHarness(t)
	h.backend.reply("data: {\"type\":\"memory\",\"updates\":{\"destination\":\"Goa\"}}\n\n" +
		"data: {\"type\":\"action\",\"description\":\"Updated preferences: destination\"}\n\n" +
		"data: {\"type\":\"memory\",\"updates\":{\"budget\":25000}}\n\n" +
		"data: {\"type\":\"response_start\"}\n\n" +
		"data: {\"type\":\"token\",\"content\":\"Goa it is\"}\n\n" +
		"data: {\"type\":\"complete\"}\n\n")

	require.NoError(t, h.client.Send(context.Background(), "Goa under 25000"))

	prefs := h.prefs.Get()
	require.NotNil(t, prefs.Destination)
	require.NotNil(t, prefs.Budget)
	assert.Equal(t, "Goa", *prefs.Destination)
	assert.Equal(t, 25000.0, *prefs.Budget)

	snapshot := h.chat.Snapshot()
	assert.Len(t, snapshot.MemoryUpdates, 2)
	require.Len(t, snapshot.RecentActions, 1)
	assert.Equal(t, "updated_preferences:_destination", snapshot.RecentActions[0].ActionType)

	session, _ := h.sessions.Current()
	require.NotNil(t, session.Destination)
	assert.Equal(t, "Goa", *session.Destination)
}

func TestSend_MalformedLineDoesNotStopStream(t *testing.T) {
	h := newHarness(t)
	h.backend.reply("data: {\"type\":\"response_start\"}\n" +
		"data: {\"type\":\"token\",\"content\":\"A\"\n" +
		"data: {\"type\":\"token\",\"content\":\"B\"}\n" +
		"data: {\"type\":\"mystery\"}\n" +
		"data: {\"type\":\"complete\"}\n")

	require.NoError(t, h.client.Send(context.Background(), "Hi"))

	messages := h.chat.Messages()
	assert.Equal(t, "B", messages[len(messages)-1].Content)
	assert.Equal(t, state.PhaseFinalized, h.chat.Phase())
}

func TestSend_ErrorEvent(t *testing.T) {
	h := newHarness(t)
	h.backend.reply("data: {\"type\":\"start\"}\n\n" +
		"data: {\"type\":\"error\",\"message\":\"Model overloaded\"}\n\n" +
		"data: {\"type\":\"token\",\"content\":\"never applied\"}\n\n")

	require.NoError(t, h.client.Send(context.Background(), "Hi"))

	snapshot := h.chat.Snapshot()
	last := snapshot.Messages[len(snapshot.Messages)-1]
	assert.True(t, last.IsError)
	assert.Equal(t, "Model overloaded", last.Content)
	assert.Equal(t, "Model overloaded", snapshot.Error)
	assert.False(t, snapshot.IsTyping)
	assert.Equal(t, state.PhaseError, snapshot.Phase)
}

func TestSend_TransportFailure(t *testing.T) {
	h := newHarness(t)
	h.backend.streamErr = apperrors.WrapError(apperrors.ErrTransport, "connection refused")

	err := h.client.Send(context.Background(), "Hi")
	assert.True(t, apperrors.IsTransport(err))

	snapshot := h.chat.Snapshot()
	last := snapshot.Messages[len(snapshot.Messages)-1]
	assert.True(t, last.IsError)
	assert.Equal(t, state.TransportErrorMessage, last.Content)
	assert.False(t, snapshot.IsTyping)

	// The input is usable again.
	h.backend.streamErr = nil
	h.backend.reply(helloStream)
	assert.NoError(t, h.client.Send(context.Background(), "Again"))
}

func TestSend_EndOfDataWithoutTerminalEvent(t *testing.T) {
	t.Run("after response started", func(t *testing.T) {
		h := newHarness(t)
		h.backend.reply("data: {\"type\":\"response_start\"}\n" + `data: {"type":"token","content":"partial"}`)

		require.NoError(t, h.client.Send(context.Background(), "Hi"))

		messages := h.chat.Messages()
		assert.Equal(t, "partial", messages[len(messages)-1].Content)
		assert.Equal(t, state.PhaseFinalized, h.chat.Phase())
		assert.False(t, h.chat.IsTyping())
	})

	t.Run("before any response", func(t *testing.T) {
		h := newHarness(t)
		h.backend.reply("data: {\"type\":\"start\"}\n")

		err := h.client.Send(context.Background(), "Hi")
		assert.True(t, apperrors.IsTransport(err))
		assert.Equal(t, state.PhaseError, h.chat.Phase())
		assert.False(t, h.chat.IsTyping())
	})
}

func TestSend_RejectedWhileResponding(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.chat.AddUserMessage("first")
	require.NoError(t, err)

	err = h.client.Send(context.Background(), "second")
	assert.ErrorIs(t, err, apperrors.ErrResponseInProgress)
}

func TestSendAsync(t *testing.T) {
	h := newHarness(t)
	h.backend.reply(helloStream)

	msg, err := h.client.SendAsync(context.Background(), "Hi")
	require.NoError(t, err)
	assert.Equal(t, "Hi", msg.Content)

	h.client.Wait()
	messages := h.chat.Messages()
	assert.Equal(t, "Hello", messages[len(messages)-1].Content)
}

func TestConsume_AbandonsStreamAfterSwitch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	original := h.chat.SessionID()

	_, turn, err := h.chat.AddUserMessage("Hi")
	require.NoError(t, err)

	reader := &chunkReader{
		chunks: []string{
			"data: {\"type\":\"response_start\"}\ndata: {\"type\":\"token\",\"content\":\"a\"}\n",
			"data: {\"type\":\"token\",\"content\":\"b\"}\ndata: {\"type\":\"complete\"}\n",
		},
		before: map[int]func(){1: func() {
			_, err := h.client.NewChat(ctx)
			require.NoError(t, err)
		}},
	}
	require.NoError(t, h.client.Consume(ctx, original, turn, reader))

	assert.NotEqual(t, original, h.chat.SessionID())
	assert.Len(t, h.chat.Messages(), 1)

	cache, found, err := h.chat.CachedSession(ctx, original)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", cache.Messages[len(cache.Messages)-1].Content)
}

func TestSend_AbandonsStreamAfterReloadingSameSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	original := h.sessions.CurrentID()

	h.backend.replies = append(h.backend.replies, &chunkReader{
		chunks: []string{
			"data: {\"type\":\"response_start\"}\ndata: {\"type\":\"token\",\"content\":\"Hel\"}\n",
			"data: {\"type\":\"token\",\"content\":\"lo\"}\ndata: {\"type\":\"complete\"}\n",
		},
		before: map[int]func(){1: func() {
			_, err := h.client.NewChat(ctx)
			require.NoError(t, err)
			require.NoError(t, h.client.SwitchSession(ctx, original))
		}},
	})

	require.NoError(t, h.client.Send(ctx, "Hi"))

	assert.Equal(t, original, h.chat.SessionID())
	messages := h.chat.Messages()
	require.Len(t, messages, 3)
	assert.Equal(t, "Hi", messages[1].Content)
	assert.Equal(t, "Hel", messages[2].Content)
	for _, m := range messages {
		assert.NotEqual(t, "lo", m.Content)
	}
	assert.Equal(t, state.PhaseIdle, h.chat.Phase())
	assert.False(t, h.chat.IsTyping())

	// A fresh turn on the reloaded session streams into a single new message.
	h.backend.reply(helloStream)
	require.NoError(t, h.client.Send(ctx, "Again"))

	messages = h.chat.Messages()
	require.Len(t, messages, 5)
	assert.Equal(t, "Again", messages[3].Content)
	assert.Equal(t, "Hello", messages[4].Content)
	assert.Equal(t, state.PhaseFinalized, h.chat.Phase())
}

func TestSend_OpenFailureAfterNewChatLeavesNewSessionClean(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	original := h.sessions.CurrentID()

	var created string
	h.backend.onStream = func(string, string) {
		session, err := h.client.NewChat(ctx)
		require.NoError(t, err)
		created = session.ID
	}
	h.backend.streamErr = apperrors.WrapError(apperrors.ErrTransport, "connection refused")

	err := h.client.Send(ctx, "Hi")
	assert.True(t, apperrors.IsTransport(err))

	snapshot := h.chat.Snapshot()
	assert.Equal(t, created, snapshot.SessionID)
	require.Len(t, snapshot.Messages, 1)
	assert.Equal(t, state.WelcomeMessage, snapshot.Messages[0].Content)
	assert.Equal(t, state.PhaseIdle, snapshot.Phase)
	assert.Empty(t, snapshot.Error)

	cache, found, err := h.chat.CachedSession(ctx, original)
	require.NoError(t, err)
	require.True(t, found)
	last := cache.Messages[len(cache.Messages)-1]
	assert.Equal(t, "Hi", last.Content)
	assert.False(t, last.IsError)
}

func TestSwitchSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.sessions.CurrentID()

	h.backend.reply(helloStream)
	require.NoError(t, h.client.Send(ctx, "Hi"))

	second, err := h.client.NewChat(ctx)
	require.NoError(t, err)
	assert.Len(t, h.chat.Messages(), 1)

	require.NoError(t, h.client.SwitchSession(ctx, first))
	assert.Equal(t, first, h.chat.SessionID())
	assert.Equal(t, first, h.sessions.CurrentID())
	assert.Len(t, h.chat.Messages(), 3)

	require.NoError(t, h.client.SwitchSession(ctx, second.ID))
	assert.Len(t, h.chat.Messages(), 1)

	err = h.client.SwitchSession(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestLoadSession_RemoteState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.backend.sessions = []types.ChatSession{{ID: "remote", Title: "Trip to Goa"}}
	h.backend.history = map[string][]types.Message{
		"remote": {
			{Role: types.RoleUser, Content: "Plan Goa"},
			{Role: types.RoleAssistant, Content: "Sure"},
		},
	}
	h.backend.contexts = map[string]map[string]any{"remote": {"destination": "Goa", "people_count": 2}}

	require.NoError(t, h.client.RefreshSessions(ctx))

	assert.Equal(t, "remote", h.chat.SessionID())
	messages := h.chat.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "Sure", messages[1].Content)

	prefs := h.prefs.Get()
	assert.Equal(t, "Goa", *prefs.Destination)
	assert.Equal(t, 2, prefs.PeopleCount)
}

func TestLoadSession_RemoteFailureFallsBack(t *testing.T) {
	h := newHarness(t)
	h.backend.historyErr = errors.New("backend down")

	_, err := h.client.NewChat(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.client.LoadSession(context.Background(), h.sessions.CurrentID()))

	messages := h.chat.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, state.WelcomeMessage, messages[0].Content)
}

func TestDeleteSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.sessions.CurrentID()

	err := h.client.DeleteSession(ctx, first)
	assert.ErrorIs(t, err, apperrors.ErrLastSession)
	assert.Equal(t, 1, h.sessions.Len())

	h.backend.reply(helloStream)
	require.NoError(t, h.client.Send(ctx, "Hi"))
	second, err := h.client.NewChat(ctx)
	require.NoError(t, err)

	require.NoError(t, h.client.DeleteSession(ctx, second.ID))
	assert.Equal(t, []string{second.ID}, h.backend.deleted)
	assert.Equal(t, first, h.chat.SessionID())
	assert.Len(t, h.chat.Messages(), 3)

	keys, err := h.kv.Keys(ctx, "chat_messages_")
	require.NoError(t, err)
	for _, key := range keys {
		assert.False(t, strings.HasSuffix(key, second.ID))
	}
}
