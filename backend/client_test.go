package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"travel-chat/config"
	apperrors "travel-chat/errors"
	"travel-chat/web/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := &config.Config{
		BackendBaseURL: server.URL + "/api/v1",
		RequestTimeout: 5 * time.Second,
		HistoryLimit:   20,
	}
	return New(cfg, zap.NewNop())
}

func TestStreamMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chat/message/stream", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{"session_id": "s1", "message": "Hi"}, body)

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"type\":\"start\"}\n\n")
	})
	client := newTestClient(t, mux)

	body, err := client.StreamMessage(context.Background(), "s1", "Hi")
	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "data: {\"type\":\"start\"}\n\n", string(raw))
}

func TestStreamMessage_NonSuccessStatus(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Failed to stream message", http.StatusInternalServerError)
	}))

	_, err := client.StreamMessage(context.Background(), "s1", "Hi")
	require.Error(t, err)
	assert.True(t, apperrors.IsTransport(err))
	assert.Contains(t, err.Error(), "500")
}

func TestStreamMessage_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	base := server.URL
	server.Close()

	client := New(&config.Config{BackendBaseURL: base}, zap.NewNop())
	_, err := client.StreamMessage(context.Background(), "s1", "Hi")
	assert.True(t, apperrors.IsTransport(err))
}

func TestHistory(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chat/history/s1", r.URL.Path)
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		io.WriteString(w, `{"session_id":"s1","messages":[
			{"role":"user","content":"Plan Goa","timestamp":"2024-05-01T10:00:00.123456"},
			{"role":"assistant","content":"Sure","timestamp":"2024-05-01T10:00:05Z"}
		],"summary":{}}`)
	}))

	messages, err := client.History(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, types.RoleUser, messages[0].Role)
	assert.Equal(t, "Plan Goa", messages[0].Content)
	assert.Equal(t, 2024, messages[0].Timestamp.Year())
	assert.Equal(t, types.RoleAssistant, messages[1].Role)
}

func TestContext(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chat/context/s1", r.URL.Path)
		io.WriteString(w, `{"session_id":"s1","preferences":{"destination":"Goa","budget":25000},"conversation":{}}`)
	}))

	prefs, err := client.Context(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "Goa", prefs["destination"])
	assert.Equal(t, float64(25000), prefs["budget"])
}

func TestListSessions(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chat/sessions", r.URL.Path)
		io.WriteString(w, `{"total":2,"sessions":[
			{"session_id":"a","title":"Trip to Goa","last_message":"Plan Goa","last_updated":"2024-05-01T10:00:00","message_count":4,"destination":"Goa","budget":25000},
			{"session_id":"b","title":"New Chat","last_message":null,"last_updated":"2024-04-30T09:00:00Z","message_count":1}
		]}`)
	}))

	sessions, err := client.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	assert.Equal(t, "a", sessions[0].ID)
	assert.Equal(t, "Trip to Goa", sessions[0].Title)
	assert.Equal(t, "Plan Goa", sessions[0].LastMessage)
	assert.Equal(t, 4, sessions[0].MessageCount)
	require.NotNil(t, sessions[0].Destination)
	assert.Equal(t, "Goa", *sessions[0].Destination)
	assert.Equal(t, 25000.0, *sessions[0].Budget)
	assert.True(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC).Equal(sessions[0].LastActivity))

	assert.Empty(t, sessions[1].LastMessage)
	assert.Nil(t, sessions[1].Destination)
}

func TestDeleteSession(t *testing.T) {
	var gotPath string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		gotPath = r.URL.Path
		io.WriteString(w, `{"status":"success"}`)
	}))

	require.NoError(t, client.DeleteSession(context.Background(), "s1"))
	assert.Equal(t, "/api/v1/chat/session/s1", gotPath)
}

func TestHealth(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/health/":
			io.WriteString(w, `{"status":"healthy","service":"Travel Agent API","version":"1.0.0"}`)
		case "/api/v1/health/database":
			io.WriteString(w, `{"status":"unhealthy","database":"disconnected","type":"MongoDB"}`)
		default:
			http.NotFound(w, r)
		}
	}))

	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)

	db, err := client.DatabaseHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "disconnected", db.Database)
}

func TestParseTimestamp(t *testing.T) {
	assert.True(t, parseTimestamp("not a time").IsZero())
	assert.True(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).Equal(parseTimestamp("2024-01-02 03:04:05")))
}
