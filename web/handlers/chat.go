package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"travel-chat/backend"
	"travel-chat/state"
	"travel-chat/web/components"
	"travel-chat/web/middleware"
	"travel-chat/web/services"
	"travel-chat/web/types"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultHeartbeat = 30 * time.Second

// ChatEngine is the streaming session client driving the stores.
type ChatEngine interface {
	SendAsync(ctx context.Context, text string) (types.Message, error)
	NewChat(ctx context.Context) (types.ChatSession, error)
	SwitchSession(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error
	RefreshSessions(ctx context.Context) error
}

// HealthChecker queries the backend health endpoints.
type HealthChecker interface {
	Health(ctx context.Context) (backend.HealthStatus, error)
	DatabaseHealth(ctx context.Context) (backend.HealthStatus, error)
}

type ChatHandler struct {
	engine    ChatEngine
	chat      *state.ChatStore
	notifier  *state.Notifier
	views     *services.StateService
	streams   *services.StreamService
	health    HealthChecker
	logger    *zap.Logger
	Heartbeat time.Duration
}

type ChatRequest struct {
	Message string `json:"message" form:"message"`
}

func NewChatHandler(engine ChatEngine, chat *state.ChatStore, notifier *state.Notifier, views *services.StateService, health HealthChecker, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		engine:    engine,
		chat:      chat,
		notifier:  notifier,
		views:     views,
		streams:   services.NewStreamService(logger),
		health:    health,
		logger:    logger,
		Heartbeat: defaultHeartbeat,
	}
}

func (h *ChatHandler) Index(c *gin.Context) {
	view := h.views.View()

	messages := make([]types.Message, 0, len(view.Messages))
	for _, m := range view.Messages {
		messages = append(messages, m.Message)
	}

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	component := components.ChatPage(view.CurrentSessionID, view.Sessions, messages)
	if err := component.Render(c.Request.Context(), c.Writer); err != nil {
		h.logger.Error("Failed to render chat page", zap.Error(err))
	}
}

// State returns the full client state as JSON.
func (h *ChatHandler) State(c *gin.Context) {
	c.JSON(http.StatusOK, h.views.View())
}

// SendMessage appends the user message and streams the reply in the
// background. Progress is reported on the change feed.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBind(&req); err != nil {
		h.logger.Warn("Failed to bind chat request", zap.Error(err))
		respondWithClientError(c, http.StatusBadRequest, "Invalid request")
		return
	}

	if strings.TrimSpace(req.Message) == "" {
		respondWithClientError(c, http.StatusBadRequest, "Message cannot be empty")
		return
	}

	msg, err := h.engine.SendAsync(c.Request.Context(), req.Message)
	if err != nil {
		respondWithDomainError(c, err, h.logger, zap.String("session_id", c.GetString(middleware.SessionIDKey)))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": msg})
}

// Updates streams store changes to the browser as Server-Sent Events.
func (h *ChatHandler) Updates(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	changes, unsubscribe := h.notifier.Subscribe(64)
	defer unsubscribe()

	if err := h.streams.PumpChanges(c.Request.Context(), c.Writer, changes, h.Heartbeat); err != nil {
		h.logger.Debug("Change feed closed", zap.Error(err))
	}
}

// DismissError clears the error toast.
func (h *ChatHandler) DismissError(c *gin.Context) {
	h.chat.DismissError()
	c.Status(http.StatusNoContent)
}

// Health reports backend and backend-database health.
func (h *ChatHandler) Health(c *gin.Context) {
	ctx := c.Request.Context()

	status, err := h.health.Health(ctx)
	if err != nil {
		respondWithError(c, http.StatusServiceUnavailable, err, "Travel service unavailable", h.logger)
		return
	}

	db, err := h.health.DatabaseHealth(ctx)
	if err != nil {
		h.logger.Warn("Backend database health check failed", zap.Error(err))
		db = backend.HealthStatus{Status: "unknown"}
	}

	c.JSON(http.StatusOK, gin.H{"backend": status, "database": db})
}
