package handlers

import (
	"net/http"

	"travel-chat/state"
	"travel-chat/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type SessionHandler struct {
	engine   ChatEngine
	sessions *state.SessionStore
	logger   *zap.Logger
}

func NewSessionHandler(engine ChatEngine, sessions *state.SessionStore, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		engine:   engine,
		sessions: sessions,
		logger:   logger,
	}
}

func (h *SessionHandler) catalog(c *gin.Context, status int) {
	c.JSON(status, gin.H{
		"current_session_id": h.sessions.CurrentID(),
		"sessions":           h.sessions.Sorted(),
	})
}

// List returns the session catalog, most recent first.
func (h *SessionHandler) List(c *gin.Context) {
	h.catalog(c, http.StatusOK)
}

// Create starts a new chat and makes it current.
func (h *SessionHandler) Create(c *gin.Context) {
	session, err := h.engine.NewChat(c.Request.Context())
	if err != nil {
		respondWithDomainError(c, err, h.logger)
		return
	}
	c.JSON(http.StatusCreated, session)
}

// Refresh reloads the catalog from the backend.
func (h *SessionHandler) Refresh(c *gin.Context) {
	if err := h.engine.RefreshSessions(c.Request.Context()); err != nil {
		respondWithDomainError(c, err, h.logger)
		return
	}
	h.catalog(c, http.StatusOK)
}

// Switch makes the session in the path current.
func (h *SessionHandler) Switch(c *gin.Context) {
	sessionID := c.Param("id")
	if !utils.ValidSessionID(sessionID) {
		respondWithClientError(c, http.StatusBadRequest, "Invalid session id")
		return
	}
	if err := h.engine.SwitchSession(c.Request.Context(), sessionID); err != nil {
		respondWithDomainError(c, err, h.logger, zap.String("session_id", sessionID))
		return
	}
	h.catalog(c, http.StatusOK)
}

// Delete removes the session in the path. The last session cannot be removed.
func (h *SessionHandler) Delete(c *gin.Context) {
	sessionID := c.Param("id")
	if !utils.ValidSessionID(sessionID) {
		respondWithClientError(c, http.StatusBadRequest, "Invalid session id")
		return
	}
	if err := h.engine.DeleteSession(c.Request.Context(), sessionID); err != nil {
		respondWithDomainError(c, err, h.logger, zap.String("session_id", sessionID))
		return
	}
	h.catalog(c, http.StatusOK)
}
