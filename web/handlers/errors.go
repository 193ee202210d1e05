package handlers

import (
	"net/http"

	apperrors "travel-chat/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondWithError logs the technical error and returns a user-friendly message
func respondWithError(c *gin.Context, statusCode int, technicalError error, userMessage string, logger *zap.Logger, fields ...zap.Field) {
	// Log technical error with context
	if logger != nil {
		fields = append(fields, zap.Error(technicalError))
		logger.Error("Request failed", fields...)
	}

	// Return user-friendly message
	c.JSON(statusCode, gin.H{"error": userMessage})
}

// respondWithClientError returns a client error (no logging needed for validation errors)
func respondWithClientError(c *gin.Context, statusCode int, userMessage string) {
	c.JSON(statusCode, gin.H{"error": userMessage})
}

// respondWithDomainError maps engine errors onto HTTP statuses. Unknown
// errors are logged and reported as internal failures.
func respondWithDomainError(c *gin.Context, err error, logger *zap.Logger, fields ...zap.Field) {
	switch {
	case apperrors.IsInvalidInput(err):
		respondWithClientError(c, http.StatusBadRequest, "Message cannot be empty")
	case apperrors.IsNotFound(err):
		respondWithClientError(c, http.StatusNotFound, "Session not found")
	case apperrors.IsLastSession(err):
		respondWithClientError(c, http.StatusConflict, "Cannot delete the only remaining chat")
	case apperrors.IsResponseInProgress(err):
		respondWithClientError(c, http.StatusConflict, "Please wait for the current response to finish")
	case apperrors.IsTransport(err):
		respondWithError(c, http.StatusBadGateway, err, "Unable to reach the travel service", logger, fields...)
	default:
		respondWithError(c, http.StatusInternalServerError, err, "Something went wrong", logger, fields...)
	}
}
