package utils

import (
	"regexp"

	"github.com/google/uuid"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// GenerateMessageID creates a unique message identifier using UUID v4.
func GenerateMessageID() string {
	return uuid.New().String()
}

// GenerateSessionID creates a new chat session identifier.
func GenerateSessionID() string {
	return uuid.New().String()
}

// ValidSessionID reports whether id is safe to use as a storage key suffix
// and backend path segment.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}
