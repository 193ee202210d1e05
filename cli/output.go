package cli

import (
	"fmt"
	"io"
	"strings"

	"travel-chat/web/types"

	"github.com/fatih/color"
)

const lineWidth = 60

var (
	// Colors.
	userColor    = color.New(color.Bold)
	aiColor      = color.New(color.FgCyan)
	formatColor  = color.New(color.FgGreen)
	actionColor  = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed)
	currentColor = color.New(color.FgGreen, color.Bold)
)

// Title prints text centered in a separator line.
func Title(w io.Writer, text string, args ...any) {
	title := "  " + fmt.Sprintf(text, args...) + "  "
	left := (lineWidth - len(title)) / 2
	if left < 0 {
		left = 0
	}
	right := lineWidth - len(title) - left
	if right < 0 {
		right = 0
	}
	formatColor.Fprintln(w, strings.Repeat("-", left)+title+strings.Repeat("-", right))
}

func UserInput(w io.Writer, text string, args ...any) {
	userColor.Fprintf(w, "-> %s", fmt.Sprintf(text, args...))
}

func AIOutput(w io.Writer, text string, args ...any) {
	aiColor.Fprintf(w, text, args...)
}

func ActionInfo(w io.Writer, text string, args ...any) {
	actionColor.Fprintf(w, text, args...)
}

func ErrorOutput(w io.Writer, text string, args ...any) {
	errorColor.Fprintf(w, text, args...)
}

// PrintSessions lists the catalog, marking the current session.
func PrintSessions(w io.Writer, sessions []types.ChatSession, currentID string) {
	Title(w, "TRAVEL CHAT SESSIONS")
	if len(sessions) == 0 {
		fmt.Fprintln(w, "no sessions")
		return
	}

	for _, s := range sessions {
		marker := "  "
		c := aiColor
		if s.ID == currentID {
			marker = "* "
			c = currentColor
		}
		c.Fprintf(w, "%s%s  %s (%d messages, %s)\n",
			marker, s.ID, s.Title, s.MessageCount, s.LastActivity.Local().Format("2006-01-02 15:04"))
		if s.LastMessage != "" {
			fmt.Fprintf(w, "    %s\n", s.LastMessage)
		}
	}
}

// PrintTranscript prints every message of the active session.
func PrintTranscript(w io.Writer, messages []types.Message) {
	for _, m := range messages {
		switch {
		case m.Role == types.RoleUser:
			UserInput(w, "%s\n", m.Content)
		case m.IsError:
			ErrorOutput(w, "%s\n", m.Content)
		default:
			AIOutput(w, "%s\n", m.Content)
		}
	}
}
