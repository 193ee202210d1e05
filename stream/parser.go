package stream

import (
	"bytes"
	"encoding/json"

	"go.uber.org/zap"
)

// Event kinds sent by the backend.
const (
	EventStart         = "start"
	EventAction        = "action"
	EventMemory        = "memory"
	EventResponseStart = "response_start"
	EventToken         = "token"
	EventComplete      = "complete"
	EventError         = "error"

	EventConnected = "connected"
	EventHeartbeat = "heartbeat"
)

// Event is one decoded `data:` payload. Fields not used by a kind are empty.
type Event struct {
	Type        string         `json:"type"`
	Message     string         `json:"message,omitempty"`
	Description string         `json:"description,omitempty"`
	ActionType  string         `json:"action_type,omitempty"`
	Content     string         `json:"content,omitempty"`
	Updates     map[string]any `json:"updates,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
}

var dataPrefix = []byte("data:")

// Parser turns arbitrarily chunked event-stream bytes into Events. A trailing
// partial line is retained until the chunk that completes it arrives.
type Parser struct {
	buf       []byte
	eventName string
	logger    *zap.Logger
}

func NewParser(logger *zap.Logger) *Parser {
	return &Parser{logger: logger}
}

// Feed consumes the next chunk and returns the events completed by it.
func (p *Parser) Feed(chunk []byte) []Event {
	p.buf = append(p.buf, chunk...)

	var events []Event
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		if ev, ok := p.parseLine(p.buf[:i]); ok {
			events = append(events, ev)
		}
		p.buf = p.buf[i+1:]
	}

	// Compact so the retained partial line does not pin old chunks.
	p.buf = append([]byte(nil), p.buf...)
	return events
}

// Flush processes a retained line at end of data.
func (p *Parser) Flush() []Event {
	if len(p.buf) == 0 {
		return nil
	}
	line := p.buf
	p.buf = nil

	if ev, ok := p.parseLine(line); ok {
		return []Event{ev}
	}
	return nil
}

// Pending reports how many bytes of an incomplete line are buffered.
func (p *Parser) Pending() int {
	return len(p.buf)
}

func (p *Parser) parseLine(line []byte) (Event, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))

	if len(line) == 0 {
		p.eventName = ""
		return Event{}, false
	}
	if name, ok := bytes.CutPrefix(line, []byte("event:")); ok {
		p.eventName = string(bytes.TrimSpace(name))
		return Event{}, false
	}

	payload, ok := bytes.CutPrefix(line, dataPrefix)
	if !ok {
		// Comments, ids and retry hints carry nothing for us.
		return Event{}, false
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return Event{}, false
	}
	if p.eventName == "ping" {
		p.logger.Debug("Skipping keep-alive ping")
		return Event{}, false
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		p.logger.Warn("Discarding malformed stream payload",
			zap.ByteString("line", line),
			zap.Error(err))
		return Event{}, false
	}
	return ev, true
}
