package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParser_SplitAtEveryOffset(t *testing.T) {
	line := "data: {\"type\":\"token\",\"content\":\"Gôa ✈\"}\n"

	whole := NewParser(zap.NewNop()).Feed([]byte(line))
	require.Len(t, whole, 1)

	for i := 0; i <= len(line); i++ {
		p := NewParser(zap.NewNop())
		events := p.Feed([]byte(line[:i]))
		events = append(events, p.Feed([]byte(line[i:]))...)

		require.Len(t, events, 1, "split at byte %d", i)
		assert.Equal(t, whole[0], events[0], "split at byte %d", i)
		assert.Zero(t, p.Pending())
	}
}

func TestParser_RetainsPartialLine(t *testing.T) {
	p := NewParser(zap.NewNop())

	events := p.Feed([]byte("data: {\"type\":\"start\"}\ndata: {\"type\":\"tok"))
	require.Len(t, events, 1)
	assert.Equal(t, EventStart, events[0].Type)
	assert.Equal(t, len("data: {\"type\":\"tok"), p.Pending())

	events = p.Feed([]byte("en\",\"content\":\"Hi\"}\n"))
	require.Len(t, events, 1)
	assert.Equal(t, "Hi", events[0].Content)
}

func TestParser_Lines(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "malformed line between valid ones",
			input: "data: {\"type\":\"start\"}\ndata: {not json\ndata: {\"type\":\"complete\"}\n",
			want:  []string{EventStart, EventComplete},
		},
		{
			name:  "empty payload skipped",
			input: "data: \ndata:\ndata: {\"type\":\"start\"}\n",
			want:  []string{EventStart},
		},
		{
			name:  "crlf endings and no space after prefix",
			input: "data:{\"type\":\"start\"}\r\n\r\n",
			want:  []string{EventStart},
		},
		{
			name:  "comments and other fields ignored",
			input: ": keep-alive\nid: 4\nretry: 100\ndata: {\"type\":\"token\"}\n",
			want:  []string{EventToken},
		},
		{
			name:  "ping events skipped",
			input: "event: ping\r\ndata: 2024-05-01 10:00:00\r\n\r\ndata: {\"type\":\"connected\"}\r\n\r\n",
			want:  []string{EventConnected},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := NewParser(zap.NewNop()).Feed([]byte(tt.input))

			var got []string
			for _, ev := range events {
				got = append(got, ev.Type)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParser_Flush(t *testing.T) {
	p := NewParser(zap.NewNop())

	assert.Empty(t, p.Feed([]byte(`data: {"type":"complete"}`)))

	events := p.Flush()
	require.Len(t, events, 1)
	assert.Equal(t, EventComplete, events[0].Type)
	assert.Nil(t, p.Flush())
}

func TestParser_DecodesFields(t *testing.T) {
	p := NewParser(zap.NewNop())
	events := p.Feed([]byte(`data: {"type":"memory","updates":{"destination":"Goa","budget":25000}}` + "\n" +
		`data: {"type":"action","description":"Searching for flights to Goa","data":{"n":1}}` + "\n"))

	require.Len(t, events, 2)
	assert.Equal(t, map[string]any{"destination": "Goa", "budget": float64(25000)}, events[0].Updates)
	assert.Equal(t, "Searching for flights to Goa", events[1].Description)
	assert.Equal(t, map[string]any{"n": float64(1)}, events[1].Data)
}
