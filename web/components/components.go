package components

import (
	"context"
	"fmt"
	"html"
	"io"
	"strings"

	"travel-chat/web/format"
	"travel-chat/web/types"

	"github.com/a-h/templ"
)

// MessageBubble renders one chat message. Assistant text is rendered as
// markdown; user text is escaped verbatim.
func MessageBubble(msg types.Message) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		class := "message " + string(msg.Role)
		if msg.IsError {
			class += " error"
		}

		body := html.EscapeString(msg.Content)
		if msg.Role == types.RoleAssistant && !msg.IsError {
			if rendered, err := format.ConvertToHTML(msg.Content); err == nil {
				body = rendered
			}
		}

		_, err := fmt.Fprintf(w, `<div class="%s" id="msg-%s"><div class="content">%s</div></div>`,
			class, html.EscapeString(msg.ID), body)
		return err
	})
}

// SessionItem renders one sidebar entry.
func SessionItem(session types.ChatSession, current bool) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		class := "session"
		if current {
			class += " current"
		}
		_, err := fmt.Fprintf(w,
			`<li class="%s" data-id="%s"><span class="title">%s</span><span class="preview">%s</span><span class="count">%d</span></li>`,
			class,
			html.EscapeString(session.ID),
			html.EscapeString(session.Title),
			html.EscapeString(session.LastMessage),
			session.MessageCount)
		return err
	})
}

// ChatPage renders the full application shell.
func ChatPage(currentID string, sessions []types.ChatSession, messages []types.Message) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, pageHead); err != nil {
			return err
		}

		io.WriteString(w, `<aside><button id="new-chat">New Chat</button><ul id="sessions">`)
		for _, session := range sessions {
			if err := SessionItem(session, session.ID == currentID).Render(ctx, w); err != nil {
				return err
			}
		}
		io.WriteString(w, `</ul></aside><main><div id="messages">`)
		for _, msg := range messages {
			if err := MessageBubble(msg).Render(ctx, w); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, pageTail)
		return err
	})
}

// RenderString renders c to a string.
func RenderString(ctx context.Context, c templ.Component) (string, error) {
	var b strings.Builder
	if err := c.Render(ctx, &b); err != nil {
		return "", err
	}
	return b.String(), nil
}

const pageHead = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Travel Planner</title>
<style>
body{display:flex;margin:0;font-family:sans-serif;height:100vh}
aside{width:260px;border-right:1px solid #ddd;overflow-y:auto;padding:8px}
main{flex:1;display:flex;flex-direction:column}
#messages{flex:1;overflow-y:auto;padding:16px}
.message{margin:8px 0;padding:8px 12px;border-radius:8px;max-width:70%}
.message.user{background:#dbeafe;margin-left:auto}
.message.assistant{background:#f3f4f6}
.message.error{background:#fee2e2}
.session{cursor:pointer;padding:6px;list-style:none}
.session.current{background:#eef}
.session .preview{display:block;color:#666;font-size:12px}
#typing,#toast{display:none;padding:4px 16px}
</style>
</head>
<body>
`

const pageTail = `</div>
<div id="typing">Assistant is typing...</div>
<div id="toast"></div>
<form id="composer"><input id="input" autocomplete="off" placeholder="Where to next?"><button>Send</button></form>
</main>
<script>
async function refresh() {
  const res = await fetch('/api/state');
  const s = await res.json();
  const box = document.getElementById('messages');
  box.innerHTML = s.messages.map(m => '<div class="message ' + m.role + (m.is_error ? ' error' : '') + '">' +
    '<div class="content">' + (m.rendered || escapeHTML(m.content)) + '</div></div>').join('');
  box.scrollTop = box.scrollHeight;
  document.getElementById('typing').style.display = s.is_typing ? 'block' : 'none';
  const toast = document.getElementById('toast');
  toast.style.display = s.error ? 'block' : 'none';
  toast.textContent = s.error || '';
  document.getElementById('sessions').innerHTML = s.sessions.map(x =>
    '<li class="session' + (x.id === s.current_session_id ? ' current' : '') + '" data-id="' + x.id + '">' +
    '<span class="title">' + escapeHTML(x.title) + '</span><span class="preview">' + escapeHTML(x.last_message || '') + '</span></li>').join('');
}
function escapeHTML(t) { const d = document.createElement('div'); d.textContent = t; return d.innerHTML; }
document.getElementById('composer').onsubmit = async e => {
  e.preventDefault();
  const input = document.getElementById('input');
  const message = input.value.trim();
  if (!message) return;
  input.value = '';
  await fetch('/api/chat', {method: 'POST', headers: {'Content-Type': 'application/json'}, body: JSON.stringify({message})});
};
document.getElementById('new-chat').onclick = () => fetch('/api/sessions', {method: 'POST'});
document.getElementById('sessions').onclick = e => {
  const li = e.target.closest('li');
  if (li) fetch('/api/sessions/' + li.dataset.id + '/current', {method: 'PUT'});
};
document.getElementById('toast').onclick = () => fetch('/api/error', {method: 'DELETE'});
const updates = new EventSource('/api/updates');
updates.onmessage = () => refresh();
</script>
</body>
</html>
`
