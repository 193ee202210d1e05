package state

import (
	"sync"
)

// ChangeKind names what part of the client state changed.
type ChangeKind string

const (
	ChangeMessageAdded   ChangeKind = "message_added"
	ChangeMessageUpdated ChangeKind = "message_updated"
	ChangeTyping         ChangeKind = "typing"
	ChangeAction         ChangeKind = "action"
	ChangeMemory         ChangeKind = "memory"
	ChangeError          ChangeKind = "error"
	ChangeCompleted      ChangeKind = "completed"
	ChangeSession        ChangeKind = "session"
	ChangePreferences    ChangeKind = "preferences"
	ChangeConnection     ChangeKind = "connection"
)

// Change is a notification that the stores were mutated. Subscribers re-read
// the state they care about; a Change carries identifiers only.
type Change struct {
	Kind      ChangeKind `json:"kind"`
	SessionID string     `json:"session_id,omitempty"`
	MessageID string     `json:"message_id,omitempty"`
}

// Notifier fans Changes out to subscribers without ever blocking the
// publisher.
type Notifier struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Change
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan Change)}
}

// Subscribe registers a subscriber with the given channel buffer. The
// returned func unsubscribes and closes the channel.
func (n *Notifier) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Change, buffer)

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers c to every subscriber that has room for it.
func (n *Notifier) Publish(c Change) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, ch := range n.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (n *Notifier) Subscribers() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}
