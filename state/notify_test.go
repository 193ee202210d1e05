package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifier_PublishNeverBlocks(t *testing.T) {
	n := NewNotifier()
	ch, unsubscribe := n.Subscribe(1)

	n.Publish(Change{Kind: ChangeTyping})
	n.Publish(Change{Kind: ChangeAction}) // dropped, buffer full

	assert.Equal(t, ChangeTyping, (<-ch).Kind)
	assert.Len(t, ch, 0)

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, n.Subscribers())

	_, open := <-ch
	assert.False(t, open)

	n.Publish(Change{Kind: ChangeTyping})
}
