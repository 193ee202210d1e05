package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"travel-chat/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct {
	mu       sync.Mutex
	calls    []string
	fail     bool
	holdOpen bool
}

func (f *fakeSource) Events(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sessionID)
	fail, hold := f.fail, f.holdOpen
	f.mu.Unlock()

	if fail {
		return nil, errors.New("connection refused")
	}

	pr, pw := io.Pipe()
	go func() {
		io.WriteString(pw, "data: {\"type\":\"connected\",\"session_id\":\""+sessionID+"\"}\n\n")
		if hold {
			<-ctx.Done()
			pw.CloseWithError(ctx.Err())
			return
		}
		pw.Close()
	}()
	return pr, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSource) lastCall() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

func TestWatcher_ConnectsAndRetargets(t *testing.T) {
	source := &fakeSource{holdOpen: true}
	notifier := state.NewNotifier()
	changes, unsubscribe := notifier.Subscribe(32)
	defer unsubscribe()

	w := NewWatcher(source, notifier, time.Hour, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	w.Retarget("s1")
	require.Eventually(t, func() bool { return w.Status() == StatusConnected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "s1", source.lastCall())

	w.Retarget("s2")
	require.Eventually(t, func() bool {
		return source.lastCall() == "s2" && w.Status() == StatusConnected
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "s2", w.SessionID())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, StatusDisconnected, w.Status())

	var sawConnection bool
	for len(changes) > 0 {
		if (<-changes).Kind == state.ChangeConnection {
			sawConnection = true
		}
	}
	assert.True(t, sawConnection)
}

func TestWatcher_ReconnectsAfterFixedDelay(t *testing.T) {
	source := &fakeSource{fail: true}
	w := NewWatcher(source, nil, 20*time.Millisecond, zap.NewNop())
	w.Retarget("s1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool { return source.callCount() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.NotEqual(t, StatusConnected, w.Status())
}

func TestWatcher_WaitsDelayBetweenAttempts(t *testing.T) {
	source := &fakeSource{}
	w := NewWatcher(source, nil, time.Hour, zap.NewNop())
	w.Retarget("s1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool { return source.callCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, source.callCount(), "no reconnect before the delay elapses")
	assert.Equal(t, StatusDisconnected, w.Status())
}

func TestWatcher_IdleWithoutSession(t *testing.T) {
	source := &fakeSource{}
	w := NewWatcher(source, nil, time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := w.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, source.callCount())
}
