package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"travel-chat/state"

	"go.uber.org/zap"
)

type StreamData struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

type StreamService struct {
	logger *zap.Logger
}

func NewStreamService(logger *zap.Logger) *StreamService {
	return &StreamService{
		logger: logger,
	}
}

// WriteSSEData is a helper to write SSE formatted data safely.
func (ss *StreamService) WriteSSEData(ctx context.Context, w http.ResponseWriter, data any, mu *sync.Mutex) error {
	mu.Lock()
	defer mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "data: %s\n\n", jsonData)
	if err != nil {
		return err
	}

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// PumpChanges forwards store changes to w as SSE until ctx is done or the
// subscription closes. A heartbeat is written when nothing happened for the
// given interval.
func (ss *StreamService) PumpChanges(ctx context.Context, w http.ResponseWriter, changes <-chan state.Change, heartbeat time.Duration) error {
	var mu sync.Mutex

	if err := ss.WriteSSEData(ctx, w, StreamData{Type: "connected"}, &mu); err != nil {
		return err
	}

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			if err := ss.WriteSSEData(ctx, w, change, &mu); err != nil {
				ss.logger.Debug("Change feed client went away", zap.Error(err))
				return err
			}
		case <-ticker.C:
			if err := ss.WriteSSEData(ctx, w, StreamData{Type: "heartbeat"}, &mu); err != nil {
				return err
			}
		}
	}
}
