package web

import (
	"context"
	"strings"
	"time"

	"travel-chat/database"

	"go.uber.org/zap"
)

var cachePrefixes = []string{
	database.MessagesKey(""),
	database.ActionsKey(""),
	database.MemoryKey(""),
}

// CleanupService removes per-session caches whose session left the catalog,
// e.g. after a refresh from the backend dropped it.
type CleanupService struct {
	kv     database.KV
	known  func(sessionID string) bool
	logger *zap.Logger
}

// NewCleanupService creates a new cleanup service instance. known reports
// whether a session id is still in the catalog.
func NewCleanupService(kv database.KV, known func(sessionID string) bool, logger *zap.Logger) *CleanupService {
	return &CleanupService{
		kv:     kv,
		known:  known,
		logger: logger,
	}
}

// PruneOrphanedCaches deletes cache keys of sessions no longer in the
// catalog and returns how many sessions were pruned.
func (cs *CleanupService) PruneOrphanedCaches(ctx context.Context) (int, error) {
	orphans := make(map[string][]string)

	for _, prefix := range cachePrefixes {
		keys, err := cs.kv.Keys(ctx, prefix)
		if err != nil {
			return 0, err
		}
		for _, key := range keys {
			sessionID := strings.TrimPrefix(key, prefix)
			if sessionID == "" || cs.known(sessionID) {
				continue
			}
			orphans[sessionID] = append(orphans[sessionID], key)
		}
	}

	if len(orphans) == 0 {
		cs.logger.Debug("No orphaned session caches found")
		return 0, nil
	}

	pruned := 0
	for sessionID, keys := range orphans {
		if err := cs.kv.Delete(ctx, keys...); err != nil {
			cs.logger.Error("Failed to prune session cache",
				zap.Error(err),
				zap.String("session_id", sessionID))
			// Continue with other sessions even if one fails
			continue
		}
		pruned++
	}

	cs.logger.Info("Orphaned session cache cleanup completed",
		zap.Int("sessions_pruned", pruned),
		zap.Int("sessions_failed", len(orphans)-pruned))

	return pruned, nil
}

// StartCacheCleanup prunes once immediately and then on every interval
// until ctx is done.
func StartCacheCleanup(ctx context.Context, interval time.Duration, cs *CleanupService, logger *zap.Logger) {
	if _, err := cs.PruneOrphanedCaches(ctx); err != nil {
		logger.Warn("Initial cache cleanup failed", zap.Error(err))
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := cs.PruneOrphanedCaches(ctx); err != nil {
				logger.Warn("Cache cleanup failed", zap.Error(err))
			}
		}
	}
}
