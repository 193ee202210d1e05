package database

import (
	"context"
	"fmt"
	"strings"

	"travel-chat/config"

	"go.uber.org/zap"
)

// Fixed key names of the persisted client state.
const (
	KeyCurrentSession = "current_session_id"
	KeySessions       = "chat_sessions"

	messagesKeyPrefix = "chat_messages_"
	actionsKeyPrefix  = "chat_actions_"
	memoryKeyPrefix   = "chat_memory_"
)

// KV is the key-value persistence port behind every store.
type KV interface {
	// Get returns the value stored under key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	// Keys lists the keys starting with prefix in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// MessagesKey is the cache key of a session's message list.
func MessagesKey(sessionID string) string { return messagesKeyPrefix + sessionID }

// ActionsKey is the cache key of a session's agent action log.
func ActionsKey(sessionID string) string { return actionsKeyPrefix + sessionID }

// MemoryKey is the cache key of a session's raw memory-update log.
func MemoryKey(sessionID string) string { return memoryKeyPrefix + sessionID }

// SessionKeys returns every per-session cache key for sessionID.
func SessionKeys(sessionID string) []string {
	return []string{MessagesKey(sessionID), ActionsKey(sessionID), MemoryKey(sessionID)}
}

// Open builds the KV store selected by cfg.StorageDriver, wrapped in an LRU
// read cache when cfg.StorageCacheSize is positive.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (KV, error) {
	var (
		store KV
		err   error
	)

	switch strings.ToLower(cfg.StorageDriver) {
	case "memory", "":
		store = NewMemoryKV()
	case "sqlite":
		store, err = NewSQLiteKV(ctx, cfg.StorageDSN)
	case "postgres", "postgresql", "pgx":
		store, err = NewPostgresKV(ctx, cfg.StorageDSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Opened client state store",
		zap.String("driver", cfg.StorageDriver),
		zap.Int("cache_size", cfg.StorageCacheSize))

	if cfg.StorageCacheSize > 0 {
		cached, err := NewCachedKV(store, cfg.StorageCacheSize)
		if err != nil {
			store.Close()
			return nil, err
		}
		return cached, nil
	}
	return store, nil
}
