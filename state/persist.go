package state

import (
	"context"
	"encoding/json"
	"fmt"

	"travel-chat/database"
	apperrors "travel-chat/errors"
)

func loadJSON(ctx context.Context, kv database.KV, key string, v any) (bool, error) {
	raw, found, err := kv.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", apperrors.ErrDatabaseOperation, key, err)
	}
	return true, nil
}

func saveJSON(ctx context.Context, kv database.KV, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", apperrors.ErrDatabaseOperation, key, err)
	}
	return kv.Set(ctx, key, raw)
}
