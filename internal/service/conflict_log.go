package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/noah-isme/madrasa-sync/internal/models"
)

const (
	conflictsCollection = "conflicts"
	conflictKeyLayout   = "20060102T150405.000000000"
)

// ConflictLog is the local audit trail of resolved conflicts.
type ConflictLog struct {
	store CollectionStore
}

// NewConflictLog constructs the log.
func NewConflictLog(store CollectionStore) *ConflictLog {
	return &ConflictLog{store: store}
}

// Append records a conflict case. Keys sort chronologically.
func (l *ConflictLog) Append(ctx context.Context, c models.ConflictCase) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode conflict case: %w", err)
	}
	key := fmt.Sprintf("conflict:%s:%s", c.DetectedAt.UTC().Format(conflictKeyLayout), c.ID)
	return l.store.Put(ctx, conflictsCollection, key, raw)
}

// Recent returns up to limit cases, newest first.
func (l *ConflictLog) Recent(ctx context.Context, limit int) ([]models.ConflictCase, error) {
	keys, err := l.store.Members(ctx, conflictsCollection)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	out := make([]models.ConflictCase, 0, limit)
	for i := len(keys) - 1; i >= 0 && len(out) < limit; i-- {
		raw, err := l.store.Get(ctx, keys[i])
		if err != nil {
			continue
		}
		var c models.ConflictCase
		if err := json.Unmarshal(raw, &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
