package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/madrasa-sync/internal/models"
	appErrors "github.com/noah-isme/madrasa-sync/pkg/errors"
)

const queueStorageKey = "sync:queue"

// SyncQueueConfig tunes retention and the retry ceiling.
type SyncQueueConfig struct {
	RetryCeiling    int
	RetentionWindow time.Duration
	Clock           func() time.Time
	Logger          *zap.Logger
	// OnStorageWarning is invoked when the queue could not be persisted.
	OnStorageWarning func(error)
}

// SyncQueue is the durable, ordered holding area for mutations awaiting delivery.
// The in-memory slice is authoritative; every change is written through to the local store.
type SyncQueue struct {
	store     LocalStore
	logger    *zap.Logger
	clock     func() time.Time
	ceiling   int
	retention time.Duration
	onWarning func(error)

	mu        sync.Mutex
	items     []*models.MutationRecord
	persistOK bool
}

// NewSyncQueue loads the persisted queue. A queue blob that cannot be decoded is fatal and
// reported as ErrQueueCorrupted; the caller is expected to reset local state.
func NewSyncQueue(ctx context.Context, store LocalStore, cfg SyncQueueConfig) (*SyncQueue, error) {
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = 3
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	q := &SyncQueue{
		store:     store,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		ceiling:   cfg.RetryCeiling,
		retention: cfg.RetentionWindow,
		onWarning: cfg.OnStorageWarning,
		persistOK: true,
	}
	raw, err := store.Get(ctx, queueStorageKey)
	switch {
	case errors.Is(err, appErrors.ErrKeyNotFound):
		return q, nil
	case err != nil:
		return nil, appErrors.WithCause(appErrors.ErrQueueCorrupted, fmt.Errorf("read queue: %w", err))
	}
	if err := json.Unmarshal(raw, &q.items); err != nil {
		return nil, appErrors.WithCause(appErrors.ErrQueueCorrupted, fmt.Errorf("decode queue: %w", err))
	}
	return q, nil
}

// RetryCeiling returns the number of failed attempts after which a mutation is parked in error.
func (q *SyncQueue) RetryCeiling() int {
	return q.ceiling
}

// Enqueue appends mutation, or supersedes the active entry that targets the same natural key
// from the same device: that entry keeps its id and queue position, takes the new payload and
// timestamp, and has its version bumped. The returned bool reports whether an entry was replaced.
// Persistence failures are reported through OnStorageWarning; the entry stays queued in memory.
func (q *SyncQueue) Enqueue(ctx context.Context, mutation models.MutationRecord) (models.MutationRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	for _, item := range q.items {
		if !item.Status.Active() || !item.Targets(mutation.RecordType, mutation.Origin, mutation.DeviceID) {
			continue
		}
		item.Payload = append(json.RawMessage(nil), mutation.Payload...)
		item.CreatedAt = mutation.CreatedAt
		item.Origin = mutation.Origin
		item.Version++
		item.Status = models.MutationStatusPending
		item.RetryCount = 0
		item.NextAttemptAt = nil
		item.LastError = ""
		item.UpdatedAt = now
		q.persistLocked(ctx)
		return item.Clone(), true
	}

	entry := mutation.Clone()
	if entry.Status == "" {
		entry.Status = models.MutationStatusPending
	}
	if entry.Version <= 0 {
		entry.Version = 1
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.ID == "" || q.findLocked(entry.ID) != nil {
		entry.ID = models.NewMutationID(entry.RecordType, entry.DeviceID, entry.CreatedAt)
	}
	entry.UpdatedAt = now
	q.items = append(q.items, &entry)
	q.persistLocked(ctx)
	return entry.Clone(), false
}

// DequeueSynced drops synced entries older than the retention window and returns how many were removed.
func (q *SyncQueue) DequeueSynced(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.clock().Add(-q.retention)
	kept := q.items[:0]
	removed := 0
	for _, item := range q.items {
		if item.Status == models.MutationStatusSynced && item.UpdatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	if removed > 0 {
		q.persistLocked(ctx)
	}
	return removed
}

// ListPending returns pending and conflict entries in insertion order.
func (q *SyncQueue) ListPending() []models.MutationRecord {
	return q.list(func(item *models.MutationRecord) bool { return item.Status.Active() })
}

// ListByStatus returns entries in the given status in insertion order.
func (q *SyncQueue) ListByStatus(status models.MutationStatus) []models.MutationRecord {
	return q.list(func(item *models.MutationRecord) bool { return item.Status == status })
}

// All returns every entry in insertion order.
func (q *SyncQueue) All() []models.MutationRecord {
	return q.list(func(*models.MutationRecord) bool { return true })
}

func (q *SyncQueue) list(match func(*models.MutationRecord) bool) []models.MutationRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.MutationRecord, 0, len(q.items))
	for _, item := range q.items {
		if match(item) {
			out = append(out, item.Clone())
		}
	}
	return out
}

// Get returns a copy of the entry with id.
func (q *SyncQueue) Get(id string) (models.MutationRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := q.findLocked(id)
	if item == nil {
		return models.MutationRecord{}, appErrors.ErrMutationNotFound
	}
	return item.Clone(), nil
}

// Counts returns the number of entries per status.
func (q *SyncQueue) Counts() map[models.MutationStatus]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := map[models.MutationStatus]int{
		models.MutationStatusPending:  0,
		models.MutationStatusSynced:   0,
		models.MutationStatusConflict: 0,
		models.MutationStatusError:    0,
	}
	for _, item := range q.items {
		counts[item.Status]++
	}
	return counts
}

// MarkStatus moves an entry to status. Repeating the current status is a no-op. Synced and error
// are terminal for this call, and error is only reachable once RetryCount has hit the ceiling.
func (q *SyncQueue) MarkStatus(ctx context.Context, id string, status models.MutationStatus) error {
	if !status.Valid() {
		return appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("unknown status %q", status))
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	item := q.findLocked(id)
	if item == nil {
		return appErrors.ErrMutationNotFound
	}
	if item.Status == status {
		return nil
	}
	if !item.Status.Active() {
		return appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("mutation %s is %s", id, item.Status))
	}
	if status == models.MutationStatusError && item.RetryCount < q.ceiling {
		return appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("mutation %s has %d of %d attempts", id, item.RetryCount, q.ceiling))
	}
	item.Status = status
	item.UpdatedAt = q.clock()
	if status == models.MutationStatusSynced {
		item.NextAttemptAt = nil
		item.LastError = ""
	}
	q.persistLocked(ctx)
	return nil
}

// MarkSynced marks a delivered entry synced unless it was superseded while the delivery was in
// flight. It returns false when the entry's version moved on; that entry stays pending.
func (q *SyncQueue) MarkSynced(ctx context.Context, id string, version int) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := q.findLocked(id)
	if item == nil {
		return false, appErrors.ErrMutationNotFound
	}
	if item.Status == models.MutationStatusSynced {
		return true, nil
	}
	if !item.Status.Active() {
		return false, appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("mutation %s is %s", id, item.Status))
	}
	if item.Version != version {
		return false, nil
	}
	item.Status = models.MutationStatusSynced
	item.NextAttemptAt = nil
	item.LastError = ""
	item.UpdatedAt = q.clock()
	q.persistLocked(ctx)
	return true, nil
}

// RecordFailure counts a failed delivery attempt. Once the ceiling is reached the entry moves to
// error; otherwise it keeps its status and becomes eligible again at nextAttempt.
func (q *SyncQueue) RecordFailure(ctx context.Context, id string, cause error, nextAttempt time.Time) (models.MutationRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := q.findLocked(id)
	if item == nil {
		return models.MutationRecord{}, appErrors.ErrMutationNotFound
	}
	if !item.Status.Active() {
		return item.Clone(), appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("mutation %s is %s", id, item.Status))
	}
	item.RetryCount++
	if cause != nil {
		item.LastError = cause.Error()
	}
	item.UpdatedAt = q.clock()
	if item.RetryCount >= q.ceiling {
		item.Status = models.MutationStatusError
		item.NextAttemptAt = nil
	} else if !nextAttempt.IsZero() {
		next := nextAttempt
		item.NextAttemptAt = &next
	}
	q.persistLocked(ctx)
	return item.Clone(), nil
}

// MarkFailed parks an entry in error immediately after a permanent rejection.
func (q *SyncQueue) MarkFailed(ctx context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := q.findLocked(id)
	if item == nil {
		return appErrors.ErrMutationNotFound
	}
	if item.Status == models.MutationStatusError {
		return nil
	}
	if !item.Status.Active() {
		return appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("mutation %s is %s", id, item.Status))
	}
	item.Status = models.MutationStatusError
	item.NextAttemptAt = nil
	if cause != nil {
		item.LastError = cause.Error()
	}
	item.UpdatedAt = q.clock()
	q.persistLocked(ctx)
	return nil
}

// Retry re-enqueues a failed entry with a fresh retry budget.
func (q *SyncQueue) Retry(ctx context.Context, id string) (models.MutationRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := q.findLocked(id)
	if item == nil {
		return models.MutationRecord{}, appErrors.ErrMutationNotFound
	}
	if item.Status != models.MutationStatusError {
		return item.Clone(), appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("mutation %s is %s", id, item.Status))
	}
	item.Status = models.MutationStatusPending
	item.RetryCount = 0
	item.NextAttemptAt = nil
	item.LastError = ""
	item.UpdatedAt = q.clock()
	q.persistLocked(ctx)
	return item.Clone(), nil
}

// Dismiss drops a failed entry.
func (q *SyncQueue) Dismiss(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.ID != id {
			continue
		}
		if item.Status != models.MutationStatusError {
			return appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("mutation %s is %s", id, item.Status))
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		q.persistLocked(ctx)
		return nil
	}
	return appErrors.ErrMutationNotFound
}

// Durable reports whether the last write-through succeeded.
func (q *SyncQueue) Durable() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.persistOK
}

func (q *SyncQueue) findLocked(id string) *models.MutationRecord {
	for _, item := range q.items {
		if item.ID == id {
			return item
		}
	}
	return nil
}

func (q *SyncQueue) persistLocked(ctx context.Context) {
	raw, err := json.Marshal(q.items)
	if err == nil {
		err = q.store.Set(ctx, queueStorageKey, raw)
	}
	if err != nil {
		q.persistOK = false
		q.logger.Warn("sync queue not persisted; changes kept in memory", zap.Int("items", len(q.items)), zap.Error(err))
		if q.onWarning != nil {
			q.onWarning(err)
		}
		return
	}
	q.persistOK = true
}
