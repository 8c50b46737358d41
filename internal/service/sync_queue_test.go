package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/madrasa-sync/internal/models"
	"github.com/noah-isme/madrasa-sync/internal/repository"
	appErrors "github.com/noah-isme/madrasa-sync/pkg/errors"
)

func newTestQueue(t *testing.T, store LocalStore, clock *fakeClock) *SyncQueue {
	t.Helper()
	q, err := NewSyncQueue(context.Background(), store, SyncQueueConfig{Clock: clock.Now})
	require.NoError(t, err)
	return q
}

func remarkMutation(id, device, student, text string, createdAt time.Time) models.MutationRecord {
	return models.MutationRecord{
		ID:         id,
		RecordType: models.RecordTypeRemark,
		Payload:    json.RawMessage(`{"text":"` + text + `"}`),
		CreatedAt:  createdAt,
		DeviceID:   device,
		Origin:     remarkDescriptor(student),
	}
}

func TestSyncQueueEnqueueReplacesInPlace(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(at(9, 0))
	q := newTestQueue(t, repository.NewMemoryStore(), clock)

	first, replaced := q.Enqueue(ctx, remarkMutation("m1", "dev-a", "s1", "late", clock.Now()))
	require.False(t, replaced)
	require.Equal(t, 1, first.Version)
	q.Enqueue(ctx, remarkMutation("m2", "dev-a", "s2", "absent", clock.Now()))

	clock.Advance(time.Minute)
	updated, replaced := q.Enqueue(ctx, remarkMutation("m3", "dev-a", "s1", "very late", clock.Now()))
	require.True(t, replaced)
	assert.Equal(t, "m1", updated.ID)
	assert.Equal(t, 2, updated.Version)
	assert.JSONEq(t, `{"text":"very late"}`, string(updated.Payload))

	pending := q.ListPending()
	require.Len(t, pending, 2)
	assert.Equal(t, "m1", pending[0].ID)
	assert.Equal(t, "m2", pending[1].ID)
	assert.Equal(t, clock.Now(), pending[0].CreatedAt)
}

func TestSyncQueueEnqueueKeepsOtherDevicesSeparate(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(at(9, 0))
	q := newTestQueue(t, repository.NewMemoryStore(), clock)

	q.Enqueue(ctx, remarkMutation("m1", "dev-a", "s1", "x", clock.Now()))
	_, replaced := q.Enqueue(ctx, remarkMutation("m2", "dev-b", "s1", "y", clock.Now()))
	require.False(t, replaced)
	require.Len(t, q.ListPending(), 2)
}

func TestSyncQueueEnqueueAfterSyncedAppends(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(at(9, 0))
	q := newTestQueue(t, repository.NewMemoryStore(), clock)

	q.Enqueue(ctx, remarkMutation("m1", "dev-a", "s1", "x", clock.Now()))
	require.NoError(t, q.MarkStatus(ctx, "m1", models.MutationStatusSynced))

	_, replaced := q.Enqueue(ctx, remarkMutation("m2", "dev-a", "s1", "y", clock.Now()))
	require.False(t, replaced)
	require.Len(t, q.All(), 2)
}

func TestSyncQueueEnqueueAssignsFreshIDOnCollision(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(at(9, 0))
	q := newTestQueue(t, repository.NewMemoryStore(), clock)

	first, _ := q.Enqueue(ctx, remarkMutation("dup", "dev-a", "s1", "x", clock.Now()))
	second, replaced := q.Enqueue(ctx, remarkMutation("dup", "dev-a", "s2", "y", clock.Now()))
	require.False(t, replaced)

	assert.Equal(t, "dup", first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	require.NoError(t, q.MarkStatus(ctx, second.ID, models.MutationStatusSynced))

	pending := q.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, "dup", pending[0].ID)
	assert.JSONEq(t, `{"text":"x"}`, string(pending[0].Payload))
}

func TestSyncQueueDequeueSyncedHonoursRetention(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(at(9, 0))
	q := newTestQueue(t, repository.NewMemoryStore(), clock)

	q.Enqueue(ctx, remarkMutation("m1", "dev-a", "s1", "x", clock.Now()))
	q.Enqueue(ctx, remarkMutation("m2", "dev-a", "s2", "y", clock.Now()))
	require.NoError(t, q.MarkStatus(ctx, "m1", models.MutationStatusSynced))

	clock.Advance(23 * time.Hour)
	require.Equal(t, 0, q.DequeueSynced(ctx))

	clock.Advance(2 * time.Hour)
	require.Equal(t, 1, q.DequeueSynced(ctx))
	all := q.All()
	require.Len(t, all, 1)
	assert.Equal(t, "m2", all[0].ID)
}

func TestSyncQueueMarkStatusRules(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(at(9, 0))
	q := newTestQueue(t, repository.NewMemoryStore(), clock)
	q.Enqueue(ctx, remarkMutation("m1", "dev-a", "s1", "x", clock.Now()))

	err := q.MarkStatus(ctx, "m1", models.MutationStatusError)
	assert.True(t, errors.Is(err, appErrors.ErrInvalidTransition))

	err = q.MarkStatus(ctx, "m1", "bogus")
	assert.True(t, errors.Is(err, appErrors.ErrInvalidTransition))

	err = q.MarkStatus(ctx, "missing", models.MutationStatusSynced)
	assert.True(t, errors.Is(err, appErrors.ErrMutationNotFound))

	require.NoError(t, q.MarkStatus(ctx, "m1", models.MutationStatusConflict))
	require.NoError(t, q.MarkStatus(ctx, "m1", models.MutationStatusSynced))
	require.NoError(t, q.MarkStatus(ctx, "m1", models.MutationStatusSynced), "repeating a status is a no-op")

	err = q.MarkStatus(ctx, "m1", models.MutationStatusPending)
	assert.True(t, errors.Is(err, appErrors.ErrInvalidTransition))
}

func TestSyncQueueRetryCeiling(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(at(9, 0))
	q := newTestQueue(t, repository.NewMemoryStore(), clock)
	q.Enqueue(ctx, remarkMutation("m1", "dev-a", "s1", "x", clock.Now()))

	cause := errors.New("502")
	for i := 1; i < 3; i++ {
		item, err := q.RecordFailure(ctx, "m1", cause, clock.Now().Add(time.Minute))
		require.NoError(t, err)
		require.Equal(t, models.MutationStatusPending, item.Status)
		require.Equal(t, i, item.RetryCount)
		require.NotNil(t, item.NextAttemptAt)
	}
	item, err := q.RecordFailure(ctx, "m1", cause, clock.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.MutationStatusError, item.Status)
	assert.Equal(t, "502", item.LastError)
	assert.Empty(t, q.ListPending())

	retried, err := q.Retry(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.MutationStatusPending, retried.Status)
	assert.Equal(t, 0, retried.RetryCount)
	assert.Nil(t, retried.NextAttemptAt)
}

func TestSyncQueueMarkFailedAndDismiss(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(at(9, 0))
	q := newTestQueue(t, repository.NewMemoryStore(), clock)
	q.Enqueue(ctx, remarkMutation("m1", "dev-a", "s1", "x", clock.Now()))

	err := q.Dismiss(ctx, "m1")
	assert.True(t, errors.Is(err, appErrors.ErrInvalidTransition))

	require.NoError(t, q.MarkFailed(ctx, "m1", errors.New("422")))
	require.Len(t, q.ListByStatus(models.MutationStatusError), 1)
	require.NoError(t, q.Dismiss(ctx, "m1"))
	require.Empty(t, q.All())
}

func TestSyncQueueMarkSyncedSkipsSupersededVersion(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(at(9, 0))
	q := newTestQueue(t, repository.NewMemoryStore(), clock)
	q.Enqueue(ctx, remarkMutation("m1", "dev-a", "s1", "x", clock.Now()))
	q.Enqueue(ctx, remarkMutation("m2", "dev-a", "s1", "y", clock.Now()))

	ok, err := q.MarkSynced(ctx, "m1", 1)
	require.NoError(t, err)
	require.False(t, ok)
	item, err := q.Get("m1")
	require.NoError(t, err)
	assert.Equal(t, models.MutationStatusPending, item.Status)

	ok, err = q.MarkSynced(ctx, "m1", 2)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSyncQueueReloadsFromStore(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(at(9, 0))
	store := repository.NewMemoryStore()
	q := newTestQueue(t, store, clock)
	q.Enqueue(ctx, remarkMutation("m1", "dev-a", "s1", "x", clock.Now()))
	q.Enqueue(ctx, remarkMutation("m2", "dev-a", "s2", "y", clock.Now()))

	reloaded := newTestQueue(t, store, clock)
	pending := reloaded.ListPending()
	require.Len(t, pending, 2)
	assert.Equal(t, "m1", pending[0].ID)
	assert.Equal(t, "m2", pending[1].ID)
}

func TestSyncQueueCorruptedStoreIsFatal(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	require.NoError(t, store.Set(ctx, queueStorageKey, []byte("{not json")))

	_, err := NewSyncQueue(ctx, store, SyncQueueConfig{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrQueueCorrupted))
}

func TestSyncQueueStorageFailureWarnsAndKeepsItems(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(at(9, 0))
	store := &failingStore{MemoryStore: repository.NewMemoryStore()}
	var warnings []error
	q, err := NewSyncQueue(ctx, store, SyncQueueConfig{
		Clock:            clock.Now,
		OnStorageWarning: func(err error) { warnings = append(warnings, err) },
	})
	require.NoError(t, err)

	store.setFail(true)
	q.Enqueue(ctx, remarkMutation("m1", "dev-a", "s1", "x", clock.Now()))
	require.Len(t, warnings, 1)
	assert.False(t, q.Durable())
	assert.Len(t, q.ListPending(), 1)

	store.setFail(false)
	require.NoError(t, q.MarkStatus(ctx, "m1", models.MutationStatusSynced))
	assert.True(t, q.Durable())
}
