package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/madrasa-sync/internal/models"
)

type stateStub struct {
	online    bool
	draining  bool
	lastDrain *time.Time
}

func (s stateStub) Online() bool                    { return s.online }
func (s stateStub) DrainInProgress() bool           { return s.draining }
func (s stateStub) LastSuccessfulDrain() *time.Time { return s.lastDrain }
func (s stateStub) DeviceID() string                { return "dev-a" }

func TestStatusReporterCountsByStatus(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(at(9, 0))
	q := newTestQueue(t, newTestStore(), clock)
	q.Enqueue(ctx, remarkMutation("m1", "dev-a", "s1", "x", clock.Now()))
	q.Enqueue(ctx, remarkMutation("m2", "dev-a", "s2", "x", clock.Now()))
	q.Enqueue(ctx, remarkMutation("m3", "dev-a", "s3", "x", clock.Now()))
	q.Enqueue(ctx, remarkMutation("m4", "dev-a", "s4", "x", clock.Now()))
	assert.NoError(t, q.MarkStatus(ctx, "m2", models.MutationStatusSynced))
	assert.NoError(t, q.MarkStatus(ctx, "m3", models.MutationStatusConflict))
	assert.NoError(t, q.MarkFailed(ctx, "m4", nil))

	last := clock.Now()
	report := NewStatusReporter(q, stateStub{online: true, lastDrain: &last}).Report()
	assert.Equal(t, models.SyncStatusReport{
		Pending:             1,
		Synced:              1,
		Failed:              1,
		Conflicts:           1,
		Online:              true,
		LastSuccessfulDrain: &last,
		DeviceID:            "dev-a",
	}, report)

	assert.NoError(t, q.MarkStatus(ctx, "m1", models.MutationStatusSynced))
	assert.Equal(t, 2, NewStatusReporter(q, nil).Report().Synced, "recomputed on every call")
}
