package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/madrasa-sync/internal/models"
	appErrors "github.com/noah-isme/madrasa-sync/pkg/errors"
)

func TestSnapshotStoreRoundTripAndList(t *testing.T) {
	ctx := context.Background()
	snapshots := NewSnapshotStore(newTestStore())

	_, err := snapshots.Get(ctx, models.RecordTypeRemark, remarkDescriptor("s1"))
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))

	require.NoError(t, snapshots.Save(ctx, RecordSnapshot{RecordType: models.RecordTypeRemark, Descriptor: remarkDescriptor("s1"), Payload: json.RawMessage(`{"text":"a"}`)}))
	require.NoError(t, snapshots.Save(ctx, RecordSnapshot{RecordType: models.RecordTypeLeave, Descriptor: remarkDescriptor("s1"), Payload: json.RawMessage(`{"days":1}`)}))

	got, err := snapshots.Get(ctx, models.RecordTypeRemark, remarkDescriptor("s1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"a"}`, string(got.Payload))

	remarks, err := snapshots.List(ctx, models.RecordTypeRemark)
	require.NoError(t, err)
	assert.Len(t, remarks, 1)
}

func TestConflictLogRecentNewestFirst(t *testing.T) {
	ctx := context.Background()
	log := NewConflictLog(newTestStore())
	for i, minute := range []int{1, 3, 2} {
		require.NoError(t, log.Append(ctx, models.ConflictCase{
			ID:         string(rune('a' + i)),
			DetectedAt: at(10, minute),
			Resolution: models.ResolutionUseLocal,
		}))
	}

	recent, err := log.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.True(t, recent[0].DetectedAt.Equal(at(10, 3)))
	assert.True(t, recent[1].DetectedAt.Equal(at(10, 2)))
}

func TestLocalDeviceIdentityIsStable(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	provider := NewLocalDeviceIdentity(store)

	first, err := provider.DeviceID(ctx)
	require.NoError(t, err)
	assert.Regexp(t, `^dev-[0-9a-f-]{36}$`, first)

	second, err := NewLocalDeviceIdentity(store).DeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
