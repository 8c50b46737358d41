package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/madrasa-sync/internal/dto"
	"github.com/noah-isme/madrasa-sync/internal/models"
	appErrors "github.com/noah-isme/madrasa-sync/pkg/errors"
)

type recordRepoStub struct {
	records map[string]models.RemoteRecord
	upserts int
}

func newRecordRepoStub() *recordRepoStub {
	return &recordRepoStub{records: make(map[string]models.RemoteRecord)}
}

func (r *recordRepoStub) FindByNaturalKey(ctx context.Context, recordType models.RecordType, naturalKey string) (*models.RemoteRecord, error) {
	record, ok := r.records[string(recordType)+"|"+naturalKey]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &record, nil
}

func (r *recordRepoStub) Upsert(ctx context.Context, record *models.RemoteRecord) error {
	r.upserts++
	if record.ID == "" {
		record.ID = "rec-" + record.MutationID
	}
	r.records[string(record.RecordType)+"|"+record.NaturalKey] = *record
	return nil
}

func (r *recordRepoStub) ListSince(ctx context.Context, recordType models.RecordType, since time.Time, limit int) ([]models.RemoteRecord, error) {
	out := []models.RemoteRecord{}
	for _, record := range r.records {
		if record.RecordType == recordType && record.WrittenAt.After(since) {
			out = append(out, record)
		}
	}
	return out, nil
}

func createRemarkRequest(mutationID, device, text string, overwrite bool) dto.CreateRecordRequest {
	return dto.CreateRecordRequest{
		MutationID: mutationID,
		Descriptor: remarkDescriptor("s1"),
		Payload:    json.RawMessage(`{"text":"` + text + `"}`),
		DeviceID:   device,
		RecordedAt: at(10, 0),
		Overwrite:  overwrite,
	}
}

func TestRecordServiceCreateAndConflict(t *testing.T) {
	ctx := context.Background()
	repo := newRecordRepoStub()
	svc := NewRecordService(repo, nil, nil, nil)

	created, err := svc.Create(ctx, models.RecordTypeRemark, createRemarkRequest("m1", "dev-a", "a", false))
	require.NoError(t, err)
	assert.Equal(t, "dev-a", created.DeviceID)
	assert.Equal(t, remarkDescriptor("s1").Canonical(), created.NaturalKey)

	existing, err := svc.Create(ctx, models.RecordTypeRemark, createRemarkRequest("m2", "dev-b", "b", false))
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrConflict))
	require.NotNil(t, existing)
	assert.Equal(t, "dev-a", existing.DeviceID)
	assert.Equal(t, 1, repo.upserts)

	overwritten, err := svc.Create(ctx, models.RecordTypeRemark, createRemarkRequest("m2", "dev-b", "b", true))
	require.NoError(t, err)
	assert.Equal(t, created.ID, overwritten.ID)
	assert.Equal(t, "dev-b", overwritten.DeviceID)
}

func TestRecordServiceSameDeviceRewritesAndReplaysAreIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newRecordRepoStub()
	svc := NewRecordService(repo, nil, nil, nil)

	_, err := svc.Create(ctx, models.RecordTypeRemark, createRemarkRequest("m1", "dev-a", "a", false))
	require.NoError(t, err)
	_, err = svc.Create(ctx, models.RecordTypeRemark, createRemarkRequest("m1", "dev-a", "a", false))
	require.NoError(t, err)
	assert.Equal(t, 1, repo.upserts, "replayed mutation is not written twice")

	_, err = svc.Create(ctx, models.RecordTypeRemark, createRemarkRequest("m3", "dev-a", "a2", false))
	require.NoError(t, err)
	assert.Equal(t, 2, repo.upserts)
}

func TestRecordServiceHigherVersionOfSameMutationReplaces(t *testing.T) {
	ctx := context.Background()
	repo := newRecordRepoStub()
	svc := NewRecordService(repo, nil, nil, nil)

	first := createRemarkRequest("m1", "dev-a", "v1", false)
	first.Version = 1
	_, err := svc.Create(ctx, models.RecordTypeRemark, first)
	require.NoError(t, err)

	second := createRemarkRequest("m1", "dev-a", "v2", false)
	second.Version = 2
	stored, err := svc.Create(ctx, models.RecordTypeRemark, second)
	require.NoError(t, err)
	assert.Equal(t, 2, repo.upserts)
	assert.Equal(t, 2, stored.MutationVersion)
	assert.JSONEq(t, `{"text":"v2"}`, string(stored.Payload))

	stale := createRemarkRequest("m1", "dev-a", "v1", false)
	stale.Version = 1
	replayed, err := svc.Create(ctx, models.RecordTypeRemark, stale)
	require.NoError(t, err)
	assert.Equal(t, 2, repo.upserts, "older version of an applied mutation is not written")
	assert.JSONEq(t, `{"text":"v2"}`, string(replayed.Payload))

	record, err := svc.Fetch(ctx, models.RecordTypeRemark, remarkDescriptor("s1").Canonical())
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"v2"}`, string(record.Payload))
}

func TestRecordServiceFetch(t *testing.T) {
	ctx := context.Background()
	svc := NewRecordService(newRecordRepoStub(), nil, NewMetricsService(), nil)

	_, err := svc.Fetch(ctx, models.RecordTypeRemark, remarkDescriptor("s1").Canonical())
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))

	_, err = svc.Create(ctx, models.RecordTypeRemark, createRemarkRequest("m1", "dev-a", "a", false))
	require.NoError(t, err)
	record, err := svc.Fetch(ctx, models.RecordTypeRemark, remarkDescriptor("s1").Canonical())
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"a"}`, string(record.Payload))

	_, err = svc.Fetch(ctx, "grades", "x")
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
}

func TestRecordServiceRejectsInvalidInput(t *testing.T) {
	svc := NewRecordService(newRecordRepoStub(), nil, nil, nil)
	req := createRemarkRequest("", "dev-a", "a", false)

	_, err := svc.Create(context.Background(), models.RecordTypeRemark, req)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
}
