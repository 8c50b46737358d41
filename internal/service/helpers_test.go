package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/noah-isme/madrasa-sync/internal/models"
	"github.com/noah-isme/madrasa-sync/internal/repository"
	appErrors "github.com/noah-isme/madrasa-sync/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestStore() *repository.IndexedStore {
	return repository.NewIndexedStore(repository.NewMemoryStore())
}

// failingStore rejects writes once fail is set.
type failingStore struct {
	*repository.MemoryStore
	mu   sync.Mutex
	fail bool
}

func (s *failingStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.Set(ctx, key, value)
}

func (s *failingStore) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

// fakeRemote behaves like the record server: a write from another device without overwrite
// is a conflict. Queued createErrs are returned before any write is applied.
type fakeRemote struct {
	mu         sync.Mutex
	clock      func() time.Time
	records    map[string]*models.RemoteRecord
	writes     []models.RemoteWrite
	createErrs []error
	pingErr    error
	fetches    int

	// entered/release let tests hold a Create call in flight.
	entered chan struct{}
	release chan struct{}
}

func newFakeRemote(clock func() time.Time) *fakeRemote {
	return &fakeRemote{clock: clock, records: make(map[string]*models.RemoteRecord)}
}

func remoteKey(recordType models.RecordType, d models.Descriptor) string {
	return string(recordType) + "|" + d.Canonical()
}

func (f *fakeRemote) seed(record models.RemoteRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record.NaturalKey = record.Descriptor.Canonical()
	f.records[remoteKey(record.RecordType, record.Descriptor)] = &record
}

func (f *fakeRemote) failNext(errs ...error) {
	f.mu.Lock()
	f.createErrs = append(f.createErrs, errs...)
	f.mu.Unlock()
}

func (f *fakeRemote) Create(ctx context.Context, write models.RemoteWrite) (*models.RemoteReceipt, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, write)
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	key := remoteKey(write.RecordType, write.Descriptor)
	existing := f.records[key]
	if existing != nil && existing.MutationID == write.MutationID && existing.DeviceID == write.DeviceID && write.Version <= existing.MutationVersion {
		return &models.RemoteReceipt{ID: existing.ID, WrittenAt: existing.WrittenAt, DeviceID: existing.DeviceID}, nil
	}
	if existing != nil && existing.DeviceID != write.DeviceID && !write.Overwrite {
		return nil, appErrors.ErrRemoteConflict
	}
	record := &models.RemoteRecord{
		ID:         "rec-" + write.MutationID,
		RecordType: write.RecordType,
		NaturalKey: write.Descriptor.Canonical(),
		Descriptor: write.Descriptor,
		Payload:    append(json.RawMessage(nil), write.Payload...),
		DeviceID:   write.DeviceID,
		MutationID: write.MutationID,
		RecordedAt: write.RecordedAt,
		WrittenAt:  f.clock(),

		MutationVersion: write.Version,
	}
	if existing != nil {
		record.ID = existing.ID
	}
	f.records[key] = record
	return &models.RemoteReceipt{ID: record.ID, WrittenAt: record.WrittenAt, DeviceID: record.DeviceID}, nil
}

func (f *fakeRemote) FetchByNaturalKey(ctx context.Context, recordType models.RecordType, d models.Descriptor) (*models.RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	record, ok := f.records[remoteKey(recordType, d)]
	if !ok {
		return nil, nil
	}
	copy := *record
	return &copy, nil
}

func (f *fakeRemote) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeRemote) writeIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.writes))
	for _, w := range f.writes {
		ids = append(ids, w.MutationID)
	}
	return ids
}

func (f *fakeRemote) record(recordType models.RecordType, d models.Descriptor) *models.RemoteRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[remoteKey(recordType, d)]
}

func remarkDescriptor(student string) models.Descriptor {
	return models.Descriptor{Subject: student, Date: "2025-06-19"}
}

func attendanceDescriptor() models.Descriptor {
	division := "commerce"
	return models.Descriptor{
		CourseType: "pu",
		Year:       "1",
		Division:   &division,
		Section:    "A",
		Date:       "2025-06-19",
		Period:     1,
	}
}

func at(hour, minute int) time.Time {
	return time.Date(2025, time.June, 19, hour, minute, 0, 0, time.UTC)
}
