package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/madrasa-sync/internal/models"
	appErrors "github.com/noah-isme/madrasa-sync/pkg/errors"
)

const snapshotsCollection = "snapshots"

var snapshotNamespace = uuid.MustParse("0b7e2a52-8f0c-4e0a-b3b5-6a4d9c2e1f30")

// RecordSnapshot is the last-known local view of a natural key.
type RecordSnapshot struct {
	RecordType models.RecordType `json:"recordType"`
	Descriptor models.Descriptor `json:"descriptor"`
	Payload    json.RawMessage   `json:"payload"`
	DeviceID   string            `json:"deviceId"`
	RecordedAt time.Time         `json:"recordedAt"`
	// Confirmed is true once the remote store is known to hold this payload.
	Confirmed bool `json:"confirmed"`
}

// SnapshotStore keeps optimistic and confirmed record snapshots in the local store. Keys are
// opaque; the record type travels inside the value.
type SnapshotStore struct {
	store CollectionStore
}

// NewSnapshotStore constructs the store.
func NewSnapshotStore(store CollectionStore) *SnapshotStore {
	return &SnapshotStore{store: store}
}

func snapshotKey(recordType models.RecordType, descriptor models.Descriptor) string {
	id := uuid.NewSHA1(snapshotNamespace, []byte(string(recordType)+"\x00"+descriptor.Canonical()))
	return "snapshot:" + id.String()
}

// Save writes snapshot.
func (s *SnapshotStore) Save(ctx context.Context, snapshot RecordSnapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.store.Put(ctx, snapshotsCollection, snapshotKey(snapshot.RecordType, snapshot.Descriptor), raw)
}

// Get returns the snapshot for a natural key or ErrNotFound.
func (s *SnapshotStore) Get(ctx context.Context, recordType models.RecordType, descriptor models.Descriptor) (*RecordSnapshot, error) {
	raw, err := s.store.Get(ctx, snapshotKey(recordType, descriptor))
	if errors.Is(err, appErrors.ErrKeyNotFound) {
		return nil, appErrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snapshot RecordSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snapshot, nil
}

// List returns every snapshot of recordType.
func (s *SnapshotStore) List(ctx context.Context, recordType models.RecordType) ([]RecordSnapshot, error) {
	keys, err := s.store.Members(ctx, snapshotsCollection)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	out := make([]RecordSnapshot, 0, len(keys))
	for _, key := range keys {
		raw, err := s.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var snapshot RecordSnapshot
		if err := json.Unmarshal(raw, &snapshot); err != nil {
			continue
		}
		if snapshot.RecordType == recordType {
			out = append(out, snapshot)
		}
	}
	return out, nil
}
