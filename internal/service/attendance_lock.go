package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/madrasa-sync/internal/models"
	appErrors "github.com/noah-isme/madrasa-sync/pkg/errors"
)

const (
	locksCollection = "locks"
	lockKeyPrefix   = "lock:"
)

// AttendanceLockManager prevents the same device from submitting attendance twice for one class
// period on one day. Locks are advisory and local; they expire at the local midnight after the class date.
type AttendanceLockManager struct {
	store    CollectionStore
	clock    func() time.Time
	location *time.Location
	logger   *zap.Logger
}

// NewAttendanceLockManager constructs the manager. loc decides where "midnight" is; nil means time.Local.
func NewAttendanceLockManager(store CollectionStore, clock func() time.Time, loc *time.Location, logger *zap.Logger) *AttendanceLockManager {
	if clock == nil {
		clock = time.Now
	}
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AttendanceLockManager{store: store, clock: clock, location: loc, logger: logger}
}

// LockKey is the storage key of the lock for descriptor.
func LockKey(descriptor models.Descriptor) string {
	return lockKeyPrefix + descriptor.Canonical()
}

// ExpiryFor returns the local midnight strictly after the descriptor's class date.
func (m *AttendanceLockManager) ExpiryFor(descriptor models.Descriptor) (time.Time, error) {
	day, err := descriptor.ClassDate(m.location)
	if err != nil {
		return time.Time{}, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid class date")
	}
	return time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, m.location), nil
}

// Lock writes (or overwrites) the lock for descriptor.
func (m *AttendanceLockManager) Lock(ctx context.Context, descriptor models.Descriptor) (models.AttendanceLock, error) {
	expiresAt, err := m.ExpiryFor(descriptor)
	if err != nil {
		return models.AttendanceLock{}, err
	}
	lock := models.AttendanceLock{
		Key:        LockKey(descriptor),
		Descriptor: descriptor,
		LockedAt:   m.clock(),
		ExpiresAt:  expiresAt,
	}
	raw, err := json.Marshal(lock)
	if err != nil {
		return models.AttendanceLock{}, fmt.Errorf("encode lock: %w", err)
	}
	if err := m.store.Put(ctx, locksCollection, lock.Key, raw); err != nil {
		return lock, fmt.Errorf("store lock %s: %w", lock.Key, err)
	}
	return lock, nil
}

// IsLocked reports whether an unexpired lock exists. Expired locks are treated as absent and
// removed on the way out.
func (m *AttendanceLockManager) IsLocked(ctx context.Context, descriptor models.Descriptor) (bool, error) {
	lock, err := m.active(ctx, descriptor)
	if err != nil {
		return false, err
	}
	return lock != nil, nil
}

// TimeRemaining returns how long the lock still holds. The bool is false when no lock is active.
func (m *AttendanceLockManager) TimeRemaining(ctx context.Context, descriptor models.Descriptor) (time.Duration, bool, error) {
	lock, err := m.active(ctx, descriptor)
	if err != nil || lock == nil {
		return 0, false, err
	}
	return lock.ExpiresAt.Sub(m.clock()), true, nil
}

// PurgeExpired removes every expired lock and returns how many were dropped.
func (m *AttendanceLockManager) PurgeExpired(ctx context.Context) (int, error) {
	keys, err := m.store.Members(ctx, locksCollection)
	if err != nil {
		return 0, fmt.Errorf("list locks: %w", err)
	}
	now := m.clock()
	purged := 0
	for _, key := range keys {
		lock, err := m.read(ctx, key)
		if err != nil {
			m.logger.Warn("skipping unreadable lock", zap.String("key", key), zap.Error(err))
			continue
		}
		if lock != nil && lock.Active(now) {
			continue
		}
		if err := m.store.Remove(ctx, locksCollection, key); err != nil {
			return purged, fmt.Errorf("remove lock %s: %w", key, err)
		}
		purged++
	}
	return purged, nil
}

func (m *AttendanceLockManager) active(ctx context.Context, descriptor models.Descriptor) (*models.AttendanceLock, error) {
	key := LockKey(descriptor)
	lock, err := m.read(ctx, key)
	if err != nil || lock == nil {
		return nil, err
	}
	if lock.Active(m.clock()) {
		return lock, nil
	}
	if err := m.store.Remove(ctx, locksCollection, key); err != nil {
		m.logger.Debug("lazy lock cleanup failed", zap.String("key", key), zap.Error(err))
	}
	return nil, nil
}

func (m *AttendanceLockManager) read(ctx context.Context, key string) (*models.AttendanceLock, error) {
	raw, err := m.store.Get(ctx, key)
	if errors.Is(err, appErrors.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock %s: %w", key, err)
	}
	var lock models.AttendanceLock
	if err := json.Unmarshal(raw, &lock); err != nil {
		return nil, fmt.Errorf("decode lock %s: %w", key, err)
	}
	return &lock, nil
}
