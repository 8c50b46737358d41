package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MutationStatus tracks a queued mutation through delivery.
type MutationStatus string

const (
	MutationStatusPending  MutationStatus = "pending"
	MutationStatusSynced   MutationStatus = "synced"
	MutationStatusConflict MutationStatus = "conflict"
	MutationStatusError    MutationStatus = "error"
)

// Valid returns true when the status is a supported value.
func (s MutationStatus) Valid() bool {
	switch s {
	case MutationStatusPending, MutationStatusSynced, MutationStatusConflict, MutationStatusError:
		return true
	default:
		return false
	}
}

// Active reports whether the mutation still awaits delivery.
func (s MutationStatus) Active() bool {
	return s == MutationStatusPending || s == MutationStatusConflict
}

// MutationRecord is a pending change destined for the remote record store.
type MutationRecord struct {
	ID            string          `json:"id"`
	RecordType    RecordType      `json:"recordType"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
	DeviceID      string          `json:"deviceId"`
	Origin        Descriptor      `json:"originDescriptor"`
	Status        MutationStatus  `json:"status"`
	RetryCount    int             `json:"retryCount"`
	Version       int             `json:"version"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	NextAttemptAt *time.Time      `json:"nextAttemptAt,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
}

// NewMutationID derives a mutation id from its type, device and creation time.
// The random suffix keeps ids distinct when the clock does not advance between submits.
func NewMutationID(recordType RecordType, deviceID string, createdAt time.Time) string {
	return fmt.Sprintf("%s-%s-%d-%s", recordType, deviceID, createdAt.UnixNano(), uuid.NewString())
}

// Targets reports whether the mutation writes the given natural key from the given device.
func (m *MutationRecord) Targets(recordType RecordType, origin Descriptor, deviceID string) bool {
	return m.RecordType == recordType && m.DeviceID == deviceID && m.Origin.Same(origin)
}

// Clone returns a deep copy safe to hand to callers.
func (m *MutationRecord) Clone() MutationRecord {
	out := *m
	out.Payload = append(json.RawMessage(nil), m.Payload...)
	if m.Origin.Division != nil {
		division := *m.Origin.Division
		out.Origin.Division = &division
	}
	if m.NextAttemptAt != nil {
		next := *m.NextAttemptAt
		out.NextAttemptAt = &next
	}
	return out
}
