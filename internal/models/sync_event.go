package models

import "time"

// SyncEventType enumerates notifications emitted to the UI.
type SyncEventType string

const (
	SyncEventCompleted     SyncEventType = "sync.completed"
	SyncEventNetworkStatus SyncEventType = "network.changed"
	SyncEventFailure       SyncEventType = "sync.failure"
	SyncEventConflict      SyncEventType = "sync.conflict"
	SyncEventStorageWarn   SyncEventType = "storage.warning"
)

// SyncEvent is a fire-and-forget notification.
type SyncEvent struct {
	Type          SyncEventType `json:"type"`
	At            time.Time     `json:"at"`
	SyncedCount   int           `json:"syncedCount,omitempty"`
	ConflictCount int           `json:"conflictCount,omitempty"`
	FailedCount   int           `json:"failedCount,omitempty"`
	Online        *bool         `json:"online,omitempty"`
	MutationID    string        `json:"mutationId,omitempty"`
	Resolution    Resolution    `json:"resolution,omitempty"`
	Message       string        `json:"message,omitempty"`
}

// SyncStatusReport aggregates queue state for display.
type SyncStatusReport struct {
	Pending             int        `json:"pending"`
	Synced              int        `json:"synced"`
	Failed              int        `json:"failed"`
	Conflicts           int        `json:"conflicts"`
	Online              bool       `json:"online"`
	DrainInProgress     bool       `json:"drainInProgress"`
	LastSuccessfulDrain *time.Time `json:"lastSuccessfulDrain,omitempty"`
	DeviceID            string     `json:"deviceId"`
}

// DrainTrigger names what started a drain pass.
type DrainTrigger string

const (
	TriggerReconnect DrainTrigger = "reconnect"
	TriggerTimer     DrainTrigger = "timer"
	TriggerManual    DrainTrigger = "manual"
	TriggerSubmit    DrainTrigger = "submit"
)

// DrainResult summarises one drain pass.
type DrainResult struct {
	Trigger   DrainTrigger  `json:"trigger"`
	Skipped   bool          `json:"skipped"`
	Reason    string        `json:"reason,omitempty"`
	Attempted int           `json:"attempted"`
	Synced    int           `json:"synced"`
	Conflicts int           `json:"conflicts"`
	Retried   int           `json:"retried"`
	Failed    int           `json:"failed"`
	Pruned    int           `json:"pruned"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}
