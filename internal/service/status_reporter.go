package service

import (
	"time"

	"github.com/noah-isme/madrasa-sync/internal/models"
)

// SyncState is the engine state the status reporter reads.
type SyncState interface {
	Online() bool
	DrainInProgress() bool
	LastSuccessfulDrain() *time.Time
	DeviceID() string
}

// StatusReporter aggregates queue counts and engine state for the UI. It holds no state of its own.
type StatusReporter struct {
	queue *SyncQueue
	state SyncState
}

// NewStatusReporter constructs a reporter.
func NewStatusReporter(queue *SyncQueue, state SyncState) *StatusReporter {
	return &StatusReporter{queue: queue, state: state}
}

// Report recomputes the status on every call.
func (r *StatusReporter) Report() models.SyncStatusReport {
	counts := r.queue.Counts()
	report := models.SyncStatusReport{
		Pending:   counts[models.MutationStatusPending],
		Synced:    counts[models.MutationStatusSynced],
		Failed:    counts[models.MutationStatusError],
		Conflicts: counts[models.MutationStatusConflict],
	}
	if r.state != nil {
		report.Online = r.state.Online()
		report.DrainInProgress = r.state.DrainInProgress()
		report.LastSuccessfulDrain = r.state.LastSuccessfulDrain()
		report.DeviceID = r.state.DeviceID()
	}
	return report
}
