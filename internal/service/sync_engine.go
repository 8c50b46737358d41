package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/madrasa-sync/internal/dto"
	"github.com/noah-isme/madrasa-sync/internal/models"
	appErrors "github.com/noah-isme/madrasa-sync/pkg/errors"
)

// RemoteRecordStore is the server of record the engine delivers to.
type RemoteRecordStore interface {
	Create(ctx context.Context, write models.RemoteWrite) (*models.RemoteReceipt, error)
	FetchByNaturalKey(ctx context.Context, recordType models.RecordType, descriptor models.Descriptor) (*models.RemoteRecord, error)
	Ping(ctx context.Context) error
}

// SyncEngineConfig tunes triggers and backoff.
type SyncEngineConfig struct {
	DeviceID      string
	Interval      time.Duration
	ProbeInterval time.Duration
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	Clock         func() time.Time
}

// SyncEngineOption customises optional collaborators.
type SyncEngineOption func(*SyncEngine)

// WithSnapshots keeps last-known record snapshots.
func WithSnapshots(store *SnapshotStore) SyncEngineOption {
	return func(e *SyncEngine) {
		e.snapshots = store
	}
}

// WithConflictLog records every conflict case.
func WithConflictLog(log *ConflictLog) SyncEngineOption {
	return func(e *SyncEngine) {
		e.conflictLog = log
	}
}

// WithNotifier publishes UI events.
func WithNotifier(n *Notifier) SyncEngineOption {
	return func(e *SyncEngine) {
		e.notifier = n
	}
}

// WithSyncMetrics records delivery metrics.
func WithSyncMetrics(m *MetricsService) SyncEngineOption {
	return func(e *SyncEngine) {
		e.metrics = m
	}
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(logger *zap.Logger) SyncEngineOption {
	return func(e *SyncEngine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithValidator overrides the submit validator. The record_type tag is registered on it.
func WithValidator(v *validator.Validate) SyncEngineOption {
	return func(e *SyncEngine) {
		if v != nil {
			registerRecordValidations(v)
			e.validate = v
		}
	}
}

// SyncEngine orchestrates submitting mutations and draining the queue against the remote store.
// At most one drain pass runs at a time.
type SyncEngine struct {
	queue    *SyncQueue
	locks    *AttendanceLockManager
	resolver *ConflictResolver
	remote   RemoteRecordStore

	snapshots   *SnapshotStore
	conflictLog *ConflictLog
	notifier    *Notifier
	metrics     *MetricsService
	logger      *zap.Logger
	validate    *validator.Validate

	cfg   SyncEngineConfig
	clock func() time.Time

	// gate is the in-progress guard: holding its single slot means a pass is running.
	gate chan struct{}
	kick chan models.DrainTrigger

	mu        sync.RWMutex
	online    bool
	lastDrain *time.Time
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewSyncEngine wires the engine.
func NewSyncEngine(queue *SyncQueue, locks *AttendanceLockManager, resolver *ConflictResolver, remote RemoteRecordStore, cfg SyncEngineConfig, opts ...SyncEngineOption) *SyncEngine {
	if cfg.Interval <= 0 {
		cfg.Interval = 45 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 10 * time.Second
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 2 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = cfg.BackoffMin
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	e := &SyncEngine{
		queue:    queue,
		locks:    locks,
		resolver: resolver,
		remote:   remote,
		logger:   zap.NewNop(),
		validate: NewValidator(),
		cfg:      cfg,
		clock:    cfg.Clock,
		gate:     make(chan struct{}, 1),
		kick:     make(chan models.DrainTrigger, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the probe/timer loop. It returns immediately.
func (e *SyncEngine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.loop(runCtx)
	e.logger.Info("sync engine started",
		zap.String("device_id", e.cfg.DeviceID),
		zap.Duration("interval", e.cfg.Interval),
		zap.Duration("probe_interval", e.cfg.ProbeInterval))
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (e *SyncEngine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	e.running = false
	e.cancel = nil
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	e.logger.Info("sync engine stopped")
}

func (e *SyncEngine) loop(ctx context.Context) {
	defer e.wg.Done()

	e.probe(ctx)

	timer := time.NewTicker(e.cfg.Interval)
	defer timer.Stop()
	probe := time.NewTicker(e.cfg.ProbeInterval)
	defer probe.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if e.Online() {
				e.runAutomatic(ctx, models.TriggerTimer)
			}
		case <-probe.C:
			e.probe(ctx)
		case trigger := <-e.kick:
			e.runAutomatic(ctx, trigger)
		}
	}
}

func (e *SyncEngine) runAutomatic(ctx context.Context, trigger models.DrainTrigger) {
	if _, err := e.Drain(ctx, trigger); err != nil {
		e.logger.Error("drain pass aborted", zap.String("trigger", string(trigger)), zap.Error(err))
	}
}

func (e *SyncEngine) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, e.cfg.ProbeInterval)
	defer cancel()
	err := e.remote.Ping(probeCtx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		e.logger.Debug("remote probe failed", zap.Error(err))
	}
	e.SetOnline(ctx, err == nil)
}

// SetOnline records connectivity. Going from offline to online triggers a drain.
func (e *SyncEngine) SetOnline(ctx context.Context, online bool) {
	if !e.updateOnline(online) {
		return
	}
	if online {
		e.requestDrain(ctx, models.TriggerReconnect)
	}
}

// updateOnline stores the flag and reports whether it changed.
func (e *SyncEngine) updateOnline(online bool) bool {
	e.mu.Lock()
	changed := e.online != online
	e.online = online
	e.mu.Unlock()
	if !changed {
		return false
	}
	e.metrics.SetOnline(online)
	e.logger.Info("network status changed", zap.Bool("online", online))
	e.notifier.Publish(models.SyncEvent{
		Type:   models.SyncEventNetworkStatus,
		At:     e.clock(),
		Online: &online,
	})
	return true
}

// requestDrain hands an automatic trigger to the loop, or runs it inline when the loop is not running.
func (e *SyncEngine) requestDrain(ctx context.Context, trigger models.DrainTrigger) {
	e.mu.RLock()
	running := e.running
	e.mu.RUnlock()
	if running {
		select {
		case e.kick <- trigger:
		default:
		}
		return
	}
	e.runAutomatic(ctx, trigger)
}

// ForceSync runs a fresh pass, waiting for any in-flight pass first.
func (e *SyncEngine) ForceSync(ctx context.Context) (models.DrainResult, error) {
	return e.Drain(ctx, models.TriggerManual)
}

// Drain runs one pass over the pending queue. Automatic triggers are dropped when a pass is
// already running or the remote is unreachable; the manual trigger waits for the running pass and
// probes the remote when offline. Per-item failures are recorded on the items, never returned.
func (e *SyncEngine) Drain(ctx context.Context, trigger models.DrainTrigger) (models.DrainResult, error) {
	result := models.DrainResult{Trigger: trigger, StartedAt: e.clock()}

	if trigger == models.TriggerManual {
		select {
		case e.gate <- struct{}{}:
		case <-ctx.Done():
			return result, ctx.Err()
		}
	} else {
		select {
		case e.gate <- struct{}{}:
		default:
			result.Skipped = true
			result.Reason = "drain in progress"
			return result, nil
		}
	}
	defer func() { <-e.gate }()

	if !e.Online() {
		if trigger != models.TriggerManual {
			result.Skipped = true
			result.Reason = "offline"
			return result, nil
		}
		if err := e.remote.Ping(ctx); err != nil {
			e.updateOnline(false)
			result.Skipped = true
			result.Reason = "offline"
			return result, appErrors.WithCause(appErrors.ErrOffline, err)
		}
		e.updateOnline(true)
	}

	transient := e.runPass(ctx, &result)
	result.Pruned = e.queue.DequeueSynced(ctx)
	if e.locks != nil {
		if _, err := e.locks.PurgeExpired(ctx); err != nil {
			e.logger.Warn("expired lock purge failed", zap.Error(err))
		}
	}
	result.Duration = e.clock().Sub(result.StartedAt)

	if transient == 0 && e.Online() && ctx.Err() == nil {
		finished := e.clock()
		e.mu.Lock()
		e.lastDrain = &finished
		e.mu.Unlock()
	}

	e.metrics.ObserveDrain(result, e.queue.Counts())
	e.notifier.Publish(models.SyncEvent{
		Type:          models.SyncEventCompleted,
		At:            e.clock(),
		SyncedCount:   result.Synced,
		ConflictCount: result.Conflicts,
		FailedCount:   result.Failed,
	})
	e.logger.Info("drain pass finished",
		zap.String("trigger", string(trigger)),
		zap.Int("attempted", result.Attempted),
		zap.Int("synced", result.Synced),
		zap.Int("conflicts", result.Conflicts),
		zap.Int("retried", result.Retried),
		zap.Int("failed", result.Failed),
		zap.Int("pruned", result.Pruned),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// runPass delivers eligible items in queue order and returns the number of transient failures.
func (e *SyncEngine) runPass(ctx context.Context, result *models.DrainResult) int {
	now := e.clock()
	transient := 0
	for _, item := range e.queue.ListPending() {
		if ctx.Err() != nil {
			break
		}
		if item.NextAttemptAt != nil && item.NextAttemptAt.After(now) {
			continue
		}
		result.Attempted++
		if !e.deliver(ctx, item, result) {
			transient++
		}
	}
	return transient
}

// deliver pushes one item and returns false on a transient failure.
func (e *SyncEngine) deliver(ctx context.Context, item models.MutationRecord, result *models.DrainResult) bool {
	receipt, err := e.remote.Create(ctx, e.remoteWrite(item, item.Payload, item.CreatedAt, false))
	switch {
	case err == nil:
		e.completeDelivery(ctx, item, item.Payload, receipt, result)
		return true
	case errors.Is(err, appErrors.ErrRemoteConflict):
		return e.resolveConflict(ctx, item, result)
	default:
		return e.handleFailure(ctx, item, err, result)
	}
}

func (e *SyncEngine) remoteWrite(item models.MutationRecord, payload []byte, recordedAt time.Time, overwrite bool) models.RemoteWrite {
	return models.RemoteWrite{
		MutationID: item.ID,
		RecordType: item.RecordType,
		Descriptor: item.Origin,
		Payload:    payload,
		DeviceID:   item.DeviceID,
		RecordedAt: recordedAt,
		Version:    item.Version,
		Overwrite:  overwrite,
	}
}

// resolveConflict adjudicates a remote conflict and applies the resolution with a single
// follow-up delivery. A failure of that delivery is handled like any other failure.
func (e *SyncEngine) resolveConflict(ctx context.Context, item models.MutationRecord, result *models.DrainResult) bool {
	result.Conflicts++
	e.metrics.RecordDelivery(item.RecordType, OutcomeConflict)
	if err := e.queue.MarkStatus(ctx, item.ID, models.MutationStatusConflict); err != nil {
		e.logger.Warn("mark conflict failed", zap.String("mutation_id", item.ID), zap.Error(err))
	}

	remote, err := e.remote.FetchByNaturalKey(ctx, item.RecordType, item.Origin)
	if err != nil {
		return e.handleFailure(ctx, item, err, result)
	}
	c := e.resolver.Resolve(item, remote)
	e.recordConflict(ctx, c)

	switch c.Resolution {
	case models.ResolutionUseRemote:
		receipt := &models.RemoteReceipt{ID: remote.ID, WrittenAt: remote.WrittenAt, DeviceID: remote.DeviceID}
		e.completeDelivery(ctx, item, remote.Payload, receipt, result)
		return true
	case models.ResolutionMerge:
		recordedAt := item.CreatedAt
		if remote != nil && remote.RecordedAt.After(recordedAt) {
			recordedAt = remote.RecordedAt
		}
		return e.redeliver(ctx, item, c.MergedPayload, recordedAt, result)
	default:
		return e.redeliver(ctx, item, item.Payload, item.CreatedAt, result)
	}
}

func (e *SyncEngine) redeliver(ctx context.Context, item models.MutationRecord, payload []byte, recordedAt time.Time, result *models.DrainResult) bool {
	receipt, err := e.remote.Create(ctx, e.remoteWrite(item, payload, recordedAt, true))
	if err != nil {
		return e.handleFailure(ctx, item, err, result)
	}
	e.completeDelivery(ctx, item, payload, receipt, result)
	return true
}

func (e *SyncEngine) recordConflict(ctx context.Context, c models.ConflictCase) {
	e.metrics.RecordConflict(c)
	e.logger.Info("conflict resolved",
		zap.String("mutation_id", c.MutationID),
		zap.String("natural_key", c.NaturalKey),
		zap.String("rule", string(c.Rule)),
		zap.String("resolution", string(c.Resolution)))
	if e.conflictLog != nil {
		if err := e.conflictLog.Append(ctx, c); err != nil {
			e.logger.Warn("conflict audit write failed", zap.String("conflict_id", c.ID), zap.Error(err))
		}
	}
	e.notifier.Publish(models.SyncEvent{
		Type:       models.SyncEventConflict,
		At:         e.clock(),
		MutationID: c.MutationID,
		Resolution: c.Resolution,
	})
}

func (e *SyncEngine) completeDelivery(ctx context.Context, item models.MutationRecord, payload []byte, receipt *models.RemoteReceipt, result *models.DrainResult) {
	synced, err := e.queue.MarkSynced(ctx, item.ID, item.Version)
	if err != nil {
		e.logger.Warn("mark synced failed", zap.String("mutation_id", item.ID), zap.Error(err))
		return
	}
	if !synced {
		e.logger.Debug("mutation superseded during delivery", zap.String("mutation_id", item.ID))
		return
	}
	result.Synced++
	e.metrics.RecordDelivery(item.RecordType, OutcomeSynced)

	if e.snapshots == nil {
		return
	}
	snapshot := RecordSnapshot{
		RecordType: item.RecordType,
		Descriptor: item.Origin,
		Payload:    payload,
		DeviceID:   item.DeviceID,
		RecordedAt: item.CreatedAt,
		Confirmed:  true,
	}
	if receipt != nil {
		if receipt.DeviceID != "" {
			snapshot.DeviceID = receipt.DeviceID
		}
		if !receipt.WrittenAt.IsZero() {
			snapshot.RecordedAt = receipt.WrittenAt
		}
	}
	if err := e.snapshots.Save(ctx, snapshot); err != nil {
		e.logger.Warn("snapshot refresh failed", zap.String("mutation_id", item.ID), zap.Error(err))
	}
}

// handleFailure records a failed attempt and returns false when it was transient.
func (e *SyncEngine) handleFailure(ctx context.Context, item models.MutationRecord, cause error, result *models.DrainResult) bool {
	if errors.Is(cause, appErrors.ErrRemoteRejected) {
		result.Failed++
		e.metrics.RecordDelivery(item.RecordType, OutcomeRejected)
		if err := e.queue.MarkFailed(ctx, item.ID, cause); err != nil {
			e.logger.Warn("mark failed failed", zap.String("mutation_id", item.ID), zap.Error(err))
		}
		e.logger.Warn("mutation rejected by remote", zap.String("mutation_id", item.ID), zap.Error(cause))
		e.publishFailure(item.ID, cause)
		return true
	}

	next := e.clock().Add(e.backoff(item.RetryCount + 1))
	updated, err := e.queue.RecordFailure(ctx, item.ID, cause, next)
	if err != nil {
		e.logger.Warn("record failure failed", zap.String("mutation_id", item.ID), zap.Error(err))
		return false
	}
	if updated.Status == models.MutationStatusError {
		result.Failed++
		e.metrics.RecordDelivery(item.RecordType, OutcomeFailed)
		e.logger.Warn("mutation reached retry ceiling",
			zap.String("mutation_id", item.ID),
			zap.Int("retry_count", updated.RetryCount),
			zap.Error(cause))
		e.publishFailure(item.ID, cause)
		return false
	}
	result.Retried++
	e.metrics.RecordDelivery(item.RecordType, OutcomeRetry)
	e.logger.Info("delivery failed, will retry",
		zap.String("mutation_id", item.ID),
		zap.Int("retry_count", updated.RetryCount),
		zap.Time("next_attempt_at", next),
		zap.Error(cause))
	return false
}

func (e *SyncEngine) publishFailure(id string, cause error) {
	e.notifier.Publish(models.SyncEvent{
		Type:       models.SyncEventFailure,
		At:         e.clock(),
		MutationID: id,
		Message:    cause.Error(),
	})
}

// backoff returns BackoffMin doubled per prior attempt, capped at BackoffMax.
func (e *SyncEngine) backoff(attempt int) time.Duration {
	d := e.cfg.BackoffMin
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.cfg.BackoffMax {
			return e.cfg.BackoffMax
		}
	}
	return d
}

// Submit validates a UI mutation, records it locally and queues it for delivery. Attendance
// submissions take the class-period lock and are refused while it holds.
func (e *SyncEngine) Submit(ctx context.Context, req dto.SubmitMutationRequest) (*dto.SubmitMutationResponse, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid mutation")
	}
	if err := ValidateRecordInput(e.validate, req.RecordType, req.Descriptor, req.Payload); err != nil {
		return nil, err
	}

	attendance := req.RecordType == models.RecordTypeAttendance && e.locks != nil
	if attendance {
		locked, err := e.locks.IsLocked(ctx, req.Descriptor)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read attendance lock")
		}
		if locked {
			return nil, appErrors.Clone(appErrors.ErrAttendanceLocked, fmt.Sprintf("attendance for %s already submitted", req.Descriptor.Canonical()))
		}
	}

	now := e.clock()
	mutation := models.MutationRecord{
		ID:         models.NewMutationID(req.RecordType, e.cfg.DeviceID, now),
		RecordType: req.RecordType,
		Payload:    req.Payload,
		CreatedAt:  now,
		DeviceID:   e.cfg.DeviceID,
		Origin:     req.Descriptor,
		Status:     models.MutationStatusPending,
		Version:    1,
	}

	if e.snapshots != nil {
		snapshot := RecordSnapshot{
			RecordType: req.RecordType,
			Descriptor: req.Descriptor,
			Payload:    req.Payload,
			DeviceID:   e.cfg.DeviceID,
			RecordedAt: now,
		}
		if err := e.snapshots.Save(ctx, snapshot); err != nil {
			e.storageWarning(fmt.Errorf("optimistic snapshot: %w", err))
		}
	}

	resp := &dto.SubmitMutationResponse{}
	if attendance {
		if _, err := e.locks.Lock(ctx, req.Descriptor); err != nil {
			e.storageWarning(fmt.Errorf("attendance lock: %w", err))
		} else {
			resp.Locked = true
		}
	}

	queued, replaced := e.queue.Enqueue(ctx, mutation)
	resp.Mutation = queued
	resp.Replaced = replaced
	e.metrics.SetQueueDepth(e.queue.Counts())
	e.logger.Info("mutation queued",
		zap.String("mutation_id", queued.ID),
		zap.String("record_type", string(queued.RecordType)),
		zap.String("natural_key", queued.Origin.Canonical()),
		zap.Int("version", queued.Version),
		zap.Bool("replaced", replaced))

	if e.Online() {
		e.requestDrain(ctx, models.TriggerSubmit)
		if latest, err := e.queue.Get(queued.ID); err == nil {
			resp.Mutation = latest
		}
	}
	return resp, nil
}

func (e *SyncEngine) storageWarning(err error) {
	e.logger.Warn("local storage write failed", zap.Error(err))
	e.notifier.Publish(models.SyncEvent{
		Type:    models.SyncEventStorageWarn,
		At:      e.clock(),
		Message: err.Error(),
	})
}

// Failures lists mutations parked in error.
func (e *SyncEngine) Failures() []models.MutationRecord {
	return e.queue.ListByStatus(models.MutationStatusError)
}

// RetryFailed re-enqueues a failed mutation with a fresh retry budget.
func (e *SyncEngine) RetryFailed(ctx context.Context, id string) (models.MutationRecord, error) {
	item, err := e.queue.Retry(ctx, id)
	if err != nil {
		return item, err
	}
	e.logger.Info("failed mutation re-enqueued", zap.String("mutation_id", id))
	if e.Online() {
		e.requestDrain(ctx, models.TriggerSubmit)
	}
	return item, nil
}

// DismissFailed drops a failed mutation.
func (e *SyncEngine) DismissFailed(ctx context.Context, id string) error {
	if err := e.queue.Dismiss(ctx, id); err != nil {
		return err
	}
	e.logger.Info("failed mutation dismissed", zap.String("mutation_id", id))
	e.metrics.SetQueueDepth(e.queue.Counts())
	return nil
}

// Snapshot returns the last known state of a record on this device.
func (e *SyncEngine) Snapshot(ctx context.Context, recordType models.RecordType, descriptor models.Descriptor) (*RecordSnapshot, error) {
	if e.snapshots == nil {
		return nil, appErrors.ErrNotFound
	}
	return e.snapshots.Get(ctx, recordType, descriptor)
}

// Conflicts returns the most recent conflict cases, newest first.
func (e *SyncEngine) Conflicts(ctx context.Context, limit int) ([]models.ConflictCase, error) {
	if e.conflictLog == nil {
		return []models.ConflictCase{}, nil
	}
	return e.conflictLog.Recent(ctx, limit)
}

// Locks exposes the attendance lock manager.
func (e *SyncEngine) Locks() *AttendanceLockManager {
	return e.locks
}

// Online reports the last known connectivity.
func (e *SyncEngine) Online() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.online
}

// DrainInProgress reports whether a pass holds the guard.
func (e *SyncEngine) DrainInProgress() bool {
	return len(e.gate) > 0
}

// LastSuccessfulDrain is when the last pass finished online without transient failures.
func (e *SyncEngine) LastSuccessfulDrain() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastDrain == nil {
		return nil
	}
	t := *e.lastDrain
	return &t
}

// DeviceID returns the identity stamped on every mutation.
func (e *SyncEngine) DeviceID() string {
	return e.cfg.DeviceID
}
