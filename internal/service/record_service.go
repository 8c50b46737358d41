package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/madrasa-sync/internal/dto"
	"github.com/noah-isme/madrasa-sync/internal/models"
	appErrors "github.com/noah-isme/madrasa-sync/pkg/errors"
)

type recordStore interface {
	FindByNaturalKey(ctx context.Context, recordType models.RecordType, naturalKey string) (*models.RemoteRecord, error)
	Upsert(ctx context.Context, record *models.RemoteRecord) error
	ListSince(ctx context.Context, recordType models.RecordType, since time.Time, limit int) ([]models.RemoteRecord, error)
}

// RecordService implements the server side of the remote record contract.
type RecordService struct {
	repo      recordStore
	validator *validator.Validate
	logger    *zap.Logger
	metrics   *MetricsService
	clock     func() time.Time
}

// NewRecordService constructs the service.
func NewRecordService(repo recordStore, validate *validator.Validate, metrics *MetricsService, logger *zap.Logger) *RecordService {
	if validate == nil {
		validate = NewValidator()
	} else {
		registerRecordValidations(validate)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordService{repo: repo, validator: validate, logger: logger, metrics: metrics, clock: time.Now}
}

// Create stores a record for its natural key. A record already written by another device is
// only replaced when the request asks to overwrite; otherwise the existing record is returned
// together with a conflict error. Replaying an already applied mutation version returns the
// stored record; a higher version of the same mutation replaces it.
func (s *RecordService) Create(ctx context.Context, recordType models.RecordType, req dto.CreateRecordRequest) (*models.RemoteRecord, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid record")
	}
	if err := ValidateRecordInput(s.validator, recordType, req.Descriptor, req.Payload); err != nil {
		return nil, err
	}

	naturalKey := req.Descriptor.Canonical()
	existing, err := s.find(ctx, recordType, naturalKey)
	if err != nil {
		return nil, err
	}
	version := req.Version
	if version <= 0 {
		version = 1
	}
	if existing != nil {
		if existing.MutationID == req.MutationID && existing.DeviceID == req.DeviceID && version <= existing.MutationVersion {
			return existing, nil
		}
		if existing.DeviceID != req.DeviceID && !req.Overwrite {
			s.logger.Info("record conflict",
				zap.String("record_type", string(recordType)),
				zap.String("natural_key", naturalKey),
				zap.String("existing_device", existing.DeviceID),
				zap.String("incoming_device", req.DeviceID))
			return existing, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("record %s written by another device", naturalKey))
		}
	}

	record := &models.RemoteRecord{
		RecordType: recordType,
		NaturalKey: naturalKey,
		Descriptor: req.Descriptor,
		Payload:    req.Payload,
		DeviceID:   req.DeviceID,
		MutationID: req.MutationID,
		RecordedAt: req.RecordedAt.UTC(),
		WrittenAt:  s.clock().UTC(),

		MutationVersion: version,
	}
	if existing != nil {
		record.ID = existing.ID
	}
	start := time.Now()
	err = s.repo.Upsert(ctx, record)
	s.metrics.ObserveDBQuery("sync_records_upsert", time.Since(start))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store record")
	}
	s.logger.Info("record stored",
		zap.String("record_type", string(recordType)),
		zap.String("natural_key", naturalKey),
		zap.String("device_id", req.DeviceID),
		zap.Int("version", version),
		zap.Bool("overwrite", req.Overwrite))
	return record, nil
}

// Fetch returns the record for a canonical natural key.
func (s *RecordService) Fetch(ctx context.Context, recordType models.RecordType, naturalKey string) (*models.RemoteRecord, error) {
	if !recordType.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported record type %q", recordType))
	}
	if naturalKey == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "key is required")
	}
	record, err := s.find(ctx, recordType, naturalKey)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, appErrors.ErrNotFound
	}
	return record, nil
}

// ListSince returns records written after since, oldest first.
func (s *RecordService) ListSince(ctx context.Context, recordType models.RecordType, since time.Time, limit int) ([]models.RemoteRecord, error) {
	if !recordType.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported record type %q", recordType))
	}
	start := time.Now()
	records, err := s.repo.ListSince(ctx, recordType, since, limit)
	s.metrics.ObserveDBQuery("sync_records_list", time.Since(start))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list records")
	}
	return records, nil
}

func (s *RecordService) find(ctx context.Context, recordType models.RecordType, naturalKey string) (*models.RemoteRecord, error) {
	start := time.Now()
	record, err := s.repo.FindByNaturalKey(ctx, recordType, naturalKey)
	s.metrics.ObserveDBQuery("sync_records_find", time.Since(start))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load record")
	}
	return record, nil
}
