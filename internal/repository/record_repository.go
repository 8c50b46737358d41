package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/madrasa-sync/internal/models"
)

// RecordRepository persists the remote copy of every natural key.
type RecordRepository struct {
	db *sqlx.DB
}

// NewRecordRepository constructs the repository.
func NewRecordRepository(db *sqlx.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

type recordRow struct {
	ID         string    `db:"id"`
	RecordType string    `db:"record_type"`
	NaturalKey string    `db:"natural_key"`
	Descriptor []byte    `db:"descriptor"`
	Payload    []byte    `db:"payload"`
	DeviceID   string    `db:"device_id"`
	MutationID string    `db:"mutation_id"`
	Version    int       `db:"mutation_version"`
	RecordedAt time.Time `db:"recorded_at"`
	WrittenAt  time.Time `db:"written_at"`
}

func (r recordRow) toModel() (*models.RemoteRecord, error) {
	var descriptor models.Descriptor
	if err := json.Unmarshal(r.Descriptor, &descriptor); err != nil {
		return nil, fmt.Errorf("decode descriptor for %s: %w", r.ID, err)
	}
	return &models.RemoteRecord{
		ID:         r.ID,
		RecordType: models.RecordType(r.RecordType),
		NaturalKey: r.NaturalKey,
		Descriptor: descriptor,
		Payload:    json.RawMessage(r.Payload),
		DeviceID:   r.DeviceID,
		MutationID: r.MutationID,
		RecordedAt: r.RecordedAt,
		WrittenAt:  r.WrittenAt,

		MutationVersion: r.Version,
	}, nil
}

const recordColumns = `id, record_type, natural_key, descriptor, payload, device_id, mutation_id, mutation_version, recorded_at, written_at`

// FindByNaturalKey returns the record or sql.ErrNoRows.
func (r *RecordRepository) FindByNaturalKey(ctx context.Context, recordType models.RecordType, naturalKey string) (*models.RemoteRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM sync_records WHERE record_type = $1 AND natural_key = $2`
	var row recordRow
	if err := r.db.GetContext(ctx, &row, query, string(recordType), naturalKey); err != nil {
		return nil, err
	}
	return row.toModel()
}

// Upsert writes record keyed by (record_type, natural_key), replacing any previous version.
func (r *RecordRepository) Upsert(ctx context.Context, record *models.RemoteRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.WrittenAt.IsZero() {
		record.WrittenAt = time.Now().UTC()
	}
	descriptor, err := json.Marshal(record.Descriptor)
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	row := recordRow{
		ID:         record.ID,
		RecordType: string(record.RecordType),
		NaturalKey: record.NaturalKey,
		Descriptor: descriptor,
		Payload:    []byte(record.Payload),
		DeviceID:   record.DeviceID,
		MutationID: record.MutationID,
		Version:    record.MutationVersion,
		RecordedAt: record.RecordedAt,
		WrittenAt:  record.WrittenAt,
	}
	const query = `INSERT INTO sync_records
	(id, record_type, natural_key, descriptor, payload, device_id, mutation_id, mutation_version, recorded_at, written_at)
	VALUES (:id, :record_type, :natural_key, :descriptor, :payload, :device_id, :mutation_id, :mutation_version, :recorded_at, :written_at)
	ON CONFLICT (record_type, natural_key) DO UPDATE SET
		descriptor = EXCLUDED.descriptor,
		payload = EXCLUDED.payload,
		device_id = EXCLUDED.device_id,
		mutation_id = EXCLUDED.mutation_id,
		mutation_version = EXCLUDED.mutation_version,
		recorded_at = EXCLUDED.recorded_at,
		written_at = EXCLUDED.written_at
	RETURNING id`
	rows, err := r.db.NamedQueryContext(ctx, query, row)
	if err != nil {
		return fmt.Errorf("upsert sync record: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&record.ID); err != nil {
			return fmt.Errorf("scan sync record id: %w", err)
		}
	}
	return rows.Err()
}

// ListSince returns records of a type written after since, oldest first.
func (r *RecordRepository) ListSince(ctx context.Context, recordType models.RecordType, since time.Time, limit int) ([]models.RemoteRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + recordColumns + ` FROM sync_records WHERE record_type = $1 AND written_at > $2 ORDER BY written_at ASC LIMIT $3`
	var rows []recordRow
	if err := r.db.SelectContext(ctx, &rows, query, string(recordType), since, limit); err != nil {
		return nil, fmt.Errorf("list sync records: %w", err)
	}
	out := make([]models.RemoteRecord, 0, len(rows))
	for _, row := range rows {
		record, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *record)
	}
	return out, nil
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
