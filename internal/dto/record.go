package dto

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/madrasa-sync/internal/models"
)

// CreateRecordRequest is the body of a remote create call.
type CreateRecordRequest struct {
	MutationID string            `json:"mutationId" validate:"required"`
	Descriptor models.Descriptor `json:"descriptor"`
	Payload    json.RawMessage   `json:"payload" validate:"required"`
	DeviceID   string            `json:"deviceId" validate:"required"`
	RecordedAt time.Time         `json:"recordedAt" validate:"required"`
	Version    int               `json:"version" validate:"omitempty,min=1"`
	Overwrite  bool              `json:"overwrite"`
}
