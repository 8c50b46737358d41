package dto

import (
	"encoding/json"

	"github.com/noah-isme/madrasa-sync/internal/models"
)

// SubmitMutationRequest is a UI action destined for the sync queue.
type SubmitMutationRequest struct {
	RecordType models.RecordType `json:"recordType" validate:"required,record_type"`
	Descriptor models.Descriptor `json:"descriptor"`
	Payload    json.RawMessage   `json:"payload" validate:"required"`
}

// LockStatusResponse answers the attendance lock query.
type LockStatusResponse struct {
	Key              string  `json:"key"`
	Locked           bool    `json:"locked"`
	RemainingSeconds *int64  `json:"remainingSeconds,omitempty"`
	ExpiresAt        *string `json:"expiresAt,omitempty"`
}

// SubmitMutationResponse reports the queued mutation.
type SubmitMutationResponse struct {
	Mutation models.MutationRecord `json:"mutation"`
	// Replaced is true when an earlier queued edit of the same record was superseded.
	Replaced bool `json:"replaced"`
	Locked   bool `json:"locked"`
}

// LockQuery identifies a class period for the lock status endpoint.
type LockQuery struct {
	CourseType string `form:"courseType" binding:"required"`
	Year       string `form:"year" binding:"required"`
	Division   string `form:"division"`
	Section    string `form:"section" binding:"required"`
	Date       string `form:"date" binding:"required"`
	Period     int    `form:"period" binding:"required,min=1"`
}

// Descriptor converts the query to a natural key.
func (q LockQuery) Descriptor() models.Descriptor {
	d := models.Descriptor{
		CourseType: q.CourseType,
		Year:       q.Year,
		Section:    q.Section,
		Date:       q.Date,
		Period:     q.Period,
	}
	if q.Division != "" {
		division := q.Division
		d.Division = &division
	}
	return d
}
