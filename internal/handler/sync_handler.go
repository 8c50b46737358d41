package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/madrasa-sync/internal/dto"
	"github.com/noah-isme/madrasa-sync/internal/models"
	appErrors "github.com/noah-isme/madrasa-sync/pkg/errors"
	"github.com/noah-isme/madrasa-sync/pkg/response"
)

type syncEngine interface {
	Submit(ctx context.Context, req dto.SubmitMutationRequest) (*dto.SubmitMutationResponse, error)
	ForceSync(ctx context.Context) (models.DrainResult, error)
	Failures() []models.MutationRecord
	RetryFailed(ctx context.Context, id string) (models.MutationRecord, error)
	DismissFailed(ctx context.Context, id string) error
	Conflicts(ctx context.Context, limit int) ([]models.ConflictCase, error)
}

type statusReporter interface {
	Report() models.SyncStatusReport
}

type lockReader interface {
	TimeRemaining(ctx context.Context, descriptor models.Descriptor) (time.Duration, bool, error)
	ExpiryFor(descriptor models.Descriptor) (time.Time, error)
}

// SyncHandler exposes the device agent API consumed by the browser client.
type SyncHandler struct {
	engine syncEngine
	status statusReporter
	locks  lockReader
}

// NewSyncHandler constructs the handler.
func NewSyncHandler(engine syncEngine, status statusReporter, locks lockReader) *SyncHandler {
	return &SyncHandler{engine: engine, status: status, locks: locks}
}

// Submit godoc
// @Summary Queue a mutation for delivery
// @Tags Sync
// @Accept json
// @Produce json
// @Param payload body dto.SubmitMutationRequest true "Mutation"
// @Success 202 {object} response.Envelope
// @Router /sync/mutations [post]
func (h *SyncHandler) Submit(c *gin.Context) {
	var req dto.SubmitMutationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid mutation payload"))
		return
	}
	result, err := h.engine.Submit(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, result)
}

// Status godoc
// @Summary Sync status counters
// @Tags Sync
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /sync/status [get]
func (h *SyncHandler) Status(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.status.Report())
}

// Force godoc
// @Summary Run a sync pass now
// @Tags Sync
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /sync/force [post]
func (h *SyncHandler) Force(c *gin.Context) {
	result, err := h.engine.ForceSync(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result)
}

// Lock godoc
// @Summary Attendance lock status for a class period
// @Tags Sync
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /sync/locks [get]
func (h *SyncHandler) Lock(c *gin.Context) {
	var query dto.LockQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "courseType, year, section, date and period are required"))
		return
	}
	descriptor := query.Descriptor()
	if _, err := h.locks.ExpiryFor(descriptor); err != nil {
		response.Error(c, err)
		return
	}
	remaining, locked, err := h.locks.TimeRemaining(c.Request.Context(), descriptor)
	if err != nil {
		response.Error(c, err)
		return
	}
	resp := dto.LockStatusResponse{Key: descriptor.Canonical(), Locked: locked}
	if locked {
		seconds := int64(remaining / time.Second)
		expires := time.Now().Add(remaining).UTC().Format(time.RFC3339)
		resp.RemainingSeconds = &seconds
		resp.ExpiresAt = &expires
	}
	response.JSON(c, http.StatusOK, resp)
}

// Failures godoc
// @Summary List mutations that failed permanently or exhausted retries
// @Tags Sync
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /sync/failures [get]
func (h *SyncHandler) Failures(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.engine.Failures())
}

// Retry godoc
// @Summary Re-enqueue a failed mutation
// @Tags Sync
// @Produce json
// @Param id path string true "Mutation ID"
// @Success 200 {object} response.Envelope
// @Router /sync/failures/{id}/retry [post]
func (h *SyncHandler) Retry(c *gin.Context) {
	item, err := h.engine.RetryFailed(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, item)
}

// Dismiss godoc
// @Summary Drop a failed mutation
// @Tags Sync
// @Param id path string true "Mutation ID"
// @Success 204
// @Router /sync/failures/{id} [delete]
func (h *SyncHandler) Dismiss(c *gin.Context) {
	if err := h.engine.DismissFailed(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Conflicts godoc
// @Summary Recent conflict resolutions
// @Tags Sync
// @Produce json
// @Param limit query int false "Maximum entries"
// @Success 200 {object} response.Envelope
// @Router /sync/conflicts [get]
func (h *SyncHandler) Conflicts(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	cases, err := h.engine.Conflicts(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, cases)
}
