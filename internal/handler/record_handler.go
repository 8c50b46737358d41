package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/madrasa-sync/internal/dto"
	"github.com/noah-isme/madrasa-sync/internal/models"
	appErrors "github.com/noah-isme/madrasa-sync/pkg/errors"
	"github.com/noah-isme/madrasa-sync/pkg/response"
)

type recordService interface {
	Create(ctx context.Context, recordType models.RecordType, req dto.CreateRecordRequest) (*models.RemoteRecord, error)
	Fetch(ctx context.Context, recordType models.RecordType, naturalKey string) (*models.RemoteRecord, error)
	ListSince(ctx context.Context, recordType models.RecordType, since time.Time, limit int) ([]models.RemoteRecord, error)
}

// RecordHandler serves the remote record store API.
type RecordHandler struct {
	service recordService
}

// NewRecordHandler constructs the handler.
func NewRecordHandler(service recordService) *RecordHandler {
	return &RecordHandler{service: service}
}

// Create godoc
// @Summary Write a record for its natural key
// @Tags Records
// @Accept json
// @Produce json
// @Param type path string true "Record type"
// @Param payload body dto.CreateRecordRequest true "Record"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /records/{type} [post]
func (h *RecordHandler) Create(c *gin.Context) {
	var req dto.CreateRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid record payload"))
		return
	}
	if header := c.GetHeader("X-Device-ID"); header != "" && req.DeviceID == "" {
		req.DeviceID = header
	}
	record, err := h.service.Create(c.Request.Context(), models.RecordType(c.Param("type")), req)
	if err != nil {
		if errors.Is(err, appErrors.ErrConflict) && record != nil {
			response.ErrorWithData(c, err, record)
			return
		}
		response.Error(c, err)
		return
	}
	response.Created(c, models.RemoteReceipt{ID: record.ID, WrittenAt: record.WrittenAt, DeviceID: record.DeviceID})
}

// Get godoc
// @Summary Fetch a record by natural key, or list records written since a time
// @Tags Records
// @Produce json
// @Param type path string true "Record type"
// @Param key query string false "Canonical natural key"
// @Param since query string false "RFC3339 timestamp"
// @Success 200 {object} response.Envelope
// @Router /records/{type} [get]
func (h *RecordHandler) Get(c *gin.Context) {
	recordType := models.RecordType(c.Param("type"))
	if key := c.Query("key"); key != "" {
		record, err := h.service.Fetch(c.Request.Context(), recordType, key)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.JSON(c, http.StatusOK, record)
		return
	}

	var since time.Time
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "since must be RFC3339"))
			return
		}
		since = parsed
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	records, err := h.service.ListSince(c.Request.Context(), recordType, since, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, records, map[string]interface{}{"count": len(records)})
}
