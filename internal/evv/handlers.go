package evv

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/neighborhood-lab/care-commons-sub016/internal/geoverify"
	"github.com/neighborhood-lab/care-commons-sub016/internal/pagination"
	"github.com/neighborhood-lab/care-commons-sub016/internal/staterules"
)

// Handler provides HTTP endpoints for the EVV workflow
type Handler struct {
	service *Service
}

// NewHandler creates a new EVV handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up EVV routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/evv/clock-in", h.ClockIn)
	r.POST("/evv/clock-out", h.ClockOut)
	r.POST("/evv/manual-override", h.ManualOverride)
	r.GET("/evv/records", h.ListRecords)
	r.GET("/evv/records/:id", h.GetRecord)
	r.GET("/evv/summary", h.Summary)
}

// ClockIn handles POST /evv/clock-in
func (h *Handler) ClockIn(c *gin.Context) {
	var req ClockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.VisitID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_visit",
			"message": "visitId is required",
		})
		return
	}

	res, err := h.service.ClockIn(c.Request.Context(), req)
	if err != nil {
		h.clockError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// ClockOut handles POST /evv/clock-out
func (h *Handler) ClockOut(c *gin.Context) {
	var req ClockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.VisitID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_visit",
			"message": "visitId is required",
		})
		return
	}

	res, err := h.service.ClockOut(c.Request.Context(), req)
	if err != nil {
		h.clockError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ManualOverride handles POST /evv/manual-override
func (h *Handler) ManualOverride(c *gin.Context) {
	var req OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.RecordID == "" || req.ReasonCode == "" || req.ApproverID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_fields",
			"message": "recordId, reasonCode, and approverId are required",
		})
		return
	}

	rec, err := h.service.ApplyManualOverride(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Record not found",
			})
		case errors.Is(err, ErrRecordImmutable):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "record_immutable",
				"message": "Record is past the amendment window",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to apply override",
			})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec})
}

// ListRecords handles GET /evv/records
func (h *Handler) ListRecords(c *gin.Context) {
	q := RecordQuery{
		OrganizationID: c.Query("organizationId"),
		StateCode:      c.Query("state"),
		Status:         RecordStatus(c.Query("status")),
		CaregiverID:    c.Query("caregiverId"),
	}
	if v := c.Query("cursor"); v != "" {
		cur, err := pagination.Decode(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cursor",
				"message": "cursor is malformed",
			})
			return
		}
		q.Cursor = cur.ID
	}
	if v := c.Query("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_time",
				"message": "start must be RFC3339",
			})
			return
		}
		q.Start = t
	}
	if v := c.Query("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_time",
				"message": "end must be RFC3339",
			})
			return
		}
		q.End = t
	}
	if v := c.Query("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			q.Limit = n
		}
	}

	recs, err := h.service.ListRecords(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list records",
		})
		return
	}
	resp := gin.H{"records": recs, "count": len(recs)}
	if q.Limit > 0 && len(recs) == q.Limit {
		last := recs[len(recs)-1]
		resp["nextCursor"] = pagination.Encode(last.CreatedAt, last.ID)
	}
	c.JSON(http.StatusOK, resp)
}

// GetRecord handles GET /evv/records/:id
func (h *Handler) GetRecord(c *gin.Context) {
	rec, err := h.service.store.GetRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Record not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load record",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec})
}

// Summary handles GET /evv/summary
func (h *Handler) Summary(c *gin.Context) {
	orgID := c.Query("organizationId")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_organization",
			"message": "organizationId is required",
		})
		return
	}
	end := time.Now()
	start := end.AddDate(0, 0, -30)
	if v := c.Query("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			start = t
		}
	}
	if v := c.Query("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			end = t
		}
	}

	sum, err := h.service.Summarize(c.Request.Context(), orgID, start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to build summary",
		})
		return
	}
	c.JSON(http.StatusOK, sum)
}

// clockError maps clock workflow errors to HTTP responses.
func (h *Handler) clockError(c *gin.Context, err error) {
	var unknown *staterules.UnknownStateError
	switch {
	case errors.Is(err, ErrVisitNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "visit_not_found",
			"message": "Visit not found",
		})
	case errors.Is(err, ErrAlreadyClockedIn):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_clocked_in",
			"message": "Visit already has an open clock-in",
		})
	case errors.Is(err, ErrNotClockedIn):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_clocked_in",
			"message": "Visit has no open clock-in",
		})
	case errors.Is(err, ErrAlreadyClockedOut):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_clocked_out",
			"message": "Visit already clocked out",
		})
	case errors.Is(err, geoverify.ErrMissingLocation):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_location",
			"message": "Clock events require GPS coordinates",
		})
	case errors.As(err, &unknown):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "unknown_state",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Clock event failed",
		})
	}
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("not a positive number")
	}
	return n, nil
}
