package submission

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/neighborhood-lab/care-commons-sub016/internal/evv"
)

// Handler provides HTTP endpoints for the submission pipeline
type Handler struct {
	orchestrator *Orchestrator
}

// NewHandler creates a new submission handler
func NewHandler(orchestrator *Orchestrator) *Handler {
	return &Handler{orchestrator: orchestrator}
}

// RegisterRoutes registers submission routes on a router group
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/evv/records/:id/disposition", h.RecordDisposition)
	r.POST("/evv/records/:id/resubmit", h.Resubmit)
	r.GET("/evv/records/:id/attempts", h.ListAttempts)
}

type dispositionRequest struct {
	Approved *bool  `json:"approved" binding:"required"`
	Reason   string `json:"reason"`
}

// RecordDisposition handles POST /evv/records/:id/disposition.
// Aggregator callbacks land here after the state reviews a submitted visit.
func (h *Handler) RecordDisposition(c *gin.Context) {
	var req dispositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	rec, err := h.orchestrator.RecordDisposition(c.Request.Context(), Disposition{
		RecordID: c.Param("id"),
		Approved: *req.Approved,
		Reason:   req.Reason,
	})
	if err != nil {
		switch {
		case errors.Is(err, evv.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Record not found",
			})
		case errors.Is(err, ErrNotSubmittable):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_state",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to record disposition",
			})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec})
}

// Resubmit handles POST /evv/records/:id/resubmit. Resets a failed or
// denied record's retry budget and schedules it immediately.
func (h *Handler) Resubmit(c *gin.Context) {
	recordID := c.Param("id")
	if err := h.orchestrator.Resubmit(c.Request.Context(), recordID); err != nil {
		switch {
		case errors.Is(err, evv.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Record not found",
			})
		case errors.Is(err, ErrNotSubmittable):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_state",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to resubmit record",
			})
		}
		return
	}
	h.orchestrator.TriggerSubmit(recordID)
	c.JSON(http.StatusAccepted, gin.H{"recordId": recordID, "status": "scheduled"})
}

// ListAttempts handles GET /evv/records/:id/attempts
func (h *Handler) ListAttempts(c *gin.Context) {
	attempts, err := h.orchestrator.Attempts(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list attempts",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts, "count": len(attempts)})
}
