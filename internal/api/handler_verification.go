package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"charge-status-backend/internal/store"
)

type enqueueRequest struct {
	Items []store.EnqueueItem `json:"items" binding:"required,min=1,dive"`
}

// EnqueueVerification handles POST /api/verification/enqueue. Stations
// already queued are skipped, so callers may re-flag freely.
func (h *Handler) EnqueueVerification(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid enqueue request: " + err.Error()})
		return
	}

	inserted, err := h.store.Enqueue(c.Request.Context(), req.Items)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue items"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"requested": len(req.Items),
		"enqueued":  inserted,
	})
}

type claimRequest struct {
	BatchSize int `json:"batch_size"`
}

// ClaimVerification handles POST /api/verification/claim: one on-demand
// claim-and-dispatch cycle. Dispatch failures show up in the per-item
// results, never as a request error.
func (h *Handler) ClaimVerification(c *gin.Context) {
	var req claimRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid claim request: " + err.Error()})
			return
		}
	}

	results, err := h.worker.RunOnce(c.Request.Context(), req.BatchSize)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Claim cycle failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": results})
}

type completeRequest struct {
	Results []store.CompletionResult `json:"results" binding:"required,min=1,dive"`
}

// CompleteVerification handles POST /api/verification/complete.
func (h *Handler) CompleteVerification(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid completion request: " + err.Error()})
		return
	}

	if err := h.store.Complete(c.Request.Context(), time.Now().UTC(), req.Results); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to apply completion results"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": len(req.Results)})
}

// ReconcileVerification handles POST /api/verification/reconcile: an
// explicit lease sweep, in addition to the worker's periodic one.
func (h *Handler) ReconcileVerification(c *gin.Context) {
	swept, err := h.worker.ReconcileOnce(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Reconcile failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciled": swept})
}
