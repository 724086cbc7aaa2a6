package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"charge-status-backend/internal/model"
)

// stationStatusResponse combines the near-static station facts with the
// current snapshot and verification state.
type stationStatusResponse struct {
	StationID    string                  `json:"stationId"`
	ExternalID   string                  `json:"externalId,omitempty"`
	Latitude     float64                 `json:"latitude,omitempty"`
	Longitude    float64                 `json:"longitude,omitempty"`
	Address      string                  `json:"address,omitempty"`
	Snapshot     *model.StationSnapshot  `json:"snapshot,omitempty"`
	Verification model.VerificationState `json:"verification,omitempty"`
	VerifiedAt   *time.Time              `json:"verifiedAt,omitempty"`
}

// GetStationStatus handles GET /api/stations/{station_id}/status.
func (h *Handler) GetStationStatus(c *gin.Context) {
	stationID := c.Param("station_id")
	ctx := c.Request.Context()

	status, err := h.store.Status(ctx, stationID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve station status"})
		return
	}
	station, err := h.store.Metadata(ctx, stationID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve station metadata"})
		return
	}
	if status == nil && station == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Unknown station"})
		return
	}

	resp := stationStatusResponse{StationID: stationID}
	if status != nil {
		snap := status.Snapshot()
		if !snap.ObservedAt.IsZero() {
			resp.Snapshot = &snap
		}
		resp.Verification = status.Verification
		resp.VerifiedAt = status.VerifiedAt
	}
	if station != nil {
		resp.ExternalID = station.ExternalID
		resp.Latitude = station.Latitude
		resp.Longitude = station.Longitude
		resp.Address = station.Address
	}
	c.JSON(http.StatusOK, resp)
}
