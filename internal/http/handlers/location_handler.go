// README: Location update handler.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"rideflow/internal/http/middleware"
	"rideflow/internal/modules/location"
	"rideflow/internal/types"
)

type Locations interface {
	Update(ctx context.Context, u location.Update) error
}

type LocationHandler struct {
	location Locations
}

func NewLocationHandler(svc Locations) *LocationHandler {
	return &LocationHandler{location: svc}
}

type locationReq struct {
	Lat     *float64 `json:"lat" binding:"required"`
	Lng     *float64 `json:"lng" binding:"required"`
	Heading *float64 `json:"heading"`
}

// Update handles PUT /api/location for the authenticated user.
func (h *LocationHandler) Update(c *gin.Context) {
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "lat and lng are required")
		return
	}
	userType := location.UserTypeClient
	if middleware.IsProvider(c) {
		userType = location.UserTypeProvider
	}
	err := h.location.Update(c.Request.Context(), location.Update{
		UserID:   callerID(c),
		UserType: userType,
		Position: types.Point{Lat: *req.Lat, Lng: *req.Lng},
		Heading:  req.Heading,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "ok"})
}
