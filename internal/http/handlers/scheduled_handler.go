// README: Scheduled ride handlers: book, list, claim and cancel.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"rideflow/internal/modules/ride"
	"rideflow/internal/types"
)

type ScheduledRides interface {
	CreateScheduled(ctx context.Context, cmd ride.CreateScheduledCommand) (*ride.ScheduledRide, error)
	ListScheduled(ctx context.Context, clientID types.ID) ([]*ride.ScheduledRide, error)
	ListAvailableScheduled(ctx context.Context, providerID types.ID) ([]*ride.ScheduledRide, error)
	ClaimScheduled(ctx context.Context, cmd ride.ClaimScheduledCommand) (*ride.ScheduledRide, error)
	CancelScheduled(ctx context.Context, cmd ride.CancelScheduledCommand) (*ride.ScheduledRide, error)
}

type ScheduledHandler struct {
	scheduled ScheduledRides
}

func NewScheduledHandler(svc ScheduledRides) *ScheduledHandler {
	return &ScheduledHandler{scheduled: svc}
}

type createScheduledReq struct {
	ServiceID     int64     `json:"service_id" binding:"required"`
	SubServiceID  *int64    `json:"sub_service_id"`
	PickupLat     *float64  `json:"pickup_lat" binding:"required"`
	PickupLng     *float64  `json:"pickup_lng" binding:"required"`
	DropLat       *float64  `json:"drop_lat"`
	DropLng       *float64  `json:"drop_lng"`
	ScheduledTime time.Time `json:"scheduled_time" binding:"required"`
}

func (h *ScheduledHandler) Create(c *gin.Context) {
	var req createScheduledReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "service_id, pickup_lat, pickup_lng and scheduled_time (RFC 3339) are required")
		return
	}
	drop, ok := optionalPoint(req.DropLat, req.DropLng)
	if !ok {
		badRequest(c, "drop_lat and drop_lng must be sent together")
		return
	}
	sr, err := h.scheduled.CreateScheduled(c.Request.Context(), ride.CreateScheduledCommand{
		ClientID:      callerID(c),
		ServiceID:     req.ServiceID,
		SubServiceID:  req.SubServiceID,
		Pickup:        types.Point{Lat: *req.PickupLat, Lng: *req.PickupLng},
		Drop:          drop,
		ScheduledTime: req.ScheduledTime,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toScheduledResponse(sr))
}

// List returns the caller's own bookings.
func (h *ScheduledHandler) List(c *gin.Context) {
	list, err := h.scheduled.ListScheduled(c.Request.Context(), callerID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"scheduled_rides": toScheduledList(list)})
}

func (h *ScheduledHandler) Available(c *gin.Context) {
	if !requireProvider(c) {
		return
	}
	list, err := h.scheduled.ListAvailableScheduled(c.Request.Context(), callerID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"scheduled_rides": toScheduledList(list)})
}

func (h *ScheduledHandler) Claim(c *gin.Context) {
	if !requireProvider(c) {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	sr, err := h.scheduled.ClaimScheduled(c.Request.Context(), ride.ClaimScheduledCommand{ScheduledRideID: id, ProviderID: callerID(c)})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toScheduledResponse(sr))
}

func (h *ScheduledHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	sr, err := h.scheduled.CancelScheduled(c.Request.Context(), ride.CancelScheduledCommand{ScheduledRideID: id, ActorID: callerID(c)})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toScheduledResponse(sr))
}
