// README: Ride handlers: matching entry points, provider responses and lifecycle updates.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"rideflow/internal/modules/matching"
	"rideflow/internal/modules/ride"
	"rideflow/internal/types"
)

type Dispatcher interface {
	RequestProvider(ctx context.Context, cmd matching.RequestProviderCommand) (types.ID, error)
	BroadcastRideRequest(ctx context.Context, cmd matching.RideRequestCommand) (*matching.BroadcastResult, error)
	StartRideRequest(ctx context.Context, cmd matching.RideRequestCommand) (*matching.SequentialResult, error)
	RespondToRide(ctx context.Context, cmd matching.RespondCommand) (*ride.Ride, error)
}

type Rides interface {
	UpdateStatus(ctx context.Context, cmd ride.UpdateStatusCommand) (*ride.Ride, error)
	CancelActive(ctx context.Context, userID types.ID) (*ride.Ride, error)
	Get(ctx context.Context, id types.ID) (*ride.Ride, error)
	Active(ctx context.Context, userID types.ID) (*ride.Ride, error)
}

type RideHandler struct {
	dispatcher Dispatcher
	rides      Rides
}

func NewRideHandler(dispatcher Dispatcher, rides Rides) *RideHandler {
	return &RideHandler{dispatcher: dispatcher, rides: rides}
}

type requestProviderReq struct {
	ServiceID int64 `json:"service_id" binding:"required"`
}

type rideRequestReq struct {
	Lat          *float64 `json:"lat" binding:"required"`
	Lng          *float64 `json:"lng" binding:"required"`
	ServiceID    int64    `json:"service_id" binding:"required"`
	SubServiceID *int64   `json:"sub_service_id"`
	DropLat      *float64 `json:"drop_lat"`
	DropLng      *float64 `json:"drop_lng"`
	RideType     string   `json:"ride_type"`
}

type respondReq struct {
	ClientID string `json:"client_id"`
	RideID   string `json:"ride_id"`
	Accepted *bool  `json:"accepted" binding:"required"`
}

type statusReq struct {
	Status string `json:"status" binding:"required"`
}

// RequestProvider handles POST /api/rides/request-provider.
func (h *RideHandler) RequestProvider(c *gin.Context) {
	var req requestProviderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "service_id is required")
		return
	}
	providerID, err := h.dispatcher.RequestProvider(c.Request.Context(), matching.RequestProviderCommand{
		ClientID:  callerID(c),
		ServiceID: req.ServiceID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"provider_id": providerID, "notified": true})
}

// Start handles POST /api/rides/start. It blocks until a provider accepts or the sequence is exhausted.
func (h *RideHandler) Start(c *gin.Context) {
	cmd, ok := bindRideRequest(c)
	if !ok {
		return
	}
	res, err := h.dispatcher.StartRideRequest(c.Request.Context(), cmd)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

// Broadcast handles POST /api/rides/broadcast.
func (h *RideHandler) Broadcast(c *gin.Context) {
	cmd, ok := bindRideRequest(c)
	if !ok {
		return
	}
	res, err := h.dispatcher.BroadcastRideRequest(c.Request.Context(), cmd)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, res)
}

func bindRideRequest(c *gin.Context) (matching.RideRequestCommand, bool) {
	var req rideRequestReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "lat, lng and service_id are required")
		return matching.RideRequestCommand{}, false
	}
	drop, ok := optionalPoint(req.DropLat, req.DropLng)
	if !ok {
		badRequest(c, "drop_lat and drop_lng must be sent together")
		return matching.RideRequestCommand{}, false
	}
	return matching.RideRequestCommand{
		ClientID:     callerID(c),
		ServiceID:    req.ServiceID,
		SubServiceID: req.SubServiceID,
		Pickup:       types.Point{Lat: *req.Lat, Lng: *req.Lng},
		Drop:         drop,
		RideType:     req.RideType,
	}, true
}

// Respond handles POST /api/rides/respond for providers.
func (h *RideHandler) Respond(c *gin.Context) {
	if !requireProvider(c) {
		return
	}
	var req respondReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "accepted is required")
		return
	}
	if req.ClientID == "" && req.RideID == "" {
		badRequest(c, "client_id or ride_id is required")
		return
	}
	r, err := h.dispatcher.RespondToRide(c.Request.Context(), matching.RespondCommand{
		ProviderID: callerID(c),
		ClientID:   types.ID(req.ClientID),
		RideID:     types.ID(req.RideID),
		Accepted:   *req.Accepted,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if r == nil {
		writeJSON(c, http.StatusOK, gin.H{"accepted": *req.Accepted})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"accepted": *req.Accepted, "ride": toRideResponse(r)})
}

// UpdateStatus handles POST /api/rides/status.
func (h *RideHandler) UpdateStatus(c *gin.Context) {
	var req statusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "status is required")
		return
	}
	status, ok := ride.ParseStatus(req.Status)
	if !ok {
		badRequest(c, "unknown status "+req.Status)
		return
	}
	r, err := h.rides.UpdateStatus(c.Request.Context(), ride.UpdateStatusCommand{UserID: callerID(c), Status: status})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRideResponse(r))
}

// Cancel handles POST /api/rides/cancel.
func (h *RideHandler) Cancel(c *gin.Context) {
	r, err := h.rides.CancelActive(c.Request.Context(), callerID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRideResponse(r))
}

// Active handles GET /api/rides/active.
func (h *RideHandler) Active(c *gin.Context) {
	r, err := h.rides.Active(c.Request.Context(), callerID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRideResponse(r))
}

// Get handles GET /api/rides/:id. Non-participants see 404.
func (h *RideHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	r, err := h.rides.Get(c.Request.Context(), id)
	if err == nil && !r.IsParticipant(callerID(c)) {
		err = ride.ErrNotFound
	}
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRideResponse(r))
}
