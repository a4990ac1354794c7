// README: Price quote handler.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"rideflow/internal/modules/pricing"
	"rideflow/internal/types"
)

type Quoter interface {
	Quote(ctx context.Context, cmd pricing.QuoteCommand) (*pricing.Breakdown, error)
}

type PricingHandler struct {
	pricing Quoter
}

func NewPricingHandler(q Quoter) *PricingHandler {
	return &PricingHandler{pricing: q}
}

type quoteReq struct {
	ServiceID    int64      `json:"service_id" binding:"required"`
	SubServiceID *int64     `json:"sub_service_id"`
	PickupLat    *float64   `json:"pickup_lat" binding:"required"`
	PickupLng    *float64   `json:"pickup_lng" binding:"required"`
	DropLat      *float64   `json:"drop_lat"`
	DropLng      *float64   `json:"drop_lng"`
	PickupTime   *time.Time `json:"pickup_time"`
}

// Quote handles POST /api/pricing/quote. pickup_time defaults to now.
func (h *PricingHandler) Quote(c *gin.Context) {
	var req quoteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "service_id, pickup_lat and pickup_lng are required")
		return
	}
	drop, ok := optionalPoint(req.DropLat, req.DropLng)
	if !ok {
		badRequest(c, "drop_lat and drop_lng must be sent together")
		return
	}
	at := time.Now()
	if req.PickupTime != nil {
		at = *req.PickupTime
	}
	b, err := h.pricing.Quote(c.Request.Context(), pricing.QuoteCommand{
		ServiceID:    req.ServiceID,
		SubServiceID: req.SubServiceID,
		Pickup:       types.Point{Lat: *req.PickupLat, Lng: *req.PickupLng},
		Drop:         drop,
		PickupTime:   at,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, b)
}
