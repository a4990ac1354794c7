// README: HTTP router registration.
package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"rideflow/internal/http/handlers"
	"rideflow/internal/http/middleware"
	"rideflow/internal/infra"
)

type RouterDeps struct {
	Verifier       infra.TokenVerifier
	Dispatcher     handlers.Dispatcher
	Rides          handlers.Rides
	Scheduled      handlers.ScheduledRides
	Pricing        handlers.Quoter
	Location       handlers.Locations
	Websocket      gin.HandlerFunc
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Recovery(d.Logger), middleware.Logging(d.Logger))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	if d.Websocket != nil {
		r.GET("/ws", d.Websocket)
	}

	api := r.Group("/api", middleware.Auth(d.Verifier))

	rideHandler := handlers.NewRideHandler(d.Dispatcher, d.Rides)
	// Sequential matching waits for providers and is bounded by its own limit.
	api.POST("/rides/start", rideHandler.Start)

	bounded := api.Group("", middleware.Timeout(d.RequestTimeout))
	bounded.POST("/rides/request-provider", rideHandler.RequestProvider)
	bounded.POST("/rides/broadcast", rideHandler.Broadcast)
	bounded.POST("/rides/respond", rideHandler.Respond)
	bounded.POST("/rides/status", rideHandler.UpdateStatus)
	bounded.POST("/rides/cancel", rideHandler.Cancel)
	bounded.GET("/rides/active", rideHandler.Active)
	bounded.GET("/rides/:id", rideHandler.Get)

	pricingHandler := handlers.NewPricingHandler(d.Pricing)
	bounded.POST("/pricing/quote", pricingHandler.Quote)

	scheduledHandler := handlers.NewScheduledHandler(d.Scheduled)
	bounded.POST("/scheduled-rides", scheduledHandler.Create)
	bounded.GET("/scheduled-rides", scheduledHandler.List)
	bounded.GET("/scheduled-rides/available", scheduledHandler.Available)
	bounded.POST("/scheduled-rides/:id/claim", scheduledHandler.Claim)
	bounded.POST("/scheduled-rides/:id/cancel", scheduledHandler.Cancel)

	locationHandler := handlers.NewLocationHandler(d.Location)
	bounded.PUT("/location", locationHandler.Update)

	return r
}
