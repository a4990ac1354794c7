// README: Websocket endpoint: authenticates, registers the connection and dispatches inbound messages.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"rideflow/internal/apperr"
	"rideflow/internal/config"
	"rideflow/internal/infra"
	"rideflow/internal/modules/location"
	"rideflow/internal/modules/matching"
	"rideflow/internal/modules/ride"
	"rideflow/internal/types"
)

const (
	MessageLocationUpdate   = "location_update"
	MessageProviderResponse = "provider_response"
	EventLocation           = "location"
	EventError              = "error"

	maxMessageBytes = 1 << 16
)

var (
	ErrUnknownMessage = fmt.Errorf("unknown message type: %w", apperr.ErrValidation)
	errHandlerPanic   = errors.New("message handler panicked")
)

type Responder interface {
	RespondToRide(ctx context.Context, cmd matching.RespondCommand) (*ride.Ride, error)
}

type Locations interface {
	Update(ctx context.Context, u location.Update) error
}

type ActiveRides interface {
	Active(ctx context.Context, userID types.ID) (*ride.Ride, error)
}

// inbound accepts provider_response fields both at the top level and inside data.
type inbound struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	ClientID types.ID        `json:"client_id"`
	RideID   types.ID        `json:"ride_id"`
	Accepted *bool           `json:"accepted"`
	Location *types.Point    `json:"location"`
	Heading  *float64        `json:"heading"`
}

type locationPayload struct {
	Location types.Point `json:"location"`
	Heading  *float64    `json:"heading,omitempty"`
}

type Gateway struct {
	hub       *Hub
	verifier  infra.TokenVerifier
	responder Responder
	locations Locations
	rides     ActiveRides
	cfg       config.RealtimeConfig
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

func NewGateway(hub *Hub, verifier infra.TokenVerifier, responder Responder, locations Locations, rides ActiveRides, cfg config.RealtimeConfig, logger *slog.Logger) *Gateway {
	return &Gateway{
		hub:       hub,
		verifier:  verifier,
		responder: responder,
		locations: locations,
		rides:     rides,
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Handle upgrades GET /ws. The token comes from the Authorization header or the token query parameter.
func (g *Gateway) Handle(c *gin.Context) {
	raw := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if raw == "" {
		raw = c.Query("token")
	}
	if raw == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token", "code": "unauthorized"})
		return
	}
	tok, err := g.verifier.VerifyIDToken(c.Request.Context(), raw)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": "unauthorized"})
		return
	}

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.WarnContext(c.Request.Context(), "websocket upgrade failed", "error", err)
		return
	}

	conn := newConn(types.ID(tok.UID), RoleFromClaims(tok.Claims), ws, g.cfg.SendBuffer)
	g.hub.Register(conn)
	g.logger.InfoContext(c.Request.Context(), "ws connected", "user_id", conn.UserID, "role", conn.Role, "conn_id", conn.ID)

	// The request context ends when the handler returns; the pumps outlive it.
	ctx := context.WithoutCancel(c.Request.Context())
	go g.writePump(conn)
	go g.readPump(ctx, conn)
}

// RoleFromClaims maps the token's role claim to a location user type.
func RoleFromClaims(claims map[string]interface{}) string {
	role, _ := claims["role"].(string)
	switch strings.ToLower(role) {
	case "provider", "driver":
		return location.UserTypeProvider
	default:
		return location.UserTypeClient
	}
}

func (g *Gateway) readPump(ctx context.Context, conn *Conn) {
	ctx, cancel := connContext(ctx, conn)
	defer cancel()
	defer func() {
		g.hub.Unregister(conn)
		_ = conn.ws.Close()
		g.logger.Info("ws disconnected", "user_id", conn.UserID, "conn_id", conn.ID)
	}()

	conn.ws.SetReadLimit(maxMessageBytes)
	_ = conn.ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	})

	limiter := rate.NewLimiter(rate.Limit(g.cfg.LocationPerSec), g.cfg.LocationBurst)
	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Warn("ws read failed", "user_id", conn.UserID, "error", err)
			}
			return
		}
		g.HandleMessage(ctx, conn, limiter, raw)
	}
}

func (g *Gateway) writePump(conn *Conn) {
	ticker := time.NewTicker(g.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.ws.Close()
	}()
	for {
		select {
		case <-conn.done:
			_ = conn.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(g.cfg.WriteWait))
			return
		case frame := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(g.cfg.WriteWait))
			if err := conn.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				g.logger.Warn("ws write failed", "user_id", conn.UserID, "error", err)
				conn.close()
				return
			}
		case <-ticker.C:
			if err := conn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.cfg.WriteWait)); err != nil {
				return
			}
		}
	}
}

// connContext returns a context that ends when the connection closes.
func connContext(parent context.Context, conn *Conn) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-conn.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// HandleMessage dispatches one inbound frame under the configured message timeout.
// Failures, panics included, are reported to the sender as an error frame; the connection stays open.
func (g *Gateway) HandleMessage(ctx context.Context, conn *Conn, limiter *rate.Limiter, raw []byte) {
	var msg inbound
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.ErrorContext(ctx, "ws message handler panicked",
				"conn_id", conn.ID, "user_id", conn.UserID, "type", msg.Type,
				"panic", rec, "stack", string(debug.Stack()))
			g.reject(ctx, conn, msg.Type, errHandlerPanic)
		}
	}()
	if g.cfg.MessageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.MessageTimeout)
		defer cancel()
	}

	if err := json.Unmarshal(raw, &msg); err != nil {
		g.reject(ctx, conn, "", apperr.ErrValidation)
		return
	}
	if len(msg.Data) > 0 && msg.Data[0] == '{' {
		var nested inbound
		if err := json.Unmarshal(msg.Data, &nested); err == nil {
			msg.merge(nested)
		}
	}

	var err error
	switch msg.Type {
	case MessageLocationUpdate:
		if limiter != nil && !limiter.Allow() {
			g.logger.DebugContext(ctx, "location update throttled", "user_id", conn.UserID)
			return
		}
		err = g.handleLocation(ctx, conn, msg)
	case MessageProviderResponse:
		err = g.handleResponse(ctx, conn, msg)
	default:
		err = ErrUnknownMessage
	}
	if err != nil {
		g.reject(ctx, conn, msg.Type, err)
	}
}

func (m *inbound) merge(n inbound) {
	if m.ClientID == "" {
		m.ClientID = n.ClientID
	}
	if m.RideID == "" {
		m.RideID = n.RideID
	}
	if m.Accepted == nil {
		m.Accepted = n.Accepted
	}
	if m.Location == nil {
		m.Location = n.Location
	}
	if m.Heading == nil {
		m.Heading = n.Heading
	}
}

func (g *Gateway) handleLocation(ctx context.Context, conn *Conn, msg inbound) error {
	if msg.Location == nil {
		return location.ErrBadRequest
	}
	if err := g.locations.Update(ctx, location.Update{
		UserID:   conn.UserID,
		UserType: conn.Role,
		Position: *msg.Location,
		Heading:  msg.Heading,
	}); err != nil {
		return err
	}
	if conn.Role != location.UserTypeProvider {
		return nil
	}

	r, err := g.rides.Active(ctx, conn.UserID)
	if err != nil {
		if errors.Is(err, ride.ErrNoActiveRide) || errors.Is(err, ride.ErrNotFound) {
			return nil
		}
		return err
	}
	switch r.Status {
	case ride.StatusAccepted, ride.StatusStarting, ride.StatusArriving:
		if r.ProviderID != nil && *r.ProviderID == conn.UserID {
			g.hub.Send(ctx, r.ClientID, EventLocation, locationPayload{Location: *msg.Location, Heading: msg.Heading})
		}
	}
	return nil
}

func (g *Gateway) handleResponse(ctx context.Context, conn *Conn, msg inbound) error {
	if conn.Role != location.UserTypeProvider {
		return apperr.ErrForbidden
	}
	if msg.Accepted == nil || (msg.ClientID == "" && msg.RideID == "") {
		return matching.ErrBadRequest
	}
	_, err := g.responder.RespondToRide(ctx, matching.RespondCommand{
		ProviderID: conn.UserID,
		ClientID:   msg.ClientID,
		RideID:     msg.RideID,
		Accepted:   *msg.Accepted,
	})
	return err
}

func (g *Gateway) reject(ctx context.Context, conn *Conn, msgType string, err error) {
	g.logger.WarnContext(ctx, "ws message rejected", "user_id", conn.UserID, "type", msgType, "error", err)
	message := "internal error"
	if apperr.Public(err) {
		message = err.Error()
	}
	frame, mErr := json.Marshal(Frame{Type: EventError, Data: map[string]string{
		"message": message,
		"code":    apperr.Code(err),
		"for":     msgType,
	}})
	if mErr != nil {
		return
	}
	conn.enqueue(frame)
}
