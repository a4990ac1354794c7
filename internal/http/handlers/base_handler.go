// README: Shared handler helpers: JSON responses, error mapping through apperr, caller identity.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"rideflow/internal/apperr"
	"rideflow/internal/http/middleware"
	"rideflow/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errProviderRole = errors.New("provider role required")

// isValidID accepts the hex ids minted by the stores and the uids issued by the identity provider.
func isValidID(v string) bool {
	if v == "" || len(v) > 128 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeMessage(c *gin.Context, status int, code, msg string) {
	writeJSON(c, status, errorResponse{Error: msg, Code: code})
}

// writeError maps err to its HTTP status and machine code. Internal errors are not echoed.
func writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	msg := "internal error"
	if apperr.Public(err) {
		msg = err.Error()
	}
	writeMessage(c, apperr.Status(err), apperr.Code(err), msg)
}

func badRequest(c *gin.Context, msg string) {
	writeMessage(c, http.StatusBadRequest, apperr.CodeValidation, msg)
}

func callerID(c *gin.Context) types.ID {
	return types.ID(middleware.CallerUID(c))
}

// requireProvider writes 403 and returns false unless the caller holds the provider role.
func requireProvider(c *gin.Context) bool {
	if middleware.IsProvider(c) {
		return true
	}
	writeMessage(c, http.StatusForbidden, apperr.CodeForbidden, errProviderRole.Error())
	return false
}

// pathID reads and validates a route id parameter.
func pathID(c *gin.Context, name string) (types.ID, bool) {
	id := c.Param(name)
	if !isValidID(id) {
		badRequest(c, "invalid "+name)
		return "", false
	}
	return types.ID(id), true
}

// optionalPoint builds a point only when both coordinates are present.
func optionalPoint(lat, lng *float64) (*types.Point, bool) {
	if lat == nil && lng == nil {
		return nil, true
	}
	if lat == nil || lng == nil {
		return nil, false
	}
	return &types.Point{Lat: *lat, Lng: *lng}, true
}
