// internal/handler/errors.go
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"growdash-agent/internal/fleet"
	"growdash-agent/internal/protocol"
	"growdash-agent/internal/service"
	"growdash-agent/internal/utils"
)

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, fleet.ErrDeviceNotFound), errors.Is(err, service.ErrNoBoard):
		return http.StatusNotFound
	case errors.Is(err, service.ErrPortInUse), errors.Is(err, protocol.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, protocol.ErrClosed), errors.Is(err, protocol.ErrPortUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, message string, err error) {
	utils.ErrorResponse(c, statusFor(err), message, err)
}
