package httpapi

import (
	"errors"
	"net/http"

	"call-signaling/internal/calls"
	"call-signaling/internal/reporting"
	"call-signaling/internal/routing"
	"call-signaling/pkg/logger"

	"github.com/gin-gonic/gin"
)

// writeError is the single place service errors become HTTP responses.
func writeError(c *gin.Context, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "err", err)
		_ = c.Error(err)
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": code})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, calls.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, calls.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, calls.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, calls.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, calls.ErrInvalidState):
		return http.StatusBadRequest, "invalid_state"
	case errors.Is(err, calls.ErrInvalidArgument),
		errors.Is(err, routing.ErrInvalidAvailability),
		errors.Is(err, reporting.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_argument"
	}
	return http.StatusInternalServerError, "internal"
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg, "code": "invalid_argument"})
}
