package v1

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"session-hub/internal/api/response"
	"session-hub/internal/coordination"
	"session-hub/internal/dispatch"
	"session-hub/internal/fleet"
	"session-hub/internal/repository"
	"session-hub/internal/session"
)

// handleServiceError maps domain errors onto HTTP status and error code.
// Order matters: wrapped errors can match more than one sentinel.
func handleServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, fleet.ErrNoCapacity):
		response.Fail(c, http.StatusConflict, response.ErrCapacityExhausted, err.Error())
	case errors.Is(err, fleet.ErrNoAvailableServers), errors.Is(err, fleet.ErrInsufficientServers):
		response.Fail(c, http.StatusServiceUnavailable, response.ErrNoAvailableServers, err.Error())
	case errors.Is(err, fleet.ErrAlreadyAssigned):
		response.Fail(c, http.StatusConflict, response.ErrAlreadyAssigned, err.Error())
	case errors.Is(err, fleet.ErrAccountBusy), errors.Is(err, repository.ErrAssignmentConflict):
		response.Fail(c, http.StatusConflict, response.ErrConflict, err.Error())
	case errors.Is(err, fleet.ErrTransferFailed):
		response.Fail(c, http.StatusBadGateway, response.ErrTransferFailed, err.Error())
	case errors.Is(err, fleet.ErrNodeUnreachable):
		response.Fail(c, http.StatusBadGateway, response.ErrNodeUnreachable, err.Error())
	case errors.Is(err, fleet.ErrInvalidStrategy), errors.Is(err, dispatch.ErrEmptyMessage):
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidRequest, err.Error())
	case errors.Is(err, fleet.ErrUnknownServer), errors.Is(err, repository.ErrNotFound), errors.Is(err, coordination.ErrNotRegistered):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound, err.Error())
	case errors.Is(err, dispatch.ErrRetriesExhausted):
		response.Fail(c, http.StatusBadGateway, response.ErrRetriesExhausted, err.Error())
	case errors.Is(err, dispatch.ErrNoCandidates):
		response.Fail(c, http.StatusNotFound, response.ErrNoCandidates, err.Error())
	case errors.Is(err, session.ErrNotConnected):
		response.Fail(c, http.StatusServiceUnavailable, response.ErrNotConnected, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		response.Fail(c, http.StatusGatewayTimeout, response.ErrUnavailable, "request timed out")
	default:
		_ = c.Error(err)
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "internal error")
	}
}

func invalidRequest(c *gin.Context, message string) {
	response.Fail(c, http.StatusBadRequest, response.ErrInvalidRequest, message)
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
