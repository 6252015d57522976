package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Error codes separate capacity or policy refusals from transport failures so
// operators can tell "the fleet is full" from "a node is down".
const (
	ErrUnauthorized       = "unauthorized"
	ErrInvalidRequest     = "invalid_request"
	ErrNotFound           = "not_found"
	ErrConflict           = "conflict"
	ErrCapacityExhausted  = "capacity_exhausted"
	ErrNoAvailableServers = "no_available_servers"
	ErrAlreadyAssigned    = "already_assigned"
	ErrTransferFailed     = "transfer_failed"
	ErrNodeUnreachable    = "node_unreachable"
	ErrNotConnected       = "not_connected"
	ErrRetriesExhausted   = "retries_exhausted"
	ErrNoCandidates       = "no_candidates"
	ErrUnavailable        = "unavailable"
	ErrInternal           = "internal_error"
)

type Response struct {
	Success    bool        `json:"success"`
	Message    string      `json:"message"`
	Error      string      `json:"error,omitempty"`
	Data       any         `json:"data,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Total    int `json:"total"`
}

func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Message: "success",
		Data:    data,
	})
}

func Paginated(c *gin.Context, data any, page, pageSize, total int) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Message: "success",
		Data:    data,
		Pagination: &Pagination{
			Page:     page,
			PageSize: pageSize,
			Total:    total,
		},
	})
}

func Fail(c *gin.Context, httpStatus int, code, message string) {
	c.JSON(httpStatus, Response{
		Success: false,
		Message: message,
		Error:   code,
	})
}

// FailWithData is used when a refused operation still carries a useful
// result, such as a rebalance that migrated some accounts but not all.
func FailWithData(c *gin.Context, httpStatus int, code, message string, data any) {
	c.JSON(httpStatus, Response{
		Success: false,
		Message: message,
		Error:   code,
		Data:    data,
	})
}
