package v1

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"session-hub/internal/api/response"
	inputsanitize "session-hub/internal/api/sanitize"
	"session-hub/internal/fleet"
	"session-hub/internal/model"
	"session-hub/internal/repository"
)

const maxHistoryPageSize = 200

type AllocationService interface {
	AllocateAccount(ctx context.Context, req fleet.AllocationRequest) (*fleet.AllocationResult, error)
	ReassignAccount(ctx context.Context, accountID, serverID, reason string) (*fleet.AllocationResult, error)
	AllocationHistory(ctx context.Context, accountID string, page repository.Pagination) ([]*model.AllocationRecord, error)
	RebalanceAccounts(ctx context.Context, thresholdPercent float64, maxMigrations int) (*fleet.RebalanceResult, error)
}

type AllocationHandler struct {
	allocator AllocationService
}

type allocateRequest struct {
	AccountID     string   `json:"account_id" binding:"required"`
	CredentialRef string   `json:"credential_ref" binding:"required"`
	DisplayName   string   `json:"display_name"`
	Roles         []string `json:"roles"`
	Strategy      string   `json:"strategy"`
	ScriptID      string   `json:"script_id"`
	Location      string   `json:"location"`
	AccountType   string   `json:"account_type"`
}

type reassignRequest struct {
	ServerID string `json:"server_id" binding:"required"`
	Reason   string `json:"reason"`
}

type rebalanceRequest struct {
	ThresholdPercent float64 `json:"threshold_percent"`
	MaxMigrations    int     `json:"max_migrations"`
}

func NewAllocationHandler(allocator AllocationService) *AllocationHandler {
	return &AllocationHandler{allocator: allocator}
}

func RegisterAllocationRoutes(group *gin.RouterGroup, allocator AllocationService) {
	if allocator == nil {
		return
	}

	handler := NewAllocationHandler(allocator)
	allocations := group.Group("/allocations")
	allocations.POST("", handler.Allocate)
	allocations.POST("/rebalance", handler.Rebalance)
	allocations.POST("/:account_id/reassign", handler.Reassign)
	allocations.GET("/:account_id/history", handler.History)
}

func (h *AllocationHandler) Allocate(c *gin.Context) {
	var req allocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "account_id and credential_ref are required")
		return
	}

	result, err := h.allocator.AllocateAccount(c.Request.Context(), fleet.AllocationRequest{
		AccountID:     inputsanitize.Text(req.AccountID),
		CredentialRef: req.CredentialRef,
		DisplayName:   inputsanitize.Text(req.DisplayName),
		Roles:         inputsanitize.StringSlice(req.Roles),
		Strategy:      model.AllocationStrategy(inputsanitize.Text(req.Strategy)),
		ScriptID:      inputsanitize.Text(req.ScriptID),
		Location:      inputsanitize.Text(req.Location),
		AccountType:   inputsanitize.Text(req.AccountType),
	})
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, result)
}

func (h *AllocationHandler) Reassign(c *gin.Context) {
	var req reassignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "server_id is required")
		return
	}

	reason := inputsanitize.Text(req.Reason)
	if reason == "" {
		reason = "manual reassignment"
	}
	result, err := h.allocator.ReassignAccount(
		c.Request.Context(),
		inputsanitize.Text(c.Param("account_id")),
		inputsanitize.Text(req.ServerID),
		reason,
	)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, result)
}

func (h *AllocationHandler) History(c *gin.Context) {
	page := queryInt(c, "page", 1)
	pageSize := queryInt(c, "page_size", 20)
	if pageSize > maxHistoryPageSize {
		pageSize = maxHistoryPageSize
	}

	records, err := h.allocator.AllocationHistory(c.Request.Context(), inputsanitize.Text(c.Param("account_id")), repository.Pagination{
		Limit:  int32(pageSize),              // #nosec G115 -- capped above.
		Offset: int32((page - 1) * pageSize), // #nosec G115 -- page size is capped.
	})
	if err != nil {
		handleServiceError(c, err)
		return
	}
	if records == nil {
		records = []*model.AllocationRecord{}
	}
	response.Success(c, records)
}

// Rebalance answers 200 with success=false when some migrations failed, so
// the caller still gets the per-account outcome.
func (h *AllocationHandler) Rebalance(c *gin.Context) {
	var req rebalanceRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidRequest(c, "invalid rebalance request")
			return
		}
	}
	if req.ThresholdPercent < 0 || req.MaxMigrations < 0 {
		invalidRequest(c, "threshold_percent and max_migrations must not be negative")
		return
	}

	result, err := h.allocator.RebalanceAccounts(c.Request.Context(), req.ThresholdPercent, req.MaxMigrations)
	if err != nil {
		if result != nil {
			response.FailWithData(c, http.StatusInternalServerError, response.ErrInternal, err.Error(), result)
			return
		}
		handleServiceError(c, err)
		return
	}
	if !result.Success && len(result.Failed) > 0 {
		response.FailWithData(c, http.StatusOK, response.ErrTransferFailed, result.Message, result)
		return
	}
	response.Success(c, result)
}
