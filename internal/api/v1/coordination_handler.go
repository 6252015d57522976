package v1

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"session-hub/internal/api/response"
	inputsanitize "session-hub/internal/api/sanitize"
	"session-hub/internal/coordination"
	"session-hub/internal/model"
)

type CoordinationService interface {
	RegisterAccountRole(accountID, roleID string, priority *model.ReplyPriority)
	RegisterAccountToGroup(accountID, groupID string)
	UnregisterAccountFromGroup(accountID, groupID string)
	SetRoleSequence(groupID string, roles []string)
	ShouldReply(ctx context.Context, accountID, groupID, eventID string) (coordination.Decision, error)
	OnReplySent(accountID, groupID, eventID string) error
	Group(groupID string) (*model.GroupCoordination, bool)
}

type CoordinationHandler struct {
	coordination CoordinationService
}

type registerRoleRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	RoleID    string `json:"role_id"`
	Priority  string `json:"priority"`
}

type groupMemberRequest struct {
	AccountID string `json:"account_id" binding:"required"`
}

type roleSequenceRequest struct {
	Roles []string `json:"roles"`
}

type replyEventRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	GroupID   string `json:"group_id" binding:"required"`
	EventID   string `json:"event_id" binding:"required"`
}

func NewCoordinationHandler(coordination CoordinationService) *CoordinationHandler {
	return &CoordinationHandler{coordination: coordination}
}

func RegisterCoordinationRoutes(group *gin.RouterGroup, coordination CoordinationService) {
	if coordination == nil {
		return
	}

	handler := NewCoordinationHandler(coordination)
	routes := group.Group("/coordination")
	routes.POST("/roles", handler.RegisterRole)
	routes.GET("/groups/:group_id", handler.GetGroup)
	routes.POST("/groups/:group_id/members", handler.AddMember)
	routes.DELETE("/groups/:group_id/members/:account_id", handler.RemoveMember)
	routes.PUT("/groups/:group_id/sequence", handler.SetSequence)
	routes.POST("/should-reply", handler.ShouldReply)
	routes.POST("/reply-sent", handler.ReplySent)
}

func (h *CoordinationHandler) RegisterRole(c *gin.Context) {
	var req registerRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "account_id is required")
		return
	}

	var priority *model.ReplyPriority
	if raw := inputsanitize.Text(req.Priority); raw != "" {
		parsed, ok := model.ParseReplyPriority(raw)
		if !ok {
			invalidRequest(c, "priority must be one of HIGH, NORMAL, LOW, NONE")
			return
		}
		priority = &parsed
	}

	accountID := inputsanitize.Text(req.AccountID)
	h.coordination.RegisterAccountRole(accountID, inputsanitize.Text(req.RoleID), priority)
	response.Success(c, gin.H{"account_id": accountID})
}

func (h *CoordinationHandler) GetGroup(c *gin.Context) {
	group, ok := h.coordination.Group(inputsanitize.Text(c.Param("group_id")))
	if !ok {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound, "group not found")
		return
	}
	response.Success(c, group)
}

func (h *CoordinationHandler) AddMember(c *gin.Context) {
	var req groupMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "account_id is required")
		return
	}

	groupID := inputsanitize.Text(c.Param("group_id"))
	h.coordination.RegisterAccountToGroup(inputsanitize.Text(req.AccountID), groupID)
	response.Success(c, gin.H{"group_id": groupID})
}

func (h *CoordinationHandler) RemoveMember(c *gin.Context) {
	groupID := inputsanitize.Text(c.Param("group_id"))
	h.coordination.UnregisterAccountFromGroup(inputsanitize.Text(c.Param("account_id")), groupID)
	response.Success(c, gin.H{"group_id": groupID})
}

func (h *CoordinationHandler) SetSequence(c *gin.Context) {
	var req roleSequenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "invalid role sequence")
		return
	}

	groupID := inputsanitize.Text(c.Param("group_id"))
	roles := inputsanitize.StringSlice(req.Roles)
	h.coordination.SetRoleSequence(groupID, roles)
	response.Success(c, gin.H{"group_id": groupID, "roles": roles})
}

func (h *CoordinationHandler) ShouldReply(c *gin.Context) {
	var req replyEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "account_id, group_id and event_id are required")
		return
	}

	decision, err := h.coordination.ShouldReply(
		c.Request.Context(),
		inputsanitize.Text(req.AccountID),
		inputsanitize.Text(req.GroupID),
		inputsanitize.Text(req.EventID),
	)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, decision)
}

func (h *CoordinationHandler) ReplySent(c *gin.Context) {
	var req replyEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "account_id, group_id and event_id are required")
		return
	}

	if err := h.coordination.OnReplySent(
		inputsanitize.Text(req.AccountID),
		inputsanitize.Text(req.GroupID),
		inputsanitize.Text(req.EventID),
	); err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, nil)
}
