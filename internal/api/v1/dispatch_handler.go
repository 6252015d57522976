package v1

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"session-hub/internal/api/response"
	inputsanitize "session-hub/internal/api/sanitize"
	"session-hub/internal/model"
)

type DispatchService interface {
	SendMessage(ctx context.Context, destination, text string, replyTo *int64) (*model.Message, error)
	SetCandidates(destination string, accountIDs []string)
	Candidates(destination string) []string
}

type DispatchHandler struct {
	dispatcher DispatchService
}

type sendMessageRequest struct {
	Destination string `json:"destination" binding:"required"`
	Text        string `json:"text" binding:"required"`
	ReplyTo     *int64 `json:"reply_to"`
}

type candidatesRequest struct {
	AccountIDs []string `json:"account_ids"`
}

func NewDispatchHandler(dispatcher DispatchService) *DispatchHandler {
	return &DispatchHandler{dispatcher: dispatcher}
}

func RegisterDispatchRoutes(group *gin.RouterGroup, dispatcher DispatchService) {
	if dispatcher == nil {
		return
	}

	handler := NewDispatchHandler(dispatcher)
	group.POST("/dispatch/messages", handler.Send)
	group.GET("/dispatch/candidates/:destination", handler.GetCandidates)
	group.PUT("/dispatch/candidates/:destination", handler.SetCandidates)
}

// Send forwards the text verbatim; it goes to a chat, not to HTML.
func (h *DispatchHandler) Send(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "destination and text are required")
		return
	}

	msg, err := h.dispatcher.SendMessage(
		c.Request.Context(),
		inputsanitize.Text(req.Destination),
		strings.TrimSpace(req.Text),
		req.ReplyTo,
	)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, msg)
}

func (h *DispatchHandler) GetCandidates(c *gin.Context) {
	destination := inputsanitize.Text(c.Param("destination"))
	candidates := h.dispatcher.Candidates(destination)
	if candidates == nil {
		candidates = []string{}
	}
	response.Success(c, gin.H{"destination": destination, "account_ids": candidates})
}

// SetCandidates replaces the ordered candidate list; order matters for
// round_robin rotation.
func (h *DispatchHandler) SetCandidates(c *gin.Context) {
	var req candidatesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "invalid candidate list")
		return
	}

	destination := inputsanitize.Text(c.Param("destination"))
	if destination == "" {
		invalidRequest(c, "destination is required")
		return
	}
	ids := inputsanitize.StringSlice(req.AccountIDs)
	h.dispatcher.SetCandidates(destination, ids)
	if ids == nil {
		ids = []string{}
	}
	response.Success(c, gin.H{"destination": destination, "account_ids": ids})
}
