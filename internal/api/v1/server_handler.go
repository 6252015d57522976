package v1

import (
	"context"

	"github.com/gin-gonic/gin"

	"session-hub/internal/api/response"
	"session-hub/internal/fleet"
	"session-hub/internal/model"
)

type ServerService interface {
	ServerRankings(ctx context.Context) ([]model.ServerRanking, error)
	ServerMetrics(ctx context.Context) ([]model.ServerMetrics, error)
}

type NodeHealthSource interface {
	Health() []fleet.NodeHealthReport
}

type ServerHandler struct {
	servers ServerService
	health  NodeHealthSource
}

func NewServerHandler(servers ServerService, health NodeHealthSource) *ServerHandler {
	return &ServerHandler{servers: servers, health: health}
}

func RegisterServerRoutes(group *gin.RouterGroup, servers ServerService, health NodeHealthSource) {
	if servers == nil {
		return
	}

	handler := NewServerHandler(servers, health)
	routes := group.Group("/servers")
	routes.GET("/rankings", handler.Rankings)
	routes.GET("/metrics", handler.Metrics)
	routes.GET("/health", handler.Health)
}

func (h *ServerHandler) Rankings(c *gin.Context) {
	rankings, err := h.servers.ServerRankings(c.Request.Context())
	if err != nil {
		handleServiceError(c, err)
		return
	}
	if rankings == nil {
		rankings = []model.ServerRanking{}
	}
	response.Success(c, rankings)
}

func (h *ServerHandler) Metrics(c *gin.Context) {
	servers, err := h.servers.ServerMetrics(c.Request.Context())
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, servers)
}

func (h *ServerHandler) Health(c *gin.Context) {
	if h.health == nil {
		response.Success(c, []fleet.NodeHealthReport{})
		return
	}
	response.Success(c, h.health.Health())
}
