package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"session-hub/internal/api/middleware"
	v1 "session-hub/internal/api/v1"
	hubpkg "session-hub/internal/hub"
	"session-hub/internal/sse"
	systemlog "session-hub/pkg/logger"
)

// AdminServices groups the dependencies of the operator API. Nil members
// leave their routes unregistered.
type AdminServices struct {
	Allocations  v1.AllocationService
	Servers      v1.ServerService
	NodeHealth   v1.NodeHealthSource
	Dispatch     v1.DispatchService
	Coordination v1.CoordinationService
	Accounts     v1.AccountPool
	Agents       v1.AgentDirectory
	Logs         *systemlog.SystemLogStore
	Events       *sse.Stream
}

func RegisterAdminRoutes(router gin.IRouter, adminTokenHash string, services AdminServices) *gin.RouterGroup {
	apiV1 := router.Group("/api/v1")
	apiV1.Use(middleware.AdminTokenAuth(adminTokenHash))

	v1.RegisterAllocationRoutes(apiV1, services.Allocations)
	v1.RegisterServerRoutes(apiV1, services.Servers, services.NodeHealth)
	v1.RegisterDispatchRoutes(apiV1, services.Dispatch)
	v1.RegisterCoordinationRoutes(apiV1, services.Coordination)
	v1.RegisterStatusRoutes(apiV1, services.Accounts, services.Agents)
	v1.RegisterSystemRoutes(apiV1, services.Logs)
	v1.RegisterEventRoutes(apiV1, services.Events)
	return apiV1
}

func RegisterAgentRoutes(router gin.IRoutes, h *hubpkg.Hub, agentHMACSecret string, logger *zap.Logger) {
	if h == nil {
		return
	}
	v1.RegisterWSRoutes(router, h, agentHMACSecret, logger)
}
