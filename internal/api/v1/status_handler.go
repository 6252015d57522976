package v1

import (
	"github.com/gin-gonic/gin"

	"session-hub/internal/api/response"
	"session-hub/internal/hub"
	"session-hub/internal/session"
)

type AccountPool interface {
	Accounts() []session.AccountState
	OnlineAccounts() []session.AccountState
}

type AgentDirectory interface {
	Agents() []hub.AgentInfo
}

type StatusHandler struct {
	pool   AccountPool
	agents AgentDirectory
}

func NewStatusHandler(pool AccountPool, agents AgentDirectory) *StatusHandler {
	return &StatusHandler{pool: pool, agents: agents}
}

func RegisterStatusRoutes(group *gin.RouterGroup, pool AccountPool, agents AgentDirectory) {
	handler := NewStatusHandler(pool, agents)
	if pool != nil {
		group.GET("/accounts", handler.Accounts)
		group.GET("/accounts/online", handler.OnlineAccounts)
	}
	if agents != nil {
		group.GET("/agents", handler.Agents)
	}
}

func (h *StatusHandler) Accounts(c *gin.Context) {
	response.Success(c, nonNil(h.pool.Accounts()))
}

func (h *StatusHandler) OnlineAccounts(c *gin.Context) {
	response.Success(c, nonNil(h.pool.OnlineAccounts()))
}

func (h *StatusHandler) Agents(c *gin.Context) {
	agents := h.agents.Agents()
	if agents == nil {
		agents = []hub.AgentInfo{}
	}
	response.Success(c, agents)
}

func nonNil(states []session.AccountState) []session.AccountState {
	if states == nil {
		return []session.AccountState{}
	}
	return states
}
