package v1

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"session-hub/internal/api/response"
	hubpkg "session-hub/internal/hub"
	cryptoutil "session-hub/pkg/crypto"
)

var agentUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents are not browsers; the HMAC token is the credential.
	CheckOrigin: func(*http.Request) bool { return true },
}

type AgentChannelHandler struct {
	hub    *hubpkg.Hub
	signer *cryptoutil.AgentSigner
	logger *zap.Logger
}

func NewAgentChannelHandler(h *hubpkg.Hub, secret string, logger *zap.Logger) *AgentChannelHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentChannelHandler{hub: h, signer: cryptoutil.NewAgentSigner(secret), logger: logger}
}

func RegisterWSRoutes(router gin.IRoutes, h *hubpkg.Hub, secret string, logger *zap.Logger) {
	handler := NewAgentChannelHandler(h, secret, logger)
	router.GET("/ws/agent", handler.Connect)
}

// Connect authenticates a fleet agent by node id and token, then hands the
// upgraded connection to the hub.
func (h *AgentChannelHandler) Connect(c *gin.Context) {
	if h.hub == nil {
		response.Fail(c, http.StatusServiceUnavailable, response.ErrUnavailable, "hub unavailable")
		return
	}

	nodeID := strings.TrimSpace(c.Query("agent_id"))
	if !h.signer.Verify(nodeID, c.Query("token")) {
		if nodeID != "" {
			h.logger.Warn("agent token rejected", zap.String("node_id", nodeID), zap.String("client_ip", c.ClientIP()))
		}
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}

	conn, err := agentUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("agent upgrade failed", zap.String("node_id", nodeID), zap.Error(err))
		return
	}

	client := hubpkg.NewAgentClient(nodeID, conn, h.hub)
	h.hub.Register(client)
	client.Start()
}
