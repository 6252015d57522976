package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 << 20
	sendBufferSize = 256
)

// AgentClient is one live websocket connection from a fleet agent. The agent
// id is the fleet node id.
type AgentClient struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	Done chan struct{}

	hub            *Hub
	connectedAt    time.Time
	lastSeenUnix   atomic.Int64
	unregisterOnce sync.Once
	closeOnce      sync.Once

	mu      sync.RWMutex
	info    RegisterPayload
	metrics HostMetrics
}

func NewAgentClient(id string, conn *websocket.Conn, h *Hub) *AgentClient {
	client := &AgentClient{
		ID:          id,
		Conn:        conn,
		Send:        make(chan []byte, sendBufferSize),
		Done:        make(chan struct{}),
		hub:         h,
		connectedAt: time.Now().UTC(),
	}
	client.markSeen(client.connectedAt)
	return client
}

func (c *AgentClient) Start() {
	go c.writePump()
	go c.readPump()
}

func (c *AgentClient) writePump() {
	defer c.unregister()
	defer c.closeConn()

	for {
		select {
		case <-c.Done:
			return
		case message := <-c.Send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		}
	}
}

func (c *AgentClient) readPump() {
	defer c.unregister()
	defer c.closeConn()

	liveness := c.livenessWindow()
	c.Conn.SetReadLimit(maxMessageSize)
	if err := c.Conn.SetReadDeadline(time.Now().Add(liveness)); err != nil {
		return
	}
	c.Conn.SetPongHandler(func(_ string) error {
		now := time.Now().UTC()
		c.markSeen(now)
		return c.Conn.SetReadDeadline(now.Add(liveness))
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		now := time.Now().UTC()
		c.markSeen(now)
		_ = c.Conn.SetReadDeadline(now.Add(liveness))
		c.hub.HandleMessage(c, message)
	}
}

func (c *AgentClient) livenessWindow() time.Duration {
	if c.hub != nil && c.hub.liveness > 0 {
		return c.hub.liveness
	}
	return defaultLivenessWindow
}

func (c *AgentClient) unregister() {
	c.unregisterOnce.Do(func() {
		if c.hub != nil {
			c.hub.Unregister(c)
		}
	})
}

func (c *AgentClient) closeConn() {
	c.closeOnce.Do(func() {
		close(c.Done)
		if c.Conn != nil {
			_ = c.Conn.Close()
		}
	})
}

func (c *AgentClient) LastSeen() time.Time {
	unix := c.lastSeenUnix.Load()
	if unix <= 0 {
		return time.Time{}
	}
	return time.Unix(0, unix).UTC()
}

func (c *AgentClient) markSeen(ts time.Time) {
	c.lastSeenUnix.Store(ts.UnixNano())
}

func (c *AgentClient) setInfo(info RegisterPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info = info
}

func (c *AgentClient) setMetrics(metrics HostMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = metrics
}

func (c *AgentClient) snapshot() AgentInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return AgentInfo{
		ID:          c.ID,
		Version:     c.info.Version,
		Hostname:    c.info.Hostname,
		OS:          c.info.OS,
		Arch:        c.info.Arch,
		ConnectedAt: c.connectedAt,
		LastSeen:    c.LastSeen(),
		Metrics:     c.metrics,
	}
}
