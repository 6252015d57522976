package agent

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	stateDisconnected int32 = 0
	stateConnecting   int32 = 1
	stateConnected    int32 = 2

	maxBackoffSeconds = 60
	pingInterval      = 30 * time.Second
	pongTimeout       = 30 * time.Second
	clientWriteWait   = 10 * time.Second
)

var (
	ErrSendBufferFull = errors.New("agent: send buffer full")
	ErrNotConnected   = errors.New("agent: not connected")
)

// Client keeps one websocket connection to the hub open, reconnecting with
// capped exponential backoff.
type Client struct {
	hubURL  string
	agentID string
	token   string
	logger  *zap.Logger

	conn      *websocket.Conn
	send      chan []byte
	Recv      chan []byte
	connState atomic.Int32
	done      chan struct{}
	mu        sync.Mutex
	closeOnce sync.Once

	rnd   *rand.Rand
	rndMu sync.Mutex

	// onConnect runs on every fresh connection before the pumps start; its
	// frames are written directly to the connection.
	onConnect func(conn *websocket.Conn) error
}

func NewClient(hubURL, agentID, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		hubURL:  hubURL,
		agentID: agentID,
		token:   token,
		logger:  logger,
		send:    make(chan []byte, 256),
		Recv:    make(chan []byte, 256),
		done:    make(chan struct{}),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	c.connState.Store(stateDisconnected)
	return c
}

func (c *Client) OnConnect(fn func(conn *websocket.Conn) error) {
	c.onConnect = fn
}

func (c *Client) Start(ctx context.Context) {
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		c.connState.Store(stateConnecting)
		conn, err := c.connect(ctx)
		if err != nil {
			c.connState.Store(stateDisconnected)
			delay := c.backoffDelay(attempt)
			attempt++
			c.logger.Warn("connect hub failed", zap.Error(err), zap.Duration("retry_in", delay))
			if !c.sleepOrDone(ctx, delay) {
				return
			}
			continue
		}

		if c.onConnect != nil {
			if err := c.onConnect(conn); err != nil {
				c.logger.Warn("agent handshake failed", zap.Error(err))
				_ = conn.Close()
				if !c.sleepOrDone(ctx, c.backoffDelay(attempt)) {
					return
				}
				attempt++
				continue
			}
		}

		attempt = 0
		c.setConn(conn)
		c.connState.Store(stateConnected)
		c.logger.Info("connected to hub", zap.String("agent_id", c.agentID))

		err = c.serve(ctx, conn)
		c.connState.Store(stateDisconnected)
		c.setConn(nil)
		_ = conn.Close()
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("hub connection lost", zap.Error(err))
		}

		if !c.sleepOrDone(ctx, c.backoffDelay(attempt)) {
			return
		}
		attempt++
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := c.buildURL()
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	})
	return conn, nil
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	errCh := make(chan error, 2)
	go func() { errCh <- c.readPump(ctx, conn) }()
	go func() { errCh <- c.writePump(ctx, conn) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return context.Canceled
	case err := <-errCh:
		return err
	}
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))

		select {
		case c.Recv <- message:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return context.Canceled
		}
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.writeClose(conn)
			return ctx.Err()
		case <-c.done:
			_ = c.writeClose(conn)
			return context.Canceled
		case msg := <-c.send:
			if err := conn.SetWriteDeadline(time.Now().Add(clientWriteWait)); err != nil {
				return err
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return err
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(clientWriteWait)); err != nil {
				return err
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func (c *Client) Send(msg []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) IsConnected() bool {
	return c.connState.Load() == stateConnected
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	if conn := c.getConn(); conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 10 {
		attempt = 10
	}
	base := math.Min(float64(int64(1)<<uint(attempt)), maxBackoffSeconds)

	c.rndMu.Lock()
	jitter := base * 0.2 * (2*c.rnd.Float64() - 1)
	c.rndMu.Unlock()
	return time.Duration((base + jitter) * float64(time.Second))
}

func (c *Client) buildURL() (string, error) {
	parsed, err := url.Parse(c.hubURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}

	q := parsed.Query()
	q.Set("agent_id", c.agentID)
	q.Set("token", c.token)
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *Client) getConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) sleepOrDone(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	case <-timer.C:
		return true
	}
}

func (c *Client) writeClose(conn *websocket.Conn) error {
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
