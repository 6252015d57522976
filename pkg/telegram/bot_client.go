package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"session-hub/internal/model"
	"session-hub/internal/session"
)

const (
	defaultAPIBase     = "https://api.telegram.org"
	defaultPollTimeout = 25 * time.Second
	maxPollBackoff     = 30 * time.Second
)

var (
	ErrUnauthorized = errors.New("telegram bot token rejected")
	ErrAPI          = errors.New("telegram api error")
)

type Config struct {
	APIBase     string        `mapstructure:"api_base"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
	HTTPClient  *http.Client  `mapstructure:"-"`
}

// BotClient is an AccountClient backed by the Bot API. Inbound events come
// from a getUpdates long poll that runs between Connect and Disconnect.
type BotClient struct {
	token       string
	apiBase     string
	pollTimeout time.Duration
	httpClient  *http.Client
	logger      *zap.Logger

	connected atomic.Bool
	username  atomic.Value

	mu      sync.Mutex
	handler session.EventHandler
	cancel  context.CancelFunc
	done    chan struct{}
	offset  int64
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters,omitempty"`
}

type apiUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type apiChat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

type apiMessage struct {
	MessageID int64    `json:"message_id"`
	Date      int64    `json:"date"`
	Chat      apiChat  `json:"chat"`
	From      *apiUser `json:"from,omitempty"`
	Text      string   `json:"text"`
}

type apiUpdate struct {
	UpdateID int64       `json:"update_id"`
	Message  *apiMessage `json:"message,omitempty"`
}

type sendMessageRequest struct {
	ChatID           string `json:"chat_id"`
	Text             string `json:"text"`
	ReplyToMessageID *int64 `json:"reply_to_message_id,omitempty"`
}

func NewBotClient(token string, cfg Config, logger *zap.Logger) *BotClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	apiBase := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.PollTimeout + 10*time.Second}
	}

	return &BotClient{
		token:       strings.TrimSpace(token),
		apiBase:     apiBase,
		pollTimeout: cfg.PollTimeout,
		httpClient:  client,
		logger:      logger,
	}
}

// NewFactory reads each account's bot token from the file its credential
// reference points at.
func NewFactory(cfg Config, logger *zap.Logger) session.ClientFactory {
	return func(account *model.Account) (session.AccountClient, error) {
		if account == nil {
			return nil, errors.New("account is nil")
		}
		// #nosec G304 -- credential paths come from the account registry.
		raw, err := os.ReadFile(account.CredentialRef)
		if err != nil {
			return nil, fmt.Errorf("read credential for %s: %w", account.ID, err)
		}
		token := strings.TrimSpace(string(raw))
		if token == "" {
			return nil, fmt.Errorf("credential for %s is empty", account.ID)
		}
		return NewBotClient(token, cfg, logger.With(zap.String("account_id", account.ID))), nil
	}
}

func (c *BotClient) Connect(ctx context.Context) error {
	if c.token == "" {
		return ErrUnauthorized
	}

	var me apiUser
	if err := c.call(ctx, "getMe", nil, &me); err != nil {
		return fmt.Errorf("getMe: %w", err)
	}
	c.username.Store(me.Username)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.connected.Store(true)
		return nil
	}
	pollCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.pollLoop(pollCtx, c.done)
	c.connected.Store(true)

	c.logger.Info("bot connected", zap.String("username", me.Username), zap.Int64("bot_id", me.ID))
	return nil
}

func (c *BotClient) Disconnect(ctx context.Context) error {
	c.connected.Store(false)

	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *BotClient) IsConnected() bool {
	return c.connected.Load()
}

func (c *BotClient) OnEvent(handler session.EventHandler) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

func (c *BotClient) SendMessage(ctx context.Context, destination, text string, replyTo *int64) (*model.Message, error) {
	if !c.IsConnected() {
		return nil, session.ErrNotConnected
	}
	if strings.TrimSpace(destination) == "" {
		return nil, errors.New("destination is required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("message is empty")
	}

	var sent apiMessage
	err := c.call(ctx, "sendMessage", sendMessageRequest{
		ChatID:           destination,
		Text:             text,
		ReplyToMessageID: replyTo,
	}, &sent)
	if err != nil {
		return nil, err
	}

	username, _ := c.username.Load().(string)
	return &model.Message{
		ID:          sent.MessageID,
		Destination: destination,
		Text:        text,
		ReplyToID:   replyTo,
		SentBy:      username,
		SentAt:      time.Unix(sent.Date, 0).UTC(),
	}, nil
}

func (c *BotClient) GetChat(ctx context.Context, chatID string) (*model.ChatInfo, error) {
	if !c.IsConnected() {
		return nil, session.ErrNotConnected
	}
	var chat apiChat
	if err := c.call(ctx, "getChat", map[string]string{"chat_id": chatID}, &chat); err != nil {
		return nil, err
	}
	return &model.ChatInfo{ID: strconv.FormatInt(chat.ID, 10), Title: chat.Title, Type: chat.Type}, nil
}

func (c *BotClient) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		updates, err := c.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := backoff
			if flood, ok := session.AsFloodWait(err); ok {
				wait = flood.Wait
			} else {
				backoff *= 2
				if backoff > maxPollBackoff {
					backoff = maxPollBackoff
				}
			}
			c.logger.Warn("getUpdates failed", zap.Duration("retry_in", wait), zap.Error(err))
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}
		backoff = time.Second

		for _, update := range updates {
			c.mu.Lock()
			if update.UpdateID >= c.offset {
				c.offset = update.UpdateID + 1
			}
			handler := c.handler
			c.mu.Unlock()

			if update.Message == nil || handler == nil {
				continue
			}
			handler(toInboundEvent(update.Message))
		}
	}
}

func (c *BotClient) getUpdates(ctx context.Context) ([]apiUpdate, error) {
	c.mu.Lock()
	offset := c.offset
	c.mu.Unlock()

	var updates []apiUpdate
	err := c.call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         int(c.pollTimeout / time.Second),
		"allowed_updates": []string{"message"},
	}, &updates)
	return updates, err
}

// toInboundEvent keys the event by chat and message so every account in the
// group sees the same event id.
func toInboundEvent(msg *apiMessage) model.InboundEvent {
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	event := model.InboundEvent{
		ID:         chatID + ":" + strconv.FormatInt(msg.MessageID, 10),
		GroupID:    chatID,
		Text:       msg.Text,
		ReceivedAt: time.Unix(msg.Date, 0).UTC(),
	}
	if msg.From != nil {
		event.SenderID = strconv.FormatInt(msg.From.ID, 10)
	}
	return event
}

func (c *BotClient) call(ctx context.Context, method string, payload any, out any) error {
	endpoint, err := url.Parse(fmt.Sprintf("%s/bot%s/%s", c.apiBase, url.PathEscape(c.token), method))
	if err != nil {
		return err
	}
	if !strings.EqualFold(endpoint.Scheme, "https") && !strings.EqualFold(endpoint.Scheme, "http") {
		return errors.New("invalid telegram api endpoint")
	}

	body := []byte("{}")
	if payload != nil {
		if body, err = json.Marshal(payload); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	// #nosec G107,G704 -- endpoint scheme is validated above.
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}

	if apiResp.Parameters != nil && apiResp.Parameters.RetryAfter > 0 {
		return &session.FloodWaitError{Wait: time.Duration(apiResp.Parameters.RetryAfter) * time.Second}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &session.FloodWaitError{Wait: time.Second}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode >= http.StatusBadRequest || !apiResp.OK {
		if apiResp.Description == "" {
			apiResp.Description = "request failed"
		}
		return fmt.Errorf("%w: %s: %s", ErrAPI, method, apiResp.Description)
	}

	if out == nil || len(apiResp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(apiResp.Result, out)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
