package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"session-hub/internal/model"
)

var (
	ErrNotConnected = errors.New("account is not connected")
	ErrPoolStopped  = errors.New("session pool is stopped")
)

// FloodWaitError is the transport telling the caller to pause sending. It is
// a scheduled retry, not a failure.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("rate limited by transport, retry after %s", e.Wait)
}

// AsFloodWait extracts the backoff signal from err, if any.
func AsFloodWait(err error) (*FloodWaitError, bool) {
	var flood *FloodWaitError
	if errors.As(err, &flood) && flood != nil {
		return flood, true
	}
	return nil, false
}

type EventHandler func(event model.InboundEvent)

// AccountClient is one live connection to the messaging network.
type AccountClient interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	SendMessage(ctx context.Context, destination, text string, replyTo *int64) (*model.Message, error)
	GetChat(ctx context.Context, chatID string) (*model.ChatInfo, error)
	OnEvent(handler EventHandler)
}

// ClientFactory binds a new client to the account's credential.
type ClientFactory func(account *model.Account) (AccountClient, error)
