package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"session-hub/internal/audit"
	"session-hub/internal/metrics"
	"session-hub/internal/model"
	"session-hub/internal/ratelimit"
	"session-hub/internal/session"
)

const (
	defaultMaxAttempts  = 3
	defaultRetryBackoff = time.Second
	defaultSendTimeout  = 30 * time.Second
)

var (
	ErrNoCandidates     = errors.New("no candidate accounts for destination")
	ErrRetriesExhausted = errors.New("send retries exhausted")
	ErrEmptyMessage     = errors.New("message text is empty")
)

type Config struct {
	Strategy          Strategy            `mapstructure:"strategy"`
	MaxAttempts       int                 `mapstructure:"max_attempts"`
	RetryBackoff      time.Duration       `mapstructure:"retry_backoff"`
	SendTimeout       time.Duration       `mapstructure:"send_timeout"`
	DefaultCandidates []string            `mapstructure:"default_candidates"`
	Candidates        map[string][]string `mapstructure:"candidates"`
	Weights           map[string]int      `mapstructure:"weights"`
	PriorityAccounts  []string            `mapstructure:"priority_accounts"`
	AccountLimit      ratelimit.Config    `mapstructure:"account_limit"`
	GroupLimit        ratelimit.Config    `mapstructure:"group_limit"`
}

// ClientProvider is satisfied by the session pool.
type ClientProvider interface {
	GetClient(accountID string) session.AccountClient
}

type SleepFunc func(ctx context.Context, d time.Duration) error

type Option func(*Manager)

func WithSleep(sleep SleepFunc) Option {
	return func(m *Manager) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

func WithLimiters(accounts, groups *ratelimit.Registry) Option {
	return func(m *Manager) {
		if accounts != nil {
			m.accountLimits = accounts
		}
		if groups != nil {
			m.groupLimits = groups
		}
	}
}

func WithRand(rnd *rand.Rand) Option {
	return func(m *Manager) {
		if rnd != nil {
			m.rnd = &lockedRand{rnd: rnd}
		}
	}
}

type Manager struct {
	cfg           Config
	clients       ClientProvider
	recorder      audit.Recorder
	logger        *zap.Logger
	sleep         SleepFunc
	rnd           randSource
	accountLimits *ratelimit.Registry
	groupLimits   *ratelimit.Registry

	mu         sync.RWMutex
	candidates map[string][]string
	selectors  map[string]Selector
}

func NewManager(cfg Config, clients ClientProvider, recorder audit.Recorder, logger *zap.Logger, opts ...Option) *Manager {
	if !cfg.Strategy.Valid() {
		cfg.Strategy = StrategyRoundRobin
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		cfg:           cfg,
		clients:       clients,
		recorder:      recorder,
		logger:        logger,
		sleep:         sleepContext,
		rnd:           &lockedRand{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}, // #nosec G404 -- selection fairness, not security.
		accountLimits: ratelimit.NewRegistry(cfg.AccountLimit),
		groupLimits:   ratelimit.NewRegistry(cfg.GroupLimit),
		candidates:    make(map[string][]string),
		selectors:     make(map[string]Selector),
	}
	for _, opt := range opts {
		opt(m)
	}
	for destination, ids := range cfg.Candidates {
		m.SetCandidates(destination, ids)
	}
	return m
}

func (m *Manager) Strategy() Strategy {
	return m.cfg.Strategy
}

// SetCandidates replaces the ordered candidate list for destination.
func (m *Manager) SetCandidates(destination string, accountIDs []string) {
	key := strings.TrimSpace(destination)
	if key == "" {
		return
	}

	cleaned := make([]string, 0, len(accountIDs))
	seen := make(map[string]struct{}, len(accountIDs))
	for _, id := range accountIDs {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		cleaned = append(cleaned, trimmed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(cleaned) == 0 {
		delete(m.candidates, key)
		return
	}
	m.candidates[key] = cleaned
}

func (m *Manager) Candidates(destination string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.candidatesLocked(strings.TrimSpace(destination))...)
}

func (m *Manager) candidatesLocked(destination string) []string {
	if ids, ok := m.candidates[destination]; ok {
		return ids
	}
	return m.cfg.DefaultCandidates
}

// SelectAccount applies the configured strategy to the destination's
// candidates.
func (m *Manager) SelectAccount(destination string) (string, error) {
	key := strings.TrimSpace(destination)

	m.mu.Lock()
	candidates := m.candidatesLocked(key)
	selector, ok := m.selectors[key]
	if !ok {
		selector = m.newSelector()
		m.selectors[key] = selector
	}
	m.mu.Unlock()

	accountID, ok := selector.Select(candidates)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoCandidates, key)
	}
	return accountID, nil
}

func (m *Manager) newSelector() Selector {
	switch m.cfg.Strategy {
	case StrategyWeighted:
		return NewWeightedSelector(m.cfg.Weights, m.rnd)
	case StrategyHostPriority:
		return NewHostPrioritySelector(m.cfg.PriorityAccounts, m.rnd)
	default:
		return &RoundRobinSelector{}
	}
}

// SendMessage selects an account and sends text to destination under the
// account and destination rate limits. Transport backoff signals are honored
// with exactly the signaled wait; other transport errors back off for the
// retry interval. Both share the attempt ceiling.
func (m *Manager) SendMessage(ctx context.Context, destination, text string, replyTo *int64) (*model.Message, error) {
	destination = strings.TrimSpace(destination)
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	accountID, err := m.SelectAccount(destination)
	if err != nil {
		return nil, err
	}

	dispatchID := uuid.NewString()
	logger := m.logger.With(
		zap.String("dispatch_id", dispatchID),
		zap.String("account_id", accountID),
		zap.String("destination", destination),
	)

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		if err := m.admit(ctx, accountID, destination); err != nil {
			return nil, err
		}

		client := m.clientFor(accountID)
		if client == nil {
			m.recordAttempt(accountID, destination, dispatchID, attempt, nil, session.ErrNotConnected)
			metrics.IncDispatchAttempt("not_connected")
			logger.Warn("dispatch account not connected")
			return nil, fmt.Errorf("%w: %s", session.ErrNotConnected, accountID)
		}

		sendCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
		msg, sendErr := client.SendMessage(sendCtx, destination, text, replyTo)
		cancel()

		m.recordAttempt(accountID, destination, dispatchID, attempt, msg, sendErr)
		if sendErr == nil {
			metrics.IncDispatchAttempt("success")
			if msg != nil && msg.SentBy == "" {
				msg.SentBy = accountID
			}
			logger.Info("message dispatched", zap.Int("attempt", attempt))
			return msg, nil
		}
		lastErr = sendErr

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		wait := m.cfg.RetryBackoff
		if flood, ok := session.AsFloodWait(sendErr); ok {
			metrics.IncDispatchAttempt("flood_wait")
			wait = flood.Wait
			logger.Warn("transport requested backoff",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
			)
		} else {
			metrics.IncDispatchAttempt("error")
			logger.Warn("send attempt failed", zap.Int("attempt", attempt), zap.Error(sendErr))
		}

		if attempt == m.cfg.MaxAttempts {
			break
		}
		if err := m.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	logger.Error("dispatch gave up", zap.Int("attempts", m.cfg.MaxAttempts), zap.Error(lastErr))
	return nil, fmt.Errorf("%w: account %s after %d attempts: %w", ErrRetriesExhausted, accountID, m.cfg.MaxAttempts, lastErr)
}

func (m *Manager) admit(ctx context.Context, accountID, destination string) error {
	waited, err := m.accountLimits.Get(accountID).Acquire(ctx)
	metrics.ObserveRateLimitWait("account", waited)
	if err != nil {
		return fmt.Errorf("account rate limit: %w", err)
	}

	waited, err = m.groupLimits.Get(destination).Acquire(ctx)
	metrics.ObserveRateLimitWait("group", waited)
	if err != nil {
		return fmt.Errorf("destination rate limit: %w", err)
	}
	return nil
}

func (m *Manager) clientFor(accountID string) session.AccountClient {
	if m.clients == nil {
		return nil
	}
	return m.clients.GetClient(accountID)
}

func (m *Manager) recordAttempt(accountID, destination, dispatchID string, attempt int, msg *model.Message, err error) {
	dest := destination
	detail := map[string]interface{}{
		"dispatch_id": dispatchID,
		"attempt":     attempt,
	}
	if msg != nil {
		detail["message_id"] = msg.ID
	}
	if err != nil {
		detail["error"] = err.Error()
		if flood, ok := session.AsFloodWait(err); ok {
			detail["flood_wait_seconds"] = flood.Wait.Seconds()
		}
	}

	m.recorder.Record(context.Background(), &model.AccountEvent{
		AccountID:   accountID,
		EventType:   model.AccountEventSendAttempt,
		Destination: &dest,
		Success:     err == nil,
		Detail:      detail,
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
