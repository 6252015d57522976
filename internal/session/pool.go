package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"session-hub/internal/audit"
	"session-hub/internal/event"
	"session-hub/internal/metrics"
	"session-hub/internal/model"
	"session-hub/internal/repository"
)

const (
	defaultConnectTimeout    = 30 * time.Second
	defaultDisconnectTimeout = 10 * time.Second
	persistTimeout           = 5 * time.Second
)

type Config struct {
	AllowedGroups     []string      `mapstructure:"allowed_groups"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	DisconnectTimeout time.Duration `mapstructure:"disconnect_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type LoadFilter struct {
	Roles    []string
	Statuses []model.AccountStatus
}

// InboundHandler receives events that passed the destination group filter.
type InboundHandler func(ctx context.Context, accountID string, event model.InboundEvent)

type AccountState struct {
	ID              string              `json:"id"`
	DisplayName     string              `json:"display_name"`
	Roles           []string            `json:"roles"`
	Status          model.AccountStatus `json:"status"`
	Connected       bool                `json:"connected"`
	LastHeartbeatAt *time.Time          `json:"last_heartbeat_at,omitempty"`
}

type managedAccount struct {
	account       *model.Account
	status        model.AccountStatus
	client        AccountClient
	cancel        context.CancelFunc
	done          chan struct{}
	lastHeartbeat *time.Time
}

func (m *managedAccount) running() bool {
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// Pool owns one supervised AccountClient per managed account.
type Pool struct {
	cfg      Config
	accounts repository.AccountRepository
	factory  ClientFactory
	recorder audit.Recorder
	bus      *event.Bus
	logger   *zap.Logger
	allowed  map[string]struct{}

	mu        sync.RWMutex
	managed   map[string]*managedAccount
	handler   InboundHandler
	runCtx    context.Context
	runCancel context.CancelFunc
	started   bool
	stopped   bool
}

func NewPool(
	cfg Config,
	accounts repository.AccountRepository,
	factory ClientFactory,
	recorder audit.Recorder,
	bus *event.Bus,
	logger *zap.Logger,
) *Pool {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = defaultDisconnectTimeout
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedGroups))
	for _, group := range cfg.AllowedGroups {
		if trimmed := strings.TrimSpace(group); trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}

	return &Pool{
		cfg:      cfg,
		accounts: accounts,
		factory:  factory,
		recorder: recorder,
		bus:      bus,
		logger:   logger,
		allowed:  allowed,
		managed:  make(map[string]*managedAccount),
	}
}

func (p *Pool) SetEventHandler(handler InboundHandler) {
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
}

// Load adds matching active accounts from the registry to the managed set.
func (p *Pool) Load(ctx context.Context, filter LoadFilter) ([]*model.Account, error) {
	if p.accounts == nil {
		return nil, errors.New("account repository is nil")
	}

	loaded, err := p.accounts.List(ctx, repository.AccountListFilter{
		Roles:      filter.Roles,
		Statuses:   filter.Statuses,
		ActiveOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, ErrPoolStopped
	}
	for _, account := range loaded {
		if account == nil {
			continue
		}
		if _, exists := p.managed[account.ID]; exists {
			continue
		}
		p.managed[account.ID] = &managedAccount{
			account: account,
			status:  model.AccountStatusOffline,
		}
	}

	p.logger.Info("session pool loaded accounts", zap.Int("loaded", len(loaded)), zap.Int("managed", len(p.managed)))
	return loaded, nil
}

// Start launches a supervised task per managed account. A failing account
// never blocks or aborts the others.
func (p *Pool) Start(ctx context.Context) error {
	if p.factory == nil {
		return errors.New("client factory is nil")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}
	if !p.started {
		p.runCtx, p.runCancel = context.WithCancel(context.WithoutCancel(ctx))
		p.started = true
	}

	spawned := 0
	for _, m := range p.managed {
		if m.running() {
			continue
		}
		p.spawnLocked(m)
		spawned++
	}

	p.logger.Info("session pool started", zap.Int("spawned", spawned))
	return nil
}

// Add brings a newly assigned account under management and starts it when
// the pool is running.
func (p *Pool) Add(ctx context.Context, account *model.Account) error {
	if account == nil || strings.TrimSpace(account.ID) == "" {
		return errors.New("account id is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}

	m, exists := p.managed[account.ID]
	if !exists {
		m = &managedAccount{account: account, status: model.AccountStatusOffline}
		p.managed[account.ID] = m
	}
	if p.started && !m.running() {
		p.spawnLocked(m)
	}
	return nil
}

// AddByID resolves the account from the registry before adding it.
func (p *Pool) AddByID(ctx context.Context, accountID string) error {
	if p.accounts == nil {
		return errors.New("account repository is nil")
	}
	account, err := p.accounts.FindByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("find account %s: %w", accountID, err)
	}
	if !account.Active {
		return nil
	}
	return p.Add(ctx, account)
}

// Stop ends every supervised task and waits for each disconnect up to the
// disconnect timeout. Tasks still running after that are abandoned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	managed := make([]*managedAccount, 0, len(p.managed))
	for _, m := range p.managed {
		managed = append(managed, m)
	}
	p.managed = make(map[string]*managedAccount)
	if p.runCancel != nil {
		p.runCancel()
	}
	p.mu.Unlock()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		abandoned []string
	)
	for _, m := range managed {
		if m.done == nil {
			continue
		}
		wg.Add(1)
		go func(m *managedAccount) {
			defer wg.Done()

			timer := time.NewTimer(p.cfg.DisconnectTimeout)
			defer timer.Stop()

			select {
			case <-m.done:
				return
			case <-timer.C:
			case <-ctx.Done():
			}

			mu.Lock()
			abandoned = append(abandoned, m.account.ID)
			mu.Unlock()
		}(m)
	}
	wg.Wait()

	metrics.SetAccountsOnline(0)
	if len(abandoned) == 0 {
		p.logger.Info("session pool stopped", zap.Int("accounts", len(managed)))
		return nil
	}

	sort.Strings(abandoned)
	for _, accountID := range abandoned {
		p.logger.Warn("account did not disconnect in time, abandoning", zap.String("account_id", accountID))
		p.persistStatus(accountID, model.AccountStatusOffline)
	}
	return fmt.Errorf("%d accounts did not disconnect within %s: %s",
		len(abandoned), p.cfg.DisconnectTimeout, strings.Join(abandoned, ","))
}

// GetClient returns the live client, or nil unless the account is ONLINE and
// its connection is up.
func (p *Pool) GetClient(accountID string) AccountClient {
	p.mu.RLock()
	defer p.mu.RUnlock()

	m, ok := p.managed[accountID]
	if !ok || m.client == nil || m.status != model.AccountStatusOnline {
		return nil
	}
	if !m.client.IsConnected() {
		return nil
	}
	return m.client
}

func (p *Pool) Status(accountID string) (model.AccountStatus, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	m, ok := p.managed[accountID]
	if !ok {
		return "", false
	}
	return m.status, true
}

func (p *Pool) Accounts() []AccountState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]AccountState, 0, len(p.managed))
	for _, m := range p.managed {
		out = append(out, AccountState{
			ID:              m.account.ID,
			DisplayName:     m.account.DisplayName,
			Roles:           append([]string(nil), m.account.Roles...),
			Status:          m.status,
			Connected:       m.client != nil && m.client.IsConnected(),
			LastHeartbeatAt: m.lastHeartbeat,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Pool) OnlineAccounts() []AccountState {
	all := p.Accounts()
	online := make([]AccountState, 0, len(all))
	for _, state := range all {
		if state.Status == model.AccountStatusOnline {
			online = append(online, state)
		}
	}
	return online
}

// Heartbeat refreshes the heartbeat of connected accounts, flags dropped
// connections as ERROR and restarts accounts whose task has ended.
func (p *Pool) Heartbeat(ctx context.Context) error {
	now := time.Now().UTC()

	p.mu.Lock()
	if p.stopped || !p.started {
		p.mu.Unlock()
		return nil
	}
	alive := make([]*managedAccount, 0, len(p.managed))
	dropped := make([]*managedAccount, 0)
	restarted := 0
	for _, m := range p.managed {
		switch {
		case m.status == model.AccountStatusOnline && m.client != nil && m.client.IsConnected():
			m.lastHeartbeat = &now
			alive = append(alive, m)
		case m.status == model.AccountStatusOnline:
			dropped = append(dropped, m)
		case !m.running():
			p.spawnLocked(m)
			restarted++
		}
	}
	p.mu.Unlock()

	var errs []error
	for _, m := range alive {
		if p.accounts == nil {
			break
		}
		if err := p.accounts.TouchHeartbeat(ctx, m.account.ID, now); err != nil && !errors.Is(err, repository.ErrNotFound) {
			errs = append(errs, fmt.Errorf("heartbeat %s: %w", m.account.ID, err))
		}
	}
	for _, m := range dropped {
		p.logger.Warn("account connection dropped", zap.String("account_id", m.account.ID))
		p.transition(m, model.AccountStatusError, errors.New("connection lost"))
		p.mu.RLock()
		cancel := m.cancel
		p.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
	}

	if restarted > 0 {
		p.logger.Info("restarted idle accounts", zap.Int("count", restarted))
	}
	return errors.Join(errs...)
}

func (p *Pool) spawnLocked(m *managedAccount) {
	ctx, cancel := context.WithCancel(p.runCtx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go p.supervise(ctx, m, m.done)
}

func (p *Pool) supervise(ctx context.Context, m *managedAccount, done chan struct{}) {
	defer close(done)
	accountID := m.account.ID
	logger := p.logger.With(zap.String("account_id", accountID))

	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("account task panic recovered", zap.Any("panic", recovered))
			p.clearClient(m)
			p.transition(m, model.AccountStatusError, fmt.Errorf("panic: %v", recovered))
		}
	}()

	if !p.transition(m, model.AccountStatusConnecting, nil) {
		return
	}

	client, err := p.factory(m.account)
	if err != nil {
		logger.Error("create account client failed", zap.Error(err))
		p.transition(m, model.AccountStatusError, err)
		return
	}
	client.OnEvent(func(inbound model.InboundEvent) {
		p.deliver(ctx, accountID, inbound)
	})

	connectCtx, cancelConnect := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	err = client.Connect(connectCtx)
	cancelConnect()
	if err != nil {
		if ctx.Err() != nil {
			p.disconnect(logger, client)
			p.transition(m, model.AccountStatusOffline, nil)
			return
		}
		logger.Error("account connect failed", zap.Error(err))
		p.disconnect(logger, client)
		p.transition(m, model.AccountStatusError, err)
		return
	}

	now := time.Now().UTC()
	p.mu.Lock()
	m.client = client
	m.lastHeartbeat = &now
	p.mu.Unlock()

	if !p.transition(m, model.AccountStatusOnline, nil) {
		p.clearClient(m)
		p.disconnect(logger, client)
		return
	}
	if p.accounts != nil {
		persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := p.accounts.TouchHeartbeat(persistCtx, accountID, now); err != nil && !errors.Is(err, repository.ErrNotFound) {
			logger.Warn("record heartbeat failed", zap.Error(err))
		}
		cancel()
	}
	logger.Info("account online")

	<-ctx.Done()

	p.clearClient(m)
	p.disconnect(logger, client)
	p.transition(m, model.AccountStatusOffline, nil)
	logger.Info("account offline")
}

func (p *Pool) clearClient(m *managedAccount) {
	p.mu.Lock()
	m.client = nil
	p.mu.Unlock()
}

func (p *Pool) disconnect(logger *zap.Logger, client AccountClient) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DisconnectTimeout)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		logger.Warn("account disconnect failed", zap.Error(err))
	}
}

func (p *Pool) deliver(ctx context.Context, accountID string, inbound model.InboundEvent) {
	if len(p.allowed) > 0 {
		if _, ok := p.allowed[inbound.GroupID]; !ok {
			return
		}
	}

	p.mu.RLock()
	handler := p.handler
	p.mu.RUnlock()
	if handler == nil {
		return
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			p.logger.Error("inbound handler panic recovered",
				zap.String("account_id", accountID),
				zap.String("group_id", inbound.GroupID),
				zap.Any("panic", recovered),
			)
		}
	}()
	handler(ctx, accountID, inbound)
}

// transition applies a lifecycle step and reports whether it was allowed.
func (p *Pool) transition(m *managedAccount, next model.AccountStatus, cause error) bool {
	p.mu.Lock()
	current := m.status
	if !current.CanTransition(next) {
		p.mu.Unlock()
		p.logger.Debug("skip invalid account status transition",
			zap.String("account_id", m.account.ID),
			zap.String("from", string(current)),
			zap.String("to", string(next)),
		)
		return false
	}
	m.status = next
	m.account.Status = next
	online := 0
	for _, item := range p.managed {
		if item.status == model.AccountStatusOnline {
			online++
		}
	}
	p.mu.Unlock()

	metrics.SetAccountsOnline(online)
	metrics.IncAccountStatus(string(next))
	p.persistStatus(m.account.ID, next)

	detail := map[string]interface{}{
		"from": string(current),
		"to":   string(next),
	}
	if cause != nil {
		detail["error"] = cause.Error()
	}
	p.recorder.Record(context.Background(), &model.AccountEvent{
		AccountID: m.account.ID,
		EventType: model.AccountEventStatus,
		Success:   next != model.AccountStatusError,
		Detail:    detail,
	})
	p.bus.Publish(event.EventAccountStatus, event.AccountStatusPayload{
		AccountID: m.account.ID,
		Status:    string(next),
		Timestamp: time.Now().UTC(),
	})
	return true
}

func (p *Pool) persistStatus(accountID string, status model.AccountStatus) {
	if p.accounts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := p.accounts.UpdateStatus(ctx, accountID, status); err != nil && !errors.Is(err, repository.ErrNotFound) {
		p.logger.Warn("persist account status failed",
			zap.String("account_id", accountID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}
