package fleet

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
	defaultRebalanceThreshold = 20
	defaultMaxMigrations      = 10
	defaultFailureThreshold   = 3
	defaultCheckInterval      = 60
)

type FaultRecoveryPolicy struct {
	Enabled              bool `mapstructure:"enabled" json:"enabled"`
	CheckIntervalSeconds int  `mapstructure:"check_interval_seconds" json:"check_interval_seconds"`
	// FailureThreshold is inclusive: the poll that brings a node's
	// consecutive failures up to this count fails the node.
	FailureThreshold int `mapstructure:"failure_threshold" json:"failure_threshold"`
	// MaxMigrations caps one evacuation pass; leftovers move on later checks.
	MaxMigrations int `mapstructure:"max_migrations" json:"max_migrations"`
}

type RebalancePolicy struct {
	// Schedule is a cron spec; empty disables the periodic rebalance.
	Schedule         string  `mapstructure:"schedule" json:"schedule"`
	ThresholdPercent float64 `mapstructure:"threshold_percent" json:"threshold_percent"`
	MaxMigrations    int     `mapstructure:"max_migrations" json:"max_migrations"`
}

type PolicyConfig struct {
	DefaultStrategy       model.AllocationStrategy            `mapstructure:"default_strategy" json:"default_strategy"`
	AccountTypeStrategies map[string]model.AllocationStrategy `mapstructure:"account_type_strategies" json:"account_type_strategies"`
	FaultRecovery         FaultRecoveryPolicy                 `mapstructure:"fault_recovery" json:"fault_recovery"`
	Rebalance             RebalancePolicy                     `mapstructure:"rebalance" json:"rebalance"`
}

func (p PolicyConfig) withDefaults() PolicyConfig {
	if p.DefaultStrategy == "" {
		p.DefaultStrategy = model.StrategyLoadBalance
	}
	if p.FaultRecovery.CheckIntervalSeconds <= 0 {
		p.FaultRecovery.CheckIntervalSeconds = defaultCheckInterval
	}
	if p.FaultRecovery.FailureThreshold <= 0 {
		p.FaultRecovery.FailureThreshold = defaultFailureThreshold
	}
	if p.FaultRecovery.MaxMigrations <= 0 {
		p.FaultRecovery.MaxMigrations = defaultMaxMigrations
	}
	if p.Rebalance.ThresholdPercent <= 0 {
		p.Rebalance.ThresholdPercent = defaultRebalanceThreshold
	}
	if p.Rebalance.MaxMigrations <= 0 {
		p.Rebalance.MaxMigrations = defaultMaxMigrations
	}
	return p
}

// Validate checks every configured strategy name.
func (p PolicyConfig) Validate() error {
	if p.DefaultStrategy != "" && !p.DefaultStrategy.Valid() {
		return fmt.Errorf("%w: default %q", ErrInvalidStrategy, p.DefaultStrategy)
	}
	for accountType, strategy := range p.AccountTypeStrategies {
		if !strategy.Valid() {
			return fmt.Errorf("%w: account type %s uses %q", ErrInvalidStrategy, accountType, strategy)
		}
	}
	return nil
}

// MetricsSource is the view of the fleet the allocator works from.
type MetricsSource interface {
	Poll(ctx context.Context) ([]model.ServerMetrics, error)
	Node(nodeID string) (model.ServerNode, bool)
}

type AllocationRequest struct {
	AccountID     string                   `json:"account_id"`
	CredentialRef string                   `json:"credential_ref"`
	DisplayName   string                   `json:"display_name,omitempty"`
	Roles         []string                 `json:"roles,omitempty"`
	Strategy      model.AllocationStrategy `json:"strategy,omitempty"`
	ScriptID      string                   `json:"script_id,omitempty"`
	Location      string                   `json:"location,omitempty"`
	AccountType   string                   `json:"account_type,omitempty"`
}

type AllocationResult struct {
	AccountID  string                   `json:"account_id"`
	ServerID   string                   `json:"server_id"`
	Strategy   model.AllocationStrategy `json:"strategy"`
	LoadScore  float64                  `json:"load_score"`
	RemotePath string                   `json:"remote_path"`
	Record     *model.AllocationRecord  `json:"record"`
}

type MigrationOutcome struct {
	AccountID  string `json:"account_id"`
	FromServer string `json:"from_server"`
	ToServer   string `json:"to_server,omitempty"`
	Error      string `json:"error,omitempty"`
}

type RebalanceResult struct {
	Success      bool               `json:"success"`
	Balanced     bool               `json:"balanced"`
	Message      string             `json:"message"`
	SourceServer string             `json:"source_server,omitempty"`
	TargetServer string             `json:"target_server,omitempty"`
	Spread       float64            `json:"spread"`
	Migrated     []MigrationOutcome `json:"migrated"`
	Failed       []MigrationOutcome `json:"failed"`
	// Remaining counts active accounts still on the source after an
	// evacuation, including those beyond the migration cap.
	Remaining int `json:"remaining"`
}

type migrationPlan struct {
	account *model.Account
	target  model.ServerNode
	score   float64
	reason  string
}

// Allocator places accounts on worker nodes and moves them between nodes.
// All writes for one account are serialised by a per-account mutex.
type Allocator struct {
	policy      PolicyConfig
	monitor     MetricsSource
	balancer    *LoadBalancer
	placer      CredentialPlacer
	accounts    repository.AccountRepository
	allocations repository.AllocationRepository
	recorder    audit.Recorder
	bus         *event.Bus
	logger      *zap.Logger

	accountLocks sync.Map
}

func NewAllocator(
	policy PolicyConfig,
	monitor MetricsSource,
	balancer *LoadBalancer,
	placer CredentialPlacer,
	accounts repository.AccountRepository,
	allocations repository.AllocationRepository,
	recorder audit.Recorder,
	bus *event.Bus,
	logger *zap.Logger,
) *Allocator {
	if balancer == nil {
		balancer = NewLoadBalancer(DefaultScoreWeights(), 0)
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Allocator{
		policy:      policy.withDefaults(),
		monitor:     monitor,
		balancer:    balancer,
		placer:      placer,
		accounts:    accounts,
		allocations: allocations,
		recorder:    recorder,
		bus:         bus,
		logger:      logger,
	}
}

func (a *Allocator) Policy() PolicyConfig {
	return a.policy
}

// ResolveStrategy picks the explicit strategy, then the account type's, then
// the default.
func (a *Allocator) ResolveStrategy(explicit model.AllocationStrategy, accountType string) model.AllocationStrategy {
	if explicit != "" {
		return explicit
	}
	if strategy, ok := a.policy.AccountTypeStrategies[strings.TrimSpace(accountType)]; ok && strategy != "" {
		return strategy
	}
	return a.policy.DefaultStrategy
}

// AllocateAccount assigns an account that has no server yet.
func (a *Allocator) AllocateAccount(ctx context.Context, req AllocationRequest) (*AllocationResult, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return nil, errors.New("account id is required")
	}
	if strings.TrimSpace(req.CredentialRef) == "" {
		return nil, errors.New("credential reference is required")
	}

	unlock := a.lockAccount(accountID)
	defer unlock()

	current, err := a.allocations.Current(ctx, accountID)
	if err == nil && current != nil {
		metrics.IncAllocation(string(req.Strategy), "already_assigned")
		return nil, fmt.Errorf("%w: %s is on %s", ErrAlreadyAssigned, accountID, current.ServerID)
	}
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("load current assignment: %w", err)
	}

	strategy := a.ResolveStrategy(req.Strategy, req.AccountType)
	selector, err := NewSelector(strategy)
	if err != nil {
		return nil, err
	}

	servers, err := a.monitor.Poll(ctx)
	if err != nil {
		return nil, fmt.Errorf("poll servers: %w", err)
	}
	if !anyReachable(servers) {
		metrics.IncAllocation(string(strategy), "no_available_servers")
		return nil, ErrNoAvailableServers
	}

	selection := SelectionRequest{AccountLocation: req.Location, ScriptID: req.ScriptID}
	if req.ScriptID != "" && (strategy == model.StrategyAffinity || strategy == model.StrategyIsolation) {
		scripts, err := a.accounts.ScriptsByServer(ctx)
		if err != nil {
			return nil, fmt.Errorf("load server scripts: %w", err)
		}
		selection.ServerScripts = scripts
	}

	best, ok := a.balancer.SelectBestServer(servers, selector, selection)
	if !ok {
		metrics.IncAllocation(string(strategy), "no_capacity")
		return nil, ErrNoCapacity
	}
	node, ok := a.monitor.Node(best.Metrics.NodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, best.Metrics.NodeID)
	}

	account := &model.Account{
		ID:            accountID,
		DisplayName:   req.DisplayName,
		Roles:         req.Roles,
		CredentialRef: req.CredentialRef,
		AccountType:   req.AccountType,
		ScriptID:      optionalString(req.ScriptID),
		Location:      optionalString(req.Location),
		Active:        true,
	}
	if err := a.accounts.Register(ctx, account); err != nil {
		return nil, fmt.Errorf("register account: %w", err)
	}

	remotePath, err := a.placer.PlaceCredential(ctx, req.CredentialRef, node, accountID)
	if err != nil {
		if !errors.Is(err, ErrTransferFailed) {
			err = fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
		metrics.IncAllocation(string(strategy), "transfer_failed")
		a.recordAllocation(ctx, accountID, node.ID, string(strategy), false, err)
		a.logger.Warn("allocate account: credential placement failed",
			zap.String("account_id", accountID), zap.String("node_id", node.ID),
			zap.String("strategy", string(strategy)), zap.Error(err))
		return nil, err
	}

	record := &model.AllocationRecord{
		AccountID:      accountID,
		ServerID:       node.ID,
		AllocationType: model.AllocationInitial,
		LoadScore:      best.Score.TotalScore,
		Strategy:       strategy,
		Reason:         fmt.Sprintf("initial allocation via %s", strategy),
	}
	if err := a.allocations.Assign(ctx, record, nil); err != nil {
		if errors.Is(err, repository.ErrAssignmentConflict) {
			metrics.IncAllocation(string(strategy), "already_assigned")
			return nil, fmt.Errorf("%w: %s", ErrAlreadyAssigned, accountID)
		}
		return nil, fmt.Errorf("write allocation: %w", err)
	}

	metrics.IncAllocation(string(strategy), "success")
	a.recordAllocation(ctx, accountID, node.ID, string(strategy), true, nil)
	a.bus.Publish(event.EventAccountAssigned, event.AccountAssignedPayload{
		AccountID:      accountID,
		ServerID:       node.ID,
		AllocationType: string(model.AllocationInitial),
	})
	a.logger.Info("account allocated",
		zap.String("account_id", accountID),
		zap.String("node_id", node.ID),
		zap.String("strategy", string(strategy)),
		zap.Float64("load_score", best.Score.TotalScore))

	return &AllocationResult{
		AccountID:  accountID,
		ServerID:   node.ID,
		Strategy:   strategy,
		LoadScore:  best.Score.TotalScore,
		RemotePath: remotePath,
		Record:     record,
	}, nil
}

// RebalanceAccounts moves active accounts from the busiest reachable node to
// the least busy one when their scores differ by at least thresholdPercent
// points. Failed migrations are reported and leave the account in place.
func (a *Allocator) RebalanceAccounts(ctx context.Context, thresholdPercent float64, maxMigrations int) (*RebalanceResult, error) {
	if thresholdPercent <= 0 {
		thresholdPercent = a.policy.Rebalance.ThresholdPercent
	}
	if maxMigrations <= 0 {
		maxMigrations = a.policy.Rebalance.MaxMigrations
	}

	servers, err := a.monitor.Poll(ctx)
	if err != nil {
		return nil, fmt.Errorf("poll servers: %w", err)
	}

	scored := make([]ScoredServer, 0, len(servers))
	for _, server := range servers {
		if server.Status != model.ServerStatusOnline || server.Quarantined {
			continue
		}
		scored = append(scored, ScoredServer{Metrics: server, Score: a.balancer.CalculateLoadScore(server)})
	}
	if len(scored) < 2 {
		return nil, ErrInsufficientServers
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score.TotalScore != scored[j].Score.TotalScore {
			return scored[i].Score.TotalScore < scored[j].Score.TotalScore
		}
		return scored[i].Metrics.NodeID < scored[j].Metrics.NodeID
	})

	low, high := scored[0], scored[len(scored)-1]
	result := &RebalanceResult{
		SourceServer: high.Metrics.NodeID,
		TargetServer: low.Metrics.NodeID,
		Spread:       round2(high.Score.TotalScore - low.Score.TotalScore),
		Migrated:     []MigrationOutcome{},
		Failed:       []MigrationOutcome{},
	}
	if result.Spread < thresholdPercent {
		result.Success = true
		result.Balanced = true
		result.Message = "balanced, no action"
		return result, nil
	}

	room := low.Metrics.MaxAccounts - low.Metrics.CurrentAccounts
	if room <= 0 {
		result.Success = true
		result.Message = fmt.Sprintf("target %s has no spare capacity", low.Metrics.NodeID)
		return result, nil
	}
	if maxMigrations > room {
		maxMigrations = room
	}

	target, ok := a.monitor.Node(low.Metrics.NodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, low.Metrics.NodeID)
	}

	source := high.Metrics.NodeID
	candidates, err := a.accounts.List(ctx, repository.AccountListFilter{ServerID: &source, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list accounts on %s: %w", source, err)
	}

	plans := make([]migrationPlan, 0, maxMigrations)
	for _, account := range candidates {
		if len(plans) >= maxMigrations {
			break
		}
		plans = append(plans, migrationPlan{
			account: account,
			target:  target,
			score:   low.Score.TotalScore,
			reason:  fmt.Sprintf("rebalance %s -> %s (spread %.2f)", source, target.ID, result.Spread),
		})
	}

	if err := a.migrate(ctx, source, plans, result); err != nil {
		return result, err
	}
	result.Success = len(result.Failed) == 0
	result.Message = fmt.Sprintf("migrated %d, failed %d", len(result.Migrated), len(result.Failed))
	return result, nil
}

// EvacuateServer moves up to maxMigrations active accounts off serverID, each
// to the best remaining node at the time it is planned.
func (a *Allocator) EvacuateServer(ctx context.Context, serverID string, maxMigrations int) (*RebalanceResult, error) {
	if _, ok := a.monitor.Node(serverID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}
	if maxMigrations <= 0 {
		maxMigrations = a.policy.FaultRecovery.MaxMigrations
	}

	servers, err := a.monitor.Poll(ctx)
	if err != nil {
		return nil, fmt.Errorf("poll servers: %w", err)
	}

	targets := make([]model.ServerMetrics, 0, len(servers))
	for _, server := range servers {
		if server.NodeID != serverID {
			targets = append(targets, server)
		}
	}

	candidates, err := a.accounts.List(ctx, repository.AccountListFilter{ServerID: &serverID, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list accounts on %s: %w", serverID, err)
	}

	result := &RebalanceResult{
		SourceServer: serverID,
		Migrated:     []MigrationOutcome{},
		Failed:       []MigrationOutcome{},
	}

	plans := make([]migrationPlan, 0, len(candidates))
	for _, account := range candidates {
		if len(plans) >= maxMigrations {
			break
		}
		best, ok := a.balancer.SelectBestServer(targets, LoadBalanceSelector{}, SelectionRequest{})
		if !ok {
			result.Failed = append(result.Failed, MigrationOutcome{
				AccountID:  account.ID,
				FromServer: serverID,
				Error:      ErrNoCapacity.Error(),
			})
			continue
		}
		node, ok := a.monitor.Node(best.Metrics.NodeID)
		if !ok {
			continue
		}
		plans = append(plans, migrationPlan{
			account: account,
			target:  node,
			score:   best.Score.TotalScore,
			reason:  fmt.Sprintf("evacuate %s -> %s", serverID, node.ID),
		})
		for idx := range targets {
			if targets[idx].NodeID == node.ID {
				targets[idx].CurrentAccounts++
			}
		}
	}

	if err := a.migrate(ctx, serverID, plans, result); err != nil {
		result.Remaining = len(candidates) - len(result.Migrated)
		return result, err
	}

	left, err := a.accounts.List(ctx, repository.AccountListFilter{ServerID: &serverID, ActiveOnly: true})
	if err != nil {
		a.logger.Warn("recount evacuated server failed", zap.String("server_id", serverID), zap.Error(err))
		result.Remaining = len(candidates) - len(result.Migrated)
	} else {
		result.Remaining = len(left)
	}
	result.Success = len(result.Failed) == 0 && result.Remaining == 0
	result.Message = fmt.Sprintf("evacuated %d, failed %d, remaining %d", len(result.Migrated), len(result.Failed), result.Remaining)
	return result, nil
}

// ReassignAccount moves one account to serverID on operator request.
func (a *Allocator) ReassignAccount(ctx context.Context, accountID, serverID, reason string) (*AllocationResult, error) {
	accountID = strings.TrimSpace(accountID)
	node, ok := a.monitor.Node(serverID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}

	unlock := a.lockAccount(accountID)
	defer unlock()

	account, err := a.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", accountID, err)
	}

	var previous *string
	current, err := a.allocations.Current(ctx, accountID)
	switch {
	case err == nil && current != nil:
		if current.ServerID == serverID {
			return nil, fmt.Errorf("%w: %s is already on %s", ErrAlreadyAssigned, accountID, serverID)
		}
		previous = &current.ServerID
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("load current assignment: %w", err)
	}

	servers, err := a.monitor.Poll(ctx)
	if err != nil {
		return nil, fmt.Errorf("poll servers: %w", err)
	}
	var targetMetrics *model.ServerMetrics
	for idx := range servers {
		if servers[idx].NodeID == serverID {
			targetMetrics = &servers[idx]
			break
		}
	}
	if targetMetrics == nil || targetMetrics.Status != model.ServerStatusOnline {
		return nil, fmt.Errorf("%w: %s", ErrNodeUnreachable, serverID)
	}
	if !targetMetrics.Allocatable() {
		return nil, fmt.Errorf("%w: %s", ErrNoCapacity, serverID)
	}
	score := a.balancer.CalculateLoadScore(*targetMetrics).TotalScore

	remotePath, err := a.placer.PlaceCredential(ctx, account.CredentialRef, node, accountID)
	if err != nil {
		if !errors.Is(err, ErrTransferFailed) {
			err = fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
		a.recordMigration(ctx, accountID, previous, node.ID, false, err)
		return nil, err
	}

	if strings.TrimSpace(reason) == "" {
		reason = "manual reassignment"
	}
	record := &model.AllocationRecord{
		AccountID:      accountID,
		ServerID:       node.ID,
		AllocationType: model.AllocationManual,
		LoadScore:      score,
		Strategy:       model.StrategyLoadBalance,
		Reason:         reason,
	}
	if err := a.allocations.Assign(ctx, record, previous); err != nil {
		return nil, fmt.Errorf("write allocation: %w", err)
	}

	a.recordMigration(ctx, accountID, previous, node.ID, true, nil)
	payload := event.AccountAssignedPayload{
		AccountID:      accountID,
		ServerID:       node.ID,
		AllocationType: string(model.AllocationManual),
	}
	if previous != nil {
		payload.PreviousServer = *previous
	}
	a.bus.Publish(event.EventAccountAssigned, payload)
	a.logger.Info("account reassigned",
		zap.String("account_id", accountID),
		zap.String("node_id", node.ID),
		zap.String("reason", reason))

	return &AllocationResult{
		AccountID:  accountID,
		ServerID:   node.ID,
		Strategy:   model.StrategyLoadBalance,
		LoadScore:  score,
		RemotePath: remotePath,
		Record:     record,
	}, nil
}

func (a *Allocator) AllocationHistory(ctx context.Context, accountID string, page repository.Pagination) ([]*model.AllocationRecord, error) {
	return a.allocations.History(ctx, accountID, page)
}

// ServerRankings polls the fleet and ranks the reachable nodes.
func (a *Allocator) ServerRankings(ctx context.Context) ([]model.ServerRanking, error) {
	servers, err := a.monitor.Poll(ctx)
	if err != nil {
		return nil, err
	}
	rankings := a.balancer.Rankings(servers)
	for _, ranking := range rankings {
		metrics.SetNodeLoadScore(ranking.NodeID, ranking.Score)
	}
	return rankings, nil
}

func (a *Allocator) ServerMetrics(ctx context.Context) ([]model.ServerMetrics, error) {
	return a.monitor.Poll(ctx)
}

// migrate places every planned credential and commits the successful ones in
// one batch. Accounts busy with another allocation are skipped.
func (a *Allocator) migrate(ctx context.Context, source string, plans []migrationPlan, result *RebalanceResult) error {
	if len(plans) == 0 {
		return nil
	}

	records := make([]*model.AllocationRecord, 0, len(plans))
	unlocks := make([]func(), 0, len(plans))
	defer func() {
		for _, unlock := range unlocks {
			unlock()
		}
	}()

	fail := func(plan migrationPlan, err error) {
		result.Failed = append(result.Failed, MigrationOutcome{
			AccountID:  plan.account.ID,
			FromServer: source,
			ToServer:   plan.target.ID,
			Error:      err.Error(),
		})
		a.recordMigration(ctx, plan.account.ID, &source, plan.target.ID, false, err)
		a.logger.Warn("migration failed",
			zap.String("account_id", plan.account.ID),
			zap.String("from", source),
			zap.String("to", plan.target.ID),
			zap.Error(err))
	}

	for _, plan := range plans {
		unlock, ok := a.tryLockAccount(plan.account.ID)
		if !ok {
			fail(plan, ErrAccountBusy)
			continue
		}
		unlocks = append(unlocks, unlock)

		if _, err := a.placer.PlaceCredential(ctx, plan.account.CredentialRef, plan.target, plan.account.ID); err != nil {
			if !errors.Is(err, ErrTransferFailed) {
				err = fmt.Errorf("%w: %w", ErrTransferFailed, err)
			}
			fail(plan, err)
			continue
		}
		records = append(records, &model.AllocationRecord{
			AccountID:      plan.account.ID,
			ServerID:       plan.target.ID,
			AllocationType: model.AllocationRebalance,
			LoadScore:      plan.score,
			Strategy:       model.StrategyLoadBalance,
			Reason:         plan.reason,
		})
	}

	if len(records) == 0 {
		metrics.AddMigrations("failed", len(result.Failed))
		return nil
	}

	applied, err := a.allocations.ApplyMigrations(ctx, records, source)
	if err != nil {
		for _, record := range records {
			result.Failed = append(result.Failed, MigrationOutcome{
				AccountID:  record.AccountID,
				FromServer: source,
				ToServer:   record.ServerID,
				Error:      err.Error(),
			})
		}
		metrics.AddMigrations("failed", len(result.Failed))
		return fmt.Errorf("commit migrations from %s: %w", source, err)
	}

	appliedIDs := make(map[string]struct{}, len(applied))
	for _, record := range applied {
		appliedIDs[record.AccountID] = struct{}{}
		result.Migrated = append(result.Migrated, MigrationOutcome{
			AccountID:  record.AccountID,
			FromServer: source,
			ToServer:   record.ServerID,
		})
		a.recordMigration(ctx, record.AccountID, &source, record.ServerID, true, nil)
		a.bus.Publish(event.EventAccountAssigned, event.AccountAssignedPayload{
			AccountID:      record.AccountID,
			ServerID:       record.ServerID,
			PreviousServer: source,
			AllocationType: string(model.AllocationRebalance),
		})
	}
	for _, record := range records {
		if _, ok := appliedIDs[record.AccountID]; !ok {
			result.Failed = append(result.Failed, MigrationOutcome{
				AccountID:  record.AccountID,
				FromServer: source,
				ToServer:   record.ServerID,
				Error:      repository.ErrAssignmentConflict.Error(),
			})
		}
	}

	metrics.AddMigrations("success", len(result.Migrated))
	metrics.AddMigrations("failed", len(result.Failed))
	a.logger.Info("migrations committed",
		zap.String("from", source),
		zap.Int("migrated", len(result.Migrated)),
		zap.Int("failed", len(result.Failed)))
	return nil
}

func (a *Allocator) recordAllocation(ctx context.Context, accountID, serverID, strategy string, success bool, err error) {
	detail := map[string]interface{}{"strategy": strategy}
	if err != nil {
		detail["error"] = err.Error()
	}
	a.recorder.Record(ctx, &model.AccountEvent{
		AccountID: accountID,
		EventType: model.AccountEventAllocation,
		ServerID:  &serverID,
		Success:   success,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
}

func (a *Allocator) recordMigration(ctx context.Context, accountID string, from *string, to string, success bool, err error) {
	eventType := model.AccountEventMigration
	detail := map[string]interface{}{}
	if from != nil {
		detail["from"] = *from
	}
	if err != nil {
		eventType = model.AccountEventMigrationErr
		detail["error"] = err.Error()
	}
	a.recorder.Record(ctx, &model.AccountEvent{
		AccountID: accountID,
		EventType: eventType,
		ServerID:  &to,
		Success:   success,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
}

func (a *Allocator) accountLock(accountID string) *sync.Mutex {
	current, _ := a.accountLocks.LoadOrStore(accountID, &sync.Mutex{})
	return current.(*sync.Mutex)
}

func (a *Allocator) lockAccount(accountID string) func() {
	mu := a.accountLock(accountID)
	mu.Lock()
	return mu.Unlock
}

func (a *Allocator) tryLockAccount(accountID string) (func(), bool) {
	mu := a.accountLock(accountID)
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}

func anyReachable(servers []model.ServerMetrics) bool {
	for _, server := range servers {
		if server.Status == model.ServerStatusOnline && !server.Quarantined {
			return true
		}
	}
	return false
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
