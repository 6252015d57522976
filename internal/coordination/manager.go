package coordination

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"session-hub/internal/metrics"
	"session-hub/internal/model"
)

const (
	defaultLockTTL       = 60 * time.Second
	defaultSweepInterval = 60 * time.Second
	defaultRecentWindow  = 10 * time.Minute
)

var ErrNotRegistered = errors.New("account is not registered in group")

type Config struct {
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	RecentWindow  time.Duration `mapstructure:"recent_window"`
	LockBackend   string        `mapstructure:"lock_backend"`
}

// Decision is the answer to "should this account reply to this event".
// A negative decision is ordinary control flow, not an error.
type Decision struct {
	ShouldReply bool   `json:"should_reply"`
	Reason      string `json:"reason,omitempty"`
	Holder      string `json:"holder,omitempty"`
}

type roleRegistration struct {
	roleID   string
	priority model.ReplyPriority
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithActivityLookup seeds a newly joined account's activity from its live
// session state instead of assuming it is online.
func WithActivityLookup(active func(accountID string) bool) Option {
	return func(m *Manager) {
		m.active = active
	}
}

// Manager arbitrates which account answers an inbound event in a group.
type Manager struct {
	cfg    Config
	store  LockStore
	logger *zap.Logger
	now    func() time.Time
	active func(accountID string) bool

	mu     sync.Mutex
	roles  map[string]roleRegistration
	groups map[string]*model.GroupCoordination
}

func NewManager(cfg Config, store LockStore, logger *zap.Logger, opts ...Option) *Manager {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = defaultRecentWindow
	}
	if store == nil {
		store = NewMemoryLockStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		cfg:    cfg,
		store:  store,
		logger: logger,
		now:    time.Now,
		roles:  make(map[string]roleRegistration),
		groups: make(map[string]*model.GroupCoordination),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Config() Config {
	return m.cfg
}

// RegisterAccountRole sets the account's role and base priority. A nil
// priority means NORMAL.
func (m *Manager) RegisterAccountRole(accountID, roleID string, priority *model.ReplyPriority) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return
	}

	reg := roleRegistration{roleID: strings.TrimSpace(roleID), priority: model.PriorityNormal}
	if priority != nil {
		reg.priority = *priority
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.roles[accountID] = reg
	for _, group := range m.groups {
		if info, ok := group.Accounts[accountID]; ok {
			info.RoleID = reg.roleID
			info.Priority = effectivePriority(reg, group.RoleSequence)
		}
	}
}

func (m *Manager) RegisterAccountToGroup(accountID, groupID string) {
	accountID = strings.TrimSpace(accountID)
	groupID = strings.TrimSpace(groupID)
	if accountID == "" || groupID == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	group, ok := m.groups[groupID]
	if !ok {
		group = model.NewGroupCoordination(groupID)
		m.groups[groupID] = group
	}
	if _, exists := group.Accounts[accountID]; exists {
		return
	}

	reg := m.registrationLocked(accountID)
	group.Accounts[accountID] = &model.AccountRoleInfo{
		AccountID: accountID,
		RoleID:    reg.roleID,
		Priority:  effectivePriority(reg, group.RoleSequence),
		IsActive:  m.active == nil || m.active(accountID),
	}
}

func (m *Manager) UnregisterAccountFromGroup(accountID, groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, ok := m.groups[strings.TrimSpace(groupID)]
	if !ok {
		return
	}
	delete(group.Accounts, strings.TrimSpace(accountID))
}

// SetAccountActive flips the account's activity in every group it joined.
func (m *Manager) SetAccountActive(accountID string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, group := range m.groups {
		if info, ok := group.Accounts[accountID]; ok {
			info.IsActive = active
		}
	}
}

// SetRoleSequence elevates the first role to HIGH and the rest of the
// sequence to NORMAL. An empty sequence restores base priorities.
func (m *Manager) SetRoleSequence(groupID string, roles []string) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return
	}

	sequence := make([]string, 0, len(roles))
	for _, role := range roles {
		if trimmed := strings.TrimSpace(role); trimmed != "" {
			sequence = append(sequence, trimmed)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	group, ok := m.groups[groupID]
	if !ok {
		group = model.NewGroupCoordination(groupID)
		m.groups[groupID] = group
	}
	group.RoleSequence = sequence
	for accountID, info := range group.Accounts {
		info.Priority = effectivePriority(m.registrationLocked(accountID), sequence)
	}
}

// ShouldReply decides whether accountID answers eventID in groupID. For a
// given (group, event) exactly one account gets a positive answer until the
// lock is swept.
func (m *Manager) ShouldReply(ctx context.Context, accountID, groupID, eventID string) (Decision, error) {
	accountID = strings.TrimSpace(accountID)
	groupID = strings.TrimSpace(groupID)
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return Decision{}, errors.New("event id is required")
	}

	m.mu.Lock()
	group, ok := m.groups[groupID]
	var info *model.AccountRoleInfo
	if ok {
		info = group.Accounts[accountID]
	}
	if info == nil {
		m.mu.Unlock()
		return m.decide(Decision{Reason: fmt.Sprintf("account %s is not registered in group %s", accountID, groupID)}, "rejected"), nil
	}
	if !info.IsActive {
		m.mu.Unlock()
		return m.decide(Decision{Reason: fmt.Sprintf("account %s is inactive in group %s", accountID, groupID)}, "rejected"), nil
	}
	selected, found := selectCandidate(group)
	m.mu.Unlock()

	existing, err := m.store.Get(ctx, groupID, eventID)
	if err != nil {
		return Decision{}, fmt.Errorf("read reply lock: %w", err)
	}
	if existing != nil {
		return m.fromLock(accountID, *existing), nil
	}

	if !found {
		return m.decide(Decision{Reason: "no eligible account in group"}, "rejected"), nil
	}
	if selected != accountID {
		return m.decide(Decision{
			Reason: fmt.Sprintf("should be handled by %s", selected),
			Holder: selected,
		}, "delegated"), nil
	}

	lock, acquired, err := m.store.Acquire(ctx, model.ReplyLock{
		EventID:         eventID,
		GroupID:         groupID,
		HolderAccountID: accountID,
		LockedAt:        m.now(),
		TTL:             m.cfg.LockTTL,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("acquire reply lock: %w", err)
	}
	if !acquired {
		return m.fromLock(accountID, lock), nil
	}

	m.logger.Debug("reply lock acquired",
		zap.String("account_id", accountID),
		zap.String("group_id", groupID),
		zap.String("event_id", eventID),
	)
	return m.decide(Decision{ShouldReply: true, Holder: accountID}, "granted"), nil
}

func (m *Manager) fromLock(accountID string, lock model.ReplyLock) Decision {
	if lock.HolderAccountID == accountID {
		return m.decide(Decision{ShouldReply: true, Holder: accountID, Reason: "already holding reply lock"}, "granted")
	}
	return m.decide(Decision{
		Reason: fmt.Sprintf("locked by %s", lock.HolderAccountID),
		Holder: lock.HolderAccountID,
	}, "locked")
}

func (m *Manager) decide(decision Decision, label string) Decision {
	metrics.IncReplyDecision(label)
	return decision
}

// OnReplySent feeds the reply into recency balancing. The lock is left to
// expire so a duplicate delivery of the event cannot trigger a second reply.
func (m *Manager) OnReplySent(accountID, groupID, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, ok := m.groups[strings.TrimSpace(groupID)]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotRegistered, groupID, accountID)
	}
	info, ok := group.Accounts[strings.TrimSpace(accountID)]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotRegistered, groupID, accountID)
	}

	info.LastReplyTime = m.now()
	info.RecentReplyCount++
	m.logger.Debug("reply recorded",
		zap.String("account_id", accountID),
		zap.String("group_id", groupID),
		zap.String("event_id", eventID),
		zap.Int("recent_reply_count", info.RecentReplyCount),
	)
	return nil
}

// Sweep purges expired locks and resets reply counters that fell out of the
// recency window.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.now()

	purged, err := m.store.Sweep(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("sweep reply locks: %w", err)
	}
	metrics.AddReplyLocksPurged(purged)

	cutoff := now.Add(-m.cfg.RecentWindow)
	decayed := 0
	m.mu.Lock()
	for _, group := range m.groups {
		for _, info := range group.Accounts {
			if info.RecentReplyCount > 0 && info.LastReplyTime.Before(cutoff) {
				info.RecentReplyCount = 0
				decayed++
			}
		}
	}
	m.mu.Unlock()

	if purged > 0 || decayed > 0 {
		m.logger.Info("coordination sweep",
			zap.Int("locks_purged", purged),
			zap.Int("counters_decayed", decayed),
		)
	}
	return purged, nil
}

// Group returns a copy of the group's coordination state.
func (m *Manager) Group(groupID string) (*model.GroupCoordination, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, ok := m.groups[strings.TrimSpace(groupID)]
	if !ok {
		return nil, false
	}

	out := model.NewGroupCoordination(group.GroupID)
	out.RoleSequence = append([]string(nil), group.RoleSequence...)
	for id, info := range group.Accounts {
		copied := *info
		out.Accounts[id] = &copied
	}
	return out, true
}

func (m *Manager) GroupIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.groups))
	for id := range m.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) registrationLocked(accountID string) roleRegistration {
	if reg, ok := m.roles[accountID]; ok {
		return reg
	}
	return roleRegistration{priority: model.PriorityNormal}
}

func effectivePriority(reg roleRegistration, sequence []string) model.ReplyPriority {
	if reg.priority == model.PriorityNone || reg.roleID == "" {
		return reg.priority
	}
	for idx, role := range sequence {
		if role != reg.roleID {
			continue
		}
		if idx == 0 {
			return model.PriorityHigh
		}
		return model.PriorityNormal
	}
	return reg.priority
}

// selectCandidate picks the account that should answer. With a role
// sequence the earliest sequenced role wins; ties and the no-sequence case
// fall back to priority, then fewest recent replies, then oldest reply.
func selectCandidate(group *model.GroupCoordination) (string, bool) {
	candidates := make([]*model.AccountRoleInfo, 0, len(group.Accounts))
	for _, info := range group.Accounts {
		if info.IsActive && info.Priority != model.PriorityNone {
			candidates = append(candidates, info)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.RecentReplyCount != b.RecentReplyCount {
			return a.RecentReplyCount < b.RecentReplyCount
		}
		if !a.LastReplyTime.Equal(b.LastReplyTime) {
			return a.LastReplyTime.Before(b.LastReplyTime)
		}
		return a.AccountID < b.AccountID
	})

	if len(group.RoleSequence) > 0 {
		position := make(map[string]int, len(group.RoleSequence))
		for idx, role := range group.RoleSequence {
			if _, seen := position[role]; !seen {
				position[role] = idx
			}
		}

		best, bestPos := "", len(group.RoleSequence)
		for _, info := range candidates {
			pos, ok := position[info.RoleID]
			if ok && pos < bestPos {
				best, bestPos = info.AccountID, pos
			}
		}
		if best != "" {
			return best, true
		}
	}

	return candidates[0].AccountID, true
}
