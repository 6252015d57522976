package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"session-hub/internal/model"
	"session-hub/internal/repository"
)

type fakeExecutor struct {
	mu          sync.Mutex
	outputs     map[string]string
	unreachable map[string]bool
	copyErr     map[string]error
	commands    []string
	copies      []string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		outputs:     make(map[string]string),
		unreachable: make(map[string]bool),
		copyErr:     make(map[string]error),
	}
}

func (f *fakeExecutor) setUnreachable(nodeID string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreachable[nodeID] = down
}

func (f *fakeExecutor) Run(_ context.Context, node model.ServerNode, command string, _ time.Duration) (ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commands = append(f.commands, node.ID+": "+command)
	if f.unreachable[node.ID] {
		return ExecResult{}, fmt.Errorf("%w: dial %s", ErrNodeUnreachable, node.Host)
	}
	if strings.HasPrefix(command, "mkdir") {
		return ExecResult{}, nil
	}
	return ExecResult{Stdout: f.outputs[node.ID]}, nil
}

func (f *fakeExecutor) CopyFile(_ context.Context, node model.ServerNode, localPath, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.copyErr[node.ID]; err != nil {
		return err
	}
	f.copies = append(f.copies, node.ID+":"+localPath+"->"+remotePath)
	return nil
}

type fakePlacer struct {
	mu      sync.Mutex
	failFor map[string]bool
	placed  []string
}

func (p *fakePlacer) PlaceCredential(_ context.Context, credentialRef string, node model.ServerNode, accountID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failFor[accountID] {
		return "", fmt.Errorf("%w: scp %s to %s", ErrTransferFailed, credentialRef, node.ID)
	}
	p.placed = append(p.placed, accountID+"@"+node.ID)
	return SessionPath(node, accountID), nil
}

type fakeMonitor struct {
	mu          sync.Mutex
	nodes       map[string]model.ServerNode
	servers     []model.ServerMetrics
	quarantined []string
}

func newFakeMonitor(servers ...model.ServerMetrics) *fakeMonitor {
	m := &fakeMonitor{nodes: make(map[string]model.ServerNode)}
	for _, server := range servers {
		m.nodes[server.NodeID] = model.ServerNode{ID: server.NodeID, Host: server.NodeID + ".local", DeployDir: "/opt/worker", MaxAccounts: server.MaxAccounts}
	}
	m.servers = servers
	return m
}

func (m *fakeMonitor) Poll(context.Context) ([]model.ServerMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.ServerMetrics(nil), m.servers...), nil
}

func (m *fakeMonitor) Node(nodeID string) (model.ServerNode, bool) {
	node, ok := m.nodes[nodeID]
	return node, ok
}

func (m *fakeMonitor) Quarantine(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quarantined = append(m.quarantined, nodeID)
}

func (m *fakeMonitor) setStatus(nodeID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx := range m.servers {
		if m.servers[idx].NodeID == nodeID {
			m.servers[idx].Status = status
		}
	}
}

// fakeStore backs both the account registry and the allocation log.
type fakeStore struct {
	mu       sync.Mutex
	accounts map[string]*model.Account
	records  []*model.AllocationRecord
	nextID   int64
	countErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{accounts: make(map[string]*model.Account)}
}

func (s *fakeStore) seed(accountID, serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	server := serverID
	s.accounts[accountID] = &model.Account{
		ID:              accountID,
		CredentialRef:   "/vault/" + accountID + ".session",
		Status:          model.AccountStatusOnline,
		Active:          true,
		CurrentServerID: &server,
	}
	s.nextID++
	s.records = append(s.records, &model.AllocationRecord{
		ID:             s.nextID,
		AccountID:      accountID,
		ServerID:       serverID,
		AllocationType: model.AllocationInitial,
		Strategy:       model.StrategyLoadBalance,
	})
}

func (s *fakeStore) serverOf(accountID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok || account.CurrentServerID == nil {
		return ""
	}
	return *account.CurrentServerID
}

func (s *fakeStore) recordsFor(accountID string) []*model.AllocationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.AllocationRecord, 0)
	for _, record := range s.records {
		if record.AccountID == accountID {
			out = append(out, record)
		}
	}
	return out
}

func (s *fakeStore) FindByID(_ context.Context, id string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *account
	return &copied, nil
}

func (s *fakeStore) List(_ context.Context, filter repository.AccountListFilter) ([]*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*model.Account, 0)
	for _, account := range s.accounts {
		if filter.ActiveOnly && !account.Active {
			continue
		}
		if filter.ServerID != nil && (account.CurrentServerID == nil || *account.CurrentServerID != *filter.ServerID) {
			continue
		}
		copied := *account
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) Register(_ context.Context, account *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.accounts[account.ID]; ok {
		existing.CredentialRef = account.CredentialRef
		existing.ScriptID = account.ScriptID
		return nil
	}
	copied := *account
	if copied.Status == "" {
		copied.Status = model.AccountStatusOffline
	}
	s.accounts[account.ID] = &copied
	return nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, id string, status model.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if account, ok := s.accounts[id]; ok {
		account.Status = status
		return nil
	}
	return repository.ErrNotFound
}

func (s *fakeStore) TouchHeartbeat(context.Context, string, time.Time) error {
	return nil
}

func (s *fakeStore) CountByServer(context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countErr != nil {
		return nil, s.countErr
	}
	counts := make(map[string]int)
	for _, account := range s.accounts {
		if account.Active && account.CurrentServerID != nil {
			counts[*account.CurrentServerID]++
		}
	}
	return counts, nil
}

func (s *fakeStore) ScriptsByServer(context.Context) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scripts := make(map[string][]string)
	for _, account := range s.accounts {
		if account.CurrentServerID != nil && account.ScriptID != nil {
			scripts[*account.CurrentServerID] = append(scripts[*account.CurrentServerID], *account.ScriptID)
		}
	}
	return scripts, nil
}

func (s *fakeStore) assignLocked(record *model.AllocationRecord, expected *string) error {
	account, ok := s.accounts[record.AccountID]
	if !ok {
		return repository.ErrNotFound
	}
	switch {
	case expected == nil && account.CurrentServerID != nil:
		return repository.ErrAssignmentConflict
	case expected != nil && (account.CurrentServerID == nil || *account.CurrentServerID != *expected):
		return repository.ErrAssignmentConflict
	}

	s.nextID++
	record.ID = s.nextID
	record.CreatedAt = time.Now().UTC()
	s.records = append(s.records, record)
	server := record.ServerID
	account.CurrentServerID = &server
	return nil
}

func (s *fakeStore) Assign(_ context.Context, record *model.AllocationRecord, expected *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assignLocked(record, expected)
}

func (s *fakeStore) ApplyMigrations(_ context.Context, records []*model.AllocationRecord, from string) ([]*model.AllocationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := make([]*model.AllocationRecord, 0, len(records))
	for _, record := range records {
		source := from
		if err := s.assignLocked(record, &source); err != nil {
			if errors.Is(err, repository.ErrAssignmentConflict) || errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return nil, err
		}
		applied = append(applied, record)
	}
	return applied, nil
}

func (s *fakeStore) Current(_ context.Context, accountID string) (*model.AllocationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := len(s.records) - 1; idx >= 0; idx-- {
		if s.records[idx].AccountID == accountID {
			return s.records[idx], nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *fakeStore) History(_ context.Context, accountID string, _ repository.Pagination) ([]*model.AllocationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.AllocationRecord, 0)
	for idx := len(s.records) - 1; idx >= 0; idx-- {
		if s.records[idx].AccountID == accountID {
			out = append(out, s.records[idx])
		}
	}
	return out, nil
}
