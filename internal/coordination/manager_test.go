package coordination

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"session-hub/internal/model"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func priority(p model.ReplyPriority) *model.ReplyPriority {
	return &p
}

func mustDecide(t *testing.T, m *Manager, accountID, groupID, eventID string) Decision {
	t.Helper()
	decision, err := m.ShouldReply(context.Background(), accountID, groupID, eventID)
	if err != nil {
		t.Fatalf("should reply %s/%s/%s: %v", accountID, groupID, eventID, err)
	}
	return decision
}

func TestShouldReply_RoleSequenceScenario(t *testing.T) {
	clock := newTestClock()
	m := NewManager(Config{}, nil, nil, WithClock(clock.Now))

	m.RegisterAccountRole("A", "r1", priority(model.PriorityHigh))
	m.RegisterAccountRole("B", "", priority(model.PriorityNormal))
	m.RegisterAccountToGroup("A", "G")
	m.RegisterAccountToGroup("B", "G")
	m.SetRoleSequence("G", []string{"r1"})

	a := mustDecide(t, m, "A", "G", "E1")
	if !a.ShouldReply {
		t.Fatalf("expected A to reply, got %+v", a)
	}
	b := mustDecide(t, m, "B", "G", "E1")
	if b.ShouldReply || b.Reason != "locked by A" {
		t.Fatalf("expected B to be locked out by A, got %+v", b)
	}

	if err := m.OnReplySent("A", "G", "E1"); err != nil {
		t.Fatalf("on reply sent: %v", err)
	}

	// Without the sequence and with equal priorities, recency decides.
	m.SetRoleSequence("G", nil)
	m.RegisterAccountRole("A", "r1", priority(model.PriorityNormal))

	b2 := mustDecide(t, m, "B", "G", "E2")
	if !b2.ShouldReply {
		t.Fatalf("expected B to take E2 by recency, got %+v", b2)
	}
	a2 := mustDecide(t, m, "A", "G", "E2")
	if a2.ShouldReply || a2.Holder != "B" {
		t.Fatalf("expected A to yield E2 to B, got %+v", a2)
	}
}

func TestShouldReply_DelegatesBeforeLocking(t *testing.T) {
	m := NewManager(Config{}, nil, nil)
	m.RegisterAccountRole("A", "r1", priority(model.PriorityHigh))
	m.RegisterAccountRole("B", "r2", nil)
	m.RegisterAccountToGroup("A", "G")
	m.RegisterAccountToGroup("B", "G")

	b := mustDecide(t, m, "B", "G", "E1")
	if b.ShouldReply || b.Reason != "should be handled by A" {
		t.Fatalf("expected delegation to A, got %+v", b)
	}

	count, err := m.store.Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no lock after delegation, got %d", count)
	}
}

func TestShouldReply_HolderReentryIsIdempotent(t *testing.T) {
	m := NewManager(Config{}, nil, nil)
	m.RegisterAccountToGroup("A", "G")

	for i := 0; i < 3; i++ {
		decision := mustDecide(t, m, "A", "G", "E1")
		if !decision.ShouldReply {
			t.Fatalf("call %d: expected holder to keep replying, got %+v", i, decision)
		}
	}
}

func TestShouldReply_UnregisteredAndInactive(t *testing.T) {
	m := NewManager(Config{}, nil, nil)
	m.RegisterAccountToGroup("A", "G")
	m.RegisterAccountToGroup("B", "G")

	if d := mustDecide(t, m, "X", "G", "E1"); d.ShouldReply || !strings.Contains(d.Reason, "not registered") {
		t.Fatalf("expected unregistered rejection, got %+v", d)
	}
	if d := mustDecide(t, m, "A", "missing", "E1"); d.ShouldReply {
		t.Fatalf("expected rejection for unknown group, got %+v", d)
	}

	m.SetAccountActive("A", false)
	if d := mustDecide(t, m, "A", "G", "E1"); d.ShouldReply || !strings.Contains(d.Reason, "inactive") {
		t.Fatalf("expected inactive rejection, got %+v", d)
	}
	if d := mustDecide(t, m, "B", "G", "E1"); !d.ShouldReply {
		t.Fatalf("expected B to answer while A is inactive, got %+v", d)
	}

	m.UnregisterAccountFromGroup("B", "G")
	if d := mustDecide(t, m, "B", "G", "E2"); d.ShouldReply {
		t.Fatalf("expected removed account to be rejected, got %+v", d)
	}
}

func TestRegisterAccountToGroup_SeedsActivityFromSessions(t *testing.T) {
	online := map[string]bool{"B": true}
	m := NewManager(Config{}, nil, nil, WithActivityLookup(func(accountID string) bool {
		return online[accountID]
	}))
	m.RegisterAccountToGroup("A", "G")
	m.RegisterAccountToGroup("B", "G")

	group, ok := m.Group("G")
	if !ok {
		t.Fatal("expected group G")
	}
	if group.Accounts["A"].IsActive || !group.Accounts["B"].IsActive {
		t.Fatalf("expected only B active, got A=%t B=%t", group.Accounts["A"].IsActive, group.Accounts["B"].IsActive)
	}

	if d := mustDecide(t, m, "A", "G", "E1"); d.ShouldReply || !strings.Contains(d.Reason, "inactive") {
		t.Fatalf("expected offline account rejected, got %+v", d)
	}
	if d := mustDecide(t, m, "B", "G", "E1"); !d.ShouldReply {
		t.Fatalf("expected online account to answer, got %+v", d)
	}

	m.SetAccountActive("A", true)
	if d := mustDecide(t, m, "A", "G", "E2"); !d.ShouldReply && strings.Contains(d.Reason, "inactive") {
		t.Fatalf("expected A active after coming online, got %+v", d)
	}
}

func TestShouldReply_PriorityNoneNeverSelected(t *testing.T) {
	m := NewManager(Config{}, nil, nil)
	m.RegisterAccountRole("silent", "r1", priority(model.PriorityNone))
	m.RegisterAccountToGroup("silent", "G")
	m.SetRoleSequence("G", []string{"r1"})

	if d := mustDecide(t, m, "silent", "G", "E1"); d.ShouldReply {
		t.Fatalf("expected NONE priority to be skipped, got %+v", d)
	}

	m.RegisterAccountRole("low", "", priority(model.PriorityLow))
	m.RegisterAccountToGroup("low", "G")
	if d := mustDecide(t, m, "low", "G", "E1"); !d.ShouldReply {
		t.Fatalf("expected LOW account to answer, got %+v", d)
	}
}

func TestShouldReply_EarliestSequencedRoleWins(t *testing.T) {
	m := NewManager(Config{}, nil, nil)
	m.RegisterAccountRole("opener", "intro", nil)
	m.RegisterAccountRole("closer", "outro", priority(model.PriorityHigh))
	m.RegisterAccountRole("other", "", priority(model.PriorityHigh))
	for _, id := range []string{"opener", "closer", "other"} {
		m.RegisterAccountToGroup(id, "G")
	}
	m.SetRoleSequence("G", []string{"intro", "outro"})

	group, ok := m.Group("G")
	if !ok {
		t.Fatal("expected group snapshot")
	}
	if group.Accounts["opener"].Priority != model.PriorityHigh {
		t.Fatalf("expected first role elevated to HIGH, got %s", group.Accounts["opener"].Priority)
	}
	if group.Accounts["closer"].Priority != model.PriorityNormal {
		t.Fatalf("expected later role set to NORMAL, got %s", group.Accounts["closer"].Priority)
	}

	if d := mustDecide(t, m, "other", "G", "E1"); d.ShouldReply || d.Holder != "opener" {
		t.Fatalf("expected opener to be chosen, got %+v", d)
	}

	m.SetRoleSequence("G", nil)
	group, _ = m.Group("G")
	if group.Accounts["closer"].Priority != model.PriorityHigh || group.Accounts["opener"].Priority != model.PriorityNormal {
		t.Fatalf("expected base priorities restored, got %+v", group.Accounts)
	}
}

func TestShouldReply_AtMostOneConcurrentGrant(t *testing.T) {
	m := NewManager(Config{}, nil, nil)
	const accounts = 12
	for i := 0; i < accounts; i++ {
		m.RegisterAccountToGroup(fmt.Sprintf("acc-%02d", i), "G")
	}

	for round := 0; round < 20; round++ {
		eventID := fmt.Sprintf("E%d", round)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			granted []string
		)
		for i := 0; i < accounts; i++ {
			for repeat := 0; repeat < 3; repeat++ {
				wg.Add(1)
				go func(accountID string) {
					defer wg.Done()
					decision, err := m.ShouldReply(context.Background(), accountID, "G", eventID)
					if err != nil {
						t.Errorf("should reply: %v", err)
						return
					}
					if decision.ShouldReply {
						mu.Lock()
						granted = append(granted, accountID)
						mu.Unlock()
					}
				}(fmt.Sprintf("acc-%02d", i))
			}
		}
		wg.Wait()

		holders := map[string]struct{}{}
		for _, id := range granted {
			holders[id] = struct{}{}
		}
		if len(holders) != 1 {
			t.Fatalf("event %s granted to %v", eventID, granted)
		}
		for id := range holders {
			if err := m.OnReplySent(id, "G", eventID); err != nil {
				t.Fatalf("on reply sent: %v", err)
			}
		}
	}
}

func TestSweep_ExpiredLockFreesEvent(t *testing.T) {
	clock := newTestClock()
	m := NewManager(Config{LockTTL: 30 * time.Second}, nil, nil, WithClock(clock.Now))
	m.RegisterAccountRole("A", "", priority(model.PriorityHigh))
	m.RegisterAccountToGroup("A", "G")
	m.RegisterAccountToGroup("B", "G")

	if d := mustDecide(t, m, "A", "G", "E1"); !d.ShouldReply {
		t.Fatalf("expected A to take the lock, got %+v", d)
	}
	m.SetAccountActive("A", false)

	clock.Advance(45 * time.Second)
	if d := mustDecide(t, m, "B", "G", "E1"); d.ShouldReply || d.Reason != "locked by A" {
		t.Fatalf("expected lock to hold until swept, got %+v", d)
	}

	purged, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected one purged lock, got %d", purged)
	}

	if d := mustDecide(t, m, "B", "G", "E1"); !d.ShouldReply {
		t.Fatalf("expected B to answer after sweep, got %+v", d)
	}
}

func TestSweep_KeepsLiveLocks(t *testing.T) {
	clock := newTestClock()
	m := NewManager(Config{LockTTL: time.Minute}, nil, nil, WithClock(clock.Now))
	m.RegisterAccountToGroup("A", "G")

	mustDecide(t, m, "A", "G", "E1")
	clock.Advance(30 * time.Second)

	purged, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if purged != 0 {
		t.Fatalf("expected live lock to survive, purged %d", purged)
	}
}

func TestSweep_DecaysRecentReplyCount(t *testing.T) {
	clock := newTestClock()
	m := NewManager(Config{RecentWindow: 5 * time.Minute}, nil, nil, WithClock(clock.Now))
	m.RegisterAccountToGroup("A", "G")

	for i := 0; i < 3; i++ {
		if err := m.OnReplySent("A", "G", fmt.Sprintf("E%d", i)); err != nil {
			t.Fatalf("on reply sent: %v", err)
		}
	}

	clock.Advance(6 * time.Minute)
	if _, err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	group, _ := m.Group("G")
	if got := group.Accounts["A"].RecentReplyCount; got != 0 {
		t.Fatalf("expected decayed counter, got %d", got)
	}
}

func TestOnReplySent_UnknownAccount(t *testing.T) {
	m := NewManager(Config{}, nil, nil)
	if err := m.OnReplySent("ghost", "G", "E1"); err == nil {
		t.Fatal("expected error for unknown group")
	}
}
