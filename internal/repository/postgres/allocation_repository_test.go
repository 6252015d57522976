package postgres

import (
	"context"
	"errors"
	"testing"

	"session-hub/internal/model"
	"session-hub/internal/repository"
)

func registerTestAccount(t *testing.T, repo repository.AccountRepository, id string) {
	t.Helper()

	script := "script-a"
	account := &model.Account{
		ID:            id,
		DisplayName:   id,
		Roles:         []string{"host"},
		CredentialRef: "/vault/" + id + ".session",
		ScriptID:      &script,
		Active:        true,
	}
	if err := repo.Register(context.Background(), account); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func TestAssign_RejectsSecondInitialAllocation(t *testing.T) {
	pool := startPostgresForTest(t)
	accounts := NewAccountRepository(pool)
	allocations := NewAllocationRepository(pool)
	ctx := context.Background()

	registerTestAccount(t, accounts, "acc-1")

	first := &model.AllocationRecord{
		AccountID:      "acc-1",
		ServerID:       "node-a",
		AllocationType: model.AllocationInitial,
		LoadScore:      12.5,
		Strategy:       model.StrategyLoadBalance,
		Reason:         "initial placement",
	}
	if err := allocations.Assign(ctx, first, nil); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	if first.ID == 0 {
		t.Fatal("expected record id to be populated")
	}

	second := &model.AllocationRecord{
		AccountID:      "acc-1",
		ServerID:       "node-b",
		AllocationType: model.AllocationInitial,
		Strategy:       model.StrategyLoadBalance,
	}
	if err := allocations.Assign(ctx, second, nil); !errors.Is(err, ErrAssignmentConflict) {
		t.Fatalf("expected ErrAssignmentConflict, got %v", err)
	}

	history, err := allocations.History(ctx, "acc-1", repository.Pagination{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(history))
	}

	account, err := accounts.FindByID(ctx, "acc-1")
	if err != nil {
		t.Fatalf("find account: %v", err)
	}
	if account.CurrentServerID == nil || *account.CurrentServerID != "node-a" {
		t.Fatalf("expected current server node-a, got %v", account.CurrentServerID)
	}
}

func TestAssign_UnknownAccount(t *testing.T) {
	pool := startPostgresForTest(t)
	allocations := NewAllocationRepository(pool)

	err := allocations.Assign(context.Background(), &model.AllocationRecord{
		AccountID:      "missing",
		ServerID:       "node-a",
		AllocationType: model.AllocationInitial,
	}, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyMigrations_SkipsAccountsThatMoved(t *testing.T) {
	pool := startPostgresForTest(t)
	accounts := NewAccountRepository(pool)
	allocations := NewAllocationRepository(pool)
	ctx := context.Background()

	for _, id := range []string{"acc-1", "acc-2", "acc-3"} {
		registerTestAccount(t, accounts, id)
		if err := allocations.Assign(ctx, &model.AllocationRecord{
			AccountID:      id,
			ServerID:       "node-hot",
			AllocationType: model.AllocationInitial,
			Strategy:       model.StrategyLoadBalance,
		}, nil); err != nil {
			t.Fatalf("assign %s: %v", id, err)
		}
	}

	hot := "node-hot"
	if err := allocations.Assign(ctx, &model.AllocationRecord{
		AccountID:      "acc-2",
		ServerID:       "node-other",
		AllocationType: model.AllocationManual,
		Reason:         "operator move",
	}, &hot); err != nil {
		t.Fatalf("manual move: %v", err)
	}

	migrations := make([]*model.AllocationRecord, 0, 3)
	for _, id := range []string{"acc-1", "acc-2", "acc-3"} {
		migrations = append(migrations, &model.AllocationRecord{
			AccountID:      id,
			ServerID:       "node-cold",
			AllocationType: model.AllocationRebalance,
			Strategy:       model.StrategyLoadBalance,
			Reason:         "rebalance node-hot -> node-cold",
		})
	}

	applied, err := allocations.ApplyMigrations(ctx, migrations, "node-hot")
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("expected 2 applied migrations, got %d", len(applied))
	}

	current, err := allocations.Current(ctx, "acc-2")
	if err != nil {
		t.Fatalf("current acc-2: %v", err)
	}
	if current.ServerID != "node-other" {
		t.Fatalf("expected acc-2 to stay on node-other, got %s", current.ServerID)
	}

	counts, err := accounts.CountByServer(ctx)
	if err != nil {
		t.Fatalf("count by server: %v", err)
	}
	if counts["node-cold"] != 2 || counts["node-other"] != 1 || counts["node-hot"] != 0 {
		t.Fatalf("unexpected counts: %+v", counts)
	}

	scripts, err := accounts.ScriptsByServer(ctx)
	if err != nil {
		t.Fatalf("scripts by server: %v", err)
	}
	if len(scripts["node-cold"]) != 2 {
		t.Fatalf("expected two scripted accounts on node-cold, got %+v", scripts)
	}
}

func TestAllocationRecords_AreAppendOnly(t *testing.T) {
	pool := startPostgresForTest(t)
	accounts := NewAccountRepository(pool)
	allocations := NewAllocationRepository(pool)
	ctx := context.Background()

	registerTestAccount(t, accounts, "acc-1")
	record := &model.AllocationRecord{
		AccountID:      "acc-1",
		ServerID:       "node-a",
		AllocationType: model.AllocationInitial,
	}
	if err := allocations.Assign(ctx, record, nil); err != nil {
		t.Fatalf("assign: %v", err)
	}

	if _, err := pool.Exec(ctx, `UPDATE allocation_records SET server_id = 'node-z' WHERE id = $1`, record.ID); err == nil {
		t.Fatal("expected update of allocation record to be rejected")
	}
	if _, err := pool.Exec(ctx, `DELETE FROM allocation_records WHERE id = $1`, record.ID); err == nil {
		t.Fatal("expected delete of allocation record to be rejected")
	}
}
