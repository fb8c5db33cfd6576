package invocation

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	record := &Record{
		ID:        "inv-1",
		Ability:   "erc20-transfer",
		Mode:      ModeExecute,
		Delegatee: "0x1111111111111111111111111111111111111111",
		Delegator: "0x2222222222222222222222222222222222222222",
		Phase:     PhaseCreated,
	}
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, record); !errors.Is(err, ErrConflict) {
		t.Fatalf("重复创建应当冲突，实际 %v", err)
	}

	record.Phase = PhaseDone
	record.Allow = true
	if err := store.Update(ctx, record); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.Get(ctx, "inv-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Phase != PhaseDone || !got.Allow {
		t.Fatalf("unexpected record: %+v", got)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Update(ctx, &Record{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	records := []*Record{
		{ID: "inv-1", Ability: "erc20-transfer", Mode: ModePrecheck, Phase: PhasePassed, Delegator: "0xaaa1"},
		{ID: "inv-2", Ability: "erc20-transfer", Mode: ModeExecute, Phase: PhaseDone, Delegator: "0xaaa1"},
		{ID: "inv-3", Ability: "uniswap-swap", Mode: ModeExecute, Phase: PhaseDenied, Delegator: "0xbbb2"},
	}
	for _, record := range records {
		if err := store.Create(ctx, record); err != nil {
			t.Fatalf("create %s: %v", record.ID, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	store.mu.Lock()
	base := time.Now().Add(-time.Minute).Unix()
	store.records["inv-1"].UpdatedAt = base
	store.records["inv-2"].UpdatedAt = base + 10
	store.records["inv-3"].UpdatedAt = base + 20
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	if all[0].ID != "inv-3" {
		t.Fatalf("expected newest record first, got %s", all[0].ID)
	}

	executes, err := store.List(ctx, ListOptions{Mode: ModeExecute})
	if err != nil {
		t.Fatalf("list executes: %v", err)
	}
	if len(executes) != 2 {
		t.Fatalf("expected 2 execute records, got %d", len(executes))
	}

	denied, err := store.List(ctx, ListOptions{Phase: PhaseDenied})
	if err != nil {
		t.Fatalf("list denied: %v", err)
	}
	if len(denied) != 1 || denied[0].ID != "inv-3" {
		t.Fatalf("unexpected denied list: %+v", denied)
	}

	byDelegator, err := store.List(ctx, ListOptions{Delegator: "0xAAA1"})
	if err != nil {
		t.Fatalf("list by delegator: %v", err)
	}
	if len(byDelegator) != 2 {
		t.Fatalf("委托人过滤应当忽略大小写，实际 %d 条", len(byDelegator))
	}

	paged, err := store.List(ctx, ListOptions{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if len(paged) != 1 || paged[0].ID != "inv-2" {
		t.Fatalf("unexpected page: %+v", paged)
	}
}

func TestMemoryStoreReturnsClones(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Record{ID: "inv-1", Ability: "erc20-transfer", Mode: ModeExecute, Phase: PhaseCreated}); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, "inv-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Phase = PhaseFailed

	again, err := store.Get(ctx, "inv-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again.Phase != PhaseCreated {
		t.Fatalf("调用方改动返回值不应影响存储，实际 %s", again.Phase)
	}
}
