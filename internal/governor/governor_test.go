package governor_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/fleetd/internal/bus"
	"github.com/basket/fleetd/internal/governor"
	"github.com/basket/fleetd/internal/registry"
)

func openTestStore(t *testing.T) *registry.Store {
	t.Helper()
	store, err := registry.Open(filepath.Join(t.TempDir(), "fleetd.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func spawnInput(operatorID, contextHash string) registry.CreateInput {
	return registry.CreateInput{
		OperatorID:  operatorID,
		AgentType:   registry.AgentClaudeCode,
		TaskType:    registry.TaskFeature,
		Description: "add rate limiting to the upload endpoint",
		Branch:      "agent/rate-limit-uploads",
		ContextHash: contextHash,
	}
}

func TestAdmitAndInsert_ZeroLimitTierDeniedBeforeDB(t *testing.T) {
	g := governor.New(openTestStore(t), nil)

	for _, tier := range []string{governor.TierObserver, governor.TierParticipant, "made_up_tier"} {
		_, _, err := g.AdmitAndInsert(context.Background(), spawnInput("op-1", ""), tier)
		var denied *governor.SpawnDeniedError
		if !errors.As(err, &denied) {
			t.Fatalf("tier %s: expected SpawnDeniedError, got %v", tier, err)
		}
		if denied.TierLimit != 0 {
			t.Fatalf("tier %s: limit = %d, want 0", tier, denied.TierLimit)
		}
	}
}

func TestAdmitAndInsert_EnforcesQuota(t *testing.T) {
	store := openTestStore(t)
	g := governor.New(store, nil)
	ctx := context.Background()

	// builder allows exactly one active task.
	task, existing, err := g.AdmitAndInsert(ctx, spawnInput("op-b", ""), governor.TierBuilder)
	if err != nil {
		t.Fatalf("first admission: %v", err)
	}
	if existing {
		t.Fatal("first admission must insert")
	}
	if task.Status != registry.StatusProposed {
		t.Fatalf("admitted task status = %s", task.Status)
	}

	_, _, err = g.AdmitAndInsert(ctx, spawnInput("op-b", ""), governor.TierBuilder)
	var denied *governor.SpawnDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected denial at quota, got %v", err)
	}
	if denied.ActiveCount != 1 || denied.TierLimit != 1 {
		t.Fatalf("denial detail = %+v", denied)
	}
}

func TestAdmitAndInsert_QuotaFreedByTerminalTask(t *testing.T) {
	store := openTestStore(t)
	g := governor.New(store, nil)
	ctx := context.Background()

	task, _, err := g.AdmitAndInsert(ctx, spawnInput("op-b", ""), governor.TierBuilder)
	if err != nil {
		t.Fatal(err)
	}

	cur, err := store.Transition(ctx, task.ID, task.Version, registry.StatusSpawning, nil)
	if err != nil {
		t.Fatal(err)
	}
	cur, err = store.Transition(ctx, cur.ID, cur.Version, registry.StatusRunning, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Transition(ctx, cur.ID, cur.Version, registry.StatusCancelled, nil); err != nil {
		t.Fatal(err)
	}

	if _, _, err := g.AdmitAndInsert(ctx, spawnInput("op-b", ""), governor.TierBuilder); err != nil {
		t.Fatalf("expected admission after cancellation freed the slot: %v", err)
	}
}

func TestAdmitAndInsert_ConcurrentBoundary(t *testing.T) {
	store := openTestStore(t)
	g := governor.New(store, nil)
	ctx := context.Background()

	// architect limit 3; race 8 admissions and require exactly 3 winners.
	const racers = 8
	var wg sync.WaitGroup
	results := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := g.AdmitAndInsert(ctx, spawnInput("op-race", ""), governor.TierArchitect)
			results[i] = err
		}(i)
	}
	wg.Wait()

	admitted, deniedCount := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			admitted++
		default:
			var denied *governor.SpawnDeniedError
			if !errors.As(err, &denied) {
				t.Fatalf("unexpected error kind: %v", err)
			}
			deniedCount++
		}
	}
	if admitted != 3 || deniedCount != racers-3 {
		t.Fatalf("admitted=%d denied=%d, want 3/%d", admitted, deniedCount, racers-3)
	}

	n, err := store.CountActive(ctx, "op-race")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("active rows = %d, want exactly the tier limit", n)
	}
}

func TestAdmitAndInsert_IdempotentOnContextHash(t *testing.T) {
	store := openTestStore(t)
	g := governor.New(store, nil)
	ctx := context.Background()

	first, existing, err := g.AdmitAndInsert(ctx, spawnInput("op-s", "cafe1234"), governor.TierSovereign)
	if err != nil {
		t.Fatal(err)
	}
	if existing {
		t.Fatal("first request must insert")
	}

	second, existing, err := g.AdmitAndInsert(ctx, spawnInput("op-s", "cafe1234"), governor.TierSovereign)
	if err != nil {
		t.Fatal(err)
	}
	if !existing {
		t.Fatal("duplicate request must not insert")
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate returned %s, want existing task %s", second.ID, first.ID)
	}

	n, err := store.CountActive(ctx, "op-s")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("active rows = %d, want 1", n)
	}
}

func TestCanSpawn_Advisory(t *testing.T) {
	store := openTestStore(t)
	g := governor.New(store, nil, governor.WithCacheTTL(time.Hour))
	ctx := context.Background()

	if g.CanSpawn("op-x", governor.TierObserver) {
		t.Fatal("zero-limit tier must always deny")
	}
	// No cache entry yet: optimistic allow.
	if !g.CanSpawn("op-x", governor.TierBuilder) {
		t.Fatal("cold cache must allow optimistically")
	}

	if _, _, err := g.AdmitAndInsert(ctx, spawnInput("op-x", ""), governor.TierBuilder); err != nil {
		t.Fatal(err)
	}
	// Fresh entry now says count==limit.
	if g.CanSpawn("op-x", governor.TierBuilder) {
		t.Fatal("fresh cache at quota must deny")
	}

	g.InvalidateCache("op-x")
	if !g.CanSpawn("op-x", governor.TierBuilder) {
		t.Fatal("invalidated cache must fall back to optimistic allow")
	}
}

func TestUpdateTierLimits_DowngradeObservable(t *testing.T) {
	store := openTestStore(t)
	g := governor.New(store, nil)
	ctx := context.Background()

	if _, _, err := g.AdmitAndInsert(ctx, spawnInput("op-d", ""), governor.TierArchitect); err != nil {
		t.Fatal(err)
	}

	before := g.Version()
	g.UpdateTierLimits(map[string]int{governor.TierArchitect: 1})
	if g.Version() == before {
		t.Fatal("limit reload must bump version")
	}

	_, _, err := g.AdmitAndInsert(ctx, spawnInput("op-d", ""), governor.TierArchitect)
	var denied *governor.SpawnDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("downgraded limit must deny immediately, got %v", err)
	}
	if denied.TierLimit != 1 {
		t.Fatalf("denial limit = %d, want the downgraded 1", denied.TierLimit)
	}
}

func TestWatchBus_InvalidatesOnTerminalEvents(t *testing.T) {
	b := bus.New()
	store, err := registry.Open(filepath.Join(t.TempDir(), "fleetd.db"), b)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	g := governor.New(store, nil, governor.WithCacheTTL(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.WatchBus(ctx, b)
	time.Sleep(10 * time.Millisecond)

	task, _, err := g.AdmitAndInsert(ctx, spawnInput("op-w", ""), governor.TierBuilder)
	if err != nil {
		t.Fatal(err)
	}
	if g.CanSpawn("op-w", governor.TierBuilder) {
		t.Fatal("fresh cache at quota must deny")
	}

	cur, err := store.Transition(ctx, task.ID, task.Version, registry.StatusSpawning, nil)
	if err != nil {
		t.Fatal(err)
	}
	cur, err = store.Transition(ctx, cur.ID, cur.Version, registry.StatusRunning, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Transition(ctx, cur.ID, cur.Version, registry.StatusCancelled, nil); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for !g.CanSpawn("op-w", governor.TierBuilder) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !g.CanSpawn("op-w", governor.TierBuilder) {
		t.Fatal("terminal event must invalidate the operator cache")
	}
}
