package registry_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/fleetd/internal/bus"
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

func createTestTask(t *testing.T, store *registry.Store, operatorID string) *registry.FleetTask {
	t.Helper()
	task, err := store.Create(context.Background(), registry.CreateInput{
		OperatorID:  operatorID,
		AgentType:   registry.AgentClaudeCode,
		TaskType:    registry.TaskBugFix,
		Description: "fix flaky websocket reconnect",
		Branch:      "agent/fix-reconnect",
		MaxRetries:  3,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestCreate_Defaults(t *testing.T) {
	store := openTestStore(t)
	task := createTestTask(t, store, "op-1")

	if task.Status != registry.StatusProposed {
		t.Errorf("status = %s, want proposed", task.Status)
	}
	if task.Version != 0 {
		t.Errorf("version = %d, want 0", task.Version)
	}
	if task.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0", task.RetryCount)
	}
	if task.ID == "" {
		t.Error("expected generated id")
	}
	if task.SpawnedAt != nil || task.CompletedAt != nil {
		t.Error("timestamps must be unset before launch")
	}
}

func TestCreate_Validation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   registry.CreateInput
	}{
		{"missing operator", registry.CreateInput{AgentType: registry.AgentCodex, TaskType: registry.TaskDocs, Description: "d", Branch: "b"}},
		{"bad agent type", registry.CreateInput{OperatorID: "op", AgentType: "cursor", TaskType: registry.TaskDocs, Description: "d", Branch: "b"}},
		{"bad task type", registry.CreateInput{OperatorID: "op", AgentType: registry.AgentCodex, TaskType: "chore", Description: "d", Branch: "b"}},
		{"blank description", registry.CreateInput{OperatorID: "op", AgentType: registry.AgentCodex, TaskType: registry.TaskDocs, Description: "   ", Branch: "b"}},
		{"missing branch", registry.CreateInput{OperatorID: "op", AgentType: registry.AgentCodex, TaskType: registry.TaskDocs, Description: "d"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := store.Create(ctx, tc.in); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestTransition_HappyPathVersionMonotone(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, store, "op-1")

	path := []registry.Status{
		registry.StatusSpawning,
		registry.StatusRunning,
		registry.StatusPRCreated,
		registry.StatusReviewing,
		registry.StatusReady,
		registry.StatusMerged,
	}
	prev := task.Version
	cur := task
	for _, next := range path {
		updated, err := store.Transition(ctx, cur.ID, cur.Version, next, nil)
		if err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
		if updated.Version != prev+1 {
			t.Fatalf("version after %s = %d, want %d", next, updated.Version, prev+1)
		}
		prev = updated.Version
		cur = updated
	}
	if cur.Status != registry.StatusMerged {
		t.Fatalf("final status = %s, want merged", cur.Status)
	}
	if cur.SpawnedAt == nil {
		t.Error("spawned_at must be set after running")
	}
	if cur.CompletedAt == nil {
		t.Error("completed_at must be set on terminal transition")
	}
}

func TestTransition_InvalidRejected(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, store, "op-1")

	_, err := store.Transition(ctx, task.ID, task.Version, registry.StatusMerged, nil)
	var invalid *registry.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != registry.StatusProposed || invalid.To != registry.StatusMerged {
		t.Fatalf("unexpected error detail %+v", invalid)
	}

	got, err := store.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != registry.StatusProposed || got.Version != task.Version {
		t.Fatal("rejected transition must not mutate the row")
	}
}

func TestTransition_StaleVersion(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, store, "op-1")

	if _, err := store.Transition(ctx, task.ID, task.Version, registry.StatusSpawning, nil); err != nil {
		t.Fatalf("first writer: %v", err)
	}

	// Second writer still holds version 0.
	_, err := store.Transition(ctx, task.ID, task.Version, registry.StatusSpawning, nil)
	if err == nil {
		t.Fatal("expected second writer to lose")
	}
	// proposed -> spawning is still a legal edge, so this must surface as a
	// version conflict, not an invalid transition.
	var stale *registry.StaleVersionError
	var invalid *registry.InvalidTransitionError
	if !errors.As(err, &stale) && !errors.As(err, &invalid) {
		t.Fatalf("expected stale-version or invalid-transition, got %v", err)
	}
}

func TestTransition_TerminalStatesAreFinal(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, store, "op-1")

	cur, err := store.Transition(ctx, task.ID, task.Version, registry.StatusSpawning, nil)
	if err != nil {
		t.Fatal(err)
	}
	cur, err = store.Transition(ctx, cur.ID, cur.Version, registry.StatusRunning, nil)
	if err != nil {
		t.Fatal(err)
	}
	cur, err = store.Transition(ctx, cur.ID, cur.Version, registry.StatusCancelled, nil)
	if err != nil {
		t.Fatal(err)
	}

	for _, to := range []registry.Status{registry.StatusRetrying, registry.StatusRunning, registry.StatusFailed} {
		_, err := store.Transition(ctx, cur.ID, cur.Version, to, nil)
		var invalid *registry.InvalidTransitionError
		if !errors.As(err, &invalid) {
			t.Fatalf("cancelled -> %s must be invalid, got %v", to, err)
		}
	}
}

func TestTransition_MetaBindsProcessRefs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, store, "op-1")

	cur, err := store.Transition(ctx, task.ID, task.Version, registry.StatusSpawning, nil)
	if err != nil {
		t.Fatal(err)
	}
	cur, err = store.Transition(ctx, cur.ID, cur.Version, registry.StatusRunning, &registry.TransitionMeta{
		WorktreePath: "/srv/worktrees/t-1",
		TmuxSession:  "fleet-t-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cur.WorktreePath != "/srv/worktrees/t-1" || cur.TmuxSession != "fleet-t-1" {
		t.Fatalf("process refs not bound: %+v", cur)
	}
	if cur.ProcessRef() != "fleet-t-1" {
		t.Fatalf("ProcessRef = %q", cur.ProcessRef())
	}
}

func TestTransition_PublishesBusEvents(t *testing.T) {
	b := bus.New()
	store, err := registry.Open(filepath.Join(t.TempDir(), "fleetd.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sub := b.Subscribe(bus.TopicTaskStateChanged)
	defer b.Unsubscribe(sub)

	task := createTestTask(t, store, "op-1")
	if _, err := store.Transition(context.Background(), task.ID, task.Version, registry.StatusSpawning, nil); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-sub.Ch():
		change, ok := ev.Payload.(bus.TaskStateChangedEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		if change.TaskID != task.ID || change.OldStatus != "proposed" || change.NewStatus != "spawning" {
			t.Fatalf("unexpected event %+v", change)
		}
		if change.Version != task.Version+1 {
			t.Fatalf("event version = %d, want %d", change.Version, task.Version+1)
		}
	case <-time.After(time.Second):
		t.Fatal("no state-changed event published")
	}
}

func TestRecordFailure_BoundedUnderConcurrency(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, store, "op-1")

	const attempts = 12
	results := make([]bool, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := store.RecordFailure(ctx, task.ID, "agent crashed")
			if err != nil {
				t.Errorf("record failure: %v", err)
				return
			}
			results[i] = ok
		}(i)
	}
	wg.Wait()

	granted := 0
	for _, ok := range results {
		if ok {
			granted++
		}
	}
	if granted != task.MaxRetries {
		t.Errorf("granted increments = %d, want exactly %d", granted, task.MaxRetries)
	}

	got, err := store.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RetryCount != got.MaxRetries {
		t.Errorf("retry_count = %d, want pinned at %d", got.RetryCount, got.MaxRetries)
	}
	if got.FailureContext == "" {
		t.Error("failure context must be stored")
	}
}

func TestRecordFailure_UnknownTask(t *testing.T) {
	store := openTestStore(t)
	_, err := store.RecordFailure(context.Background(), "no-such-task", "boom")
	var notFound *registry.TaskNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected TaskNotFoundError, got %v", err)
	}
}

func TestDelete_TerminalOnly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, store, "op-1")

	err := store.Delete(ctx, task.ID)
	var active *registry.ActiveTaskDeletionError
	if !errors.As(err, &active) {
		t.Fatalf("expected ActiveTaskDeletionError, got %v", err)
	}

	cur, err := store.Transition(ctx, task.ID, task.Version, registry.StatusSpawning, nil)
	if err != nil {
		t.Fatal(err)
	}
	cur, err = store.Transition(ctx, cur.ID, cur.Version, registry.StatusFailed, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Transition(ctx, cur.ID, cur.Version, registry.StatusAbandoned, nil); err != nil {
		t.Fatal(err)
	}

	if err := store.Delete(ctx, task.ID); err != nil {
		t.Fatalf("delete terminal task: %v", err)
	}
	if _, err := store.Get(ctx, task.ID); err == nil {
		t.Fatal("task must be gone after delete")
	}
	events, err := store.ListTaskEvents(ctx, task.ID, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("journal must cascade on delete, found %d rows", len(events))
	}
}

func TestQuery_FiltersAndLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	createTestTask(t, store, "op-a")
	createTestTask(t, store, "op-a")
	createTestTask(t, store, "op-b")

	byOperator, err := store.Query(ctx, registry.Filter{OperatorID: "op-a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byOperator) != 2 {
		t.Fatalf("op-a tasks = %d, want 2", len(byOperator))
	}

	limited, err := store.Query(ctx, registry.Filter{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Fatalf("limited query returned %d rows", len(limited))
	}

	byStatus, err := store.Query(ctx, registry.Filter{Statuses: []registry.Status{registry.StatusMerged}})
	if err != nil {
		t.Fatal(err)
	}
	if len(byStatus) != 0 {
		t.Fatalf("no merged tasks exist yet, got %d", len(byStatus))
	}
}

func TestCountActive_ExcludesTerminal(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := createTestTask(t, store, "op-a")
	createTestTask(t, store, "op-a")

	cur, err := store.Transition(ctx, first.ID, first.Version, registry.StatusSpawning, nil)
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

	n, err := store.CountActive(ctx, "op-a")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("active count = %d, want 1 (cancelled excluded)", n)
	}

	total, err := store.CountAllActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Fatalf("fleet-wide active = %d, want 1", total)
	}
}

func TestSetReviewMeta_VersionGuarded(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, store, "op-1")

	updated, err := store.SetReviewMeta(ctx, task.ID, task.Version, 412, "passing", "approved")
	if err != nil {
		t.Fatal(err)
	}
	if updated.PRNumber != 412 || updated.CIStatus != "passing" || updated.ReviewStatus != "approved" {
		t.Fatalf("review meta not stored: %+v", updated)
	}
	if updated.Version != task.Version+1 {
		t.Fatalf("version = %d, want bump", updated.Version)
	}

	_, err = store.SetReviewMeta(ctx, task.ID, task.Version, 413, "failing", "")
	var stale *registry.StaleVersionError
	if !errors.As(err, &stale) {
		t.Fatalf("expected StaleVersionError on reused version, got %v", err)
	}
}

func TestListTaskEvents_JournalOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	task := createTestTask(t, store, "op-1")

	cur, err := store.Transition(ctx, task.ID, task.Version, registry.StatusSpawning, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Transition(ctx, cur.ID, cur.Version, registry.StatusRunning, nil); err != nil {
		t.Fatal(err)
	}

	events, err := store.ListTaskEvents(ctx, task.ID, 50)
	if err != nil {
		t.Fatal(err)
	}
	wantTypes := []string{"task.created", "task.spawning", "task.running"}
	if len(events) != len(wantTypes) {
		t.Fatalf("journal rows = %d, want %d", len(events), len(wantTypes))
	}
	for i, want := range wantTypes {
		if events[i].EventType != want {
			t.Errorf("event[%d] = %s, want %s", i, events[i].EventType, want)
		}
	}
	if events[2].StateFrom != registry.StatusSpawning || events[2].StateTo != registry.StatusRunning {
		t.Fatalf("last event edge = %s -> %s", events[2].StateFrom, events[2].StateTo)
	}
}

func TestStateMachine_Table(t *testing.T) {
	cases := []struct {
		from, to registry.Status
		ok       bool
	}{
		{registry.StatusProposed, registry.StatusSpawning, true},
		{registry.StatusProposed, registry.StatusRunning, false},
		{registry.StatusSpawning, registry.StatusFailed, true},
		{registry.StatusRunning, registry.StatusCancelled, true},
		{registry.StatusPRCreated, registry.StatusReviewing, true},
		{registry.StatusReviewing, registry.StatusRejected, true},
		{registry.StatusRejected, registry.StatusRetrying, true},
		{registry.StatusFailed, registry.StatusAbandoned, true},
		{registry.StatusRetrying, registry.StatusSpawning, true},
		{registry.StatusMerged, registry.StatusRetrying, false},
		{registry.StatusAbandoned, registry.StatusSpawning, false},
		{registry.StatusCancelled, registry.StatusRetrying, false},
	}
	for _, tc := range cases {
		if got := registry.CanTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
	for _, s := range []registry.Status{registry.StatusMerged, registry.StatusAbandoned, registry.StatusCancelled} {
		if !registry.IsTerminal(s) {
			t.Errorf("%s must be terminal", s)
		}
	}
	if registry.IsTerminal(registry.StatusFailed) {
		t.Error("failed is retryable, not terminal")
	}
}
