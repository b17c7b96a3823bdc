// Package retry re-launches failed agents under a bounded, OOM-aware
// backoff schedule. The registry's guarded counter is the source of truth
// for attempts; the engine only ever narrows what it is willing to do.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/fleetd/internal/bus"
	"github.com/basket/fleetd/internal/identity"
	"github.com/basket/fleetd/internal/prompt"
	"github.com/basket/fleetd/internal/registry"
	"github.com/basket/fleetd/internal/spawner"
)

// AgentSpawner is the slice of the spawner the engine needs.
type AgentSpawner interface {
	Spawn(ctx context.Context, req spawner.SpawnRequest) (*spawner.AgentHandle, error)
}

// Config tunes the engine.
type Config struct {
	BaseDelay       time.Duration // backoff base, default 5s
	MaxRetries      int           // default budget when identity has none
	MaxPromptTokens int
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.MaxPromptTokens <= 0 {
		c.MaxPromptTokens = prompt.DefaultMaxPromptTokens
	}
	return c
}

// Engine drives retries for failed tasks.
type Engine struct {
	store    *registry.Store
	spawner  AgentSpawner
	identity identity.Service // optional
	builder  *prompt.Builder
	bus      *bus.Bus // optional
	logger   *slog.Logger
	cfg      Config
	classify Classifier
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithClassifier replaces the OOM classifier.
func WithClassifier(c Classifier) Option {
	return func(e *Engine) {
		if c != nil {
			e.classify = c
		}
	}
}

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithIdentity wires the identity service for per-operator budgets.
func WithIdentity(svc identity.Service) Option {
	return func(e *Engine) { e.identity = svc }
}

func New(store *registry.Store, sp AgentSpawner, eventBus *bus.Bus, logger *slog.Logger, cfg Config, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:    store,
		spawner:  sp,
		builder:  prompt.NewBuilder(),
		bus:      eventBus,
		logger:   logger.With("component", "retry"),
		cfg:      cfg.withDefaults(),
		classify: DefaultClassifier,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// budgetFor resolves the retry budget for an operator. Identity lookups fail
// quietly to the configured default.
func (e *Engine) budgetFor(ctx context.Context, operatorID string) int {
	if e.identity == nil {
		return e.cfg.MaxRetries
	}
	id := e.identity.GetOrNull(ctx, operatorID)
	if id == nil {
		return e.cfg.MaxRetries
	}
	return identity.ResourcesFor(id.AutonomyLevel).MaxRetries
}

// CanRetry reports whether AttemptRetry would act on the task, without
// touching anything.
func (e *Engine) CanRetry(ctx context.Context, taskID string) (bool, error) {
	task, err := e.store.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status != registry.StatusFailed {
		return false, nil
	}
	return task.RetryCount < e.budgetFor(ctx, task.OperatorID), nil
}

// AttemptRetry drives one retry cycle for a failed task. It returns true only
// when a replacement agent is actually running. Ineligible tasks (unknown,
// cancelled, not failed) and exhausted budgets return false without error;
// exhaustion also abandons the task.
func (e *Engine) AttemptRetry(ctx context.Context, taskID string) (bool, error) {
	task, err := e.store.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	// Terminal states have no outgoing edges; cancelled in particular must
	// never come back.
	if task.Status != registry.StatusFailed {
		e.logger.Debug("retry skipped", "task_id", taskID, "status", task.Status)
		return false, nil
	}

	budget := e.budgetFor(ctx, task.OperatorID)
	if task.RetryCount >= budget {
		return false, e.abandon(ctx, task, budget)
	}

	incremented, err := e.store.RecordFailure(ctx, taskID, task.FailureContext)
	if err != nil {
		return false, err
	}
	if !incremented {
		// The registry's cap won a race with our budget read.
		task, err = e.store.Get(ctx, taskID)
		if err != nil {
			return false, err
		}
		return false, e.abandon(ctx, task, task.MaxRetries)
	}

	task, err = e.store.Get(ctx, taskID)
	if err != nil {
		return false, err
	}

	tokens := e.cfg.MaxPromptTokens
	if e.classify(task.FailureContext) {
		tokens = tokens * 3 / 4
		e.logger.Info("oom detected, shrinking prompt budget",
			"task_id", taskID,
			"max_prompt_tokens", tokens,
		)
	}
	built := e.builder.Build([]prompt.Section{
		{Name: "Task", Content: task.Description},
		{Name: "Previous attempt", Content: fmt.Sprintf("Attempt %d failed: %s", task.RetryCount, task.FailureContext)},
	}, prompt.Options{MaxPromptTokens: tokens})

	delay := Backoff(e.cfg.BaseDelay, task.RetryCount-1)
	e.logger.Info("backing off before retry",
		"task_id", taskID,
		"retry_count", task.RetryCount,
		"delay", delay,
	)
	if err := e.sleep(ctx, delay); err != nil {
		return false, err
	}

	task, err = e.store.Transition(ctx, taskID, task.Version, registry.StatusRetrying, nil)
	if err != nil {
		return false, err
	}
	task, err = e.store.Transition(ctx, taskID, task.Version, registry.StatusSpawning, nil)
	if err != nil {
		return false, err
	}

	handle, err := e.spawner.Spawn(ctx, spawner.SpawnRequest{
		TaskID:    task.ID,
		Branch:    retryBranch(task),
		AgentType: task.AgentType,
		Prompt:    built.Prompt,
	})
	if err != nil {
		if _, txErr := e.store.Transition(ctx, taskID, task.Version, registry.StatusFailed, &registry.TransitionMeta{
			FailureContext: err.Error(),
		}); txErr != nil {
			e.logger.Error("failed to record retry spawn failure", "task_id", taskID, "error", txErr)
		}
		return false, fmt.Errorf("retry spawn: %w", err)
	}

	// The row must track the branch the replacement agent actually works on,
	// or later cleanup would target the original branch while the worktree
	// and process belong to the suffixed one.
	if _, err := e.store.Transition(ctx, taskID, task.Version, registry.StatusRunning, &registry.TransitionMeta{
		Branch:       handle.Branch,
		WorktreePath: handle.WorktreePath,
		ContainerID:  containerRef(handle),
		TmuxSession:  sessionRef(handle),
	}); err != nil {
		return false, err
	}

	if e.bus != nil {
		e.bus.Publish(bus.TopicTaskRetrying, bus.TaskLifecycleEvent{
			Type:       bus.EventAgentRetrying,
			TaskID:     task.ID,
			OperatorID: task.OperatorID,
			AgentType:  string(task.AgentType),
			Branch:     handle.Branch,
			RetryCount: task.RetryCount,
		})
	}
	return true, nil
}

// abandon moves an exhausted task to its terminal state and announces it.
func (e *Engine) abandon(ctx context.Context, task *registry.FleetTask, budget int) error {
	reason := fmt.Sprintf("retry budget exhausted (%d/%d)", task.RetryCount, budget)
	if _, err := e.store.Transition(ctx, task.ID, task.Version, registry.StatusAbandoned, &registry.TransitionMeta{
		FailureContext: reason,
	}); err != nil {
		return fmt.Errorf("abandon task %s: %w", task.ID, err)
	}
	e.logger.Warn("task abandoned", "task_id", task.ID, "reason", reason)
	if e.bus != nil {
		e.bus.Publish(bus.TopicTaskFailed, bus.TaskLifecycleEvent{
			Type:       bus.EventAgentFailed,
			TaskID:     task.ID,
			OperatorID: task.OperatorID,
			AgentType:  string(task.AgentType),
			Branch:     task.Branch,
			RetryCount: task.RetryCount,
			Reason:     reason,
		})
	}
	return nil
}

// retryBranch derives the branch for a retry attempt. Reusing the original
// name would collide with the rolled-back worktree's branch, so attempts get
// a numeric suffix.
func retryBranch(task *registry.FleetTask) string {
	return fmt.Sprintf("%s-r%d", task.Branch, task.RetryCount)
}

func containerRef(h *spawner.AgentHandle) string {
	if h.Mode == spawner.ModeContainer {
		return h.ProcessRef
	}
	return ""
}

func sessionRef(h *spawner.AgentHandle) string {
	if h.Mode == spawner.ModeLocal {
		return h.ProcessRef
	}
	return ""
}
