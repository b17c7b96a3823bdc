// Package conductor is the engine facade: it owns the wiring between the
// registry, governor, spawner, retry engine, and saga, and runs the
// background loops (recovery, retry monitor, janitor).
package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/fleetd/internal/bus"
	"github.com/basket/fleetd/internal/governor"
	otelx "github.com/basket/fleetd/internal/otel"
	"github.com/basket/fleetd/internal/registry"
	"github.com/basket/fleetd/internal/retry"
	"github.com/basket/fleetd/internal/saga"
	"github.com/basket/fleetd/internal/spawner"
)

// Options wires an Engine. Store, Governor, Spawner, Retry, and Saga are
// required; the rest default.
type Options struct {
	Store    *registry.Store
	Bus      *bus.Bus
	Governor *governor.Governor
	Spawner  *spawner.Spawner
	Retry    *retry.Engine
	Saga     *saga.Saga
	Logger   *slog.Logger
	Metrics  *otelx.Metrics // optional

	MonitorInterval time.Duration
	JanitorSchedule string
}

// Engine is the fleet orchestrator's public surface.
type Engine struct {
	store    *registry.Store
	bus      *bus.Bus
	governor *governor.Governor
	spawner  *spawner.Spawner
	retry    *retry.Engine
	saga     *saga.Saga
	logger   *slog.Logger
	metrics  *otelx.Metrics

	monitorInterval time.Duration
	janitorSchedule string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Governor == nil || opts.Spawner == nil || opts.Retry == nil || opts.Saga == nil {
		return nil, fmt.Errorf("conductor: store, governor, spawner, retry, and saga are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = time.Minute
	}
	return &Engine{
		store:           opts.Store,
		bus:             opts.Bus,
		governor:        opts.Governor,
		spawner:         opts.Spawner,
		retry:           opts.Retry,
		saga:            opts.Saga,
		logger:          logger.With("component", "conductor"),
		metrics:         opts.Metrics,
		monitorInterval: opts.MonitorInterval,
		janitorSchedule: opts.JanitorSchedule,
	}, nil
}

// Spawn runs the spawn saga for one request.
func (e *Engine) Spawn(ctx context.Context, req saga.Request, tier string) (*saga.Result, error) {
	start := time.Now()
	res, err := e.saga.Execute(ctx, req, tier)
	if e.metrics != nil {
		e.metrics.SpawnDuration.Record(ctx, time.Since(start).Seconds())
		switch {
		case err == nil && !res.Existing:
			e.metrics.SpawnsTotal.Add(ctx, 1)
			e.metrics.ActiveTasks.Add(ctx, 1)
		case res != nil && res.FailedStep == saga.StepAdmission:
			e.metrics.SpawnDenials.Add(ctx, 1)
		case res != nil && res.FailedStep == saga.StepSpawn:
			// A failed spawn step means the spawner tore its worktree back down.
			e.metrics.WorktreeRollbacks.Add(ctx, 1)
		}
	}
	return res, err
}

// GetTask returns one task.
func (e *Engine) GetTask(ctx context.Context, id string) (*registry.FleetTask, error) {
	return e.store.Get(ctx, id)
}

// GetTaskEvents returns a task's transition journal.
func (e *Engine) GetTaskEvents(ctx context.Context, id string, limit int) ([]registry.TaskEvent, error) {
	return e.store.ListTaskEvents(ctx, id, limit)
}

// Status is a fleet snapshot. With an operator filter the counts cover only
// that operator's tasks.
type Status struct {
	ByStatus    map[registry.Status]int
	Active      int
	TotalActive int
	LiveHandles int
}

// GetStatus summarizes the fleet, optionally for one operator.
func (e *Engine) GetStatus(ctx context.Context, operatorID string) (*Status, error) {
	tasks, err := e.store.Query(ctx, registry.Filter{
		OperatorID: operatorID,
		Limit:      registry.MaxQueryLimit,
	})
	if err != nil {
		return nil, err
	}
	st := &Status{ByStatus: make(map[registry.Status]int)}
	for _, task := range tasks {
		st.ByStatus[task.Status]++
		if task.Active() {
			st.Active++
		}
	}
	st.TotalActive, err = e.store.CountAllActive(ctx)
	if err != nil {
		return nil, err
	}
	st.LiveHandles = e.spawner.HandleCount()
	return st, nil
}

// StopTask kills the task's process (best effort) and cancels the task. The
// transition is the authority: an uncancellable state fails before and after
// the kill the same way.
func (e *Engine) StopTask(ctx context.Context, id string) (*registry.FleetTask, error) {
	task, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !registry.CanTransition(task.Status, registry.StatusCancelled) {
		return nil, &registry.InvalidTransitionError{ID: id, From: task.Status, To: registry.StatusCancelled}
	}

	handle := e.spawner.Handle(id)
	if handle == nil {
		handle = spawner.HandleFromTask(task)
	}
	if handle != nil && handle.ProcessRef != "" {
		if err := e.spawner.Kill(ctx, handle); err != nil {
			e.logger.Warn("kill failed, cancelling anyway", "task_id", id, "error", err)
		}
	}
	return e.store.Transition(ctx, id, task.Version, registry.StatusCancelled, nil)
}

// GetTaskLogs tails the task's agent output.
func (e *Engine) GetTaskLogs(ctx context.Context, id string, lines int) (string, error) {
	task, err := e.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	handle := e.spawner.Handle(id)
	if handle == nil {
		handle = spawner.HandleFromTask(task)
	}
	return e.spawner.GetLogs(ctx, handle, lines)
}

// DeleteTask removes a terminal task after best-effort workspace cleanup.
func (e *Engine) DeleteTask(ctx context.Context, id string) error {
	task, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if registry.IsTerminal(task.Status) {
		if err := e.spawner.Cleanup(ctx, spawner.HandleFromTask(task)); err != nil {
			e.logger.Warn("cleanup before delete failed", "task_id", id, "error", err)
		}
	}
	return e.store.Delete(ctx, id)
}

// ReloadTierLimits pushes fresh limits into the governor.
func (e *Engine) ReloadTierLimits(limits map[string]int) {
	e.governor.UpdateTierLimits(limits)
}

// Start recovers from the previous run and launches the background loops.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	if e.bus != nil {
		e.governor.WatchBus(ctx, e.bus)
	}
	if err := e.recover(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runMonitor(ctx)
	}()

	if e.janitorSchedule != "" {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runJanitor(ctx)
		}()
	}
	e.logger.Info("conductor started",
		"monitor_interval", e.monitorInterval,
		"janitor_schedule", e.janitorSchedule,
	)
	return nil
}

// Shutdown stops the background loops and waits for them.
func (e *Engine) Shutdown() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("conductor stopped")
}

// recover reconciles the registry with reality after a restart: tasks whose
// process died while we were down are marked failed, and live processes are
// adopted back into the handle map.
func (e *Engine) recover(ctx context.Context) error {
	if _, err := e.spawner.ListActive(ctx); err != nil {
		e.logger.Warn("process discovery failed during recovery", "error", err)
	}

	live, err := e.store.ListLive(ctx)
	if err != nil {
		return err
	}
	for _, task := range live {
		if task.Status != registry.StatusSpawning && task.Status != registry.StatusRunning {
			continue
		}
		handle := spawner.HandleFromTask(task)
		if handle.ProcessRef != "" && e.spawner.IsAlive(ctx, handle) {
			e.spawner.Adopt(handle)
			e.logger.Info("adopted surviving agent", "task_id", task.ID, "process_ref", handle.ProcessRef)
			continue
		}

		reason := "agent process lost across daemon restart"
		if _, err := e.store.RecordFailure(ctx, task.ID, reason); err != nil {
			e.logger.Error("recovery failure record", "task_id", task.ID, "error", err)
		}
		fresh, err := e.store.Get(ctx, task.ID)
		if err != nil {
			e.logger.Error("recovery reload", "task_id", task.ID, "error", err)
			continue
		}
		if _, err := e.store.Transition(ctx, task.ID, fresh.Version, registry.StatusFailed, &registry.TransitionMeta{
			FailureContext: reason,
		}); err != nil {
			e.logger.Error("recovery transition", "task_id", task.ID, "error", err)
			continue
		}
		e.logger.Warn("task failed during downtime", "task_id", task.ID, "was", task.Status)
	}
	return nil
}
