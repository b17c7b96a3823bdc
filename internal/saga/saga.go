// Package saga runs the spawn pipeline as an explicit sequence with
// compensation: admission, state transitions, and process launch either all
// land or the task ends in failed with the step that broke recorded. No
// database transaction is ever held across a process launch.
package saga

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/fleetd/internal/bus"
	"github.com/basket/fleetd/internal/governor"
	"github.com/basket/fleetd/internal/prompt"
	"github.com/basket/fleetd/internal/registry"
	"github.com/basket/fleetd/internal/spawner"
)

// Steps reported in Result.FailedStep.
const (
	StepAdmission  = "admission"
	StepTransition = "transition"
	StepSpawn      = "spawn"
)

// AgentSpawner is the launch surface the saga needs.
type AgentSpawner interface {
	Spawn(ctx context.Context, req spawner.SpawnRequest) (*spawner.AgentHandle, error)
}

// Request describes one spawn.
type Request struct {
	OperatorID  string
	AgentType   registry.AgentType
	Model       string
	TaskType    registry.TaskType
	Description string
	Branch      string
	MaxRetries  int

	// Extra prompt sections appended after the task description.
	Context []prompt.Section
}

// Result reports what the saga did. FailedStep is empty on success.
type Result struct {
	Task       *registry.FleetTask
	ProcessRef string
	Existing   bool
	FailedStep string
}

// Saga executes spawn pipelines.
type Saga struct {
	store    *registry.Store
	governor *governor.Governor
	spawner  AgentSpawner
	builder  *prompt.Builder
	bus      *bus.Bus // optional
	logger   *slog.Logger

	maxPromptTokens int
}

func New(store *registry.Store, gov *governor.Governor, sp AgentSpawner, eventBus *bus.Bus, logger *slog.Logger, maxPromptTokens int) *Saga {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPromptTokens <= 0 {
		maxPromptTokens = prompt.DefaultMaxPromptTokens
	}
	return &Saga{
		store:           store,
		governor:        gov,
		spawner:         sp,
		builder:         prompt.NewBuilder(),
		bus:             eventBus,
		logger:          logger.With("component", "saga"),
		maxPromptTokens: maxPromptTokens,
	}
}

// Execute runs one spawn saga. A quota denial fails at admission with
// nothing to compensate. A duplicate request returns the live task untouched.
// A launch failure compensates by landing the task in failed with the cause.
func (s *Saga) Execute(ctx context.Context, req Request, tier string) (*Result, error) {
	sections := append([]prompt.Section{
		{Name: "Task", Content: req.Description},
	}, req.Context...)
	built := s.builder.Build(sections, prompt.Options{
		MaxPromptTokens: s.maxPromptTokens,
		Description:     req.Description,
		OperatorID:      req.OperatorID,
	})

	task, existing, err := s.governor.AdmitAndInsert(ctx, registry.CreateInput{
		OperatorID:  req.OperatorID,
		AgentType:   req.AgentType,
		Model:       req.Model,
		TaskType:    req.TaskType,
		Description: req.Description,
		Branch:      req.Branch,
		ContextHash: built.ContextHash,
		MaxRetries:  req.MaxRetries,
	}, tier)
	if err != nil {
		return &Result{FailedStep: StepAdmission}, err
	}
	if existing {
		s.logger.Info("spawn deduplicated onto live task",
			"operator_id", req.OperatorID,
			"task_id", task.ID,
		)
		return &Result{Task: task, Existing: true, ProcessRef: task.ProcessRef()}, nil
	}

	task, err = s.store.Transition(ctx, task.ID, task.Version, registry.StatusSpawning, nil)
	if err != nil {
		return &Result{Task: task, FailedStep: StepTransition}, err
	}

	handle, err := s.spawner.Spawn(ctx, spawner.SpawnRequest{
		TaskID:    task.ID,
		Branch:    task.Branch,
		AgentType: task.AgentType,
		Prompt:    built.Prompt,
	})
	if err != nil {
		if failed, txErr := s.store.Transition(ctx, task.ID, task.Version, registry.StatusFailed, &registry.TransitionMeta{
			FailureContext: err.Error(),
		}); txErr != nil {
			s.logger.Error("compensation failed", "task_id", task.ID, "error", txErr)
		} else {
			task = failed
		}
		return &Result{Task: task, FailedStep: StepSpawn}, fmt.Errorf("spawn step: %w", err)
	}

	meta := &registry.TransitionMeta{WorktreePath: handle.WorktreePath}
	if handle.Mode == spawner.ModeContainer {
		meta.ContainerID = handle.ProcessRef
	} else {
		meta.TmuxSession = handle.ProcessRef
	}
	task, err = s.store.Transition(ctx, task.ID, task.Version, registry.StatusRunning, meta)
	if err != nil {
		return &Result{Task: task, ProcessRef: handle.ProcessRef, FailedStep: StepTransition}, err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskSpawned, bus.TaskLifecycleEvent{
			Type:       bus.EventAgentSpawned,
			TaskID:     task.ID,
			OperatorID: task.OperatorID,
			AgentType:  string(task.AgentType),
			Branch:     task.Branch,
		})
	}
	s.logger.Info("agent spawned",
		"task_id", task.ID,
		"operator_id", task.OperatorID,
		"branch", task.Branch,
		"process_ref", handle.ProcessRef,
	)
	return &Result{Task: task, ProcessRef: handle.ProcessRef}, nil
}
