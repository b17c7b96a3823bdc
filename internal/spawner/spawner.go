// Package spawner launches coding agents into isolated git worktrees, either
// inside a local tmux session or a locked-down container. All host commands
// are argv exec; no string ever passes through a shell.
package spawner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/fleetd/internal/registry"
)

// Execution modes.
type Mode string

const (
	ModeLocal     Mode = "local"
	ModeContainer Mode = "container"
)

// DefaultInstallTimeout caps the dependency install step.
const DefaultInstallTimeout = 2 * time.Minute

// agentCommands maps agent types to the CLI that drives them.
var agentCommands = map[registry.AgentType]string{
	registry.AgentClaudeCode: "claude",
	registry.AgentCodex:      "codex",
	registry.AgentGemini:     "gemini",
}

// Config is the spawner's static configuration.
type Config struct {
	RepoPath     string
	WorktreeBase string
	Mode         Mode

	// InstallCommand is an argv vector run in the fresh worktree, e.g.
	// ["npm", "ci"]. Empty skips the install step.
	InstallCommand []string
	InstallTimeout time.Duration

	// HookFiles are repo-relative paths copied into each worktree when
	// present (agent config, hooks). Failures are logged, never fatal.
	HookFiles []string

	// Secrets are exported into the agent's environment, by tmux
	// set-environment locally or an env staging file for containers.
	Secrets map[string]string

	Container ContainerConfig
}

// AgentHandle is the in-memory view of one launched agent. It is a cache:
// every field can be rebuilt from the task row.
type AgentHandle struct {
	TaskID       string
	Branch       string
	WorktreePath string
	ProcessRef   string
	Mode         Mode
	SpawnedAt    time.Time
}

// SpawnRequest asks for one agent.
type SpawnRequest struct {
	TaskID    string
	Branch    string
	AgentType registry.AgentType
	Prompt    string
}

// Spawner owns worktree and process lifecycle.
type Spawner struct {
	cfg    Config
	runner Runner
	docker ContainerAPI
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*AgentHandle
}

func New(cfg Config, runner Runner, docker ContainerAPI, logger *slog.Logger) *Spawner {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = DefaultInstallTimeout
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeLocal
	}
	return &Spawner{
		cfg:     cfg,
		runner:  runner,
		docker:  docker,
		logger:  logger.With("component", "spawner"),
		handles: make(map[string]*AgentHandle),
	}
}

// Spawn runs the full launch pipeline. Any failure after the worktree exists
// removes the worktree before the error is returned, so a failed spawn leaves
// nothing behind but the task row.
func (s *Spawner) Spawn(ctx context.Context, req SpawnRequest) (*AgentHandle, error) {
	if err := ValidateBranch(req.Branch); err != nil {
		return nil, &SpawnError{Code: WorktreeFailed, TaskID: req.TaskID, Err: err}
	}
	wtPath, err := worktreePath(s.cfg.WorktreeBase, req.Branch)
	if err != nil {
		return nil, &SpawnError{Code: WorktreeFailed, TaskID: req.TaskID, Err: err}
	}
	agentCmd, ok := agentCommands[req.AgentType]
	if !ok {
		return nil, &SpawnError{Code: ProcessFailed, TaskID: req.TaskID, Err: fmt.Errorf("no launcher for agent type %q", req.AgentType)}
	}

	if err := s.addWorktree(ctx, req.Branch, wtPath); err != nil {
		return nil, &SpawnError{Code: WorktreeFailed, TaskID: req.TaskID, Err: err}
	}

	if err := s.installDeps(ctx, wtPath); err != nil {
		s.rollbackWorktree(ctx, req.TaskID, wtPath)
		code := InstallFailed
		if errors.Is(err, context.DeadlineExceeded) {
			code = Timeout
		}
		return nil, &SpawnError{Code: code, TaskID: req.TaskID, Err: err}
	}

	s.copyHooks(req.TaskID, wtPath)

	var processRef string
	switch s.cfg.Mode {
	case ModeContainer:
		processRef, err = s.launchContainer(ctx, req, agentCmd, wtPath)
	default:
		processRef, err = s.launchLocal(ctx, req, agentCmd, wtPath)
	}
	if err != nil {
		s.rollbackWorktree(ctx, req.TaskID, wtPath)
		return nil, &SpawnError{Code: ProcessFailed, TaskID: req.TaskID, Err: err}
	}

	handle := &AgentHandle{
		TaskID:       req.TaskID,
		Branch:       req.Branch,
		WorktreePath: wtPath,
		ProcessRef:   processRef,
		Mode:         s.cfg.Mode,
		SpawnedAt:    time.Now(),
	}
	s.mu.Lock()
	s.handles[req.TaskID] = handle
	s.mu.Unlock()

	s.logger.Info("agent launched",
		"task_id", req.TaskID,
		"branch", req.Branch,
		"mode", s.cfg.Mode,
		"process_ref", processRef,
	)
	return handle, nil
}

func (s *Spawner) addWorktree(ctx context.Context, branch, wtPath string) error {
	res, err := s.runner.Run(ctx, RunRequest{
		Dir:  s.cfg.RepoPath,
		Name: "git",
		Args: []string{"worktree", "add", "-b", branch, wtPath},
	})
	if err != nil {
		return fmt.Errorf("git worktree add: %w (%s)", err, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (s *Spawner) installDeps(ctx context.Context, wtPath string) error {
	if len(s.cfg.InstallCommand) == 0 {
		return nil
	}
	installCtx, cancel := context.WithTimeout(ctx, s.cfg.InstallTimeout)
	defer cancel()

	res, err := s.runner.Run(installCtx, RunRequest{
		Dir:  wtPath,
		Name: s.cfg.InstallCommand[0],
		Args: s.cfg.InstallCommand[1:],
	})
	if err != nil {
		if installCtx.Err() != nil {
			return fmt.Errorf("dependency install: %w", context.DeadlineExceeded)
		}
		return fmt.Errorf("dependency install: %w (%s)", err, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// copyHooks copies configured repo files into the worktree. Best effort.
func (s *Spawner) copyHooks(taskID, wtPath string) {
	for _, rel := range s.cfg.HookFiles {
		src := filepath.Join(s.cfg.RepoPath, rel)
		dst := filepath.Join(wtPath, rel)
		data, err := os.ReadFile(src)
		if err != nil {
			s.logger.Warn("hook copy skipped", "task_id", taskID, "file", rel, "error", err)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			s.logger.Warn("hook copy failed", "task_id", taskID, "file", rel, "error", err)
			continue
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			s.logger.Warn("hook copy failed", "task_id", taskID, "file", rel, "error", err)
		}
	}
}

// rollbackWorktree removes a half-built worktree. Git first; if git refuses,
// a forced filesystem delete so no orphan blocks the next spawn of the same
// branch.
func (s *Spawner) rollbackWorktree(ctx context.Context, taskID, wtPath string) {
	_, err := s.runner.Run(ctx, RunRequest{
		Dir:  s.cfg.RepoPath,
		Name: "git",
		Args: []string{"worktree", "remove", "--force", wtPath},
	})
	if err != nil {
		if rmErr := os.RemoveAll(wtPath); rmErr != nil {
			s.logger.Error("worktree rollback failed", "task_id", taskID, "path", wtPath, "error", rmErr)
			return
		}
		// Git still tracks the pruned path; clean its bookkeeping.
		_, _ = s.runner.Run(ctx, RunRequest{
			Dir:  s.cfg.RepoPath,
			Name: "git",
			Args: []string{"worktree", "prune"},
		})
	}
	s.logger.Warn("spawn rolled back", "task_id", taskID, "path", wtPath)
}

// IsAlive reports whether the agent's process still exists.
func (s *Spawner) IsAlive(ctx context.Context, handle *AgentHandle) bool {
	if handle == nil || handle.ProcessRef == "" {
		return false
	}
	if handle.Mode == ModeContainer {
		return s.containerAlive(ctx, handle.ProcessRef)
	}
	return s.sessionAlive(ctx, handle.ProcessRef)
}

// Kill terminates the agent's process. The worktree survives for Cleanup.
func (s *Spawner) Kill(ctx context.Context, handle *AgentHandle) error {
	if handle == nil || handle.ProcessRef == "" {
		return nil
	}
	var err error
	if handle.Mode == ModeContainer {
		err = s.stopContainer(ctx, handle.ProcessRef)
	} else {
		err = s.killSession(ctx, handle.ProcessRef)
	}
	if err != nil {
		return fmt.Errorf("kill agent for task %s: %w", handle.TaskID, err)
	}
	s.mu.Lock()
	delete(s.handles, handle.TaskID)
	s.mu.Unlock()
	return nil
}

// GetLogs returns the last lines of agent output.
func (s *Spawner) GetLogs(ctx context.Context, handle *AgentHandle, lines int) (string, error) {
	if handle == nil || handle.ProcessRef == "" {
		return "", fmt.Errorf("no process bound")
	}
	if lines <= 0 {
		lines = 100
	}
	if handle.Mode == ModeContainer {
		return s.containerLogs(ctx, handle.ProcessRef, lines)
	}
	return s.sessionLogs(ctx, handle.ProcessRef, lines)
}

// Cleanup tears down a finished task's working state: unpushed work is
// snapshotted into a bundle, the worktree removed, and the branch deleted
// only when git agrees it is merged.
func (s *Spawner) Cleanup(ctx context.Context, handle *AgentHandle) error {
	if handle == nil {
		return nil
	}
	if handle.WorktreePath != "" {
		s.bundleUnpushed(ctx, handle)
		if _, err := s.runner.Run(ctx, RunRequest{
			Dir:  s.cfg.RepoPath,
			Name: "git",
			Args: []string{"worktree", "remove", "--force", handle.WorktreePath},
		}); err != nil {
			if rmErr := os.RemoveAll(handle.WorktreePath); rmErr != nil {
				return fmt.Errorf("remove worktree %s: %w", handle.WorktreePath, rmErr)
			}
		}
	}
	if handle.Branch != "" {
		// -d refuses unmerged branches, which is exactly the guard we want.
		if _, err := s.runner.Run(ctx, RunRequest{
			Dir:  s.cfg.RepoPath,
			Name: "git",
			Args: []string{"branch", "-d", handle.Branch},
		}); err != nil {
			s.logger.Info("branch kept (not merged)", "task_id", handle.TaskID, "branch", handle.Branch)
		}
	}
	s.mu.Lock()
	delete(s.handles, handle.TaskID)
	s.mu.Unlock()
	return nil
}

// bundleUnpushed snapshots commits that never made it to a remote.
func (s *Spawner) bundleUnpushed(ctx context.Context, handle *AgentHandle) {
	bundleDir := filepath.Join(s.cfg.WorktreeBase, "bundles")
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		s.logger.Warn("bundle dir unavailable", "error", err)
		return
	}
	bundlePath := filepath.Join(bundleDir, handle.TaskID+".bundle")
	if _, err := s.runner.Run(ctx, RunRequest{
		Dir:  handle.WorktreePath,
		Name: "git",
		Args: []string{"bundle", "create", bundlePath, "HEAD"},
	}); err != nil {
		s.logger.Warn("bundle snapshot failed", "task_id", handle.TaskID, "error", err)
	}
}

// ListActive reconciles the handle map against the processes that actually
// exist. Processes found without a handle (daemon restart) get partial
// handles so recovery can adopt them.
func (s *Spawner) ListActive(ctx context.Context) ([]*AgentHandle, error) {
	var refs map[string]string // processRef -> taskID hint
	var err error
	if s.cfg.Mode == ModeContainer {
		refs, err = s.listContainers(ctx)
	} else {
		refs, err = s.listSessions(ctx)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(refs))
	var out []*AgentHandle
	for _, h := range s.handles {
		if _, live := refs[h.ProcessRef]; live {
			out = append(out, h)
			seen[h.ProcessRef] = true
		} else {
			delete(s.handles, h.TaskID)
		}
	}
	for ref, taskID := range refs {
		if seen[ref] {
			continue
		}
		h := &AgentHandle{TaskID: taskID, ProcessRef: ref, Mode: s.cfg.Mode}
		if taskID != "" {
			s.handles[taskID] = h
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessRef < out[j].ProcessRef })
	return out, nil
}

// HandleFromTask rebuilds a handle from a task row after a restart.
func HandleFromTask(task *registry.FleetTask) *AgentHandle {
	if task == nil {
		return nil
	}
	mode := ModeLocal
	if task.ContainerID != "" {
		mode = ModeContainer
	}
	h := &AgentHandle{
		TaskID:       task.ID,
		Branch:       task.Branch,
		WorktreePath: task.WorktreePath,
		ProcessRef:   task.ProcessRef(),
		Mode:         mode,
	}
	if task.SpawnedAt != nil {
		h.SpawnedAt = *task.SpawnedAt
	}
	return h
}

// Adopt inserts a rebuilt handle into the live map.
func (s *Spawner) Adopt(handle *AgentHandle) {
	if handle == nil || handle.TaskID == "" {
		return
	}
	s.mu.Lock()
	s.handles[handle.TaskID] = handle
	s.mu.Unlock()
}

// Handle returns the live handle for a task, if any.
func (s *Spawner) Handle(taskID string) *AgentHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[taskID]
}

// HandleCount returns the number of live handles.
func (s *Spawner) HandleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}
