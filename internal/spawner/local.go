package spawner

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// launchLocal starts the agent in a detached tmux session. Secrets go in via
// set-environment and the prompt via load-buffer/paste-buffer: both travel as
// argv or stdin, never as shell-parsed text.
func (s *Spawner) launchLocal(ctx context.Context, req SpawnRequest, agentCmd, wtPath string) (string, error) {
	session := sessionName(req.TaskID)

	if res, err := s.runner.Run(ctx, RunRequest{
		Name: "tmux",
		Args: []string{"new-session", "-d", "-s", session, "-c", wtPath, agentCmd},
	}); err != nil {
		return "", fmt.Errorf("tmux new-session: %w (%s)", err, strings.TrimSpace(res.Stderr))
	}

	for key, value := range s.cfg.Secrets {
		if _, err := s.runner.Run(ctx, RunRequest{
			Name: "tmux",
			Args: []string{"set-environment", "-t", session, key, value},
		}); err != nil {
			s.killSessionQuiet(ctx, session)
			return "", fmt.Errorf("tmux set-environment %s: %w", key, err)
		}
	}

	if req.Prompt != "" {
		buffer := session + "-prompt"
		if _, err := s.runner.Run(ctx, RunRequest{
			Name:  "tmux",
			Args:  []string{"load-buffer", "-b", buffer, "-"},
			Stdin: req.Prompt,
		}); err != nil {
			s.killSessionQuiet(ctx, session)
			return "", fmt.Errorf("tmux load-buffer: %w", err)
		}
		if _, err := s.runner.Run(ctx, RunRequest{
			Name: "tmux",
			Args: []string{"paste-buffer", "-d", "-b", buffer, "-t", session},
		}); err != nil {
			s.killSessionQuiet(ctx, session)
			return "", fmt.Errorf("tmux paste-buffer: %w", err)
		}
	}

	return session, nil
}

func (s *Spawner) sessionAlive(ctx context.Context, session string) bool {
	res, err := s.runner.Run(ctx, RunRequest{
		Name: "tmux",
		Args: []string{"has-session", "-t", session},
	})
	return err == nil && res.ExitCode == 0
}

func (s *Spawner) killSession(ctx context.Context, session string) error {
	if _, err := s.runner.Run(ctx, RunRequest{
		Name: "tmux",
		Args: []string{"kill-session", "-t", session},
	}); err != nil {
		return fmt.Errorf("tmux kill-session: %w", err)
	}
	return nil
}

func (s *Spawner) killSessionQuiet(ctx context.Context, session string) {
	if err := s.killSession(ctx, session); err != nil {
		s.logger.Warn("session cleanup failed", "session", session, "error", err)
	}
}

func (s *Spawner) sessionLogs(ctx context.Context, session string, lines int) (string, error) {
	res, err := s.runner.Run(ctx, RunRequest{
		Name: "tmux",
		Args: []string{"capture-pane", "-p", "-t", session, "-S", "-" + strconv.Itoa(lines)},
	})
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane: %w", err)
	}
	return res.Stdout, nil
}

// listSessions returns live fleet tmux sessions as processRef -> taskID hint.
// The task id hint is only the 8-char prefix baked into the session name, so
// rediscovered sessions come back as partial handles.
func (s *Spawner) listSessions(ctx context.Context) (map[string]string, error) {
	res, err := s.runner.Run(ctx, RunRequest{
		Name: "tmux",
		Args: []string{"list-sessions", "-F", "#{session_name}"},
	})
	if err != nil {
		// No server running means no sessions, not a failure.
		if res.ExitCode == 1 {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %w", err)
	}

	refs := make(map[string]string)
	for _, line := range strings.Split(res.Stdout, "\n") {
		session := strings.TrimSpace(line)
		if !strings.HasPrefix(session, "fleet-") {
			continue
		}
		refs[session] = ""
	}
	return refs, nil
}
