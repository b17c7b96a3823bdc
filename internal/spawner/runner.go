package spawner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

// RunRequest is one argv-style command. Name and Args go straight to exec;
// nothing is ever passed through a shell, so prompt text and branch names
// cannot be reinterpreted as syntax.
type RunRequest struct {
	Dir   string
	Name  string
	Args  []string
	Stdin string
	Env   []string // appended to the inherited environment
}

// RunResult is the outcome of a completed command.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes commands. Tests substitute a fake; production uses
// ExecRunner.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

// ExecRunner runs commands on the host via os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	cmd := exec.CommandContext(ctx, req.Name, req.Args...)
	if req.Dir != "" {
		cmd.Dir = req.Dir
	}
	if len(req.Env) > 0 {
		cmd.Env = append(cmd.Environ(), req.Env...)
	}
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	res := RunResult{ExitCode: 0}
	runErr := cmd.Run()
	res.Stdout = outBuf.String()
	res.Stderr = errBuf.String()
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, runErr
		}
		res.ExitCode = -1
		return res, runErr
	}
	return res, nil
}
