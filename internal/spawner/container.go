package spawner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Labels stamped on every fleet container, used for reconciliation after a
// daemon restart.
const (
	labelTaskID = "fleet.task_id"
	labelBranch = "fleet.branch"
)

// ContainerConfig tunes the container execution mode.
type ContainerConfig struct {
	Image       string
	MemoryMB    int64
	NanoCPUs    int64
	NetworkMode string
	TmpfsSize   string // e.g. "size=256m"
	StopTimeout int    // seconds before SIGKILL on stop
}

func (c ContainerConfig) withDefaults() ContainerConfig {
	if c.Image == "" {
		c.Image = "fleetd-agent:latest"
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = 2048
	}
	if c.NetworkMode == "" {
		c.NetworkMode = "bridge"
	}
	if c.TmpfsSize == "" {
		c.TmpfsSize = "size=256m"
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10
	}
	return c
}

// ContainerAPI is the slice of the Docker client the spawner uses. Narrow on
// purpose: tests implement it with a fake.
type ContainerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
}

// NewDockerAPI builds the production Docker client from the environment.
func NewDockerAPI() (ContainerAPI, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return cli, nil
}

// launchContainer runs the agent in a locked-down container: read-only
// rootfs, writable /tmp only, all capabilities dropped, bounded memory and
// CPU. The prompt travels as an entrypoint argument, secrets via a 0600
// staging file that exists only for the duration of this call.
func (s *Spawner) launchContainer(ctx context.Context, req SpawnRequest, agentCmd, wtPath string) (string, error) {
	if s.docker == nil {
		return "", fmt.Errorf("container mode requires a docker client")
	}
	cc := s.cfg.Container.withDefaults()

	env, cleanup, err := stageSecrets(s.cfg.Secrets)
	if err != nil {
		return "", fmt.Errorf("stage secrets: %w", err)
	}
	defer cleanup()

	stopTimeout := cc.StopTimeout
	resp, err := s.docker.ContainerCreate(ctx,
		&container.Config{
			Image:       cc.Image,
			Cmd:         []string{agentCmd, req.Prompt},
			WorkingDir:  "/workspace",
			Env:         env,
			StopTimeout: &stopTimeout,
			Labels: map[string]string{
				labelTaskID: req.TaskID,
				labelBranch: req.Branch,
			},
		},
		&container.HostConfig{
			Binds:          []string{fmt.Sprintf("%s:/workspace", wtPath)},
			ReadonlyRootfs: true,
			Tmpfs:          map[string]string{"/tmp": cc.TmpfsSize},
			NetworkMode:    container.NetworkMode(cc.NetworkMode),
			CapDrop:        []string{"ALL"},
			CapAdd:         []string{"CHOWN", "SETUID", "SETGID"},
			SecurityOpt:    []string{"no-new-privileges"},
			Resources: container.Resources{
				Memory:   cc.MemoryMB * 1024 * 1024,
				NanoCPUs: cc.NanoCPUs,
			},
		},
		nil, nil, sessionName(req.TaskID))
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := s.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = s.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}
	return resp.ID, nil
}

// stageSecrets writes secrets to a 0600 temp file and returns them as env
// entries. The file is the audit point for what the container received; the
// returned cleanup always removes it.
func stageSecrets(secrets map[string]string) (env []string, cleanup func(), err error) {
	cleanup = func() {}
	if len(secrets) == 0 {
		return nil, cleanup, nil
	}

	keys := make([]string, 0, len(secrets))
	for k := range secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s=%s\n", k, secrets[k])
		env = append(env, k+"="+secrets[k])
	}

	f, err := os.CreateTemp("", "fleet-secrets-*.env")
	if err != nil {
		return nil, cleanup, err
	}
	path := f.Name()
	cleanup = func() { _ = os.Remove(path) }
	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		cleanup()
		return nil, func() {}, err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		cleanup()
		return nil, func() {}, err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return env, cleanup, nil
}

func (s *Spawner) containerAlive(ctx context.Context, containerID string) bool {
	if s.docker == nil {
		return false
	}
	inspect, err := s.docker.ContainerInspect(ctx, containerID)
	if err != nil || inspect.State == nil {
		return false
	}
	return inspect.State.Running
}

// stopContainer stops gracefully, then removes. Force on remove covers the
// stop deadline having escalated to SIGKILL already.
func (s *Spawner) stopContainer(ctx context.Context, containerID string) error {
	cc := s.cfg.Container.withDefaults()
	timeout := cc.StopTimeout
	if err := s.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		s.logger.Warn("container stop failed, forcing removal", "container_id", containerID, "error", err)
	}
	if err := s.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

func (s *Spawner) containerLogs(ctx context.Context, containerID string, lines int) (string, error) {
	out, err := s.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(lines),
	})
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out); err != nil {
		return "", fmt.Errorf("demux container logs: %w", err)
	}
	if stderrBuf.Len() > 0 {
		stdoutBuf.WriteString(stderrBuf.String())
	}
	return stdoutBuf.String(), nil
}

// listContainers returns live fleet containers as processRef -> taskID.
func (s *Spawner) listContainers(ctx context.Context) (map[string]string, error) {
	if s.docker == nil {
		return map[string]string{}, nil
	}
	summaries, err := s.docker.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", labelTaskID)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	refs := make(map[string]string, len(summaries))
	for _, sum := range summaries {
		refs[sum.ID] = sum.Labels[labelTaskID]
	}
	return refs, nil
}
