// Package container provides Docker container management for agent
// containers.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/mkmeral/containerized-strands-agents/internal/domain"
)

const (
	// AgentIDLabel marks containers owned by this host so startup
	// reconciliation can find them even when the registry is stale.
	AgentIDLabel = "containerized-agents.agent-id"

	createRetryAttempts = 5
	createRetryDelay    = 250 * time.Millisecond
)

// Runtime defines the container-runtime operations the lifecycle manager
// needs. Errors from an unreachable daemon are wrapped in
// domain.InfrastructureError so callers can leave registry state untouched.
type Runtime interface {
	// StartAgent creates and starts a container for the record, mounting
	// its data directory at the fixed in-container path and injecting
	// exactly the given environment. Returns the container id.
	StartAgent(ctx context.Context, rec *domain.AgentRecord, env map[string]string) (string, error)

	// StopContainer stops and removes a container with the configured
	// grace period, then force-removes. Idempotent.
	StopContainer(ctx context.Context, containerID string) error

	// RemoveContainer force-removes a container without a graceful stop,
	// used to tear down a partially created container.
	RemoveContainer(ctx context.Context, containerID string) error

	// IsRunning checks if a container is currently running.
	IsRunning(ctx context.Context, containerID string) (bool, error)

	// ListAgentContainers returns agent id -> container state for every
	// container carrying our label, running or not. Exited containers are
	// included with Running=false so callers can tell "exists" from
	// "alive".
	ListAgentContainers(ctx context.Context) (map[string]AgentContainer, error)

	// EnsureNetwork creates the dedicated bridge network if missing.
	EnsureNetwork(ctx context.Context) (string, error)
}

// AgentContainer is one labeled container found on the host.
type AgentContainer struct {
	ID      string
	Running bool
}

// Options configures the Docker-backed runtime.
type Options struct {
	Image           string
	Network         string
	StopGracePeriod time.Duration
}

// DockerRuntime implements Runtime using the Docker API.
type DockerRuntime struct {
	cli  *client.Client
	opts Options
}

// NewDockerRuntime creates a new Docker-backed runtime.
func NewDockerRuntime(opts Options) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if opts.StopGracePeriod <= 0 {
		opts.StopGracePeriod = 10 * time.Second
	}
	slog.Info("Docker client initialized", "image", opts.Image, "network", opts.Network)
	return &DockerRuntime{cli: cli, opts: opts}, nil
}

// StartAgent creates and starts the container for an agent record.
func (r *DockerRuntime) StartAgent(ctx context.Context, rec *domain.AgentRecord, env map[string]string) (string, error) {
	// A lingering container with the same name is stale state from a
	// previous run; recycle it instead of failing on the name conflict.
	if inspect, err := r.cli.ContainerInspect(ctx, rec.ContainerName); err == nil {
		slog.Info("Removing stale container before start",
			"container_id", inspect.ID,
			"agent_id", rec.AgentID)
		if err := r.RemoveContainer(ctx, inspect.ID); err != nil {
			slog.Warn("Failed to remove stale container", "error", err, "container_id", inspect.ID)
		}
	} else if !errdefs.IsNotFound(err) && isDaemonUnreachable(err) {
		return "", &domain.InfrastructureError{Op: "inspect container", Err: err}
	}

	envVars := make([]string, 0, len(env))
	for k, v := range env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	exposed := nat.Port(fmt.Sprintf("%d/tcp", domain.ContainerPort))
	config := &container.Config{
		Image: r.opts.Image,
		Env:   envVars,
		Labels: map[string]string{
			AgentIDLabel: rec.AgentID,
		},
		ExposedPorts: nat.PortSet{exposed: struct{}{}},
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(r.opts.Network),
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: rec.DataDir,
			Target: domain.ContainerDataPath,
		}},
		PortBindings: nat.PortMap{
			exposed: []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: strconv.Itoa(rec.HostPort),
			}},
		},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, rec.ContainerName)
		if createErr == nil {
			break
		}

		if isDaemonUnreachable(createErr) {
			return "", &domain.InfrastructureError{Op: "create container", Err: createErr}
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create container: %w", createErr)
		}

		// A delayed cleanup can leave the old named container briefly.
		slog.Warn("Container name conflict during create, retrying",
			"agent_id", rec.AgentID,
			"container_name", rec.ContainerName,
			"attempt", i+1,
			"error", createErr)

		if inspect, inspectErr := r.cli.ContainerInspect(ctx, rec.ContainerName); inspectErr == nil {
			if removeErr := r.RemoveContainer(ctx, inspect.ID); removeErr != nil {
				slog.Warn("Failed to remove conflicting container before retry", "container_id", inspect.ID, "error", removeErr)
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create container after retries: %w", createErr)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			slog.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		if isDaemonUnreachable(err) {
			return "", &domain.InfrastructureError{Op: "start container", Err: err}
		}
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	slog.Info("Container started",
		"container_id", resp.ID,
		"agent_id", rec.AgentID,
		"host_port", rec.HostPort)
	return resp.ID, nil
}

// StopContainer stops and removes a container.
// It is idempotent and handles concurrent calls gracefully.
func (r *DockerRuntime) StopContainer(ctx context.Context, containerID string) error {
	slog.Info("Stopping container", "container_id", containerID)

	_, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container_id", containerID)
			return nil
		}
		if isDaemonUnreachable(err) {
			return &domain.InfrastructureError{Op: "inspect container", Err: err}
		}
		return fmt.Errorf("inspect container %s: %w", containerID, err)
	}

	timeout := int(r.opts.StopGracePeriod.Seconds())
	if err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		// Container may already be stopped or being removed elsewhere;
		// force removal below handles the rest.
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already stopped/removed", "container_id", containerID)
		} else {
			slog.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
		}
	}

	return r.RemoveContainer(ctx, containerID)
}

// RemoveContainer force-removes a container.
func (r *DockerRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			slog.Debug("Container removal already in progress", "container_id", containerID)
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, container may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

// IsRunning checks if a container is currently running.
func (r *DockerRuntime) IsRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		if isDaemonUnreachable(err) {
			return false, &domain.InfrastructureError{Op: "inspect container", Err: err}
		}
		return false, fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	return inspect.State.Running, nil
}

// ListAgentContainers returns agent id -> container state for every labeled
// container, exited ones included.
func (r *DockerRuntime) ListAgentContainers(ctx context.Context) (map[string]AgentContainer, error) {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", AgentIDLabel)),
	})
	if err != nil {
		if isDaemonUnreachable(err) {
			return nil, &domain.InfrastructureError{Op: "list containers", Err: err}
		}
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make(map[string]AgentContainer, len(list))
	for _, c := range list {
		if agentID := c.Labels[AgentIDLabel]; agentID != "" {
			out[agentID] = AgentContainer{ID: c.ID, Running: c.State == "running"}
		}
	}
	return out, nil
}

// EnsureNetwork creates the dedicated bridge network if it doesn't exist.
func (r *DockerRuntime) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := r.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		if isDaemonUnreachable(err) {
			return "", &domain.InfrastructureError{Op: "list networks", Err: err}
		}
		return "", fmt.Errorf("list networks: %w", err)
	}

	for _, nw := range networks {
		if nw.Name == r.opts.Network {
			slog.Debug("Agent network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	createResp, err := r.cli.NetworkCreate(ctx, r.opts.Network, network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", r.opts.Network, err)
	}

	slog.Info("Agent network created", "network_id", createResp.ID, "network", r.opts.Network)
	return createResp.ID, nil
}

// isDaemonUnreachable classifies errors that mean the Docker daemon itself
// could not be reached, as opposed to a rejected operation.
func isDaemonUnreachable(err error) bool {
	if err == nil {
		return false
	}
	if client.IsErrConnectionFailed(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "cannot connect to the docker daemon") ||
		strings.Contains(msg, "connection refused")
}
