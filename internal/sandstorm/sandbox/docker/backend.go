// Package docker provides a Docker Engine sandbox backend for agent runs.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sandstorm-dev/sandstorm/internal/sandstorm/sandbox"
)

const (
	labelManagedBy = "sandstorm.managed-by"
	labelSessionID = "sandstorm.session-id"
	labelDeadline  = "sandstorm.deadline"
	managedByValue = "sandstorm"

	// stopTimeout is how long to wait for graceful container stop before SIGKILL.
	stopTimeout = 5 * time.Second

	// agentUser is the unprivileged user the agent process runs as.
	agentUser = "user"
)

// Backend implements sandbox.Backend using the Docker Engine API.
type Backend struct {
	client *dockerclient.Client
}

// New creates a Docker backend. Uses the DOCKER_HOST env var or the default
// socket path.
func New() (*Backend, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Backend{client: cli}, nil
}

// Name identifies the backend variant.
func (b *Backend) Name() string { return "docker" }

// Ping probes the Docker daemon for reachability.
func (b *Backend) Ping(ctx context.Context) error {
	if _, err := b.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// Provision creates and starts a hardened container for one agent run.
//
// Hardening applied to every container regardless of configuration: all
// capabilities dropped except the minimal file-ownership set, privilege
// escalation disabled, CPU and memory hard-capped, auto-remove on exit so an
// orchestrator crash cannot leave containers alive past their deadline
// unobserved by the sweeper.
func (b *Backend) Provision(ctx context.Context, spec sandbox.Spec) (sandbox.Handle, error) {
	if spec.Image == "" {
		return sandbox.Handle{}, &sandbox.ProvisionError{Backend: "docker", Reason: "spec.Image is required"}
	}

	handle := sandbox.Handle{
		SessionID: spec.SessionID,
		Name:      sandbox.EnvironmentNameFor(spec.SessionID),
	}

	if _, _, err := b.client.ImageInspectWithRaw(ctx, spec.Image); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return handle, &sandbox.ProvisionError{Backend: "docker", Reason: fmt.Sprintf("image %q not found", spec.Image), Err: err}
		}
		return handle, &sandbox.ProvisionError{Backend: "docker", Reason: "substrate unreachable", Err: err}
	}

	nanoCPUs, err := parseCPULimit(spec.CPULimit)
	if err != nil {
		return handle, &sandbox.ProvisionError{Backend: "docker", Reason: "invalid cpu limit", Err: err}
	}
	memBytes, err := parseMemoryLimit(spec.MemoryLimit)
	if err != nil {
		return handle, &sandbox.ProvisionError{Backend: "docker", Reason: "invalid memory limit", Err: err}
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	containerCfg := &container.Config{
		Image: spec.Image,
		// PID 1 sleeps; the agent runs as an exec so its output stream can
		// be attached and detached independently of container lifetime.
		Cmd:        []string{"/bin/sleep", "infinity"},
		Env:        env,
		WorkingDir: sandbox.WorkDir,
		Labels: map[string]string{
			labelManagedBy: managedByValue,
			labelSessionID: spec.SessionID,
			labelDeadline:  spec.Deadline.UTC().Format(time.RFC3339),
		},
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		AutoRemove:  true,
		CapDrop:     []string{"ALL"},
		CapAdd:      []string{"CHOWN", "DAC_OVERRIDE", "FOWNER", "SETGID", "SETUID"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			NanoCPUs: nanoCPUs,
			Memory:   memBytes,
		},
	}

	resp, err := b.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, handle.Name)
	if err != nil {
		return handle, &sandbox.ProvisionError{Backend: "docker", Reason: "create container", Err: err}
	}
	handle.ID = resp.ID

	if err := b.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Handle carries the container ID so the caller's Destroy can
		// collect the partial environment.
		return handle, &sandbox.ProvisionError{Backend: "docker", Reason: "start container", Err: err}
	}

	slog.Debug("container started",
		"session_id", spec.SessionID,
		"container_id", shortID(resp.ID),
		"cpus", spec.CPULimit,
		"memory", spec.MemoryLimit)

	return handle, nil
}

// Mkdir creates a directory (and parents) inside the container.
func (b *Backend) Mkdir(ctx context.Context, handle sandbox.Handle, dirPath string) error {
	exitCode, err := b.execWait(ctx, handle, []string{"mkdir", "-p", dirPath}, "root")
	if err != nil {
		return fmt.Errorf("mkdir %s: %w", dirPath, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("mkdir %s: exit code %d", dirPath, exitCode)
	}
	return nil
}

// WriteFile materializes content at filePath inside the container using a
// tar stream, the Engine API's native file-transfer mechanism.
func (b *Backend) WriteFile(ctx context.Context, handle sandbox.Handle, filePath string, content []byte) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: path.Base(filePath),
		Mode: 0o644,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("tar header for %s: %w", filePath, err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("tar content for %s: %w", filePath, err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("tar close for %s: %w", filePath, err)
	}

	dir := path.Dir(filePath)
	if err := b.client.CopyToContainer(ctx, handle.ID, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy %s to container: %w", filePath, err)
	}
	return nil
}

// Run starts the agent process as an exec inside the container and returns a
// live stream of its standard output. Stderr is demultiplexed off the stream
// and logged at debug level.
func (b *Backend) Run(ctx context.Context, handle sandbox.Handle, command []string, env map[string]string) (io.ReadCloser, error) {
	execEnv := make([]string, 0, len(env))
	for k, v := range env {
		execEnv = append(execEnv, k+"="+v)
	}

	exec, err := b.client.ContainerExecCreate(ctx, handle.ID, container.ExecOptions{
		Cmd:          command,
		Env:          execEnv,
		User:         agentUser,
		WorkingDir:   sandbox.WorkDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	attach, err := b.client.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	// The attach stream multiplexes stdout and stderr; split them so the
	// caller sees only stdout bytes.
	pr, pw := io.Pipe()
	go func() {
		defer attach.Close()
		_, err := stdcopy.StdCopy(pw, debugWriter{sessionID: handle.SessionID}, attach.Reader)
		pw.CloseWithError(err)
	}()

	return pr, nil
}

// SignalStop requests that the container stop, bounded by the grace period.
// A missing container (already auto-removed) is not an error.
func (b *Backend) SignalStop(ctx context.Context, handle sandbox.Handle) error {
	if handle.ID == "" {
		return nil
	}
	timeout := int(stopTimeout.Seconds())
	if err := b.client.ContainerStop(ctx, handle.ID, container.StopOptions{Timeout: &timeout}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container %s: %w", shortID(handle.ID), err)
	}
	return nil
}

// Destroy force-removes the container. Safe to call multiple times and on
// partially initialized handles; a container that is already gone (stopped
// with auto-remove, or never created) is not an error.
func (b *Backend) Destroy(ctx context.Context, handle sandbox.Handle) error {
	if handle.ID == "" {
		return nil
	}
	err := b.client.ContainerRemove(ctx, handle.ID, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		// v27 returns "removal already in progress" while auto-remove runs.
		if strings.Contains(err.Error(), "already in progress") {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", shortID(handle.ID), err)
	}
	return nil
}

// ListManaged returns handles and deadlines for every sandstorm-managed
// container, running or not. Used by the reconciliation sweeper.
func (b *Backend) ListManaged(ctx context.Context) ([]sandbox.ManagedEnvironment, error) {
	containers, err := b.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	managed := make([]sandbox.ManagedEnvironment, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		deadline, _ := time.Parse(time.RFC3339, c.Labels[labelDeadline])
		managed = append(managed, sandbox.ManagedEnvironment{
			Handle: sandbox.Handle{
				SessionID: c.Labels[labelSessionID],
				ID:        c.ID,
				Name:      name,
			},
			Deadline: deadline,
		})
	}
	return managed, nil
}

// --- helpers ---

// execWait runs a command to completion inside the container and returns its
// exit code.
func (b *Backend) execWait(ctx context.Context, handle sandbox.Handle, command []string, user string) (int, error) {
	exec, err := b.client.ContainerExecCreate(ctx, handle.ID, container.ExecOptions{
		Cmd:          command,
		User:         user,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("exec create: %w", err)
	}

	attach, err := b.client.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	// Drain output; completion is signalled by stream EOF.
	if _, err := io.Copy(io.Discard, attach.Reader); err != nil {
		return -1, fmt.Errorf("exec drain: %w", err)
	}

	inspect, err := b.client.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return -1, fmt.Errorf("exec inspect: %w", err)
	}
	return inspect.ExitCode, nil
}

// parseCPULimit converts a whole-or-fractional core count ("2", "1.5") into
// Docker NanoCPUs.
func parseCPULimit(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	cores, err := strconv.ParseFloat(s, 64)
	if err != nil || cores <= 0 {
		return 0, fmt.Errorf("cpu limit %q: must be a positive core count", s)
	}
	return int64(cores * 1e9), nil
}

// parseMemoryLimit converts a human memory size ("4g", "2048m", "512k") into
// bytes.
func parseMemoryLimit(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	lower := strings.ToLower(strings.TrimSpace(s))
	lower = strings.TrimSuffix(lower, "b")

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(lower, "g"):
		multiplier = 1 << 30
		lower = strings.TrimSuffix(lower, "g")
	case strings.HasSuffix(lower, "m"):
		multiplier = 1 << 20
		lower = strings.TrimSuffix(lower, "m")
	case strings.HasSuffix(lower, "k"):
		multiplier = 1 << 10
		lower = strings.TrimSuffix(lower, "k")
	}

	n, err := strconv.ParseInt(lower, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("memory limit %q: must be a positive size", s)
	}
	return n * multiplier, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// debugWriter logs agent stderr lines at debug level without surfacing them
// on the event stream.
type debugWriter struct {
	sessionID string
}

func (w debugWriter) Write(p []byte) (int, error) {
	slog.Debug("agent stderr", "session_id", w.sessionID, "output", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
