package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/saltfish/paramsearch/internal/config"
)

const (
	// Label keys for container management
	labelJobID   = "paramsearch.job_id"
	labelManaged = "paramsearch.managed"

	// Container-side mount points
	workMount = "/work"
	dataMount = "/data"

	// Default resource limits
	defaultNanoCPUs = 2_000_000_000 // 2 CPUs
	defaultMemoryMB = 2048
)

// toAbsolutePath converts a relative path to absolute path.
// If the path is already absolute, it returns as-is.
func toAbsolutePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}

// dockerManager implements Manager using the Docker SDK.
type dockerManager struct {
	client    *client.Client
	config    *config.DockerConfig
	resources container.Resources
	logger    *zap.Logger
}

// NewDockerManager creates a new Docker manager.
func NewDockerManager(cfg *config.DockerConfig, logger *zap.Logger) (Manager, error) {
	resources, err := parseResources(cfg)
	if err != nil {
		return nil, err
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to Docker daemon: %w", err)
	}

	logger.Info("Docker client connected",
		zap.String("image", cfg.Image),
	)

	return &dockerManager{
		client:    cli,
		config:    cfg,
		resources: resources,
		logger:    logger,
	}, nil
}

// parseResources converts the configured CPU and memory limits.
func parseResources(cfg *config.DockerConfig) (container.Resources, error) {
	res := container.Resources{
		NanoCPUs: defaultNanoCPUs,
		Memory:   int64(defaultMemoryMB) * 1024 * 1024,
	}
	if cfg.CPULimit != "" {
		cpus, err := strconv.ParseFloat(cfg.CPULimit, 64)
		if err != nil || cpus <= 0 {
			return res, fmt.Errorf("invalid docker cpu_limit %q", cfg.CPULimit)
		}
		res.NanoCPUs = int64(cpus * 1e9)
	}
	if cfg.MemoryLimit != "" {
		mem, err := units.RAMInBytes(cfg.MemoryLimit)
		if err != nil || mem <= 0 {
			return res, fmt.Errorf("invalid docker memory_limit %q", cfg.MemoryLimit)
		}
		res.Memory = mem
	}
	return res, nil
}

// RunContainer starts a backtester container with the job workspace mounted.
func (m *dockerManager) RunContainer(ctx context.Context, params *RunParams) (string, error) {
	containerConfig := &container.Config{
		Image: m.config.Image,
		Cmd:   params.Cmd,
		Labels: map[string]string{
			labelJobID:   params.JobID,
			labelManaged: "true",
		},
		Env: append([]string{
			"PARAMSEARCH_WORK_DIR=" + workMount,
			"PARAMSEARCH_DATA_DIR=" + dataMount,
		}, params.Env...),
		WorkingDir: workMount,
	}

	hostConfig := &container.HostConfig{
		Binds: []string{
			toAbsolutePath(m.config.DataMount) + ":" + dataMount + ":ro",
			toAbsolutePath(params.WorkDir) + ":" + workMount + ":rw",
		},
		Resources:   m.resources,
		NetworkMode: container.NetworkMode(m.config.Network),
		AutoRemove:  false,
	}

	if err := m.ensureImage(ctx); err != nil {
		return "", fmt.Errorf("failed to ensure image: %w", err)
	}

	resp, err := m.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	containerID := resp.ID

	if err := m.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		_ = m.client.ContainerRemove(context.WithoutCancel(ctx), containerID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	m.logger.Info("Started backtester container",
		zap.String("container_id", shortID(containerID)),
		zap.String("job_id", params.JobID),
		zap.Strings("cmd", params.Cmd),
	)

	return containerID, nil
}

// WaitContainer waits for a container to finish and returns logs.
func (m *dockerManager) WaitContainer(ctx context.Context, containerID string) (int64, string, error) {
	statusCh, errCh := m.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		if err != nil {
			return -1, "", fmt.Errorf("error waiting for container: %w", err)
		}
		return -1, "", fmt.Errorf("container wait ended without status")
	case status := <-statusCh:
		logs, err := m.GetContainerLogs(ctx, containerID)
		if err != nil {
			m.logger.Warn("Failed to get container logs",
				zap.String("container_id", shortID(containerID)),
				zap.Error(err),
			)
		}

		m.logger.Info("Container finished",
			zap.String("container_id", shortID(containerID)),
			zap.Int64("exit_code", status.StatusCode),
		)

		return status.StatusCode, logs, nil
	case <-ctx.Done():
		return -1, "", ctx.Err()
	}
}

// StopContainer stops a running container.
func (m *dockerManager) StopContainer(ctx context.Context, containerID string) error {
	timeout := 10 // seconds
	stopOptions := container.StopOptions{
		Timeout: &timeout,
	}

	if err := m.client.ContainerStop(ctx, containerID, stopOptions); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}

	m.logger.Info("Stopped container",
		zap.String("container_id", shortID(containerID)),
	)

	return nil
}

// RemoveContainer removes a container.
func (m *dockerManager) RemoveContainer(ctx context.Context, containerID string) error {
	removeOptions := container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}

	if err := m.client.ContainerRemove(ctx, containerID, removeOptions); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}

	m.logger.Debug("Removed container",
		zap.String("container_id", shortID(containerID)),
	)

	return nil
}

// GetContainerLogs retrieves logs from a container.
func (m *dockerManager) GetContainerLogs(ctx context.Context, containerID string) (string, error) {
	options := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	}

	reader, err := m.client.ContainerLogs(ctx, containerID, options)
	if err != nil {
		return "", fmt.Errorf("failed to get container logs: %w", err)
	}
	defer reader.Close()

	// Docker multiplexes stdout/stderr, need to demux
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		// TTY containers are not multiplexed
		raw, rerr := m.client.ContainerLogs(ctx, containerID, options)
		if rerr != nil {
			return "", fmt.Errorf("failed to get container logs: %w", rerr)
		}
		defer raw.Close()
		data, _ := io.ReadAll(raw)
		return string(data), nil
	}

	var combined strings.Builder
	combined.WriteString(stdout.String())
	if stderr.Len() > 0 {
		combined.WriteString("\n=== STDERR ===\n")
		combined.WriteString(stderr.String())
	}

	return combined.String(), nil
}

// CleanupStaleContainers removes containers that exceed the maximum age.
func (m *dockerManager) CleanupStaleContainers(ctx context.Context, maxAge time.Duration) (int, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelManaged+"=true")

	containers, err := m.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	cleaned := 0

	for _, c := range containers {
		created := time.Unix(c.Created, 0)
		if !created.Before(cutoff) {
			continue
		}
		if c.State == "running" {
			_ = m.StopContainer(ctx, c.ID)
		}
		if err := m.RemoveContainer(ctx, c.ID); err != nil {
			m.logger.Warn("Failed to remove stale container",
				zap.String("container_id", shortID(c.ID)),
				zap.Error(err),
			)
			continue
		}

		cleaned++
		m.logger.Info("Cleaned up stale container",
			zap.String("container_id", shortID(c.ID)),
			zap.String("job_id", c.Labels[labelJobID]),
			zap.Time("created", created),
		)
	}

	return cleaned, nil
}

// IsContainerRunning checks if a container is still running.
func (m *dockerManager) IsContainerRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := m.client.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect container: %w", err)
	}

	return inspect.State.Running, nil
}

// ensureImage ensures the backtester image is available locally.
func (m *dockerManager) ensureImage(ctx context.Context) error {
	_, _, err := m.client.ImageInspectWithRaw(ctx, m.config.Image)
	if err == nil {
		return nil
	}

	if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to check image: %w", err)
	}

	m.logger.Info("Pulling backtester image",
		zap.String("image", m.config.Image),
	)

	reader, err := m.client.ImagePull(ctx, m.config.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to complete image pull: %w", err)
	}

	m.logger.Info("Successfully pulled image",
		zap.String("image", m.config.Image),
	)

	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Ensure interface compliance at compile time.
var _ Manager = (*dockerManager)(nil)
