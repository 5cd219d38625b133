// Package docker runs optimization jobs and backtest batches in containers.
package docker

import (
	"context"
	"time"
)

// Manager defines the interface for Docker container operations.
type Manager interface {
	// RunContainer starts a backtester container.
	RunContainer(ctx context.Context, params *RunParams) (containerID string, err error)

	// WaitContainer waits for a container to finish and returns logs.
	WaitContainer(ctx context.Context, containerID string) (exitCode int64, logs string, err error)

	// StopContainer stops a running container.
	StopContainer(ctx context.Context, containerID string) error

	// RemoveContainer removes a container.
	RemoveContainer(ctx context.Context, containerID string) error

	// GetContainerLogs retrieves logs from a container.
	GetContainerLogs(ctx context.Context, containerID string) (string, error)

	// CleanupStaleContainers removes containers that exceed the maximum age.
	CleanupStaleContainers(ctx context.Context, maxAge time.Duration) (int, error)

	// IsContainerRunning checks if a container is still running.
	IsContainerRunning(ctx context.Context, containerID string) (bool, error)
}

// RunParams contains parameters for starting a backtester container.
type RunParams struct {
	// JobID labels the container so stale ones can be found again.
	JobID string

	// WorkDir is the host directory mounted at /work.
	WorkDir string

	// Cmd is passed to the image entrypoint.
	Cmd []string

	// Env holds extra KEY=VALUE pairs.
	Env []string
}

// ContainerResult represents the result of a container execution.
type ContainerResult struct {
	// ExitCode is the exit code from the container.
	ExitCode int64

	// Logs contains the combined stdout/stderr from the container.
	Logs string

	// Duration is how long the container ran.
	Duration time.Duration
}
