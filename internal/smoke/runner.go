// Package smoke boots the freshly built image locally and probes it before
// anything is pushed, catching images that build but do not start.
package smoke

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"ferry/internal/config"
	"ferry/internal/healthcheck"
)

// probeInterval is the poll interval while waiting for the container to
// answer.
const probeInterval = 2 * time.Second

// stopTimeout bounds the container stop on cleanup.
const stopTimeout = 10

// Runner boots an image locally and verifies it serves HTTP.
type Runner struct {
	client *client.Client
	cfg    *config.Config
}

// NewRunner creates a smoke runner connected to the local engine.
func NewRunner(cfg *config.Config) (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create engine client: %w", err)
	}

	return &Runner{client: cli, cfg: cfg}, nil
}

// Close releases the engine client.
func (r *Runner) Close() error {
	return r.client.Close()
}

// Run starts a throwaway container from the image, maps its service port
// to an ephemeral host port and polls the smoke path until it answers.
// The container is always removed afterwards.
func (r *Runner) Run(ctx context.Context, imageRef string) error {
	containerPort := nat.Port(fmt.Sprintf("%d/tcp", r.cfg.Image.Port))
	name := fmt.Sprintf("ferry-smoke-%s", uuid.New().String()[:8])

	resp, err := r.client.ContainerCreate(ctx,
		&container.Config{
			Image:        imageRef,
			Env:          r.cfg.Image.Env,
			ExposedPorts: nat.PortSet{containerPort: struct{}{}},
			Labels: map[string]string{
				"ferry.managed": "true",
				"ferry.purpose": "smoke",
			},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{
				containerPort: []nat.PortBinding{
					{HostIP: "127.0.0.1", HostPort: "0"},
				},
			},
		},
		nil, nil, name)
	if err != nil {
		return fmt.Errorf("failed to create smoke container: %w", err)
	}

	defer r.cleanup(resp.ID)

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start smoke container: %w", err)
	}

	hostPort, err := r.hostPort(ctx, resp.ID, containerPort)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://127.0.0.1:%d%s", hostPort, r.cfg.Smoke.Path)
	log.Info().
		Str("container", resp.ID[:12]).
		Str("image", imageRef).
		Str("url", url).
		Msg("Smoke testing image")

	attempts := int(r.cfg.Smoke.Timeout/probeInterval) + 1
	waiter := healthcheck.NewWaiter(config.HealthcheckConfig{
		Interval: probeInterval,
		Attempts: attempts,
		Timeout:  probeInterval,
	})

	result := waiter.WaitReady(ctx, url)
	if !result.Healthy {
		return fmt.Errorf("image did not answer on %s within %s: %v", url, r.cfg.Smoke.Timeout, result.Err)
	}

	log.Info().
		Int("http_status", result.HTTPStatus).
		Int("attempts", result.Attempts).
		Msg("Smoke test passed")

	return nil
}

func (r *Runner) hostPort(ctx context.Context, containerID string, port nat.Port) (int, error) {
	inspect, err := r.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect smoke container: %w", err)
	}

	if inspect.NetworkSettings == nil {
		return 0, fmt.Errorf("no network settings on smoke container")
	}

	bindings, exists := inspect.NetworkSettings.Ports[port]
	if !exists || len(bindings) == 0 {
		return 0, fmt.Errorf("port %s not mapped on smoke container", port)
	}

	hostPort, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0, fmt.Errorf("invalid host port for smoke container: %w", err)
	}

	return hostPort, nil
}

// cleanup stops and force-removes the throwaway container with a fresh
// context so it runs even after cancellation.
func (r *Runner) cleanup(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	timeout := stopTimeout
	if err := r.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		log.Warn().Err(err).Str("container", containerID[:12]).Msg("Failed to stop smoke container")
	}

	if err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		log.Warn().Err(err).Str("container", containerID[:12]).Msg("Failed to remove smoke container")
	}
}
