// Package deploy performs the ordered rollout on the remote compose host:
// pull the new image, recreate only the backend service, wait for it to be
// running, restart the reverse proxy, then prune and report.
package deploy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"ferry/internal/config"
)

// CommandRunner executes a shell command on the deployment target.
type CommandRunner interface {
	Run(ctx context.Context, command string) (string, error)
}

// Step is one named command of the rollout sequence.
type Step struct {
	Name    string
	Command string
	Fatal   bool
}

// Deployer drives the rollout over a CommandRunner.
type Deployer struct {
	runner CommandRunner
	cfg    *config.Config
}

// NewDeployer creates a deployer for the given target session.
func NewDeployer(runner CommandRunner, cfg *config.Config) *Deployer {
	return &Deployer{runner: runner, cfg: cfg}
}

// Plan returns the rollout command sequence without executing it.
func (d *Deployer) Plan() []Step {
	dc := d.cfg.Deploy
	inDir := func(cmd string) string {
		return fmt.Sprintf("cd %s && %s", dc.ComposeDir, cmd)
	}

	steps := []Step{
		{
			Name:    "pull-backend",
			Command: inDir(fmt.Sprintf("docker compose pull %s", dc.BackendService)),
			Fatal:   true,
		},
		{
			// --no-deps recreates only the backend; dependent services
			// keep running on the old connections until the proxy restart.
			Name:    "recreate-backend",
			Command: inDir(fmt.Sprintf("docker compose up -d --no-deps %s", dc.BackendService)),
			Fatal:   true,
		},
		{
			Name:    "restart-proxy",
			Command: inDir(fmt.Sprintf("docker compose restart %s", dc.ProxyService)),
			Fatal:   true,
		},
	}

	if dc.Prune {
		steps = append(steps, Step{
			Name:    "prune-images",
			Command: "docker image prune -f",
			Fatal:   false,
		})
	}

	steps = append(steps, Step{
		Name:    "report-status",
		Command: inDir("docker compose ps"),
		Fatal:   false,
	})

	return steps
}

// Deploy executes the rollout. Pull, recreate, readiness and the proxy
// restart are fatal; prune and the status report only warn.
func (d *Deployer) Deploy(ctx context.Context) error {
	steps := d.Plan()

	for _, step := range steps {
		// Readiness gate sits between the backend recreate and the proxy
		// restart: the proxy must come back up against a live backend.
		if step.Name == "restart-proxy" {
			if err := d.waitBackendReady(ctx); err != nil {
				return err
			}
			if d.cfg.Deploy.SettleDelay > 0 {
				log.Info().Dur("delay", d.cfg.Deploy.SettleDelay).Msg("Waiting configured settle delay")
				select {
				case <-time.After(d.cfg.Deploy.SettleDelay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}

		if err := d.runStep(ctx, step); err != nil {
			if step.Fatal {
				return fmt.Errorf("deploy step %s failed: %w", step.Name, err)
			}
			log.Warn().Err(err).Str("step", step.Name).Msg("Non-fatal deploy step failed")
		}
	}

	log.Info().
		Str("host", d.cfg.Deploy.Host).
		Str("service", d.cfg.Deploy.BackendService).
		Msg("Rollout completed")

	return nil
}

func (d *Deployer) runStep(ctx context.Context, step Step) error {
	stepCtx := ctx
	if d.cfg.Deploy.CommandTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, d.cfg.Deploy.CommandTimeout)
		defer cancel()
	}

	log.Info().Str("step", step.Name).Msg("Running deploy step")

	output, err := d.runner.Run(stepCtx, step.Command)
	if err != nil {
		log.Error().
			Err(err).
			Str("step", step.Name).
			Str("output", strings.TrimSpace(output)).
			Msg("Deploy step failed")
		return err
	}

	if out := strings.TrimSpace(output); out != "" {
		log.Info().Str("step", step.Name).Str("output", out).Msg("Deploy step output")
	}
	return nil
}

// waitBackendReady polls the backend container state until it reports
// running, with a bounded attempt count. This replaces the original fixed
// post-deploy delay with an explicit readiness gate.
func (d *Deployer) waitBackendReady(ctx context.Context) error {
	dc := d.cfg.Deploy
	probe := fmt.Sprintf(
		"cd %s && docker inspect -f '{{.State.Status}}' $(docker compose ps -q %s)",
		dc.ComposeDir, dc.BackendService,
	)

	var lastState string
	for attempt := 1; attempt <= dc.ReadyAttempts; attempt++ {
		output, err := d.runner.Run(ctx, probe)
		state := strings.TrimSpace(output)
		if err == nil && state == "running" {
			log.Info().Int("attempt", attempt).Msg("Backend service is running")
			return nil
		}
		if err != nil {
			log.Debug().Err(err).Int("attempt", attempt).Msg("Readiness probe failed")
		} else {
			lastState = state
			log.Debug().Str("state", state).Int("attempt", attempt).Msg("Backend not ready yet")
		}

		if attempt < dc.ReadyAttempts {
			select {
			case <-time.After(dc.ReadyInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("backend service %s not running after %d attempts (last state: %q)",
		dc.BackendService, dc.ReadyAttempts, lastState)
}
