package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ferry/internal/config"
	"ferry/internal/deploy"
	"ferry/internal/events"
	"ferry/internal/gitinfo"
	"ferry/internal/healthcheck"
	"ferry/internal/image"
	"ferry/internal/lint"
	"ferry/internal/logging"
	"ferry/internal/pipeline"
	"ferry/internal/registry"
	"ferry/internal/remote"
	"ferry/internal/smoke"
)

// loadConfig reads the resolved configuration and wires logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logging.Setup(cfg); err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	return cfg, nil
}

// resolveRevision determines the commit and branch for this release from
// the --commit/--branch flags, CI environment, or the build context's git
// checkout, in that order.
func resolveRevision(cfg *config.Config) (gitinfo.Info, error) {
	return gitinfo.Resolve(cfg.Image.ContextDir, commitFlag, branchFlag)
}

// releaseTags returns the two tags every release carries: the rolling
// "latest" tag and the immutable commit tag.
func releaseTags(cfg *config.Config, rev gitinfo.Info) []string {
	return []string{
		cfg.ImageRef("latest"),
		cfg.ImageRef(rev.ShortCommit()),
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// sshDeployer dials the target host lazily, at deploy time, so a run that
// never reaches the deploy stage never opens an SSH connection.
type sshDeployer struct {
	cfg *config.Config
}

func (d *sshDeployer) Deploy(ctx context.Context) error {
	client, err := remote.Dial(d.cfg.Deploy)
	if err != nil {
		return fmt.Errorf("failed to connect to deploy host: %w", err)
	}
	defer client.Close()

	return deploy.NewDeployer(client, d.cfg).Deploy(ctx)
}

// smokeBuilder wraps an image builder and boots the freshly built image
// locally before it is allowed to reach the registry.
type smokeBuilder struct {
	builder *image.Builder
	cfg     *config.Config
}

func (b *smokeBuilder) Build(ctx context.Context, tags []string) (*image.BuildResult, error) {
	result, err := b.builder.Build(ctx, tags)
	if err != nil {
		return nil, err
	}
	if !b.cfg.Smoke.Enabled {
		return result, nil
	}

	runner, err := smoke.NewRunner(b.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create smoke runner: %w", err)
	}
	defer runner.Close()

	if err := runner.Run(ctx, tags[0]); err != nil {
		return nil, fmt.Errorf("smoke test failed: %w", err)
	}
	return result, nil
}

var _ pipeline.Deployer = (*sshDeployer)(nil)
var _ pipeline.Builder = (*smokeBuilder)(nil)

// pipelineHarness bundles a fully wired pipeline runner with the
// resources it owns. Close releases the engine clients and drains the
// event bus.
type pipelineHarness struct {
	runner  *pipeline.Runner
	summary *events.SummaryHandler
	bus     *events.InMemoryEventBus
	builder *image.Builder
	pusher  *registry.Pusher
}

func newPipelineHarness(cfg *config.Config) (*pipelineHarness, error) {
	bus := events.NewInMemoryEventBus(100)
	if err := bus.Start(); err != nil {
		return nil, fmt.Errorf("failed to start event bus: %w", err)
	}
	if err := bus.Subscribe(events.NewLogHandler()); err != nil {
		bus.Stop()
		return nil, err
	}
	summary := events.NewSummaryHandler()
	if err := bus.Subscribe(summary); err != nil {
		bus.Stop()
		return nil, err
	}

	builder, err := image.NewBuilder(cfg)
	if err != nil {
		bus.Stop()
		return nil, err
	}
	pusher, err := registry.NewPusher(cfg)
	if err != nil {
		builder.Close()
		bus.Stop()
		return nil, err
	}

	runner := pipeline.NewRunner(cfg,
		bus,
		lint.NewRunner(cfg.Lint, cfg.Image.ContextDir),
		&smokeBuilder{builder: builder, cfg: cfg},
		pusher,
		&sshDeployer{cfg: cfg},
		healthcheck.NewWaiter(cfg.Healthcheck),
	)
	return &pipelineHarness{
		runner:  runner,
		summary: summary,
		bus:     bus,
		builder: builder,
		pusher:  pusher,
	}, nil
}

func (h *pipelineHarness) Close() {
	h.pusher.Close()
	h.builder.Close()
	h.bus.Stop()
}
