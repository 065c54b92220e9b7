// Package pipeline orchestrates the release stages: lint, build-and-push,
// deploy, verify. Deploy is gated behind successful lint and build, and
// runs only for the primary branch; verification is best-effort and never
// fails a run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"ferry/internal/config"
	"ferry/internal/events"
	"ferry/internal/gitinfo"
	"ferry/internal/healthcheck"
	"ferry/internal/image"
	"ferry/internal/lint"
)

// Stage names as they appear in events and results.
const (
	StageLint      = "lint"
	StageBuildPush = "build-and-push"
	StageDeploy    = "deploy"
	StageVerify    = "verify"
)

// ErrRunInProgress is returned when a run is requested while another is
// active and concurrent runs are not allowed.
var ErrRunInProgress = errors.New("a pipeline run is already in progress")

// Linter runs the lint gate.
type Linter interface {
	Run(ctx context.Context) (*lint.Report, error)
}

// Builder builds the image under the release tags.
type Builder interface {
	Build(ctx context.Context, tags []string) (*image.BuildResult, error)
}

// Pusher publishes the release tags to the registry.
type Pusher interface {
	Push(ctx context.Context, tags []string) error
}

// Deployer rolls the new image out on the target host.
type Deployer interface {
	Deploy(ctx context.Context) error
}

// Verifier polls the liveness endpoint after a deploy.
type Verifier interface {
	WaitReady(ctx context.Context, url string) *healthcheck.Result
}

// StageStatus is the terminal state of a stage within a run.
type StageStatus string

const (
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// StageResult records one stage's outcome.
type StageResult struct {
	Name     string
	Status   StageStatus
	Reason   string
	Duration time.Duration
}

// Result describes a completed (or aborted) pipeline run.
type Result struct {
	RunID    string
	Commit   string
	Branch   string
	Tags     []string
	Stages   []StageResult
	Verified bool
	Success  bool
	Duration time.Duration
}

// Runner executes pipeline runs.
type Runner struct {
	cfg      *config.Config
	bus      events.EventBus
	linter   Linter
	builder  Builder
	pusher   Pusher
	deployer Deployer
	verifier Verifier
	runMu    sync.Mutex
}

// NewRunner wires a pipeline runner from its stages.
func NewRunner(cfg *config.Config, bus events.EventBus, linter Linter, builder Builder, pusher Pusher, deployer Deployer, verifier Verifier) *Runner {
	return &Runner{
		cfg:      cfg,
		bus:      bus,
		linter:   linter,
		builder:  builder,
		pusher:   pusher,
		deployer: deployer,
		verifier: verifier,
	}
}

// Run executes the full pipeline for the given revision. Overlapping runs
// are rejected with ErrRunInProgress unless pipeline.allow_concurrent is
// set.
func (r *Runner) Run(ctx context.Context, rev gitinfo.Info) (*Result, error) {
	if !r.cfg.Pipeline.AllowConcurrent {
		if !r.runMu.TryLock() {
			return nil, ErrRunInProgress
		}
		defer r.runMu.Unlock()
	}

	start := time.Now()
	result := &Result{
		RunID:  uuid.New().String(),
		Commit: rev.Commit,
		Branch: rev.Branch,
		Tags: []string{
			r.cfg.ImageRef("latest"),
			r.cfg.ImageRef(rev.ShortCommit()),
		},
	}

	r.publish(events.Event{
		Type:   events.RunStarted,
		RunID:  result.RunID,
		Commit: rev.ShortCommit(),
		Branch: rev.Branch,
	})

	// Stage 1: lint. A strict violation is fatal and blocks everything
	// downstream.
	if err := r.runStage(ctx, result, StageLint, func(ctx context.Context) error {
		_, err := r.linter.Run(ctx)
		return err
	}); err != nil {
		return r.finish(result, start), err
	}

	// Stage 2: build and push under both tags.
	if err := r.runStage(ctx, result, StageBuildPush, func(ctx context.Context) error {
		built, err := r.builder.Build(ctx, result.Tags)
		if err != nil {
			return err
		}
		r.publish(events.Event{Type: events.ImageBuilt, RunID: result.RunID, Tags: built.Tags})

		if err := r.pusher.Push(ctx, result.Tags); err != nil {
			return err
		}
		r.publish(events.Event{Type: events.ImagePushed, RunID: result.RunID, Tags: result.Tags})
		return nil
	}); err != nil {
		return r.finish(result, start), err
	}

	// Stage 3: deploy, restricted to the primary branch.
	if rev.Branch != r.cfg.Pipeline.PrimaryBranch {
		reason := fmt.Sprintf("branch %q is not the primary branch %q", rev.Branch, r.cfg.Pipeline.PrimaryBranch)
		r.skipStage(result, StageDeploy, reason)
		r.skipStage(result, StageVerify, reason)
		result.Success = true
		return r.finish(result, start), nil
	}

	if err := r.runStage(ctx, result, StageDeploy, func(ctx context.Context) error {
		if err := r.deployer.Deploy(ctx); err != nil {
			return err
		}
		r.publish(events.Event{Type: events.DeployComplete, RunID: result.RunID})
		return nil
	}); err != nil {
		return r.finish(result, start), err
	}

	// Stage 4: verify. Best effort - a failed probe is a warning, never a
	// run failure.
	r.runVerify(ctx, result)

	result.Success = true
	return r.finish(result, start), nil
}

func (r *Runner) runVerify(ctx context.Context, result *Result) {
	if r.cfg.Healthcheck.URL == "" {
		r.skipStage(result, StageVerify, "healthcheck.url not configured")
		return
	}

	start := time.Now()
	r.publish(events.Event{Type: events.StageStarted, RunID: result.RunID, Stage: StageVerify})

	probe := r.verifier.WaitReady(ctx, r.cfg.Healthcheck.URL)
	duration := time.Since(start)

	stage := StageResult{
		Name:     StageVerify,
		Status:   StageSucceeded,
		Duration: duration,
	}

	if probe.Healthy {
		result.Verified = true
	} else {
		reason := "liveness probe failed"
		if probe.Err != nil {
			reason = probe.Err.Error()
		}
		stage.Reason = reason
		r.publish(events.Event{
			Type:   events.VerifyFailed,
			RunID:  result.RunID,
			Stage:  StageVerify,
			Reason: reason,
		})
	}

	r.publish(events.Event{
		Type:     events.StageCompleted,
		RunID:    result.RunID,
		Stage:    StageVerify,
		Duration: duration,
	})
	result.Stages = append(result.Stages, stage)
}

func (r *Runner) runStage(ctx context.Context, result *Result, name string, fn func(context.Context) error) error {
	start := time.Now()
	r.publish(events.Event{Type: events.StageStarted, RunID: result.RunID, Stage: name})

	err := fn(ctx)
	duration := time.Since(start)

	if err != nil {
		r.publish(events.Event{
			Type:     events.StageFailed,
			RunID:    result.RunID,
			Stage:    name,
			Reason:   err.Error(),
			Duration: duration,
		})
		result.Stages = append(result.Stages, StageResult{
			Name:     name,
			Status:   StageFailed,
			Reason:   err.Error(),
			Duration: duration,
		})
		return fmt.Errorf("stage %s failed: %w", name, err)
	}

	r.publish(events.Event{
		Type:     events.StageCompleted,
		RunID:    result.RunID,
		Stage:    name,
		Duration: duration,
	})
	result.Stages = append(result.Stages, StageResult{
		Name:     name,
		Status:   StageSucceeded,
		Duration: duration,
	})
	return nil
}

func (r *Runner) skipStage(result *Result, name, reason string) {
	r.publish(events.Event{
		Type:   events.StageSkipped,
		RunID:  result.RunID,
		Stage:  name,
		Reason: reason,
	})
	result.Stages = append(result.Stages, StageResult{
		Name:   name,
		Status: StageSkipped,
		Reason: reason,
	})
}

func (r *Runner) finish(result *Result, start time.Time) *Result {
	result.Duration = time.Since(start)
	r.publish(events.Event{
		Type:     events.RunCompleted,
		RunID:    result.RunID,
		Duration: result.Duration,
	})
	return result
}

func (r *Runner) publish(event events.Event) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(event); err != nil {
		log.Warn().Err(err).Str("event_type", string(event.Type)).Msg("Failed to publish event")
	}
}
