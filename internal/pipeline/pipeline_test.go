package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferry/internal/config"
	"ferry/internal/events"
	"ferry/internal/gitinfo"
	"ferry/internal/healthcheck"
	"ferry/internal/image"
	"ferry/internal/lint"
)

type fakeLinter struct {
	err   error
	calls int
}

func (f *fakeLinter) Run(ctx context.Context) (*lint.Report, error) {
	f.calls++
	if f.err != nil {
		return &lint.Report{StrictViolations: 1}, f.err
	}
	return &lint.Report{}, nil
}

type fakeBuilder struct {
	mu    sync.Mutex
	err   error
	tags  []string
	calls int
	block chan struct{}
}

func (f *fakeBuilder) Build(ctx context.Context, tags []string) (*image.BuildResult, error) {
	f.mu.Lock()
	f.calls++
	f.tags = tags
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return &image.BuildResult{Tags: tags}, nil
}

func (f *fakeBuilder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePusher struct {
	err   error
	tags  []string
	calls int
}

func (f *fakePusher) Push(ctx context.Context, tags []string) error {
	f.calls++
	f.tags = tags
	return f.err
}

type fakeDeployer struct {
	err   error
	calls int
}

func (f *fakeDeployer) Deploy(ctx context.Context) error {
	f.calls++
	return f.err
}

type fakeVerifier struct {
	result healthcheck.Result
	calls  int
}

func (f *fakeVerifier) WaitReady(ctx context.Context, url string) *healthcheck.Result {
	f.calls++
	r := f.result
	return &r
}

// recordingBus captures published events synchronously.
type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(event events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) Subscribe(events.EventHandler) error   { return nil }
func (b *recordingBus) Unsubscribe(events.EventHandler) error { return nil }
func (b *recordingBus) Start() error                          { return nil }
func (b *recordingBus) Stop() error                           { return nil }

func (b *recordingBus) typesSeen() []events.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	var types []events.EventType
	for _, e := range b.events {
		types = append(types, e.Type)
	}
	return types
}

type harness struct {
	cfg      *config.Config
	bus      *recordingBus
	linter   *fakeLinter
	builder  *fakeBuilder
	pusher   *fakePusher
	deployer *fakeDeployer
	verifier *fakeVerifier
	runner   *Runner
}

func newHarness() *harness {
	cfg := &config.Config{}
	cfg.Pipeline.PrimaryBranch = "main"
	cfg.Image.Name = "acme/backend"
	cfg.Registry.Domain = "registry.example.com"
	cfg.Healthcheck.URL = "https://app.example.com/api/v1/user/"

	h := &harness{
		cfg:      cfg,
		bus:      &recordingBus{},
		linter:   &fakeLinter{},
		builder:  &fakeBuilder{},
		pusher:   &fakePusher{},
		deployer: &fakeDeployer{},
		verifier: &fakeVerifier{result: healthcheck.Result{Healthy: true, HTTPStatus: 200}},
	}
	h.runner = NewRunner(cfg, h.bus, h.linter, h.builder, h.pusher, h.deployer, h.verifier)
	return h
}

func mainRev() gitinfo.Info {
	return gitinfo.Info{Commit: "0123456789abcdef0123456789abcdef01234567", Branch: "main"}
}

func featureRev() gitinfo.Info {
	return gitinfo.Info{Commit: "0123456789abcdef0123456789abcdef01234567", Branch: "feature/api"}
}

func stageByName(t *testing.T, result *Result, name string) StageResult {
	t.Helper()
	for _, s := range result.Stages {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("stage %s not found in %+v", name, result.Stages)
	return StageResult{}
}

func TestRunFullPipelineOnPrimaryBranch(t *testing.T) {
	h := newHarness()

	result, err := h.runner.Run(context.Background(), mainRev())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.True(t, result.Verified)
	assert.Equal(t, 1, h.linter.calls)
	assert.Equal(t, 1, h.builder.callCount())
	assert.Equal(t, 1, h.pusher.calls)
	assert.Equal(t, 1, h.deployer.calls)
	assert.Equal(t, 1, h.verifier.calls)

	assert.Equal(t, []string{
		"registry.example.com/acme/backend:latest",
		"registry.example.com/acme/backend:0123456789ab",
	}, result.Tags)
	assert.Equal(t, result.Tags, h.builder.tags)
	assert.Equal(t, result.Tags, h.pusher.tags)

	for _, name := range []string{StageLint, StageBuildPush, StageDeploy, StageVerify} {
		assert.Equal(t, StageSucceeded, stageByName(t, result, name).Status)
	}
}

func TestRunFeatureBranchSkipsDeployAndVerify(t *testing.T) {
	h := newHarness()

	result, err := h.runner.Run(context.Background(), featureRev())
	require.NoError(t, err)

	assert.True(t, result.Success, "a feature-branch run that builds and pushes is a success")
	assert.False(t, result.Verified)
	assert.Equal(t, 1, h.pusher.calls, "the image is still pushed for feature branches")
	assert.Zero(t, h.deployer.calls)
	assert.Zero(t, h.verifier.calls)

	deployStage := stageByName(t, result, StageDeploy)
	assert.Equal(t, StageSkipped, deployStage.Status)
	assert.Contains(t, deployStage.Reason, "not the primary branch")
	assert.Equal(t, StageSkipped, stageByName(t, result, StageVerify).Status)
}

func TestRunStrictLintFailureBlocksEverything(t *testing.T) {
	h := newHarness()
	h.linter.err = errors.New("strict lint pass found 2 violation(s)")

	result, err := h.runner.Run(context.Background(), mainRev())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage lint failed")

	assert.False(t, result.Success)
	assert.Zero(t, h.builder.callCount())
	assert.Zero(t, h.pusher.calls)
	assert.Zero(t, h.deployer.calls)
	assert.Equal(t, StageFailed, stageByName(t, result, StageLint).Status)
}

func TestRunBuildFailureStopsBeforePush(t *testing.T) {
	h := newHarness()
	h.builder.err = errors.New("base image unavailable")

	result, err := h.runner.Run(context.Background(), mainRev())
	require.Error(t, err)

	assert.False(t, result.Success)
	assert.Zero(t, h.pusher.calls)
	assert.Zero(t, h.deployer.calls)
	assert.Equal(t, StageFailed, stageByName(t, result, StageBuildPush).Status)
}

func TestRunPushFailureStopsBeforeDeploy(t *testing.T) {
	h := newHarness()
	h.pusher.err = errors.New("authentication required")

	result, err := h.runner.Run(context.Background(), mainRev())
	require.Error(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 1, h.builder.callCount())
	assert.Zero(t, h.deployer.calls)
	assert.Equal(t, StageFailed, stageByName(t, result, StageBuildPush).Status)
}

func TestRunDeployFailureFailsRun(t *testing.T) {
	h := newHarness()
	h.deployer.err = errors.New("ssh: connection refused")

	result, err := h.runner.Run(context.Background(), mainRev())
	require.Error(t, err)

	assert.False(t, result.Success)
	assert.Zero(t, h.verifier.calls)
	assert.Equal(t, StageFailed, stageByName(t, result, StageDeploy).Status)
}

func TestRunVerifyFailureIsNotFatal(t *testing.T) {
	h := newHarness()
	h.verifier.result = healthcheck.Result{
		Healthy:    false,
		Attempts:   10,
		HTTPStatus: 502,
		Err:        errors.New("unexpected HTTP status 502"),
	}

	result, err := h.runner.Run(context.Background(), mainRev())
	require.NoError(t, err, "a failed liveness probe must not fail the run")

	assert.True(t, result.Success)
	assert.False(t, result.Verified)

	verifyStage := stageByName(t, result, StageVerify)
	assert.Equal(t, StageSucceeded, verifyStage.Status)
	assert.Contains(t, verifyStage.Reason, "502")
	assert.Contains(t, h.bus.typesSeen(), events.VerifyFailed)
}

func TestRunVerifySkippedWithoutURL(t *testing.T) {
	h := newHarness()
	h.cfg.Healthcheck.URL = ""

	result, err := h.runner.Run(context.Background(), mainRev())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.False(t, result.Verified)
	assert.Zero(t, h.verifier.calls)
	assert.Equal(t, StageSkipped, stageByName(t, result, StageVerify).Status)
}

func TestRunRejectsConcurrentRuns(t *testing.T) {
	h := newHarness()
	h.builder.block = make(chan struct{})

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		_, _ = h.runner.Run(context.Background(), mainRev())
		close(done)
	}()

	<-started
	// Wait until the first run holds the lock inside the build stage.
	require.Eventually(t, func() bool {
		return h.builder.callCount() > 0
	}, time.Second, time.Millisecond)

	_, err := h.runner.Run(context.Background(), mainRev())
	require.ErrorIs(t, err, ErrRunInProgress)

	close(h.builder.block)
	<-done
}

func TestRunAllowConcurrentOverride(t *testing.T) {
	h := newHarness()
	h.cfg.Pipeline.AllowConcurrent = true

	_, err := h.runner.Run(context.Background(), mainRev())
	require.NoError(t, err)
	_, err = h.runner.Run(context.Background(), mainRev())
	require.NoError(t, err)
}

func TestRunPublishesLifecycleEvents(t *testing.T) {
	h := newHarness()

	_, err := h.runner.Run(context.Background(), mainRev())
	require.NoError(t, err)

	types := h.bus.typesSeen()
	assert.Equal(t, events.RunStarted, types[0])
	assert.Equal(t, events.RunCompleted, types[len(types)-1])
	assert.Contains(t, types, events.ImageBuilt)
	assert.Contains(t, types, events.ImagePushed)
	assert.Contains(t, types, events.DeployComplete)
}

func TestRunWithoutBusStillWorks(t *testing.T) {
	h := newHarness()
	h.runner = NewRunner(h.cfg, nil, h.linter, h.builder, h.pusher, h.deployer, h.verifier)

	result, err := h.runner.Run(context.Background(), mainRev())
	require.NoError(t, err)
	assert.True(t, result.Success)
}
