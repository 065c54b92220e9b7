// Package image builds the release container image and enforces the build
// definition contract.
package image

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/rs/zerolog/log"

	"ferry/internal/config"
)

// BuildResult describes a completed image build.
type BuildResult struct {
	Tags []string
}

// Builder builds images through the local container engine.
type Builder struct {
	client *client.Client
	cfg    *config.Config
}

// NewBuilder creates a builder connected to the local engine.
func NewBuilder(cfg *config.Config) (*Builder, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create engine client: %w", err)
	}

	ctx := context.Background()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("container engine not available: %w", err)
	}

	return &Builder{client: cli, cfg: cfg}, nil
}

// Close releases the engine client.
func (b *Builder) Close() error {
	return b.client.Close()
}

// Build checks the build definition, tars the context and builds the image
// under the given tags. The engine's layer cache is left enabled so an
// unchanged dependency manifest reuses the install layer across builds.
func (b *Builder) Build(ctx context.Context, tags []string) (*BuildResult, error) {
	if len(tags) == 0 {
		return nil, fmt.Errorf("at least one tag is required")
	}

	check, err := CheckDefinition(b.cfg.Image)
	if err != nil {
		return nil, err
	}
	for _, w := range check.Warnings {
		log.Warn().Str("check", w).Msg("Build definition warning")
	}
	if err := check.Err(); err != nil {
		return nil, err
	}

	log.Info().
		Str("context", b.cfg.Image.ContextDir).
		Str("dockerfile", b.cfg.Image.Dockerfile).
		Strs("tags", tags).
		Msg("Building image")

	buildCtx, err := archive.TarWithOptions(b.cfg.Image.ContextDir, &archive.TarOptions{
		ExcludePatterns: []string{".git"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to tar build context: %w", err)
	}
	defer buildCtx.Close()

	resp, err := b.client.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       tags,
		Dockerfile: b.cfg.Image.Dockerfile,
		Remove:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("image build failed: %w", err)
	}
	defer resp.Body.Close()

	if err := drainBuildOutput(resp.Body); err != nil {
		return nil, fmt.Errorf("image build failed: %w", err)
	}

	log.Info().Strs("tags", tags).Msg("Image built successfully")
	return &BuildResult{Tags: tags}, nil
}

// drainBuildOutput reads the engine's JSON progress stream to completion,
// logging step lines and surfacing in-stream errors. The stream must be
// consumed fully or the build does not finish.
func drainBuildOutput(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to read build output: %w", err)
		}

		if msg.Error != nil {
			return fmt.Errorf("%s", msg.Error.Message)
		}

		if line := strings.TrimSpace(msg.Stream); line != "" {
			log.Debug().Str("build", line).Msg("Engine output")
		}
	}
}
