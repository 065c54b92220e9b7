// Package registry publishes built image tags to the configured registry.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/image"
	registrytypes "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/rs/zerolog/log"

	"ferry/internal/config"
)

// Pusher pushes image tags with registry credentials.
type Pusher struct {
	client *client.Client
	cfg    *config.Config
}

// NewPusher creates a pusher connected to the local engine.
func NewPusher(cfg *config.Config) (*Pusher, error) {
	if err := cfg.ValidateRegistry(); err != nil {
		return nil, err
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create engine client: %w", err)
	}

	return &Pusher{client: cli, cfg: cfg}, nil
}

// Close releases the engine client.
func (p *Pusher) Close() error {
	return p.client.Close()
}

// Push publishes every tag in order. Any failure is fatal: a release is
// only complete once both the floating and the commit tag exist remotely.
func (p *Pusher) Push(ctx context.Context, tags []string) error {
	auth := registrytypes.AuthConfig{
		Username:      p.cfg.Registry.Username,
		Password:      p.cfg.Registry.Password,
		ServerAddress: p.cfg.Registry.Domain,
	}

	encodedAuth, err := registrytypes.EncodeAuthConfig(auth)
	if err != nil {
		return fmt.Errorf("failed to encode registry credentials: %w", err)
	}

	for _, tag := range tags {
		log.Info().
			Str("tag", tag).
			Str("registry", p.cfg.Registry.Domain).
			Str("username", p.cfg.Registry.Username).
			Msg("Pushing image tag")

		reader, err := p.client.ImagePush(ctx, tag, image.PushOptions{
			RegistryAuth: encodedAuth,
		})
		if err != nil {
			return fmt.Errorf("failed to push %s: %w", tag, err)
		}

		err = drainPushOutput(reader)
		reader.Close()
		if err != nil {
			return fmt.Errorf("failed to push %s: %w", tag, err)
		}

		log.Info().Str("tag", tag).Msg("Image tag pushed")
	}

	return nil
}

// drainPushOutput consumes the push progress stream, surfacing in-stream
// errors (auth rejections arrive here, not as an ImagePush error).
func drainPushOutput(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to read push output: %w", err)
		}

		if msg.Error != nil {
			return fmt.Errorf("%s", msg.Error.Message)
		}
	}
}
