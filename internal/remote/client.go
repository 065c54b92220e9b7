// Package remote provides the SSH session used to drive the deployment
// target host.
package remote

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"ferry/internal/config"
)

// dialTimeout bounds the TCP+handshake phase of a connection.
const dialTimeout = 15 * time.Second

// Client is an established SSH connection to the deployment target.
type Client struct {
	client *ssh.Client
	addr   string
}

// Dial connects to the deployment target using the configured key.
func Dial(cfg config.DeployConfig) (*Client, error) {
	key, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH key %s: %w", cfg.KeyFile, err)
	}

	var signer ssh.Signer
	if cfg.KeyPassphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(cfg.KeyPassphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH key: %w", err)
	}

	hostKeyCallback, err := hostKeyPolicy(cfg)
	if err != nil {
		return nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         dialTimeout,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	sshClient, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	log.Info().Str("host", addr).Str("user", cfg.User).Msg("Connected to deployment target")

	return &Client{client: sshClient, addr: addr}, nil
}

func hostKeyPolicy(cfg config.DeployConfig) (ssh.HostKeyCallback, error) {
	if cfg.InsecureIgnoreHostKey {
		log.Warn().Msg("Host key verification disabled (deploy.insecure_ignore_host_key)")
		// #nosec G106 - explicit opt-in, mirrors the original workflow's
		// StrictHostKeyChecking=no behavior.
		return ssh.InsecureIgnoreHostKey(), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to locate known_hosts: %w", err)
	}

	knownHosts := filepath.Join(homeDir, ".ssh", "known_hosts")
	callback, err := knownhosts.New(knownHosts)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s (set deploy.insecure_ignore_host_key to skip verification): %w", knownHosts, err)
	}
	return callback, nil
}

// Run executes a command on the target and returns its combined output.
// The session is torn down if the context is cancelled.
func (c *Client) Run(ctx context.Context, command string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open SSH session: %w", err)
	}
	defer session.Close()

	// A cancelled context closes the session, which unblocks CombinedOutput.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()

	log.Debug().Str("host", c.addr).Str("command", command).Msg("Running remote command")

	output, err := session.CombinedOutput(command)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return string(output), fmt.Errorf("remote command interrupted: %w", ctxErr)
	}
	if err != nil {
		return string(output), fmt.Errorf("remote command failed: %w", err)
	}

	return string(output), nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.client.Close()
}
