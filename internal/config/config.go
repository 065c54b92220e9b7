package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Image       ImageConfig       `mapstructure:"image"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	Lint        LintConfig        `mapstructure:"lint"`
	Deploy      DeployConfig      `mapstructure:"deploy"`
	Healthcheck HealthcheckConfig `mapstructure:"healthcheck"`
	Smoke       SmokeConfig       `mapstructure:"smoke"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

type PipelineConfig struct {
	PrimaryBranch   string `mapstructure:"primary_branch"`
	AllowConcurrent bool   `mapstructure:"allow_concurrent"`
}

type ImageConfig struct {
	Name         string   `mapstructure:"name"`
	ContextDir   string   `mapstructure:"context_dir"`
	Dockerfile   string   `mapstructure:"dockerfile"`
	Port         int      `mapstructure:"port"`
	User         string   `mapstructure:"user"`
	RequiredDirs []string `mapstructure:"required_dirs"`
	Env          []string `mapstructure:"env"`
	Workers      int      `mapstructure:"workers"`
}

type RegistryConfig struct {
	Domain   string `mapstructure:"domain"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type LintConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Command       string   `mapstructure:"command"`
	StrictSelect  []string `mapstructure:"strict_select"`
	MaxComplexity int      `mapstructure:"max_complexity"`
	MaxLineLength int      `mapstructure:"max_line_length"`
}

type DeployConfig struct {
	Host                  string        `mapstructure:"host"`
	Port                  int           `mapstructure:"port"`
	User                  string        `mapstructure:"user"`
	KeyFile               string        `mapstructure:"key_file"`
	KeyPassphrase         string        `mapstructure:"key_passphrase"`
	ComposeDir            string        `mapstructure:"compose_dir"`
	BackendService        string        `mapstructure:"backend_service"`
	ProxyService          string        `mapstructure:"proxy_service"`
	Prune                 bool          `mapstructure:"prune"`
	ReadyInterval         time.Duration `mapstructure:"ready_interval"`
	ReadyAttempts         int           `mapstructure:"ready_attempts"`
	SettleDelay           time.Duration `mapstructure:"settle_delay"`
	CommandTimeout        time.Duration `mapstructure:"command_timeout"`
	InsecureIgnoreHostKey bool          `mapstructure:"insecure_ignore_host_key"`
}

type HealthcheckConfig struct {
	URL      string        `mapstructure:"url"`
	Interval time.Duration `mapstructure:"interval"`
	Attempts int           `mapstructure:"attempts"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type SmokeConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Enabled    bool   `mapstructure:"enabled"`
	Dir        string `mapstructure:"dir"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

func Load() (*Config, error) {
	var cfg Config

	// Set defaults
	viper.SetDefault("pipeline.primary_branch", "main")
	viper.SetDefault("pipeline.allow_concurrent", false)

	viper.SetDefault("image.context_dir", ".")
	viper.SetDefault("image.dockerfile", "Dockerfile")
	viper.SetDefault("image.port", 5000)
	viper.SetDefault("image.user", "appuser")
	viper.SetDefault("image.required_dirs", []string{"datasets/transactions", "datasets/projects"})
	viper.SetDefault("image.env", []string{"PYTHONPATH=/app", "FLASK_ENV=production"})
	viper.SetDefault("image.workers", 4)

	viper.SetDefault("lint.enabled", true)
	viper.SetDefault("lint.command", "flake8")
	viper.SetDefault("lint.strict_select", []string{"E9", "F63", "F7", "F82"})
	viper.SetDefault("lint.max_complexity", 10)
	viper.SetDefault("lint.max_line_length", 127)

	viper.SetDefault("deploy.port", 22)
	viper.SetDefault("deploy.backend_service", "backend")
	viper.SetDefault("deploy.proxy_service", "nginx")
	viper.SetDefault("deploy.prune", true)
	viper.SetDefault("deploy.ready_interval", "3s")
	viper.SetDefault("deploy.ready_attempts", 10)
	viper.SetDefault("deploy.settle_delay", "0s")
	viper.SetDefault("deploy.command_timeout", "2m")

	viper.SetDefault("healthcheck.interval", "3s")
	viper.SetDefault("healthcheck.attempts", 10)
	viper.SetDefault("healthcheck.timeout", "5s")

	viper.SetDefault("smoke.enabled", false)
	viper.SetDefault("smoke.path", "/api/v1/user/")
	viper.SetDefault("smoke.timeout", "30s")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.enabled", false)
	viper.SetDefault("logging.dir", "./logs")
	viper.SetDefault("logging.file", "ferry.log")
	viper.SetDefault("logging.max_size", 10)
	viper.SetDefault("logging.max_backups", 3)
	viper.SetDefault("logging.max_age", 28)
	viper.SetDefault("logging.compress", true)

	// Unmarshal the whole tree at once so per-section defaults survive
	// partial sections in the config file.
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %v", err)
	}

	// Secrets may arrive through the environment instead of the config file
	if cfg.Registry.Password == "" {
		if pw := os.Getenv("FERRY_REGISTRY_PASSWORD"); pw != "" {
			cfg.Registry.Password = pw
			log.Debug().Msg("Registry password loaded from FERRY_REGISTRY_PASSWORD")
		}
	}
	if cfg.Deploy.KeyPassphrase == "" {
		if pp := os.Getenv("FERRY_SSH_PASSPHRASE"); pp != "" {
			cfg.Deploy.KeyPassphrase = pp
			log.Debug().Msg("SSH key passphrase loaded from FERRY_SSH_PASSPHRASE")
		}
	}

	// Validate required fields
	if cfg.Image.Name == "" {
		return nil, fmt.Errorf("image.name is required")
	}
	if strings.Contains(cfg.Image.Name, "://") {
		return nil, fmt.Errorf("image.name should be a bare repository name (e.g. 'acme/backend')")
	}
	if cfg.Image.Port <= 0 || cfg.Image.Port > 65535 {
		return nil, fmt.Errorf("image.port must be between 1 and 65535")
	}
	if cfg.Healthcheck.Attempts <= 0 {
		return nil, fmt.Errorf("healthcheck.attempts must be at least 1")
	}
	if cfg.Deploy.ReadyAttempts <= 0 {
		return nil, fmt.Errorf("deploy.ready_attempts must be at least 1")
	}

	// Validate registry domain if provided
	if cfg.Registry.Domain != "" {
		if strings.Contains(cfg.Registry.Domain, "://") || strings.Contains(cfg.Registry.Domain, "/") {
			return nil, fmt.Errorf("registry.domain should be just the domain name (e.g. 'registry.example.com')")
		}
	}

	return &cfg, nil
}

// ValidateRegistry checks the fields the push stage depends on.
func (c *Config) ValidateRegistry() error {
	if c.Registry.Domain == "" {
		return fmt.Errorf("registry.domain is required to push images")
	}
	if c.Registry.Username == "" || c.Registry.Password == "" {
		return fmt.Errorf("registry credentials are required (registry.username and registry.password or FERRY_REGISTRY_PASSWORD)")
	}
	return nil
}

// ValidateDeploy checks the fields the deploy stage depends on.
func (c *Config) ValidateDeploy() error {
	if c.Deploy.Host == "" {
		return fmt.Errorf("deploy.host is required")
	}
	if c.Deploy.User == "" {
		return fmt.Errorf("deploy.user is required")
	}
	if c.Deploy.KeyFile == "" {
		return fmt.Errorf("deploy.key_file is required")
	}
	if c.Deploy.ComposeDir == "" {
		return fmt.Errorf("deploy.compose_dir is required")
	}
	return nil
}

// ValidateHealthcheck checks the fields the verify stage depends on.
func (c *Config) ValidateHealthcheck() error {
	if c.Healthcheck.URL == "" {
		return fmt.Errorf("healthcheck.url is required")
	}
	if !strings.HasPrefix(c.Healthcheck.URL, "http://") && !strings.HasPrefix(c.Healthcheck.URL, "https://") {
		return fmt.Errorf("healthcheck.url must be an http(s) URL")
	}
	return nil
}

// ImageRef returns the full image reference for a tag, prefixed with the
// registry domain when one is configured.
func (c *Config) ImageRef(tag string) string {
	if c.Registry.Domain != "" {
		return fmt.Sprintf("%s/%s:%s", c.Registry.Domain, c.Image.Name, tag)
	}
	return fmt.Sprintf("%s:%s", c.Image.Name, tag)
}
