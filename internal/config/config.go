// Package config provides configuration loading for shipd.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/shipd/internal/logging"
	"github.com/fyrsmithlabs/shipd/internal/telemetry"
)

// Config is the full shipd configuration.
type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Logging   logging.Config   `koanf:"logging"`
	Telemetry telemetry.Config `koanf:"telemetry"`
	NATS     NATSConfig     `koanf:"nats"`
	GitHub   GitHubConfig   `koanf:"github"`
	Loop     LoopConfig     `koanf:"loop"`
	Dispatch DispatchConfig `koanf:"dispatch"`
	Verify   VerifyConfig   `koanf:"verify"`
	Worker   WorkerConfig   `koanf:"worker"`
	Policy   PolicyConfig   `koanf:"policy"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// NATSConfig holds the connection to the JetStream backbone. When
// Embedded is true shipd starts an in-process nats-server instead of
// dialing URL, for single-binary development deployments.
type NATSConfig struct {
	URL      string `koanf:"url"`
	Embedded bool   `koanf:"embedded"`
	StoreDir string `koanf:"store_dir"`
}

// GitHubConfig holds the VCS provider settings.
type GitHubConfig struct {
	Token      Secret `koanf:"token"`
	Repo       string `koanf:"repo"`
	BaseBranch string `koanf:"base_branch"`
	HeadPrefix string `koanf:"head_prefix"`
	// Workflow is the deployment workflow file dispatched after merge.
	Workflow string `koanf:"workflow"`
}

// LoopConfig controls the control loop poll cadence.
type LoopConfig struct {
	Interval Duration `koanf:"interval"`
	Window   Duration `koanf:"window"`
	LockTTL  Duration `koanf:"lock_ttl"`
}

// DispatchConfig bounds action retries.
type DispatchConfig struct {
	MaxAttempts int      `koanf:"max_attempts"`
	BaseDelay   Duration `koanf:"base_delay"`
	MaxDelay    Duration `koanf:"max_delay"`
}

// VerifyConfig controls post-deployment verification probes.
type VerifyConfig struct {
	BaseURL      string   `koanf:"base_url"`
	LiveAttempts int      `koanf:"live_attempts"`
	LiveDelay    Duration `koanf:"live_delay"`
}

// WorkerConfig controls worker dispatch over NATS.
type WorkerConfig struct {
	Timeout Duration `koanf:"timeout"`
}

// PolicyConfig carries extra CEL governance rules evaluated by the
// validator gate on top of the built-in ones.
type PolicyConfig struct {
	Rules []string `koanf:"rules"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if !cfg.Logging.Output.Stdout && !cfg.Logging.Output.OTEL {
		cfg.Logging.Output.Stdout = true
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}

	if cfg.GitHub.BaseBranch == "" {
		cfg.GitHub.BaseBranch = "main"
	}
	if cfg.GitHub.HeadPrefix == "" {
		cfg.GitHub.HeadPrefix = "shipd/"
	}
	if cfg.GitHub.Workflow == "" {
		cfg.GitHub.Workflow = "deploy.yml"
	}

	if cfg.Loop.Interval == 0 {
		cfg.Loop.Interval = Duration(2 * time.Second)
	}
	if cfg.Loop.Window == 0 {
		cfg.Loop.Window = Duration(24 * time.Hour)
	}
	if cfg.Loop.LockTTL == 0 {
		cfg.Loop.LockTTL = Duration(30 * time.Second)
	}

	if cfg.Dispatch.MaxAttempts == 0 {
		cfg.Dispatch.MaxAttempts = 3
	}
	if cfg.Dispatch.BaseDelay == 0 {
		cfg.Dispatch.BaseDelay = Duration(2 * time.Second)
	}
	if cfg.Dispatch.MaxDelay == 0 {
		cfg.Dispatch.MaxDelay = Duration(time.Minute)
	}

	if cfg.Verify.LiveAttempts == 0 {
		cfg.Verify.LiveAttempts = 5
	}
	if cfg.Verify.LiveDelay == 0 {
		cfg.Verify.LiveDelay = Duration(2 * time.Second)
	}

	if cfg.Worker.Timeout == 0 {
		cfg.Worker.Timeout = Duration(10 * time.Minute)
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535, got %d", c.Server.Port)
	}
	if !c.NATS.Embedded && !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
		return fmt.Errorf("nats.url must start with nats:// or tls://, got %q", c.NATS.URL)
	}
	if c.GitHub.Repo != "" && strings.Count(c.GitHub.Repo, "/") != 1 {
		return fmt.Errorf("github.repo must be owner/name, got %q", c.GitHub.Repo)
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1, got %d", c.Dispatch.MaxAttempts)
	}
	if c.Loop.Interval.Duration() < 100*time.Millisecond {
		return fmt.Errorf("loop.interval must be at least 100ms, got %s", c.Loop.Interval.Duration())
	}
	return nil
}
