package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the top-level OpsWarden configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Safety    SafetyConfig    `yaml:"safety"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Policies  []PolicyConfig  `yaml:"policies"`
	Container ContainerConfig `yaml:"container"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Alerts    AlertsConfig    `yaml:"alerts"`
}

type ServerConfig struct {
	Host string     `yaml:"host"`
	Port int        `yaml:"port"`
	CORS bool       `yaml:"cors"`
	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig enables bearer-token access control on the management API.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Tokens  []TokenConfig `yaml:"tokens"`
}

// TokenConfig is a static API token. Name identifies the caller in the
// audit log, e.g. as the approver.
type TokenConfig struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
	Role  string `yaml:"role"` // agent, operator, admin
}

type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // text, json
	File       string `yaml:"file"`   // optional rotating log file
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type StorageConfig struct {
	Path      string          `yaml:"path"`
	Redaction []RedactionRule `yaml:"redaction"`
}

type RedactionRule struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

type SafetyConfig struct {
	InitialMode           string        `yaml:"initial_mode"` // observe, execute
	KillFile              string        `yaml:"kill_file"`
	KillFilePollInterval  time.Duration `yaml:"kill_file_poll_interval"`
	ApprovalTiers         []string      `yaml:"approval_tiers"` // risk tiers that always need approval
	MaxProposalsPerMinute int           `yaml:"max_proposals_per_minute"`
	ProposalBurst         int           `yaml:"proposal_burst"`
}

type ExecutorConfig struct {
	BackendTimeout time.Duration `yaml:"backend_timeout"`
	Workers        int           `yaml:"workers"`
}

type PolicyConfig struct {
	Name      string `yaml:"name"`
	Condition string `yaml:"condition"`
	Effect    string `yaml:"effect"` // deny, require_approval, allow
	Message   string `yaml:"message"`
}

type ContainerConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Host               string `yaml:"host"` // empty uses DOCKER_HOST / the default socket
	LogTailDefault     int    `yaml:"log_tail_default"`
	LogTailMax         int    `yaml:"log_tail_max"`
	LogMaxBytes        int    `yaml:"log_max_bytes"`
	StopTimeoutSeconds int    `yaml:"stop_timeout_seconds"`
}

type SandboxConfig struct {
	Enabled        bool          `yaml:"enabled"`
	PythonImage    string        `yaml:"python_image"`
	BashImage      string        `yaml:"bash_image"`
	MaxScriptChars int           `yaml:"max_script_chars"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
	KillGrace      time.Duration `yaml:"kill_grace"`
	MemoryMB       int64         `yaml:"memory_mb"`
	CPUs           float64       `yaml:"cpus"`
	PidsLimit      int64         `yaml:"pids_limit"`
	User           string        `yaml:"user"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
}

type AlertsConfig struct {
	Slack   SlackAlertConfig   `yaml:"slack"`
	Webhook WebhookAlertConfig `yaml:"webhook"`
}

type SlackAlertConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type WebhookAlertConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// DefaultConfig returns a config with sensible defaults for zero-config startup.
// The system starts in observe mode.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 6787,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Storage: StorageConfig{
			Path: "./opswarden.db",
		},
		Safety: SafetyConfig{
			InitialMode:           "observe",
			KillFilePollInterval:  time.Second,
			ApprovalTiers:         []string{"high"},
			MaxProposalsPerMinute: 60,
			ProposalBurst:         10,
		},
		Executor: ExecutorConfig{
			BackendTimeout: 5 * time.Minute,
			Workers:        4,
		},
		Container: ContainerConfig{
			Enabled:            true,
			LogTailDefault:     100,
			LogTailMax:         10000,
			LogMaxBytes:        1 << 20,
			StopTimeoutSeconds: 10,
		},
		Sandbox: SandboxConfig{
			Enabled:        true,
			PythonImage:    "python:3.12-alpine",
			BashImage:      "bash:5.2",
			MaxScriptChars: 10000,
			DefaultTimeout: 30 * time.Second,
			MaxTimeout:     300 * time.Second,
			KillGrace:      10 * time.Second,
			MemoryMB:       256,
			CPUs:           0.5,
			PidsLimit:      64,
			User:           "65534:65534",
			MaxOutputBytes: 1 << 20,
		},
	}
}

// Validate checks cross-field constraints after loading.
func (c *Config) Validate() error {
	var problems []string

	switch strings.ToLower(c.Safety.InitialMode) {
	case "observe", "execute":
	default:
		problems = append(problems, fmt.Sprintf("safety.initial_mode must be observe or execute, got %q", c.Safety.InitialMode))
	}
	for _, tier := range c.Safety.ApprovalTiers {
		switch tier {
		case "low", "medium", "high":
		default:
			problems = append(problems, fmt.Sprintf("safety.approval_tiers: unknown tier %q", tier))
		}
	}
	if c.Server.Auth.Enabled {
		if len(c.Server.Auth.Tokens) == 0 {
			problems = append(problems, "server.auth is enabled but no tokens are configured")
		}
		for i, tok := range c.Server.Auth.Tokens {
			if tok.Name == "" || tok.Token == "" {
				problems = append(problems, fmt.Sprintf("server.auth.tokens[%d]: name and token are required", i))
			}
			switch tok.Role {
			case "agent", "operator", "admin":
			default:
				problems = append(problems, fmt.Sprintf("server.auth.tokens[%d]: unknown role %q", i, tok.Role))
			}
		}
	}
	for i, p := range c.Policies {
		if p.Name == "" {
			problems = append(problems, fmt.Sprintf("policies[%d]: name is required", i))
		}
		switch p.Effect {
		case "deny", "require_approval", "allow":
		default:
			problems = append(problems, fmt.Sprintf("policy %q: unknown effect %q", p.Name, p.Effect))
		}
	}
	if c.Executor.BackendTimeout <= 0 {
		problems = append(problems, "executor.backend_timeout must be positive")
	}
	if c.Container.LogTailDefault <= 0 || c.Container.LogTailMax < c.Container.LogTailDefault {
		problems = append(problems, "container.log_tail_default must be positive and not exceed log_tail_max")
	}
	if c.Sandbox.MaxScriptChars <= 0 {
		problems = append(problems, "sandbox.max_script_chars must be positive")
	}
	if c.Sandbox.DefaultTimeout <= 0 || c.Sandbox.MaxTimeout < c.Sandbox.DefaultTimeout {
		problems = append(problems, "sandbox.default_timeout must be positive and not exceed max_timeout")
	}
	if c.Sandbox.KillGrace <= 0 {
		problems = append(problems, "sandbox.kill_grace must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
