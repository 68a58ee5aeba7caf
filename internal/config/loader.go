package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads the YAML config file and keeps the current Config. It is
// safe for concurrent use.
type Loader struct {
	mu       sync.RWMutex
	cfg      *Config
	filePath string
}

// NewLoader returns a loader holding DefaultConfig until Load is called.
func NewLoader() *Loader {
	return &Loader{cfg: DefaultConfig()}
}

// Load reads, env-substitutes, parses and validates the file at path.
func (l *Loader) Load(path string) error {
	cfg, err := parseFile(path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.cfg = cfg
	l.filePath = path
	l.mu.Unlock()
	return nil
}

// Reload re-reads the file passed to the last successful Load. On error
// the previous config stays in effect.
func (l *Loader) Reload() error {
	path := l.FilePath()
	if path == "" {
		return fmt.Errorf("no config file loaded")
	}
	return l.Load(path)
}

// Get returns the current config. Callers must not modify it.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path of the loaded file, or "" if none.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filePath
}

// Watch reloads the config whenever the file changes and passes each
// successfully reloaded config to onChange. It blocks until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename are handled.
func (l *Loader) Watch(ctx context.Context, logger *slog.Logger, onChange func(*Config)) error {
	path := l.FilePath()
	if path == "" {
		return fmt.Errorf("no config file loaded")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "config.Loader")

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if err := l.Reload(); err != nil {
				logger.Warn("config reload failed, keeping previous config", "path", path, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", path)
			if onChange != nil {
				onChange(l.Get())
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Error("fsnotify error", "error", err)
		}
	}
}

func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// substituteEnvVars expands ${VAR} and ${VAR:-default}. Unset variables
// without a default expand to the empty string.
func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(groups[1]); ok && v != "" {
			return v
		}
		return groups[2]
	})
}

// GenerateDefault writes a commented starter config to path.
func GenerateDefault(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(defaultTemplate), 0o644)
}

const defaultTemplate = `# OpsWarden configuration

server:
  host: 127.0.0.1
  port: 6787
  cors: false
  auth:
    enabled: false
    tokens:
      - name: agent
        token: ${OPSWARDEN_AGENT_TOKEN}
        role: agent         # propose, validate, read
      - name: oncall
        token: ${OPSWARDEN_OPERATOR_TOKEN}
        role: operator      # also approve, execute, cancel, kill

logging:
  level: info          # debug, info, warn, error
  format: text         # text, json
  # file: ./logs/opswarden.log
  max_size_mb: 100
  max_backups: 5
  max_age_days: 28

storage:
  path: ./opswarden.db
  redaction:
    - name: bearer
      pattern: 'Bearer (?P<value>[A-Za-z0-9._-]+)'

safety:
  initial_mode: observe          # nothing executes until mode is set to execute
  kill_file: ${HOME}/.opswarden/KILL
  kill_file_poll_interval: 1s
  approval_tiers: [high]
  max_proposals_per_minute: 60
  proposal_burst: 10

executor:
  backend_timeout: 5m
  workers: 4

policies:
  - name: kill-requires-stated-risks
    condition: 'action.name == "container_kill" && !proposal.dry_run && size(proposal.risks) == 0'
    effect: deny
    message: "container_kill proposals must state their risks"
  - name: exec-needs-approval
    condition: 'action.name == "container_exec"'
    effect: require_approval

container:
  enabled: true
  log_tail_default: 100
  log_tail_max: 10000
  log_max_bytes: 1048576
  stop_timeout_seconds: 10

sandbox:
  enabled: true
  python_image: python:3.12-alpine
  bash_image: bash:5.2
  max_script_chars: 10000
  default_timeout: 30s
  max_timeout: 300s
  kill_grace: 10s
  memory_mb: 256
  cpus: 0.5
  pids_limit: 64
  user: "65534:65534"

alerts:
  slack:
    webhook_url: ${OPSWARDEN_SLACK_WEBHOOK:-}
  webhook:
    url: ${OPSWARDEN_WEBHOOK_URL:-}
    secret: ${OPSWARDEN_WEBHOOK_SECRET:-}
`
