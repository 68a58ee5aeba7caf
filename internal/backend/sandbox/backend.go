package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/opswarden/opswarden/internal/action"
	"github.com/opswarden/opswarden/internal/backend"
	"github.com/opswarden/opswarden/internal/config"
)

// Name is the backend name recorded on sandbox actions.
const Name = "sandbox"

// ActionScriptRun runs a validated script in a sandbox container.
const ActionScriptRun = "script_run"

// Exit status of a process ended by SIGKILL, which is what the inner
// timeout wrapper sends.
const exitKilled = 137

// TimeoutLimit is the outcome of clamping a requested script timeout.
type TimeoutLimit struct {
	Requested time.Duration
	Applied   time.Duration
	Clamped   bool
	// RequestedSeconds is the caller's value as given, which may not fit
	// in a Duration.
	RequestedSeconds int64
}

// ClampTimeout applies def when requested is zero and caps anything above
// max.
func ClampTimeout(requested, def, max time.Duration) TimeoutLimit {
	if requested <= 0 {
		return TimeoutLimit{Requested: def, Applied: def}
	}
	if requested > max {
		return TimeoutLimit{Requested: requested, Applied: max, Clamped: true}
	}
	return TimeoutLimit{Requested: requested, Applied: requested}
}

// Backend validates scripts and runs the ones that pass in a sandbox.
type Backend struct {
	runner    Runner
	validator *Validator
	cfg       config.SandboxConfig
	logger    *slog.Logger
}

// New creates a sandbox backend.
func New(runner Runner, validator *Validator, cfg config.SandboxConfig, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	if validator == nil {
		validator = NewValidator(cfg.MaxScriptChars, nil, logger)
	}
	return &Backend{
		runner:    runner,
		validator: validator,
		cfg:       cfg,
		logger:    logger.With("component", "sandbox.Backend"),
	}
}

// Name implements backend.Subject.
func (b *Backend) Name() string { return Name }

// Validator returns the validator used before every run.
func (b *Backend) Validator() *Validator { return b.validator }

// Actions implements backend.Subject.
func (b *Backend) Actions() []action.Definition {
	return []action.Definition{
		{
			Name: ActionScriptRun,
			Description: fmt.Sprintf(
				"Run a python or bash script in an isolated container with no network. Scripts over %d characters, with syntax errors, hard-coded secrets or dangerous constructs are rejected. timeout_seconds defaults to %d and is clamped to %d.",
				b.validator.MaxChars(), int(b.cfg.DefaultTimeout/time.Second), int(b.cfg.MaxTimeout/time.Second)),
			Parameters: []action.Param{
				{Name: "script", Type: action.TypeString, Required: true, Description: "script source"},
				{Name: "kind", Type: action.TypeString, Required: true, Description: "python or bash"},
				{Name: "timeout_seconds", Type: action.TypeInt, Description: "wall-clock limit"},
			},
			RiskTier:         action.RiskHigh,
			RequiresApproval: true,
		},
	}
}

// Plan implements backend.Planner: a dry run validates the script and
// reports the limits it would run under.
func (b *Backend) Plan(ctx context.Context, actionName string, params action.Params) (*backend.Result, error) {
	kind, script, limit, res := b.prepare(actionName, params)
	if res != nil {
		return res, nil
	}
	v, err := b.validator.Validate(ctx, kind, script)
	if err != nil {
		return nil, err
	}
	if !v.Valid {
		return rejected(v), nil
	}
	return &backend.Result{
		Success: true,
		Message: fmt.Sprintf("dry run: %s script passed validation and would run for at most %s", kind, limit.Applied),
		Output:  b.limitsOutput(kind, limit),
	}, nil
}

// Execute implements backend.Backend.
func (b *Backend) Execute(ctx context.Context, actionName string, params action.Params) (*backend.Result, error) {
	kind, script, limit, res := b.prepare(actionName, params)
	if res != nil {
		return res, nil
	}

	v, err := b.validator.Validate(ctx, kind, script)
	if err != nil {
		return nil, err
	}
	if !v.Valid {
		b.logger.Warn("script rejected", "layer", v.Layer, "reason", v.Reason)
		return rejected(v), nil
	}

	spec := b.spec(kind, script, limit.Applied)

	// The inner timeout kills the script; the outer deadline covers a
	// wedged runtime and triggers forced removal.
	runCtx, cancel := context.WithTimeout(ctx, limit.Applied+b.cfg.KillGrace)
	defer cancel()

	started := time.Now()
	rr, err := b.runner.Run(runCtx, spec)
	elapsed := time.Since(started)

	out := b.limitsOutput(kind, limit)
	out["duration_ms"] = elapsed.Milliseconds()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			b.logger.Warn("sandbox deadline exceeded, container force-removed", "timeout", limit.Applied, "elapsed", elapsed)
			out["success"] = false
			out["timeout"] = true
			out["exit_code"] = -1
			return &backend.Result{
				Success: false,
				Timeout: true,
				Message: fmt.Sprintf("script did not finish within %s and was torn down", limit.Applied),
				Output:  out,
			}, nil
		}
		return nil, fmt.Errorf("sandbox run: %w", err)
	}

	timedOut := rr.ExitCode == exitKilled && elapsed >= limit.Applied
	success := rr.ExitCode == 0

	out["success"] = success
	out["exit_code"] = rr.ExitCode
	out["stdout"] = rr.Stdout
	out["stderr"] = rr.Stderr
	out["timeout"] = timedOut
	out["output_truncated"] = rr.OutputTruncated

	msg := fmt.Sprintf("%s script exited %d in %s", kind, rr.ExitCode, elapsed.Round(time.Millisecond))
	if timedOut {
		msg = fmt.Sprintf("%s script killed after %s timeout", kind, limit.Applied)
	}
	return &backend.Result{Success: success, Timeout: timedOut, Message: msg, Output: out}, nil
}

// prepare reads and checks the parameters. A non-nil Result is a
// rejection to return as is.
func (b *Backend) prepare(actionName string, params action.Params) (Kind, string, TimeoutLimit, *backend.Result) {
	if actionName != ActionScriptRun {
		return "", "", TimeoutLimit{}, backend.Failure("sandbox backend has no action %q", actionName)
	}
	script, err := params.String("script")
	if err != nil {
		return "", "", TimeoutLimit{}, backend.Failure("%v", err)
	}
	kind, err := ParseKind(params.StringOr("kind", ""))
	if err != nil {
		return "", "", TimeoutLimit{}, backend.Failure("%v", err)
	}
	secs := params.IntOr("timeout_seconds", 0)
	if params.Has("timeout_seconds") && secs <= 0 {
		return "", "", TimeoutLimit{}, backend.Failure("timeout_seconds must be positive, got %d", secs)
	}
	var limit TimeoutLimit
	if maxSecs := int64(b.cfg.MaxTimeout / time.Second); secs > maxSecs {
		limit = TimeoutLimit{Requested: b.cfg.MaxTimeout, Applied: b.cfg.MaxTimeout, Clamped: true}
	} else {
		limit = ClampTimeout(time.Duration(secs)*time.Second, b.cfg.DefaultTimeout, b.cfg.MaxTimeout)
	}
	limit.RequestedSeconds = secs
	if limit.Clamped {
		b.logger.Info("script timeout clamped", "requested_seconds", secs, "applied", limit.Applied)
	}
	return kind, script, limit, nil
}

func (b *Backend) limitsOutput(kind Kind, limit TimeoutLimit) map[string]any {
	requested := limit.RequestedSeconds
	if requested <= 0 {
		requested = int64(limit.Requested / time.Second)
	}
	return map[string]any{
		"kind":              string(kind),
		"timeout_seconds":   int(limit.Applied / time.Second),
		"timeout_requested": int(requested),
		"timeout_clamped":   limit.Clamped,
		"memory_mb":         b.cfg.MemoryMB,
		"cpus":              b.cfg.CPUs,
		"network":           "none",
	}
}

func (b *Backend) spec(kind Kind, script string, timeout time.Duration) RunSpec {
	secs := strconv.Itoa(int(timeout / time.Second))
	if secs == "0" {
		secs = "1"
	}

	spec := RunSpec{
		User:           b.cfg.User,
		MemoryBytes:    b.cfg.MemoryMB * 1024 * 1024,
		NanoCPUs:       int64(b.cfg.CPUs * 1e9),
		PidsLimit:      b.cfg.PidsLimit,
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=16m"},
		MaxOutputBytes: b.cfg.MaxOutputBytes,
		Env:            []string{"HOME=/tmp", "LANG=C.UTF-8"},
		Labels:         map[string]string{"opswarden.sandbox": "true", "opswarden.kind": string(kind)},
	}
	// The script travels as an argv element and never touches disk.
	switch kind {
	case KindPython:
		spec.Image = b.cfg.PythonImage
		spec.Env = append(spec.Env, "PYTHONDONTWRITEBYTECODE=1", "PYTHONUNBUFFERED=1")
		spec.Cmd = []string{"timeout", "-s", "KILL", secs, "python3", "-c", script}
	case KindBash:
		spec.Image = b.cfg.BashImage
		spec.Cmd = []string{"timeout", "-s", "KILL", secs, "bash", "-c", script}
	}
	return spec
}

func rejected(v *Result) *backend.Result {
	return &backend.Result{
		Success: false,
		Message: v.Error(),
		Output: map[string]any{
			"success":    false,
			"layer":      v.Layer,
			"reason":     v.Reason,
			"validation": v,
		},
	}
}
