package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opswarden/opswarden/internal/action"
	"github.com/opswarden/opswarden/internal/backend"
	"github.com/opswarden/opswarden/internal/config"
)

// Name is the backend name recorded on every container action.
const Name = "container"

// Action names.
const (
	ActionStart             = "container_start"
	ActionStop              = "container_stop"
	ActionRestart           = "container_restart"
	ActionKill              = "container_kill"
	ActionInspect           = "container_inspect"
	ActionLogs              = "container_logs"
	ActionExec              = "container_exec"
	ActionNetworkConnect    = "network_connect"
	ActionNetworkDisconnect = "network_disconnect"
)

// Backend executes container actions against a Runtime.
type Backend struct {
	rt     Runtime
	cfg    config.ContainerConfig
	logger *slog.Logger

	// killWait bounds how long Kill waits for the runtime to report the
	// container as stopped.
	killWait     time.Duration
	pollInterval time.Duration
}

// New creates a container backend.
func New(rt Runtime, cfg config.ContainerConfig, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LogTailDefault <= 0 {
		cfg.LogTailDefault = 100
	}
	if cfg.LogTailMax < cfg.LogTailDefault {
		cfg.LogTailMax = 10000
	}
	if cfg.StopTimeoutSeconds <= 0 {
		cfg.StopTimeoutSeconds = 10
	}
	return &Backend{
		rt:           rt,
		cfg:          cfg,
		logger:       logger.With("component", "container.Backend"),
		killWait:     5 * time.Second,
		pollInterval: 100 * time.Millisecond,
	}
}

// Name implements backend.Subject.
func (b *Backend) Name() string { return Name }

var targetParam = action.Param{Name: "target", Type: action.TypeString, Required: true, Description: "container name or id"}

// Actions implements backend.Subject.
func (b *Backend) Actions() []action.Definition {
	timeout := action.Param{Name: "timeout_seconds", Type: action.TypeInt, Description: "seconds to wait for a graceful stop before SIGKILL"}
	network := action.Param{Name: "network", Type: action.TypeString, Required: true, Description: "network name or id"}

	return []action.Definition{
		{
			Name:        ActionStart,
			Description: "Start a stopped container. Starting a running container is a no-op.",
			Parameters:  []action.Param{targetParam},
			RiskTier:    action.RiskLow,
		},
		{
			Name:        ActionStop,
			Description: "Stop a container with SIGTERM, then SIGKILL after the timeout. Stopping a stopped container is a no-op.",
			Parameters:  []action.Param{targetParam, timeout},
			RiskTier:    action.RiskMedium,
		},
		{
			Name:        ActionRestart,
			Description: "Restart a container.",
			Parameters:  []action.Param{targetParam, timeout},
			RiskTier:    action.RiskMedium,
		},
		{
			Name:        ActionKill,
			Description: "Send a signal (default SIGKILL) to a running container.",
			Parameters: []action.Param{
				targetParam,
				{Name: "signal", Type: action.TypeString, Description: "signal name, e.g. SIGKILL or SIGTERM"},
			},
			RiskTier:         action.RiskHigh,
			RequiresApproval: true,
		},
		{
			Name:        ActionInspect,
			Description: "Report a container's state.",
			Parameters:  []action.Param{targetParam},
			RiskTier:    action.RiskLow,
		},
		{
			Name:        ActionLogs,
			Description: fmt.Sprintf("Fetch the last lines of a container's logs. tail defaults to %d and is clamped to %d.", b.cfg.LogTailDefault, b.cfg.LogTailMax),
			Parameters: []action.Param{
				targetParam,
				{Name: "tail", Type: action.TypeInt, Description: "number of lines from the end"},
				{Name: "since", Type: action.TypeString, Description: "only logs since this timestamp or duration, e.g. 10m"},
				{Name: "timestamps", Type: action.TypeBool, Description: "prefix lines with timestamps"},
			},
			RiskTier: action.RiskLow,
		},
		{
			Name:        ActionExec,
			Description: "Run a command inside a running container. A non-zero exit is reported, not raised.",
			Parameters: []action.Param{
				targetParam,
				{Name: "command", Type: action.TypeList, Required: true, Description: "argv, e.g. [\"ls\", \"-la\"]"},
				{Name: "workdir", Type: action.TypeString, Description: "working directory"},
				{Name: "env", Type: action.TypeList, Description: "KEY=VALUE entries"},
				{Name: "user", Type: action.TypeString, Description: "user to run as"},
			},
			RiskTier:         action.RiskHigh,
			RequiresApproval: true,
		},
		{
			Name:        ActionNetworkConnect,
			Description: "Connect a container to a network.",
			Parameters:  []action.Param{targetParam, network},
			RiskTier:    action.RiskMedium,
		},
		{
			Name:        ActionNetworkDisconnect,
			Description: "Disconnect a container from a network.",
			Parameters: []action.Param{
				targetParam,
				network,
				{Name: "force", Type: action.TypeBool, Description: "force the disconnect"},
			},
			RiskTier: action.RiskMedium,
		},
	}
}

// Execute implements backend.Backend.
func (b *Backend) Execute(ctx context.Context, actionName string, params action.Params) (*backend.Result, error) {
	name, err := params.String("target")
	if err != nil {
		return nil, err
	}

	b.logger.Debug("executing", "action", actionName, "container", name)

	switch actionName {
	case ActionStart:
		return b.start(ctx, name)
	case ActionStop:
		return b.stop(ctx, name, b.stopTimeout(params))
	case ActionRestart:
		return b.restart(ctx, name, b.stopTimeout(params))
	case ActionKill:
		return b.kill(ctx, name, params.StringOr("signal", "SIGKILL"))
	case ActionInspect:
		return b.inspect(ctx, name)
	case ActionLogs:
		return b.logs(ctx, name, params)
	case ActionExec:
		return b.exec(ctx, name, params)
	case ActionNetworkConnect:
		return b.networkConnect(ctx, name, params)
	case ActionNetworkDisconnect:
		return b.networkDisconnect(ctx, name, params)
	}
	return nil, &action.NotFoundError{Kind: "action", ID: actionName}
}

// Plan implements backend.Planner. It reports the current state and what
// the action would do, without changing anything.
func (b *Backend) Plan(ctx context.Context, actionName string, params action.Params) (*backend.Result, error) {
	name, err := params.String("target")
	if err != nil {
		return nil, err
	}
	st, res, err := b.lookup(ctx, name)
	if res != nil || err != nil {
		return res, err
	}

	before := snapshot(st)
	var plan string
	switch actionName {
	case ActionStart:
		plan = "start container"
		if st.Running {
			plan = "nothing: container already running"
		}
	case ActionStop, ActionKill:
		plan = "stop container"
		if actionName == ActionKill {
			plan = fmt.Sprintf("send %s to container", params.StringOr("signal", "SIGKILL"))
		}
		if !st.Running {
			plan = "nothing: container already stopped"
		}
	case ActionRestart:
		plan = "restart container"
	case ActionExec:
		cmd, _ := params.StringSlice("command")
		plan = fmt.Sprintf("run %q in container", cmd)
	case ActionNetworkConnect, ActionNetworkDisconnect:
		plan = fmt.Sprintf("%s %s", actionName, params.StringOr("network", ""))
	default:
		plan = "read-only: " + actionName
	}

	return &backend.Result{
		Success:     true,
		Message:     fmt.Sprintf("dry run for %s: would %s", name, plan),
		Output:      map[string]any{"plan": plan},
		StateBefore: before,
	}, nil
}

func (b *Backend) stopTimeout(params action.Params) time.Duration {
	secs := params.IntOr("timeout_seconds", int64(b.cfg.StopTimeoutSeconds))
	if secs < 0 {
		secs = 0
	}
	return time.Duration(secs) * time.Second
}

// lookup inspects a container. A missing container yields a failed result
// rather than an error.
func (b *Backend) lookup(ctx context.Context, name string) (*State, *backend.Result, error) {
	st, err := b.rt.Inspect(ctx, name)
	if errors.Is(err, ErrNotFound) {
		res := backend.Failure("container %q not found", name)
		res.Output = map[string]any{"not_found": true}
		return nil, res, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("inspecting %s: %w", name, err)
	}
	return st, nil, nil
}

func snapshot(st *State) map[string]any {
	if st == nil {
		return nil
	}
	out := map[string]any{
		"id":            st.ID,
		"name":          st.Name,
		"image":         st.Image,
		"status":        st.Status,
		"running":       st.Running,
		"exit_code":     st.ExitCode,
		"oom_killed":    st.OOMKilled,
		"restart_count": st.RestartCount,
		"networks":      append([]string{}, st.Networks...),
	}
	if !st.StartedAt.IsZero() {
		out["started_at"] = st.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if !st.FinishedAt.IsZero() {
		out["finished_at"] = st.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}
