package container

import (
	"context"
	"fmt"

	"github.com/opswarden/opswarden/internal/action"
	"github.com/opswarden/opswarden/internal/backend"
)

// exec never returns an error for a command that ran and failed, or for
// one that could not be started: both come back as
// {success, exit_code, output, error} so the caller can reason about them
// like any other outcome.
func (b *Backend) exec(ctx context.Context, name string, params action.Params) (*backend.Result, error) {
	cmd, err := params.StringSlice("command")
	if err != nil {
		return execFailure(name, -1, "", err.Error()), nil
	}
	if len(cmd) == 0 {
		return execFailure(name, -1, "", "command is empty"), nil
	}

	st, res, err := b.lookup(ctx, name)
	if res != nil || err != nil {
		return res, err
	}
	if !st.Running {
		return execFailure(name, -1, "", fmt.Sprintf("container %s is not running", name)), nil
	}

	opts := ExecOptions{
		Cmd:     cmd,
		WorkDir: params.StringOr("workdir", ""),
		User:    params.StringOr("user", ""),
	}
	if params.Has("env") {
		env, err := params.StringSlice("env")
		if err != nil {
			return execFailure(name, -1, "", err.Error()), nil
		}
		opts.Env = env
	}

	r, err := b.rt.Exec(ctx, name, opts)
	if err != nil {
		b.logger.Warn("exec could not run", "container", name, "error", err)
		return execFailure(name, -1, "", err.Error()), nil
	}

	out := map[string]any{
		"success":   r.ExitCode == 0,
		"exit_code": r.ExitCode,
		"output":    r.Stdout,
		"error":     r.Stderr,
		"command":   cmd,
	}
	msg := fmt.Sprintf("command exited 0 in %s", name)
	if r.ExitCode != 0 {
		msg = fmt.Sprintf("command exited %d in %s", r.ExitCode, name)
	}
	return &backend.Result{Success: r.ExitCode == 0, Message: msg, Output: out}, nil
}

func execFailure(name string, code int, stdout, errMsg string) *backend.Result {
	return &backend.Result{
		Success: false,
		Message: fmt.Sprintf("exec in %s failed: %s", name, errMsg),
		Output: map[string]any{
			"success":   false,
			"exit_code": code,
			"output":    stdout,
			"error":     errMsg,
		},
	}
}
