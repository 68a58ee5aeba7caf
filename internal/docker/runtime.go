package docker

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	ctrbackend "github.com/opswarden/opswarden/internal/backend/container"
)

var _ ctrbackend.Runtime = (*Client)(nil)

// Inspect implements container.Runtime.
func (c *Client) Inspect(ctx context.Context, name string) (*ctrbackend.State, error) {
	info, err := c.api.ContainerInspect(ctx, name)
	if err != nil {
		return nil, mapErr(err, "inspecting container "+name)
	}
	if info.ContainerJSONBase == nil {
		return nil, fmt.Errorf("inspecting container %s: empty response", name)
	}

	st := &ctrbackend.State{
		ID:           info.ID,
		Name:         strings.TrimPrefix(info.Name, "/"),
		RestartCount: info.RestartCount,
	}
	if info.Config != nil {
		st.Image = info.Config.Image
	}
	if s := info.State; s != nil {
		st.Status = s.Status
		st.Running = s.Running
		st.ExitCode = s.ExitCode
		st.OOMKilled = s.OOMKilled
		st.StartedAt = parseDockerTime(s.StartedAt)
		st.FinishedAt = parseDockerTime(s.FinishedAt)
	}
	if info.NetworkSettings != nil {
		for net := range info.NetworkSettings.Networks {
			st.Networks = append(st.Networks, net)
		}
		sort.Strings(st.Networks)
	}
	return st, nil
}

// Start implements container.Runtime.
func (c *Client) Start(ctx context.Context, name string) error {
	return mapErr(c.api.ContainerStart(ctx, name, container.StartOptions{}), "starting container "+name)
}

// Stop implements container.Runtime. The daemon sends SIGTERM and escalates
// to SIGKILL after timeout.
func (c *Client) Stop(ctx context.Context, name string, timeout time.Duration) error {
	secs := int(timeout / time.Second)
	return mapErr(c.api.ContainerStop(ctx, name, container.StopOptions{Timeout: &secs}), "stopping container "+name)
}

// Restart implements container.Runtime.
func (c *Client) Restart(ctx context.Context, name string, timeout time.Duration) error {
	secs := int(timeout / time.Second)
	return mapErr(c.api.ContainerRestart(ctx, name, container.StopOptions{Timeout: &secs}), "restarting container "+name)
}

// Kill implements container.Runtime.
func (c *Client) Kill(ctx context.Context, name, signal string) error {
	return mapErr(c.api.ContainerKill(ctx, name, signal), "killing container "+name)
}

// Logs implements container.Runtime. Stdout and stderr are demultiplexed
// into one buffer so their relative order survives. When MaxBytes cuts the
// output, the newest bytes are kept and the partial first line dropped.
func (c *Client) Logs(ctx context.Context, name string, opts ctrbackend.LogOptions) (*ctrbackend.LogOutput, error) {
	info, err := c.api.ContainerInspect(ctx, name)
	if err != nil {
		return nil, mapErr(err, "inspecting container "+name)
	}
	tty := info.Config != nil && info.Config.Tty

	tail := "all"
	if opts.Tail > 0 {
		tail = fmt.Sprint(opts.Tail)
	}
	rc, err := c.api.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Since:      opts.Since,
		Timestamps: opts.Timestamps,
		Tail:       tail,
	})
	if err != nil {
		return nil, mapErr(err, "reading logs of "+name)
	}
	defer rc.Close()

	buf := newBoundedBuffer(opts.MaxBytes, true)
	if tty {
		_, err = io.Copy(buf, rc)
	} else {
		_, err = stdcopy.StdCopy(buf, buf, rc)
	}
	if err != nil {
		return nil, fmt.Errorf("reading logs of %s: %w", name, err)
	}

	text := buf.String()
	if buf.Truncated() {
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			text = text[i+1:]
		}
	}
	return &ctrbackend.LogOutput{Text: text, BytesTruncated: buf.Truncated()}, nil
}

// Exec implements container.Runtime. It runs the command to completion and
// reports its exit code; a non-zero code is not an error.
func (c *Client) Exec(ctx context.Context, name string, opts ctrbackend.ExecOptions) (*ctrbackend.ExecResult, error) {
	created, err := c.api.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          opts.Cmd,
		WorkingDir:   opts.WorkDir,
		Env:          opts.Env,
		User:         opts.User,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, mapErr(err, "creating exec in "+name)
	}

	resp, err := c.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, mapErr(err, "attaching exec in "+name)
	}
	defer resp.Close()

	stdout := newBoundedBuffer(execOutputLimit, false)
	stderr := newBoundedBuffer(execOutputLimit, false)
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, resp.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("reading exec output in %s: %w", name, err)
		}
	case <-ctx.Done():
		resp.Close()
		<-done
		return nil, ctx.Err()
	}

	exit, err := c.execExitCode(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("inspecting exec in %s: %w", name, err)
	}
	return &ctrbackend.ExecResult{ExitCode: exit, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

const execOutputLimit = 1 << 20

// execExitCode waits briefly for the daemon to record the exit once the
// output stream has closed.
func (c *Client) execExitCode(ctx context.Context, execID string) (int, error) {
	for i := 0; ; i++ {
		info, err := c.api.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, err
		}
		if !info.Running || i >= 20 {
			return info.ExitCode, nil
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// NetworkExists implements container.Runtime.
func (c *Client) NetworkExists(ctx context.Context, name string) (bool, error) {
	_, err := c.api.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspecting network %s: %w", name, err)
}

// NetworkConnect implements container.Runtime.
func (c *Client) NetworkConnect(ctx context.Context, net, name string) error {
	return mapErr(c.api.NetworkConnect(ctx, net, name, nil), fmt.Sprintf("connecting %s to %s", name, net))
}

// NetworkDisconnect implements container.Runtime.
func (c *Client) NetworkDisconnect(ctx context.Context, net, name string, force bool) error {
	return mapErr(c.api.NetworkDisconnect(ctx, net, name, force), fmt.Sprintf("disconnecting %s from %s", name, net))
}

func parseDockerTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.Year() <= 1 {
		return time.Time{}
	}
	return t
}
