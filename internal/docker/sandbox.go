package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/opswarden/opswarden/internal/backend/sandbox"
)

var _ sandbox.Runner = (*Client)(nil)

const removeTimeout = 30 * time.Second

// Run implements sandbox.Runner. The container has no network, a read-only
// root filesystem, no capabilities and the requested resource caps. It is
// force-removed on every path, including a cancelled ctx.
func (c *Client) Run(ctx context.Context, spec sandbox.RunSpec) (*sandbox.RunResult, error) {
	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Cmd,
		Env:             spec.Env,
		User:            spec.User,
		Labels:          spec.Labels,
		WorkingDir:      "/tmp",
		NetworkDisabled: true,
		AttachStdout:    true,
		AttachStderr:    true,
	}
	pids := spec.PidsLimit
	host := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs:          spec.Tmpfs,
		Resources: container.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemoryBytes,
			NanoCPUs:   spec.NanoCPUs,
			PidsLimit:  &pids,
		},
	}

	created, err := c.create(ctx, cfg, host)
	if err != nil {
		return nil, err
	}
	id := created.ID
	log := c.logger.With("container_id", shortID(id), "image", spec.Image)
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), removeTimeout)
		defer cancel()
		if err := c.api.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !errdefs.IsNotFound(err) {
			log.Error("failed to remove sandbox container", "error", err)
			return
		}
		log.Debug("sandbox container removed")
	}()

	waitCh, errCh := c.api.ContainerWait(ctx, id, container.WaitConditionNextExit)
	if err := c.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("starting sandbox container: %w", err)
	}
	log.Debug("sandbox container started")

	var exit int
	select {
	case w := <-waitCh:
		if w.Error != nil && w.Error.Message != "" {
			return nil, fmt.Errorf("waiting for sandbox container: %s", w.Error.Message)
		}
		exit = int(w.StatusCode)
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("waiting for sandbox container: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	stdout := newBoundedBuffer(spec.MaxOutputBytes, false)
	stderr := newBoundedBuffer(spec.MaxOutputBytes, false)
	rc, err := c.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("collecting sandbox output: %w", err)
	}
	defer rc.Close()
	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil {
		return nil, fmt.Errorf("collecting sandbox output: %w", err)
	}

	log.Info("sandbox run finished", "exit_code", exit)
	return &sandbox.RunResult{
		ContainerID:     id,
		ExitCode:        exit,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		OutputTruncated: stdout.Truncated() || stderr.Truncated(),
	}, nil
}

// create makes the container, pulling the image once if the daemon does
// not have it.
func (c *Client) create(ctx context.Context, cfg *container.Config, host *container.HostConfig) (container.CreateResponse, error) {
	created, err := c.api.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err == nil {
		return created, nil
	}
	if !errdefs.IsNotFound(err) {
		return created, fmt.Errorf("creating sandbox container: %w", err)
	}

	c.logger.Info("pulling sandbox image", "image", cfg.Image)
	rc, err := c.api.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		return created, fmt.Errorf("pulling %s: %w", cfg.Image, err)
	}
	_, err = io.Copy(io.Discard, rc)
	rc.Close()
	if err != nil {
		return created, fmt.Errorf("pulling %s: %w", cfg.Image, err)
	}

	created, err = c.api.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return created, fmt.Errorf("creating sandbox container: %w", err)
	}
	return created, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
