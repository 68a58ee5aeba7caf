// Package container implements the container backend: lifecycle control,
// bounded log retrieval, command execution and network changes against a
// container runtime.
package container

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by a Runtime when the container or network does
// not exist.
var ErrNotFound = errors.New("not found")

// State is a snapshot of one container.
type State struct {
	ID           string
	Name         string
	Image        string
	Status       string // created, running, exited, ...
	Running      bool
	ExitCode     int
	OOMKilled    bool
	RestartCount int
	StartedAt    time.Time
	FinishedAt   time.Time
	Networks     []string
}

// LogOptions bounds a log query. Follow mode is deliberately absent.
type LogOptions struct {
	Tail       int
	Since      string
	Timestamps bool
	MaxBytes   int // 0 means unbounded
}

// LogOutput is the result of a log query with stdout and stderr
// interleaved in the order the runtime emitted them.
type LogOutput struct {
	Text           string
	BytesTruncated bool
}

// ExecOptions describes a command to run inside a container.
type ExecOptions struct {
	Cmd     []string
	WorkDir string
	Env     []string
	User    string
}

// ExecResult is the outcome of a command. A non-zero ExitCode is not an
// error.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runtime is the imperative container API the backend drives.
// internal/docker implements it against the Docker Engine API.
type Runtime interface {
	Inspect(ctx context.Context, container string) (*State, error)
	Start(ctx context.Context, container string) error
	Stop(ctx context.Context, container string, timeout time.Duration) error
	Restart(ctx context.Context, container string, timeout time.Duration) error
	Kill(ctx context.Context, container, signal string) error
	Logs(ctx context.Context, container string, opts LogOptions) (*LogOutput, error)
	Exec(ctx context.Context, container string, opts ExecOptions) (*ExecResult, error)
	NetworkExists(ctx context.Context, network string) (bool, error)
	NetworkConnect(ctx context.Context, network, container string) error
	NetworkDisconnect(ctx context.Context, network, container string, force bool) error
}
