package sandbox

import "context"

// RunSpec describes one throwaway sandbox container.
type RunSpec struct {
	Image          string
	Cmd            []string
	Env            []string
	User           string
	MemoryBytes    int64
	NanoCPUs       int64
	PidsLimit      int64
	Tmpfs          map[string]string
	MaxOutputBytes int
	Labels         map[string]string
}

// RunResult is what came out of a sandbox run that reached completion.
type RunResult struct {
	ContainerID     string
	ExitCode        int
	Stdout          string
	Stderr          string
	OutputTruncated bool
}

// Runner creates, runs and always removes a sandbox container. When ctx is
// done before the container exits, the container is force-removed and the
// context error is returned. internal/docker implements it.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (*RunResult, error)
}
