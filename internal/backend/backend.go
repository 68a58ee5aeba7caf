// Package backend defines the contract between the executor and the systems
// that actually carry out actions, and the registry that routes action
// names to the backend that declared them.
package backend

import (
	"context"
	"fmt"

	"github.com/opswarden/opswarden/internal/action"
)

// Subject is a managed system that can describe the actions available
// against it. The catalog is built from subjects at bootstrap; the core
// never hardcodes a subject's action vocabulary.
type Subject interface {
	// Name identifies the subject, e.g. "container" or "sandbox".
	Name() string

	// Actions returns the definitions this subject supports.
	Actions() []action.Definition
}

// Backend is a Subject that can execute its actions.
type Backend interface {
	Subject

	// Execute performs actionName with already validated params. Expected
	// failures (non-zero exit, container not found, script rejected) are
	// reported in Result with Success false and a nil error. A non-nil
	// error means the backend itself could not run the action.
	Execute(ctx context.Context, actionName string, params action.Params) (*Result, error)
}

// Planner is implemented by backends that can describe what an action
// would do without doing it. The executor uses it for dry runs.
type Planner interface {
	Plan(ctx context.Context, actionName string, params action.Params) (*Result, error)
}

// Result is what a backend reports for one action.
type Result struct {
	Success     bool           `json:"success"`
	Message     string         `json:"message,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	StateBefore map[string]any `json:"state_before,omitempty"`
	StateAfter  map[string]any `json:"state_after,omitempty"`

	// Timeout is set when the action was abandoned because it ran too
	// long. It is distinct from Success so callers can tell "it failed"
	// from "we gave up waiting".
	Timeout bool `json:"timeout,omitempty"`
}

// Failure builds an unsuccessful result with a formatted message.
func Failure(format string, args ...any) *Result {
	return &Result{Success: false, Message: fmt.Sprintf(format, args...)}
}
