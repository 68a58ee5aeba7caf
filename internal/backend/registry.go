package backend

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/opswarden/opswarden/internal/action"
)

// Registry owns the mapping from action name to backend and populates the
// catalog with each backend's definitions. Backends are registered
// explicitly at bootstrap.
type Registry struct {
	mu       sync.RWMutex
	catalog  *action.Catalog
	backends map[string]Backend
	routes   map[string]Backend // action name -> backend
	logger   *slog.Logger
}

// NewRegistry creates a registry that registers definitions into catalog.
func NewRegistry(catalog *action.Catalog, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		catalog:  catalog,
		backends: make(map[string]Backend),
		routes:   make(map[string]Backend),
		logger:   logger.With("component", "backend.Registry"),
	}
}

// Register adds b and all of its actions. The definitions enter the
// catalog in a single step, so a backend with one bad or clashing
// definition contributes nothing.
func (r *Registry) Register(b Backend) error {
	name := b.Name()
	if name == "" {
		return fmt.Errorf("backend has empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.backends[name]; ok {
		return fmt.Errorf("backend %q already registered", name)
	}

	defs := b.Actions()
	for i := range defs {
		defs[i].Backend = name
	}
	if err := r.catalog.RegisterAll(defs...); err != nil {
		return fmt.Errorf("backend %q: %w", name, err)
	}
	for _, def := range defs {
		r.routes[def.Name] = b
	}
	r.backends[name] = b

	r.logger.Info("backend registered", "backend", name, "actions", len(defs))
	return nil
}

// Backends returns the names of registered backends, sorted.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.backends))
	for name := range r.backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Catalog returns the catalog the registry populates.
func (r *Registry) Catalog() *action.Catalog {
	return r.catalog
}

func (r *Registry) route(actionName string) (Backend, error) {
	r.mu.RLock()
	b, ok := r.routes[actionName]
	r.mu.RUnlock()
	if !ok {
		return nil, &action.NotFoundError{Kind: "action", ID: actionName}
	}
	return b, nil
}

// Dispatch runs actionName on its backend. A panicking backend is turned
// into an error so the caller can record the failure.
func (r *Registry) Dispatch(ctx context.Context, actionName string, params action.Params) (res *Result, err error) {
	b, err := r.route(actionName)
	if err != nil {
		return nil, err
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("backend panicked",
				"backend", b.Name(),
				"action", actionName,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			res, err = nil, fmt.Errorf("backend %q panicked: %v", b.Name(), p)
		}
	}()

	res, err = b.Execute(ctx, actionName, params)
	if err == nil && res == nil {
		err = fmt.Errorf("backend %q returned no result for %q", b.Name(), actionName)
	}
	return res, err
}

// Plan asks the backend to describe actionName without running it. ok is
// false when the backend does not implement Planner.
func (r *Registry) Plan(ctx context.Context, actionName string, params action.Params) (res *Result, ok bool, err error) {
	b, err := r.route(actionName)
	if err != nil {
		return nil, false, err
	}
	p, isPlanner := b.(Planner)
	if !isPlanner {
		return nil, false, nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("backend planner panicked", "backend", b.Name(), "action", actionName, "panic", rec)
			res, ok, err = nil, true, fmt.Errorf("backend %q planner panicked: %v", b.Name(), rec)
		}
	}()

	res, err = p.Plan(ctx, actionName, params)
	return res, true, err
}
