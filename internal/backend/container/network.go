package container

import (
	"context"
	"fmt"
	"slices"

	"github.com/opswarden/opswarden/internal/action"
	"github.com/opswarden/opswarden/internal/backend"
)

// checkTopology verifies that both the container and the network exist
// before any change is attempted.
func (b *Backend) checkTopology(ctx context.Context, name, network string) (*State, *backend.Result, error) {
	st, res, err := b.lookup(ctx, name)
	if res != nil || err != nil {
		return nil, res, err
	}
	ok, err := b.rt.NetworkExists(ctx, network)
	if err != nil {
		return nil, nil, fmt.Errorf("inspecting network %s: %w", network, err)
	}
	if !ok {
		res := backend.Failure("network %q not found", network)
		res.Output = map[string]any{"not_found": true, "network": network}
		return nil, res, nil
	}
	return st, nil, nil
}

func (b *Backend) networkConnect(ctx context.Context, name string, params action.Params) (*backend.Result, error) {
	network, err := params.String("network")
	if err != nil {
		return nil, err
	}
	before, res, err := b.checkTopology(ctx, name, network)
	if res != nil || err != nil {
		return res, err
	}

	if slices.Contains(before.Networks, network) {
		return &backend.Result{
			Success:     true,
			Message:     fmt.Sprintf("container %s already connected to %s", name, network),
			Output:      map[string]any{"changed": false, "network": network},
			StateBefore: snapshot(before),
			StateAfter:  snapshot(before),
		}, nil
	}

	if err := b.rt.NetworkConnect(ctx, network, name); err != nil {
		return nil, fmt.Errorf("connecting %s to %s: %w", name, network, err)
	}
	after, err := b.rt.Inspect(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("inspecting %s after connect: %w", name, err)
	}
	return &backend.Result{
		Success:     true,
		Message:     fmt.Sprintf("container %s connected to %s", name, network),
		Output:      map[string]any{"changed": true, "network": network},
		StateBefore: snapshot(before),
		StateAfter:  snapshot(after),
	}, nil
}

func (b *Backend) networkDisconnect(ctx context.Context, name string, params action.Params) (*backend.Result, error) {
	network, err := params.String("network")
	if err != nil {
		return nil, err
	}
	before, res, err := b.checkTopology(ctx, name, network)
	if res != nil || err != nil {
		return res, err
	}

	if !slices.Contains(before.Networks, network) {
		return &backend.Result{
			Success:     true,
			Message:     fmt.Sprintf("container %s is not connected to %s", name, network),
			Output:      map[string]any{"changed": false, "network": network},
			StateBefore: snapshot(before),
			StateAfter:  snapshot(before),
		}, nil
	}

	if err := b.rt.NetworkDisconnect(ctx, network, name, params.BoolOr("force", false)); err != nil {
		return nil, fmt.Errorf("disconnecting %s from %s: %w", name, network, err)
	}
	after, err := b.rt.Inspect(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("inspecting %s after disconnect: %w", name, err)
	}
	return &backend.Result{
		Success:     true,
		Message:     fmt.Sprintf("container %s disconnected from %s", name, network),
		Output:      map[string]any{"changed": true, "network": network},
		StateBefore: snapshot(before),
		StateAfter:  snapshot(after),
	}, nil
}
