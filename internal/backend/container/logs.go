package container

import (
	"context"
	"fmt"
	"strings"

	"github.com/opswarden/opswarden/internal/action"
	"github.com/opswarden/opswarden/internal/backend"
)

// TailLimit is the outcome of clamping a requested tail count.
type TailLimit struct {
	Requested int  `json:"tail_requested"`
	Applied   int  `json:"tail_applied"`
	Truncated bool `json:"truncated"`
}

// ClampTail applies the default when requested is zero and clamps anything
// above max. Truncated reports that clamping happened.
func ClampTail(requested, def, max int) TailLimit {
	if requested <= 0 {
		return TailLimit{Requested: def, Applied: def}
	}
	if requested > max {
		return TailLimit{Requested: requested, Applied: max, Truncated: true}
	}
	return TailLimit{Requested: requested, Applied: requested}
}

func (b *Backend) logs(ctx context.Context, name string, params action.Params) (*backend.Result, error) {
	requested := params.IntOr("tail", 0)
	if params.Has("tail") && requested <= 0 {
		return backend.Failure("tail must be a positive number of lines, got %d", requested), nil
	}
	limit := ClampTail(int(requested), b.cfg.LogTailDefault, b.cfg.LogTailMax)

	if _, res, err := b.lookup(ctx, name); res != nil || err != nil {
		return res, err
	}

	out, err := b.rt.Logs(ctx, name, LogOptions{
		Tail:       limit.Applied,
		Since:      params.StringOr("since", ""),
		Timestamps: params.BoolOr("timestamps", false),
		MaxBytes:   b.cfg.LogMaxBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("reading logs of %s: %w", name, err)
	}

	lines := lastLines(out.Text, limit.Applied)

	if limit.Truncated {
		b.logger.Info("log tail clamped", "container", name, "requested", limit.Requested, "applied", limit.Applied)
	}

	return &backend.Result{
		Success: true,
		Message: fmt.Sprintf("%d log lines from %s", len(lines), name),
		Output: map[string]any{
			"lines":           lines,
			"line_count":      len(lines),
			"tail_requested":  limit.Requested,
			"tail_applied":    limit.Applied,
			"truncated":       limit.Truncated,
			"bytes_truncated": out.BytesTruncated,
		},
	}, nil
}

// lastLines splits s into lines and keeps at most n from the end.
func lastLines(s string, n int) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return []string{}
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
