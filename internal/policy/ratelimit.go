package policy

import (
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/opswarden/opswarden/internal/action"
)

// ProposalLimiter caps how fast new proposals are accepted, process-wide.
// A caller stuck in a loop gets ErrRateLimited instead of flooding the
// queue and the audit log.
type ProposalLimiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewProposalLimiter allows perMinute proposals per minute with the given
// burst. perMinute <= 0 disables limiting.
func NewProposalLimiter(perMinute, burst int, logger *slog.Logger) *ProposalLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProposalLimiter{
		limiter: newLimiter(perMinute, burst),
		logger:  logger.With("component", "policy.ProposalLimiter"),
	}
}

func newLimiter(perMinute, burst int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60), burst)
}

// Allow consumes one token or returns action.ErrRateLimited.
func (l *ProposalLimiter) Allow() error {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	lim := l.limiter
	l.mu.RUnlock()

	if !lim.Allow() {
		l.logger.Warn("proposal rejected by rate limit", "limit_per_second", float64(lim.Limit()), "burst", lim.Burst())
		return action.ErrRateLimited
	}
	return nil
}

// SetLimit replaces the limiter, e.g. after a config reload. The new
// limiter starts with a full bucket.
func (l *ProposalLimiter) SetLimit(perMinute, burst int) {
	l.mu.Lock()
	l.limiter = newLimiter(perMinute, burst)
	l.mu.Unlock()
}
