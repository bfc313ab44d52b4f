package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vitwit/x402-agent/types"
)

// RateLimiter enforces sliding-window request limits per endpoint on top of
// a RequestLog.
type RateLimiter struct {
	log RequestLog
	now func() time.Time
}

// NewRateLimiter wraps log. A nil now uses time.Now.
func NewRateLimiter(log RequestLog, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{log: log, now: now}
}

// Record charges one request to endpoint and prunes entries older than an
// hour.
func (r *RateLimiter) Record(ctx context.Context, endpoint string) error {
	now := r.now()
	if err := r.log.Record(ctx, endpoint, now); err != nil {
		return fmt.Errorf("record request: %w", err)
	}
	if err := r.log.Prune(ctx, now.Add(-RequestLogRetention)); err != nil {
		return fmt.Errorf("prune request log: %w", err)
	}
	return nil
}

// Check reports whether one more request to endpoint fits p. Policies whose
// scope does not cover endpoint always pass.
func (r *RateLimiter) Check(ctx context.Context, p types.RateLimitPolicy, endpoint string) (bool, string, error) {
	if !ScopeMatches(p.Endpoint, endpoint) {
		return true, "", nil
	}
	now := r.now()

	perMinute, err := r.log.Count(ctx, endpoint, now.Add(-time.Minute))
	if err != nil {
		return false, "", fmt.Errorf("count requests: %w", err)
	}
	if perMinute >= p.MaxPerMinute {
		return false, fmt.Sprintf("rate limit exceeded for %s: %d requests in the last minute (max %d)",
			endpoint, perMinute, p.MaxPerMinute), nil
	}

	if p.MaxPerHour > 0 {
		perHour, err := r.log.Count(ctx, endpoint, now.Add(-time.Hour))
		if err != nil {
			return false, "", fmt.Errorf("count requests: %w", err)
		}
		if perHour >= p.MaxPerHour {
			return false, fmt.Sprintf("rate limit exceeded for %s: %d requests in the last hour (max %d)",
				endpoint, perHour, p.MaxPerHour), nil
		}
	}
	return true, "", nil
}

// ScopeMatches reports whether a rate-limit scope covers endpoint. An empty
// scope covers everything and a trailing "*" matches by prefix.
func ScopeMatches(scope, endpoint string) bool {
	switch {
	case scope == "" || scope == "*":
		return true
	case strings.HasSuffix(scope, "*"):
		return strings.HasPrefix(endpoint, strings.TrimSuffix(scope, "*"))
	default:
		return scope == endpoint
	}
}
