// Package ratelimit provides a small in-process rate limiter for the
// ingestion and query endpoints.
//
// With no authentication layer, keys are client IPs. The Limiter
// interface is the contract; a shared-store implementation can replace
// the in-memory token bucket for multi-instance deployments.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should proceed.
// Implementations must be safe for concurrent use. Errors signal a
// limiter malfunction and should be treated fail-open by callers.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
