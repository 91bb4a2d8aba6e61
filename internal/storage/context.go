package storage

import (
	"context"
	"time"
)

const (
	// DefaultQueryTimeout bounds queries when the caller's context has no deadline.
	DefaultQueryTimeout = 5 * time.Second
	// DefaultLockTimeout bounds the wait for an account lock.
	DefaultLockTimeout = 5 * time.Second
)

// withQueryTimeout applies timeout unless the context already carries a deadline.
func withQueryTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
