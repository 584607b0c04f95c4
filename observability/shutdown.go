package observability

import (
	"context"
	"fmt"
	"time"
)

// DefaultShutdownTimeout bounds Shutdown when ctx carries no deadline.
const DefaultShutdownTimeout = 10 * time.Second

// Shutdown flushes and stops provider. Without a deadline on ctx it waits at
// most DefaultShutdownTimeout.
func Shutdown(ctx context.Context, provider Provider) error {
	if provider == nil {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultShutdownTimeout)
		defer cancel()
	}

	if err := provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("observability shutdown failed: %w", err)
	}
	return nil
}
