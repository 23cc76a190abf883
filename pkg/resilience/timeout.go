package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/errors"
)

// WithTimeout runs fn under a deadline of timeout (none when timeout is not
// positive). fn runs on the calling goroutine and must honour ctx. A
// deadline error from fn becomes ErrTimeout; cancellation by the caller
// stays a context error.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(tctx)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", name, ctx.Err())
	case errors.Is(err, context.DeadlineExceeded) && tctx.Err() != nil:
		return apperrors.Newf(apperrors.ErrTimeout, 0, "%s exceeded %v", name, timeout)
	default:
		return err
	}
}
