package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/pingcap/errors"
)

// TimeoutError is returned when a call to an external collaborator did not
// finish within its budget.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// IsTimeout reports whether the cause of err is a *TimeoutError.
func IsTimeout(err error) bool {
	_, ok := errors.Cause(err).(*TimeoutError)
	return ok
}

// RunWithTimeout runs fn with a context bounded by timeout. The call returns
// as soon as the deadline passes even if fn ignores its context, so a stuck
// collaborator can never stall the caller. A non-positive timeout means no
// bound other than ctx.
func RunWithTimeout(ctx context.Context, op string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(cctx)
	}()

	select {
	case err := <-done:
		if err != nil && cctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return errors.Trace(&TimeoutError{Op: op, Timeout: timeout})
		}
		return err
	case <-cctx.Done():
		if ctx.Err() != nil {
			return errors.Trace(ctx.Err())
		}
		return errors.Trace(&TimeoutError{Op: op, Timeout: timeout})
	}
}
