// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jllopis/steward/pkg/errors"
)

// CallWithTimeout runs fn under a deadline. The caller is released as soon as
// the deadline passes even if fn ignores its context. A zero duration only
// propagates ctx.
func CallWithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := fn(callCtx)
		done <- result{value, err}
	}()

	var zero T
	select {
	case <-callCtx.Done():
		return zero, contextError(ctx, callCtx, d)
	case res := <-done:
		if res.err != nil && callCtx.Err() != nil && isContextErr(res.err) {
			return zero, contextError(ctx, callCtx, d)
		}
		return res.value, res.err
	}
}

func isContextErr(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}

func contextError(parent, call context.Context, d time.Duration) error {
	if parent.Err() != nil {
		return errors.New(errors.CodeCanceled, "operation canceled", parent.Err())
	}
	return errors.New(errors.CodeTimeout, "operation exceeded timeout", call.Err()).
		WithContext("timeout", d.String())
}
